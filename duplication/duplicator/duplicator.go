// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package duplicator implements the Duplicator state machine of
// SPEC_FULL.md §4.3: Paused / LoadingFile / Reading / Shipping, one
// instance per (partition, duplication-id), cooperatively scheduled onto
// a single partition-hashed worker so every step serializes (spec.md §5).
package duplicator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/pegasus-kv/duplication/duplication"
	"github.com/pegasus-kv/duplication/duplication/batch"
	"github.com/pegasus-kv/duplication/duplication/logreader"
	"github.com/pegasus-kv/duplication/duplication/scheduler"
	"github.com/pegasus-kv/duplication/log"
	"github.com/pegasus-kv/duplication/metrics"
)

// State is the duplicator's own run state, distinct from the
// duplication.DuplicationStatus the meta server assigns the relationship
// (spec.md §4.3 vs §4.4).
type State int32

const (
	Paused State = iota
	LoadingFile
	Reading
	Shipping
)

func (s State) String() string {
	switch s {
	case Paused:
		return "PAUSED"
	case LoadingFile:
		return "LOADING_FILE"
	case Reading:
		return "READING"
	case Shipping:
		return "SHIPPING"
	default:
		return "UNKNOWN"
	}
}

// BacklogHandler ships a batch of messages to the remote cluster. It must
// be idempotent: on error the caller retries with the identical slice
// (spec.md §6, at-least-once delivery).
type BacklogHandler interface {
	Duplicate(ctx context.Context, msgs []duplication.Message) error
}

// FileLister lists the candidate log files for a partition's private log
// (a directory listing, or whatever storage the embedder uses). The log
// file format itself is out of scope (spec.md §1); only the naming
// convention (logreader.OpenLogFileMap) is interpreted here.
type FileLister func() ([]string, error)

// ReplicaRef is the weak back-reference spec.md §9's Design Note prescribes
// in place of an ownership edge from the duplicator to its replica: a small
// capability surface the embedder implements against its own replica type,
// queried at construction time and never retained beyond that.
type ReplicaRef interface {
	// LastDurableDecree reports the highest decree the replica has
	// durably written to its private log.
	LastDurableDecree() duplication.Decree
}

// Duplicator is one (partition, duplication-id) state machine instance.
type Duplicator struct {
	Gpid  duplication.Gpid
	Dupid duplication.DuplicationID

	view    *duplication.View
	cfg     duplication.Config
	pool    *scheduler.Pool
	source  logreader.Source
	list    FileLister
	handler BacklogHandler
	logger  log.Logger
	limiter *rate.Limiter

	paused atomicBool
	state  atomicState

	batch           *batch.Batch
	cursorFile      string
	cursorOffset    int64
	cursorFromStart bool
	pending         []duplication.Message // drained vector currently being shipped, preserved across ship retries
}

// New constructs a Duplicator in its initial Paused state with
// last_decree = entry's confirmed_decree (spec.md §4.3), sharing view
// with whoever else (the host) holds a reference to the same partition's
// duplicators.
//
// Construction validates the log-truncation invariant (spec.md §3):
// last_durable_decree_of_replica > confirmed_decree means the private log
// this duplicator would read from has already been truncated past what
// the remote side confirmed, an unrecoverable consistency violation. That
// is reported as a TruncatedPastBarrier error rather than panicking here,
// so the caller (who holds the logger tied to this relationship) decides
// how to surface it, per the ctor row of spec.md's error table.
func New(gpid duplication.Gpid, dupid duplication.DuplicationID, view *duplication.View, cfg duplication.Config, pool *scheduler.Pool, source logreader.Source, list FileLister, handler BacklogHandler, replica ReplicaRef) (*Duplicator, error) {
	confirmed := view.ConfirmedDecree()
	if durable := replica.LastDurableDecree(); durable > confirmed {
		return nil, duplication.NewError(duplication.TruncatedPastBarrier,
			fmt.Sprintf("replica last_durable_decree %d exceeds confirmed_decree %d", durable, confirmed), nil)
	}

	d := &Duplicator{
		Gpid:    gpid,
		Dupid:   dupid,
		view:    view,
		cfg:     cfg,
		pool:    pool,
		source:  source,
		list:    list,
		handler: handler,
		logger:  log.New("component", "duplicator", "gpid", gpid.String(), "dupid", dupid),
		limiter: rate.NewLimiter(rate.Every(cfg.InterBatchDelay()), 1),
	}
	d.paused.set(true)
	d.state.set(Paused)
	d.batch = batch.New(cfg.PrepareListCapacityOrDefault(), view.LastDecree())
	return d, nil
}

// Status reports the duplicator's current run state, for tests and
// observability.
func (d *Duplicator) Status() State { return d.state.get() }

// Start transitions Paused -> LoadingFile (spec.md §4.3's start() event),
// enqueuing the first step on the partition-hashed worker.
func (d *Duplicator) Start(ctx context.Context) {
	d.paused.set(false)
	d.state.set(LoadingFile)
	d.pool.Submit(d.Gpid.Hash(), d.step)
}

// Pause sets the atomic flag spec.md §5's cancellation model describes:
// the next scheduled step observes it and returns without re-enqueuing,
// landing the duplicator in Paused. There is no forced cancellation
// mid-I/O: a ship already underway is allowed to finish, a successful
// ship still records its last decree in the view, and the step scheduled
// after it observes the flag and lands in Paused.
func (d *Duplicator) Pause() {
	d.paused.set(true)
}

// step is the single entry point the scheduler pool re-invokes for every
// transition; because it always runs on the worker selected by
// Gpid.Hash(), no two steps of the same duplicator ever run concurrently.
func (d *Duplicator) step(ctx context.Context) {
	if d.paused.get() {
		d.state.set(Paused)
		return
	}

	spanCtx, span := metrics.StartSpan(ctx, "duplicator.step",
		"gpid", d.Gpid.String(), "state", d.state.get().String())
	defer span.End()

	switch d.state.get() {
	case LoadingFile:
		d.stepLoadingFile(spanCtx)
	case Reading:
		d.stepReading(spanCtx)
	case Shipping:
		d.stepShipping(spanCtx)
	default:
		d.state.set(LoadingFile)
		d.reenqueue(0)
	}
}

func (d *Duplicator) reenqueue(delay time.Duration) {
	if delay <= 0 {
		d.pool.Submit(d.Gpid.Hash(), d.step)
		return
	}
	d.pool.SubmitAfter(d.Gpid.Hash(), delay, d.step)
}

func (d *Duplicator) stepLoadingFile(ctx context.Context) {
	files, err := d.list()
	if err != nil {
		d.logger.Warn("list log files failed, retrying", "err", err)
		d.reenqueue(d.cfg.RotationProbeDelay())
		return
	}
	info, ok := logreader.FindLogFileWithMinIndex(files)
	if !ok {
		d.reenqueue(d.cfg.RotationProbeDelay())
		return
	}
	d.cursorFile = info.Path
	d.cursorOffset = 0
	d.cursorFromStart = true
	d.state.set(Reading)
	d.reenqueue(0)
}

func (d *Duplicator) stepReading(ctx context.Context) {
	err := d.source.ReplayBlock(d.cursorFile, func(_ int, mu duplication.Mutation) {
		if addErr := d.batch.Add(mu); addErr != nil {
			d.logger.Warn("dropping mutation rejected by batch", "decree", mu.Decree, "err", addErr)
		}
	}, d.cursorFromStart, &d.cursorOffset)
	d.cursorFromStart = false

	code := duplication.CodeOf(err)
	switch code {
	case duplication.Eof:
		if !d.batch.Empty() {
			d.pending = d.batch.Drain()
			d.state.set(Shipping)
			d.reenqueue(0)
			return
		}
		if d.tryRotate() {
			d.state.set(Reading)
			d.reenqueue(0)
			return
		}
		d.reenqueue(d.cfg.IdlePollDelay())
	case duplication.Transient, duplication.Corrupt:
		d.logger.Debug("transient read error, waiting for writer", "err", err)
		d.reenqueue(d.cfg.IdlePollDelay())
	case duplication.Fatal:
		duplication.Fatalf(d.logger, "log reader reported a fatal error", "file", d.cursorFile, "err", err)
	default:
		duplication.Fatalf(d.logger, "log reader returned an unrecognized error code", "code", code, "err", err)
	}
}

// tryRotate implements spec.md §4.3's rotation rule: if a file with the
// current file's index+1 exists in the log directory, switch the cursor
// to it with from_start = true. The next file's start offset is not
// compared with the byte offset at which the current file ended.
func (d *Duplicator) tryRotate() bool {
	files, err := d.list()
	if err != nil {
		return false
	}
	curInfo, ok := logreader.OpenLogFileMap(files)[currentIndexOf(d.cursorFile)]
	if !ok {
		return false
	}
	next, ok := logreader.NextFile(files, curInfo.Index)
	if !ok {
		return false
	}
	d.cursorFile = next.Path
	d.cursorOffset = 0
	d.cursorFromStart = true
	return true
}

func (d *Duplicator) stepShipping(ctx context.Context) {
	if err := d.limiter.Wait(ctx); err != nil {
		// context canceled out from under us; let the next scheduled
		// step (if any) re-observe paused/ctx state.
		return
	}
	err := d.handler.Duplicate(ctx, d.pending)
	if err == nil {
		d.view.SetLastDecree(lastDecreeOf(d.pending))
		d.pending = nil
		d.state.set(Reading)
		d.reenqueue(d.cfg.InterBatchDelay())
		return
	}
	d.logger.Warn("ship failed, retrying with same batch", "err", err, "count", len(d.pending))
	d.state.set(Shipping)
	d.reenqueue(d.cfg.ShipRetryDelay())
}

func lastDecreeOf(msgs []duplication.Message) duplication.Decree {
	var max duplication.Decree
	for _, m := range msgs {
		if m.Decree > max {
			max = m.Decree
		}
	}
	return max
}

// currentIndexOf recovers the log index of the duplicator's current
// cursor file by re-parsing its name through the same naming convention
// logreader uses, rather than caching it separately.
func currentIndexOf(path string) int64 {
	info, ok := logreader.FindLogFileWithMinIndex([]string{path})
	if !ok {
		return -1
	}
	return info.Index
}
