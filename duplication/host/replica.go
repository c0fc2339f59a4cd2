// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package host

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pegasus-kv/duplication/duplication"
	"github.com/pegasus-kv/duplication/duplication/duplicator"
	"github.com/pegasus-kv/duplication/log"
)

var replicaLogger = log.New("component", "host.replica")

// DuplicatorFactory builds a fully wired Duplicator for (gpid, entry),
// sharing view with the host. The embedder supplies this: it is the only
// place that knows how to reach the partition's private log and the
// remote cluster's backlog handler for entry.RemoteAddress (both named
// external collaborators in spec.md §1), and how to answer the
// duplicator.ReplicaRef capability query used to validate the
// log-truncation invariant. A non-nil error here is always the
// TruncatedPastBarrier the ctor reports on that invariant's violation
// (spec.md §3) and is fatal.
type DuplicatorFactory func(gpid duplication.Gpid, entry duplication.Entry, view *duplication.View) (*duplicator.Duplicator, error)

type replicaDup struct {
	view *duplication.View
	dup  *duplicator.Duplicator
}

// Replica is the Host's per-partition stub: spec.md §3's ownership rule
// says a replica exclusively owns its duplicators.
type Replica struct {
	Gpid duplication.Gpid

	primary atomic.Bool

	mu          sync.RWMutex
	duplicators map[duplication.DuplicationID]*replicaDup
}

func newReplica(gpid duplication.Gpid) *Replica {
	return &Replica{Gpid: gpid, duplicators: make(map[duplication.DuplicationID]*replicaDup)}
}

func (r *Replica) IsPrimary() bool { return r.primary.Load() }

func (r *Replica) setPrimary(isPrimary bool) {
	wasPrimary := r.primary.Swap(isPrimary)
	if wasPrimary && !isPrimary {
		r.dropAll()
	}
}

// dropAll implements spec.md §4.4's "primary change" rule: duplicators
// are paused, then dropped once their pending tasks finish. This
// simplified model pauses every duplicator (the state machine guarantees
// any in-flight step completes and then observes paused without
// re-enqueuing) and removes them from the map immediately afterward; the
// duplicator itself becomes unreachable garbage once its last step
// returns.
func (r *Replica) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for dupid, rd := range r.duplicators {
		rd.dup.Pause()
		delete(r.duplicators, dupid)
	}
}

// syncDuplication applies one meta-reported Duplication Entry to this
// replica, per spec.md §4.4 step 3's per-entry rule.
func (r *Replica) syncDuplication(ctx context.Context, entry duplication.Entry, factory DuplicatorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rd, exists := r.duplicators[entry.Dupid]

	if entry.Status == duplication.StatusRemoved {
		if exists {
			rd.dup.Pause()
			delete(r.duplicators, entry.Dupid)
		}
		return
	}

	if !exists {
		view := duplication.NewView(entry)
		dup, err := factory(r.Gpid, entry, view)
		if err != nil {
			duplication.Fatalf(replicaLogger, "log-truncation invariant violated creating duplicator",
				"gpid", r.Gpid.String(), "dupid", entry.Dupid, "err", err)
		}
		rd = &replicaDup{view: view, dup: dup}
		r.duplicators[entry.Dupid] = rd
	}

	if cur := rd.view.Status(); cur != entry.Status {
		switch entry.Status {
		case duplication.StatusInit:
			// a freshly created entry reported as still INIT: the
			// duplicator above is already in place and Paused, nothing
			// further to do until meta reports START.
		case duplication.StatusStart:
			rd.dup.Start(ctx)
		case duplication.StatusPause:
			rd.dup.Pause()
		default:
			duplication.Fatalf(replicaLogger, "sync_duplication: unrecognized meta status", "status", entry.Status)
		}
		rd.view.SetStatus(entry.Status)
	}
}

// pruneMissing removes every duplicator not named in keep, per spec.md
// §4.4 step 3's "not present in dup_map" rule.
func (r *Replica) pruneMissing(keep map[duplication.DuplicationID]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for dupid, rd := range r.duplicators {
		if _, ok := keep[dupid]; !ok {
			rd.dup.Pause()
			delete(r.duplicators, dupid)
		}
	}
}

// confirms collects (dupid, last_decree) pairs whose last_decree differs
// from confirmed_decree — progress worth persisting (spec.md §4.4 step 3).
func (r *Replica) confirms() []duplication.ConfirmEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []duplication.ConfirmEntry
	for dupid, rd := range r.duplicators {
		snap := rd.view.Snapshot()
		if snap.LastDecree != snap.ConfirmedDecree {
			out = append(out, duplication.ConfirmEntry{Dupid: dupid, ConfirmedDecree: snap.LastDecree})
		}
	}
	return out
}

// applyConfirmed advances confirmed_decree on the acknowledged entries
// (spec.md §4.4 step 4).
func (r *Replica) applyConfirmed(acked []duplication.ConfirmEntry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range acked {
		if rd, ok := r.duplicators[c.Dupid]; ok {
			rd.view.AdvanceConfirmedDecree(c.ConfirmedDecree)
		}
	}
}

// MinConfirmedDecree implements spec.md §4.5: the log-GC barrier is the
// minimum confirmed_decree over duplicators whose status is not REMOVED;
// math.MaxInt64 ("infinity") if there are none, or if the replica is not
// primary.
func (r *Replica) MinConfirmedDecree() duplication.Decree {
	if !r.IsPrimary() {
		return math.MaxInt64
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	min := duplication.Decree(math.MaxInt64)
	for _, rd := range r.duplicators {
		snap := rd.view.Snapshot()
		if snap.Status == duplication.StatusRemoved {
			continue
		}
		if snap.ConfirmedDecree < min {
			min = snap.ConfirmedDecree
		}
	}
	return min
}
