// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package host

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pegasus-kv/duplication/duplication"
	"github.com/pegasus-kv/duplication/log"
	"github.com/pegasus-kv/duplication/metrics"
)

// Host is the Duplication Host of spec.md §4.4: it owns replicas, runs
// their duplicators only while primary, and periodically reconciles
// progress with the meta server.
type Host struct {
	cfg     duplication.Config
	meta    MetaClient
	factory DuplicatorFactory
	logger  log.Logger

	connected atomic.Bool
	syncing   atomic.Bool

	mu       sync.RWMutex
	replicas map[duplication.Gpid]*Replica

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg duplication.Config, meta MetaClient, factory DuplicatorFactory) *Host {
	h := &Host{
		cfg:      cfg,
		meta:     meta,
		factory:  factory,
		logger:   log.New("component", "host"),
		replicas: make(map[duplication.Gpid]*Replica),
		stopCh:   make(chan struct{}),
	}
	h.connected.Store(true)
	return h
}

// AddReplica registers gpid with the host, primary or not. Calling this
// again for an already-registered gpid keeps the existing Replica and only
// updates its primary role, as SetPrimary does.
func (h *Host) AddReplica(gpid duplication.Gpid, isPrimary bool) *Replica {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.replicas[gpid]
	if !ok {
		r = newReplica(gpid)
		h.replicas[gpid] = r
	}
	r.setPrimary(isPrimary)
	return r
}

// SetPrimary updates a registered replica's role. Losing primary status
// pauses and drops its duplicators (spec.md §4.4 "Primary change").
func (h *Host) SetPrimary(gpid duplication.Gpid, isPrimary bool) {
	h.mu.RLock()
	r, ok := h.replicas[gpid]
	h.mu.RUnlock()
	if ok {
		r.setPrimary(isPrimary)
	}
}

// SetConnected reflects the transport layer's view of the meta
// connection; the periodic duty skips entirely while disconnected
// (spec.md §4.4 step 1).
func (h *Host) SetConnected(connected bool) { h.connected.Store(connected) }

// MinConfirmedDecree implements spec.md §4.5 for one replica. Unknown
// gpids return the "no barrier" infinity sentinel, matching a
// non-primary replica's result.
func (h *Host) MinConfirmedDecree(gpid duplication.Gpid) duplication.Decree {
	h.mu.RLock()
	r, ok := h.replicas[gpid]
	h.mu.RUnlock()
	if !ok {
		return duplication.Decree(1<<63 - 1)
	}
	return r.MinConfirmedDecree()
}

// Run starts the periodic sync duty on its own ticker (spec.md §4.4: "every
// duplication_sync_interval_ms"), independent of the duplicator worker
// pool since this duty is not partition-scoped.
func (h *Host) Run(ctx context.Context) {
	h.ticker = time.NewTicker(h.cfg.SyncInterval())
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case <-h.ticker.C:
				h.tick(ctx)
			}
		}
	}()
}

// Close stops the periodic duty. It does not touch any replica's
// duplicators; callers that want a full shutdown should also drop every
// replica via SetPrimary(gpid, false).
func (h *Host) Close() {
	close(h.stopCh)
	h.wg.Wait()
}

// tick runs one instance of the periodic duty (spec.md §4.4 steps 1-4).
func (h *Host) tick(ctx context.Context) {
	if !h.connected.Load() {
		return
	}
	if !h.syncing.CompareAndSwap(false, true) {
		return // a previous sync is still in-flight; single-flight gate
	}

	spanCtx, span := metrics.StartSpan(ctx, "host.sync_tick")
	defer span.End()

	go h.runSync(spanCtx)
}

func (h *Host) runSync(ctx context.Context) {
	defer h.syncing.Store(false) // unconditional release, scoped to this round

	primaries := h.primaryReplicas()
	if len(primaries) == 0 {
		return
	}

	confirms := h.collectConfirms(ctx, primaries)
	req := &SyncRequest{Confirms: confirms}

	resp, err := h.meta.DuplicationSync(ctx, req)
	if err != nil {
		h.logger.Warn("duplication_sync failed, will retry next tick", "err", err)
		return
	}
	if !resp.OK {
		h.logger.Warn("duplication_sync rejected by meta", "msg", resp.ErrorMessage)
		return
	}

	h.applyDupMap(ctx, resp.DupMap)
	h.applyConfirmedAcks(confirms)
}

func (h *Host) primaryReplicas() []*Replica {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Replica
	for _, r := range h.replicas {
		if r.IsPrimary() {
			out = append(out, r)
		}
	}
	return out
}

// collectConfirms fans step 3's collection out across replicas with
// errgroup since each replica's confirms() is independent and read-only
// under its own view lock (SPEC_FULL.md §4.4).
func (h *Host) collectConfirms(ctx context.Context, primaries []*Replica) map[int32][]ReplicaConfirms {
	var mu sync.Mutex
	out := make(map[int32][]ReplicaConfirms)

	g, _ := errgroup.WithContext(ctx)
	for _, r := range primaries {
		r := r
		g.Go(func() error {
			entries := r.confirms()
			if len(entries) == 0 {
				return nil
			}
			mu.Lock()
			out[r.Gpid.AppID] = append(out[r.Gpid.AppID], ReplicaConfirms{Gpid: r.Gpid, Entries: entries})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // every goroutine above is infallible; error is always nil
	return out
}

func (h *Host) applyDupMap(ctx context.Context, dupMap map[int32][]ReplicaDuplications) {
	h.mu.RLock()
	replicas := make(map[duplication.Gpid]*Replica, len(h.replicas))
	for gpid, r := range h.replicas {
		replicas[gpid] = r
	}
	h.mu.RUnlock()

	seenByAppID := make(map[int32]map[duplication.Gpid]struct{})
	for appID, perPartition := range dupMap {
		seen := make(map[duplication.Gpid]struct{}, len(perPartition))
		for _, pd := range perPartition {
			r, ok := replicas[pd.Gpid]
			if !ok || !r.IsPrimary() {
				continue
			}
			seen[pd.Gpid] = struct{}{}
			keep := make(map[duplication.DuplicationID]struct{}, len(pd.Entries))
			for _, entry := range pd.Entries {
				r.syncDuplication(ctx, entry, h.factory)
				keep[entry.Dupid] = struct{}{}
			}
			r.pruneMissing(keep)
		}
		seenByAppID[appID] = seen
	}

	// step 3's final clause: primaries of a reported app_id but absent
	// from that app_id's partition list lose all their duplicators. An
	// app_id entirely missing from dup_map is treated as "meta said
	// nothing about this app this round", not as "remove everything" —
	// a partial/short reply must not be able to wipe an app's
	// duplicators outright.
	for gpid, r := range replicas {
		if !r.IsPrimary() {
			continue
		}
		seen, ok := seenByAppID[gpid.AppID]
		if !ok {
			continue
		}
		if _, present := seen[gpid]; !present {
			r.pruneMissing(nil)
		}
	}
}

// applyConfirmedAcks advances confirmed_decree for everything this round
// sent, once resp.OK confirms the meta server accepted the round (spec.md
// §4.4 step 4's "acknowledged confirm-list entry in the request echo" —
// our SyncResponse doesn't echo the list back verbatim, so resp.OK itself
// is the acknowledgment and sent is reused as the echo).
func (h *Host) applyConfirmedAcks(sent map[int32][]ReplicaConfirms) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, perPartition := range sent {
		for _, rc := range perPartition {
			if r, ok := h.replicas[rc.Gpid]; ok {
				r.applyConfirmed(rc.Entries)
			}
		}
	}
}
