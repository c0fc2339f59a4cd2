// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package host

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pegasus-kv/duplication/duplication"
	"github.com/pegasus-kv/duplication/duplication/duplicator"
	"github.com/pegasus-kv/duplication/duplication/logreader"
	"github.com/pegasus-kv/duplication/duplication/scheduler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeHandler struct{}

func (fakeHandler) Duplicate(ctx context.Context, msgs []duplication.Message) error { return nil }

type fakeMeta struct {
	mu       sync.Mutex
	handler  func(*SyncRequest) *SyncResponse
	requests []*SyncRequest
}

func (m *fakeMeta) DuplicationSync(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	h := m.handler
	m.mu.Unlock()
	return h(req), nil
}

func testConfig() duplication.Config {
	return duplication.Config{
		DuplicationSyncIntervalMs: 15,
		PrepareListCapacity:       16,
		RotationProbeDelayMs:      20,
		ShipRetryDelayMs:          5,
		IdlePollDelayMs:           20,
		InterBatchDelayMs:         1,
	}
}

type zeroReplicaRef struct{}

func (zeroReplicaRef) LastDurableDecree() duplication.Decree { return 0 }

func noopFactory(pool *scheduler.Pool) DuplicatorFactory {
	return func(gpid duplication.Gpid, entry duplication.Entry, view *duplication.View) (*duplicator.Duplicator, error) {
		return duplicator.New(gpid, entry.Dupid, view, testConfig(), pool,
			noopSource{}, func() ([]string, error) { return nil, nil }, fakeHandler{}, zeroReplicaRef{})
	}
}

type noopSource struct{}

func (noopSource) ReplayBlock(file string, visitor logreader.Visitor, fromStart bool, cursor *int64) error {
	return duplication.NewError(duplication.Eof, "no files", nil)
}

func TestHost_SyncCreatesStartsAndPrunesDuplicators(t *testing.T) {
	pool := scheduler.NewPool(2, 8)
	defer pool.Close()
	gpid := duplication.Gpid{AppID: 1, PartitionIndex: 0}

	meta := &fakeMeta{}
	meta.handler = func(req *SyncRequest) *SyncResponse {
		return &SyncResponse{
			OK: true,
			DupMap: map[int32][]ReplicaDuplications{
				1: {{Gpid: gpid, Entries: []duplication.Entry{
					{Dupid: 1, RemoteAddress: "r1", Status: duplication.StatusStart},
				}}},
			},
		}
	}

	h := New(testConfig(), meta, noopFactory(pool))
	h.AddReplica(gpid, true)
	h.Run(context.Background())
	defer h.Close()

	require.Eventually(t, func() bool {
		r := h.replicas[gpid]
		r.mu.RLock()
		defer r.mu.RUnlock()
		rd, ok := r.duplicators[1]
		return ok && rd.dup.Status() != duplicator.Paused
	}, time.Second, 5*time.Millisecond)

	// meta now drops dupid 1 entirely.
	meta.mu.Lock()
	meta.handler = func(req *SyncRequest) *SyncResponse {
		return &SyncResponse{OK: true, DupMap: map[int32][]ReplicaDuplications{
			1: {{Gpid: gpid, Entries: nil}},
		}}
	}
	meta.mu.Unlock()

	require.Eventually(t, func() bool {
		r := h.replicas[gpid]
		r.mu.RLock()
		defer r.mu.RUnlock()
		_, ok := r.duplicators[1]
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestHost_InitStatusCreatesDuplicatorWithoutStarting(t *testing.T) {
	pool := scheduler.NewPool(2, 8)
	defer pool.Close()
	gpid := duplication.Gpid{AppID: 5, PartitionIndex: 0}

	meta := &fakeMeta{}
	meta.handler = func(req *SyncRequest) *SyncResponse {
		return &SyncResponse{
			OK: true,
			DupMap: map[int32][]ReplicaDuplications{
				5: {{Gpid: gpid, Entries: []duplication.Entry{
					{Dupid: 1, RemoteAddress: "r1", Status: duplication.StatusInit},
				}}},
			},
		}
	}

	h := New(testConfig(), meta, noopFactory(pool))
	h.AddReplica(gpid, true)
	h.Run(context.Background())
	defer h.Close()

	require.Eventually(t, func() bool {
		r := h.replicas[gpid]
		r.mu.RLock()
		defer r.mu.RUnlock()
		_, ok := r.duplicators[1]
		return ok
	}, time.Second, 5*time.Millisecond)

	r := h.replicas[gpid]
	r.mu.RLock()
	rd := r.duplicators[1]
	r.mu.RUnlock()
	assert.Equal(t, duplicator.Paused, rd.dup.Status())
}

func TestHost_DisconnectedSkipsTick(t *testing.T) {
	pool := scheduler.NewPool(2, 8)
	defer pool.Close()

	meta := &fakeMeta{handler: func(req *SyncRequest) *SyncResponse {
		return &SyncResponse{OK: true}
	}}
	h := New(testConfig(), meta, noopFactory(pool))
	h.SetConnected(false)
	h.Run(context.Background())
	defer h.Close()

	time.Sleep(50 * time.Millisecond)
	meta.mu.Lock()
	n := len(meta.requests)
	meta.mu.Unlock()
	assert.Equal(t, 0, n)
}

func TestMinConfirmedDecree_NoDuplicatorsIsInfinity(t *testing.T) {
	pool := scheduler.NewPool(2, 8)
	defer pool.Close()
	meta := &fakeMeta{handler: func(req *SyncRequest) *SyncResponse { return &SyncResponse{OK: true} }}
	h := New(testConfig(), meta, noopFactory(pool))
	gpid := duplication.Gpid{AppID: 2, PartitionIndex: 0}
	h.AddReplica(gpid, true)

	assert.Equal(t, duplication.Decree(math.MaxInt64), h.MinConfirmedDecree(gpid))
}

func TestMinConfirmedDecree_NonPrimaryIsInfinity(t *testing.T) {
	pool := scheduler.NewPool(2, 8)
	defer pool.Close()
	meta := &fakeMeta{handler: func(req *SyncRequest) *SyncResponse { return &SyncResponse{OK: true} }}
	h := New(testConfig(), meta, noopFactory(pool))
	gpid := duplication.Gpid{AppID: 3, PartitionIndex: 0}
	h.AddReplica(gpid, false)

	assert.Equal(t, duplication.Decree(math.MaxInt64), h.MinConfirmedDecree(gpid))
}

func TestHost_UnknownGpidIsInfinity(t *testing.T) {
	pool := scheduler.NewPool(2, 8)
	defer pool.Close()
	meta := &fakeMeta{handler: func(req *SyncRequest) *SyncResponse { return &SyncResponse{OK: true} }}
	h := New(testConfig(), meta, noopFactory(pool))

	assert.Equal(t, duplication.Decree(math.MaxInt64), h.MinConfirmedDecree(duplication.Gpid{AppID: 99}))
}
