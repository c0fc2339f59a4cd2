// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package duplicator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pegasus-kv/duplication/duplication"
	"github.com/pegasus-kv/duplication/duplication/logreader"
	"github.com/pegasus-kv/duplication/duplication/scheduler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingHandler struct {
	mu       sync.Mutex
	received [][]duplication.Message
	failN    int32 // number of remaining calls to fail before succeeding
}

func (h *recordingHandler) Duplicate(ctx context.Context, msgs []duplication.Message) error {
	if atomic.AddInt32(&h.failN, -1) >= 0 {
		return duplication.NewError(duplication.Transient, "injected failure", nil)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := append([]duplication.Message(nil), msgs...)
	h.received = append(h.received, cp)
	return nil
}

func (h *recordingHandler) all() []duplication.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []duplication.Message
	for _, batch := range h.received {
		out = append(out, batch...)
	}
	return out
}

func fastConfig() duplication.Config {
	return duplication.Config{
		DuplicationSyncIntervalMs: 50,
		PrepareListCapacity:       16,
		RotationProbeDelayMs:      20,
		ShipRetryDelayMs:          5,
		IdlePollDelayMs:           20,
		InterBatchDelayMs:         1,
	}
}

func writeLog(t *testing.T, dir string, index int64, muts ...duplication.Mutation) string {
	t.Helper()
	path := logreader.FileName(dir, index, 0)
	w, err := logreader.CreateFileWriter(path)
	require.NoError(t, err)
	for _, mu := range muts {
		_, err := w.WriteBlock([]duplication.Mutation{mu})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return path
}

func mutation(decree duplication.Decree) duplication.Mutation {
	return duplication.Mutation{
		Decree:  decree,
		Ballot:  1,
		Updates: []duplication.Update{{Opcode: 1, SerializationTag: 0, Payload: []byte("x")}},
	}
}

type fakeReplicaRef struct {
	lastDurable duplication.Decree
}

func (r fakeReplicaRef) LastDurableDecree() duplication.Decree { return r.lastDurable }

func listDir(dir string) func() ([]string, error) {
	return func() ([]string, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, filepath.Join(dir, e.Name()))
		}
		return out, nil
	}
}

func TestDuplicator_ShipsInOrderAndAdvancesView(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 0, mutation(1), mutation(2), mutation(3))

	view := duplication.NewView(duplication.Entry{Dupid: 1, RemoteAddress: "remote:1", Status: duplication.StatusStart})
	pool := scheduler.NewPool(2, 8)
	defer pool.Close()
	handler := &recordingHandler{}

	d, err := New(duplication.Gpid{AppID: 1, PartitionIndex: 0}, 1, view, fastConfig(), pool, logreader.FileSource{}, listDir(dir), handler, fakeReplicaRef{})
	require.NoError(t, err)
	d.Start(context.Background())

	require.Eventually(t, func() bool {
		return view.LastDecree() == 3
	}, 2*time.Second, 5*time.Millisecond)

	got := handler.all()
	require.Len(t, got, 3)
	assert.Equal(t, duplication.Decree(1), got[0].Decree)
	assert.Equal(t, duplication.Decree(3), got[2].Decree)

	d.Pause()
	require.Eventually(t, func() bool { return d.Status() == Paused }, time.Second, 5*time.Millisecond)
}

func TestDuplicator_RotatesAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 0, mutation(1))
	writeLog(t, dir, 1, mutation(2))

	view := duplication.NewView(duplication.Entry{Dupid: 2, RemoteAddress: "remote:2", Status: duplication.StatusStart})
	pool := scheduler.NewPool(2, 8)
	defer pool.Close()
	handler := &recordingHandler{}

	d, err := New(duplication.Gpid{AppID: 1, PartitionIndex: 1}, 2, view, fastConfig(), pool, logreader.FileSource{}, listDir(dir), handler, fakeReplicaRef{})
	require.NoError(t, err)
	d.Start(context.Background())

	require.Eventually(t, func() bool {
		return view.LastDecree() == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDuplicator_RetriesShipOnError(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 0, mutation(1))

	view := duplication.NewView(duplication.Entry{Dupid: 3, RemoteAddress: "remote:3", Status: duplication.StatusStart})
	pool := scheduler.NewPool(2, 8)
	defer pool.Close()
	handler := &recordingHandler{failN: 2}

	d, err := New(duplication.Gpid{AppID: 2, PartitionIndex: 0}, 3, view, fastConfig(), pool, logreader.FileSource{}, listDir(dir), handler, fakeReplicaRef{})
	require.NoError(t, err)
	d.Start(context.Background())

	require.Eventually(t, func() bool {
		return view.LastDecree() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, handler.all(), 1)
}

func TestNew_RejectsLogTruncatedPastConfirmedDecree(t *testing.T) {
	dir := t.TempDir()
	view := duplication.NewView(duplication.Entry{Dupid: 5, RemoteAddress: "remote:5", Status: duplication.StatusPause, ConfirmedDecree: 100})
	pool := scheduler.NewPool(1, 1)
	defer pool.Close()

	_, err := New(duplication.Gpid{AppID: 4, PartitionIndex: 0}, 5, view, fastConfig(), pool,
		logreader.FileSource{}, listDir(dir), &recordingHandler{}, fakeReplicaRef{lastDurable: 150})
	require.Error(t, err)
	assert.Equal(t, duplication.TruncatedPastBarrier, duplication.CodeOf(err))
}

func TestNew_AcceptsLastDurableAtOrBelowConfirmedDecree(t *testing.T) {
	dir := t.TempDir()
	view := duplication.NewView(duplication.Entry{Dupid: 6, RemoteAddress: "remote:6", Status: duplication.StatusPause, ConfirmedDecree: 100})
	pool := scheduler.NewPool(1, 1)
	defer pool.Close()

	d, err := New(duplication.Gpid{AppID: 4, PartitionIndex: 1}, 6, view, fastConfig(), pool,
		logreader.FileSource{}, listDir(dir), &recordingHandler{}, fakeReplicaRef{lastDurable: 90})
	require.NoError(t, err)
	assert.Equal(t, duplication.Decree(100), view.LastDecree())
	d.Pause()
}

func TestDuplicator_NewStartsPaused(t *testing.T) {
	dir := t.TempDir()

	view := duplication.NewView(duplication.Entry{Dupid: 4, RemoteAddress: "remote:4", Status: duplication.StatusPause})
	pool := scheduler.NewPool(2, 8)
	defer pool.Close()
	handler := &recordingHandler{}

	d, err := New(duplication.Gpid{AppID: 3, PartitionIndex: 0}, 4, view, fastConfig(), pool, logreader.FileSource{}, listDir(dir), handler, fakeReplicaRef{})
	require.NoError(t, err)
	assert.Equal(t, Paused, d.Status())
}
