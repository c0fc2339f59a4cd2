// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPool_SameKeySerializes(t *testing.T) {
	p := NewPool(4, 8)
	defer p.Close()

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Bool
		wg      sync.WaitGroup
	)
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		p.Submit(42, func(ctx context.Context) {
			defer wg.Done()
			require.False(t, running.Swap(true), "two tasks for the same key ran concurrently")
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Store(false)
		})
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPool_SizeMatchesRequestedWorkers(t *testing.T) {
	p := NewPool(4, 8)
	defer p.Close()
	assert.Equal(t, 4, p.Size())
}

func TestPool_SubmitAfterDelays(t *testing.T) {
	p := NewPool(2, 8)
	defer p.Close()

	start := time.Now()
	done := make(chan time.Duration, 1)
	p.SubmitAfter(1, 30*time.Millisecond, func(ctx context.Context) {
		done <- time.Since(start)
	})

	select {
	case d := <-done:
		assert.GreaterOrEqual(t, d.Milliseconds(), int64(25))
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestPool_CloseDrainsAndStops(t *testing.T) {
	p := NewPool(2, 8)
	var ran atomic.Bool
	p.Submit(7, func(ctx context.Context) { ran.Store(true) })
	p.Close()
	assert.True(t, ran.Load())
}
