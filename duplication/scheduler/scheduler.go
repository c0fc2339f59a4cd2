// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package scheduler implements the worker pool spec.md §5 describes: a
// fixed set of goroutines, each single-threaded by construction, to which
// tasks are routed by a hash of the partition id so that every step of
// one duplicator serializes onto one logical queue ("binds every step of
// one duplicator to one logical queue"). The host's periodic sync duty
// runs on its own ticker rather than this pool, since it is not
// partition-scoped.
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"

	_ "go.uber.org/automaxprocs" // tunes runtime.GOMAXPROCS from the cgroup quota on import

	"github.com/pegasus-kv/duplication/log"
)

// Task is one unit of scheduled work, identified by the partition hash
// that selects its worker. Tasks for the same key always observe program
// order relative to one another.
type Task struct {
	Key uint64
	Run func(ctx context.Context)
}

// Pool is the fixed worker pool. Its size defaults to
// runtime.GOMAXPROCS(0), which go.uber.org/automaxprocs has already
// adjusted for the container's cgroup CPU quota by the time Pool is
// constructed (spec.md §5, SPEC_FULL.md §2).
type Pool struct {
	logger  log.Logger
	workers []chan Task
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool starts size workers (or runtime.GOMAXPROCS(0) if size <= 0),
// each with an inbox of the given depth.
func NewPool(size, inboxDepth int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	if inboxDepth <= 0 {
		inboxDepth = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:  log.New("component", "scheduler"),
		workers: make([]chan Task, size),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range p.workers {
		p.workers[i] = make(chan Task, inboxDepth)
		p.wg.Add(1)
		go p.runWorker(i)
	}
	p.logger.Info("scheduler pool started", "workers", size)
	return p
}

func (p *Pool) runWorker(idx int) {
	defer p.wg.Done()
	inbox := p.workers[idx]
	for {
		// Drain whatever is already queued before honoring
		// cancellation, so Close's "wait for in-flight tasks to
		// drain" promise holds even for tasks enqueued just before
		// cancel() ran.
		select {
		case t := <-inbox:
			t.Run(p.ctx)
			continue
		default:
		}
		select {
		case <-p.ctx.Done():
			return
		case t := <-inbox:
			t.Run(p.ctx)
		}
	}
}

// Submit enqueues t on workers[key % len(workers)], per spec.md §5's
// thread-hash rule. It blocks if that worker's inbox is full, applying
// natural back-pressure rather than growing memory without bound.
func (p *Pool) Submit(key uint64, run func(ctx context.Context)) {
	idx := int(key % uint64(len(p.workers)))
	select {
	case p.workers[idx] <- Task{Key: key, Run: run}:
	case <-p.ctx.Done():
	}
}

// SubmitAfter schedules run on the same worker after delay, modeling the
// "delayed re-enqueue" suspension point spec.md §5 names (the
// LoadingFile/Reading 10s retries and the Shipping/Reading 1s retries).
// It never blocks the pool itself: the timer fires on its own goroutine
// and only the eventual Submit contends for the worker's inbox.
func (p *Pool) SubmitAfter(key uint64, delay time.Duration, run func(ctx context.Context)) {
	if delay <= 0 {
		p.Submit(key, run)
		return
	}
	time.AfterFunc(delay, func() {
		select {
		case <-p.ctx.Done():
		default:
			p.Submit(key, run)
		}
	})
}

// Close stops accepting new work and waits for every worker to drain the
// tasks already queued in its inbox and observe cancellation. No forced
// cancellation mid-task (spec.md §5): Close
// cancels the context workers check between tasks, but a Run already
// executing completes normally. Inboxes are deliberately left open
// rather than closed: a SubmitAfter timer that fires after Close must be
// able to attempt delivery without racing a send on a closed channel,
// and any task left sitting unread in a buffer is reclaimed by the
// garbage collector once the pool itself is dropped.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("scheduler pool stopped")
}

// Size reports the number of workers in the pool.
func (p *Pool) Size() int { return len(p.workers) }
