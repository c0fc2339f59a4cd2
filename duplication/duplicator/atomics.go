// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package duplicator

import "sync/atomic"

// atomicBool backs the paused flag spec.md §5 calls out explicitly as an
// atomic read on every re-entry, with no mid-step preemption required.
type atomicBool struct{ v atomic.Bool }

func (b *atomicBool) set(val bool) { b.v.Store(val) }
func (b *atomicBool) get() bool    { return b.v.Load() }

// atomicState lets Status() be read concurrently with the worker
// goroutine's own step() execution without a data race, even though only
// the worker ever writes it.
type atomicState struct{ v atomic.Int32 }

func (s *atomicState) set(val State) { s.v.Store(int32(val)) }
func (s *atomicState) get() State    { return State(s.v.Load()) }
