// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package batch implements the Mutation Batch from SPEC_FULL.md §4.2: a
// bounded, decree-ordered staging structure that admits prepared mutations
// out of order, detects a dense committed prefix, and drains it as a
// vector of wire Messages in strictly increasing decree order.
package batch

import (
	"fmt"

	"github.com/pegasus-kv/duplication/duplication"
)

// prepareList is the sliding window spec.md §4.2 describes: a bounded map
// from decree to the not-yet-committed Mutation parked there, plus the
// highest contiguous decree committed so far. Design Note 2
// (SPEC_FULL.md §9) replaces the source's commit-callback closure with a
// channel: prepareList never calls back into Batch directly, it only ever
// pushes onto committed.
type prepareList struct {
	capacity  int
	startedAt duplication.Decree // decree the window starts after; the first decree it commits is startedAt+1
	window    map[duplication.Decree]duplication.Mutation
	committed chan duplication.Mutation

	nextExpected duplication.Decree // lowest decree not yet committed
}

func newPrepareList(capacity int, startDecree duplication.Decree) *prepareList {
	return &prepareList{
		capacity:     capacity,
		startedAt:    startDecree,
		window:       make(map[duplication.Decree]duplication.Mutation, capacity),
		committed:    make(chan duplication.Mutation, capacity),
		nextExpected: startDecree + 1,
	}
}

// prepare inserts mu into the window at its decree slot, then repeatedly
// pops the minimum outstanding entry and, while it continues the
// contiguous committed prefix, pushes it onto the committed channel and
// advances nextExpected — exactly the algorithm in SPEC_FULL.md §4.2.
//
// Returns duplication.InvalidData if decree was already present (a
// duplicate decree within the window) or is at/before a decree already
// committed. Panics (fatal, per spec.md §3's invariant) if accepting mu
// would grow the window past capacity.
func (p *prepareList) prepare(mu duplication.Mutation) error {
	if mu.Decree <= p.nextExpected-1 {
		return duplication.NewError(duplication.InvalidData, fmt.Sprintf("decree %d already committed (next expected %d)", mu.Decree, p.nextExpected), nil)
	}
	if _, exists := p.window[mu.Decree]; exists {
		return duplication.NewError(duplication.InvalidData, fmt.Sprintf("duplicate decree %d in window", mu.Decree), nil)
	}
	if len(p.window) >= p.capacity {
		duplication.Fatalf(fatalLogger, "prepare-list overflow: upstream producer violated flow control",
			"capacity", p.capacity, "decree", mu.Decree, "nextExpected", p.nextExpected)
	}
	p.window[mu.Decree] = mu

	for {
		next, ok := p.window[p.nextExpected]
		if !ok {
			break
		}
		delete(p.window, p.nextExpected)
		p.committed <- next
		p.nextExpected++
	}
	return nil
}

// outstanding reports how many mutations are buffered awaiting a
// contiguous predecessor.
func (p *prepareList) outstanding() int { return len(p.window) }
