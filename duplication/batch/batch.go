// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package batch

import (
	"github.com/pegasus-kv/duplication/duplication"
	"github.com/pegasus-kv/duplication/log"
)

var fatalLogger = log.New("component", "batch")

// Batch is the Mutation Batch of SPEC_FULL.md §4.2: it accepts mutations
// read off the private log in whatever order the reader delivers them
// (which, within a log block, is already decree-ascending, but successive
// blocks and rotation can still interleave retries) and exposes only the
// dense, gap-free, strictly increasing committed prefix as Messages ready
// to ship.
type Batch struct {
	list *prepareList
	out  []duplication.Message
}

// New creates a Batch whose window starts immediately after startDecree
// (the duplicator's current last_decree, per spec.md §4.3's state) with
// the given capacity. A capacity <= 0 uses duplication.PrepareListCapacity.
func New(capacity int, startDecree duplication.Decree) *Batch {
	if capacity <= 0 {
		capacity = duplication.PrepareListCapacity
	}
	return &Batch{list: newPrepareList(capacity, startDecree)}
}

// Add stages mu. If mu extends the contiguous committed prefix (possibly
// together with mutations already buffered), the newly committed
// mutations are appended, in decree order, to the batch's drainable
// output. Add never blocks: the prepare-list's commit channel is always
// sized to its capacity, so a successful prepare() can never stall on
// send.
func (b *Batch) Add(mu duplication.Mutation) error {
	if err := b.list.prepare(mu); err != nil {
		return err
	}
	for {
		select {
		case m := <-b.list.committed:
			b.out = append(b.out, duplication.Message{Decree: m.Decree, Ballot: m.Ballot, Updates: m.Updates})
		default:
			return nil
		}
	}
}

// Drain returns every Message committed since the last Drain, in decree
// order, and clears the batch's output buffer. The caller owns the
// returned slice.
func (b *Batch) Drain() []duplication.Message {
	if len(b.out) == 0 {
		return nil
	}
	out := b.out
	b.out = nil
	return out
}

// Empty reports whether the batch currently has nothing to drain.
func (b *Batch) Empty() bool { return len(b.out) == 0 }

// LastDecree is the highest decree so far folded into the committed
// prefix (equivalently, nextExpected-1).
func (b *Batch) LastDecree() duplication.Decree { return b.list.nextExpected - 1 }

// Outstanding is the number of mutations parked in the window awaiting a
// contiguous predecessor — useful for the duplicator's Reading-state
// decision of whether to keep pulling from the log reader or to ship what
// it already has (spec.md §4.3).
func (b *Batch) Outstanding() int { return b.list.outstanding() }
