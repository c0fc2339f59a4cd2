// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package duplication holds the data model shared by every package in this
// module: the per-partition identifier, the mutation/update wire shapes,
// the duplication entry the meta server hands down, and the in-memory view
// a duplicator and the host both touch. See SPEC_FULL.md §3.
package duplication

import "fmt"

// Decree is a per-partition, monotonically increasing sequence number for
// a committed mutation. It never decreases on a given primary.
type Decree = int64

// InvalidDecree is used where no decree has been observed yet.
const InvalidDecree Decree = 0

// Gpid identifies a partition: (app_id, partition_index), stable for the
// partition's life.
type Gpid struct {
	AppID          int32
	PartitionIndex int32
}

func (g Gpid) String() string {
	return fmt.Sprintf("%d.%d", g.AppID, g.PartitionIndex)
}

// Hash is used by the scheduler package to route every task touching this
// partition onto the same worker, serializing them the way spec.md §5
// requires ("thread-hash derived from the partition id").
func (g Gpid) Hash() uint64 {
	// FNV-1a over the two int32 fields, kept local so the scheduler package
	// doesn't need to import a hashing library for two integers.
	h := uint64(14695981039346656037)
	for _, v := range [2]int32{g.AppID, g.PartitionIndex} {
		b := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
		for _, c := range b {
			h ^= uint64(c)
			h *= 1099511628211
		}
	}
	return h
}

// Update is one opaque, type-erased field change within a Mutation: an
// opcode, a serialization tag describing how Payload was encoded, and the
// opaque payload bytes themselves. The duplicator never interprets these;
// see Design Note 4 (§9) in SPEC_FULL.md.
type Update struct {
	Opcode           int32
	SerializationTag int32
	Payload          []byte
}

// Mutation is a single committed write at a given decree/ballot, carrying
// one or more Updates. It is immutable once prepared.
type Mutation struct {
	Decree  Decree
	Ballot  int64
	Updates []Update
}

// Message is one outgoing wire entry the batch emits for the remote
// backlog handler: one committed mutation's decree, ballot and updates.
// The batch emits one Message per committed mutation.
type Message struct {
	Decree  Decree
	Ballot  int64
	Updates []Update
}

// DuplicationStatus is the authoritative status the meta server assigns to
// a duplication relationship.
type DuplicationStatus int32

const (
	StatusInit DuplicationStatus = iota
	StatusStart
	StatusPause
	StatusRemoved
)

func (s DuplicationStatus) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusStart:
		return "START"
	case StatusPause:
		return "PAUSE"
	case StatusRemoved:
		return "REMOVED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// DuplicationID is the 32-bit identifier of a duplication relationship.
type DuplicationID = uint32

// Entry is the Duplication Entry the meta server hands down: created by an
// operator, status mutated by the operator or by the host on
// reconciliation.
type Entry struct {
	Dupid           DuplicationID
	RemoteAddress   string
	Status          DuplicationStatus
	ConfirmedDecree Decree
}

// ConfirmEntry is the ephemeral (dupid, confirmed_decree) pair the host
// builds for the duplication_sync request and the meta server acknowledges
// in its reply.
type ConfirmEntry struct {
	Dupid           DuplicationID
	ConfirmedDecree Decree
}
