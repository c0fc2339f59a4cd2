// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package duplication

import "time"

// PrepareListCapacity is the hard cap on outstanding uncommitted entries a
// Mutation Batch will hold (spec.md §3's invariant); overflow is fatal.
const PrepareListCapacity = 200

// Config carries the options spec.md §9 recognizes. The duplication core
// takes these as a plain struct rather than reading a global/command-line
// config (Design Note "Global state" in SPEC_FULL.md §9): CLI and
// config-file parsing remain the embedder's concern.
type Config struct {
	// DuplicationSyncIntervalMs is the period of the host's sync timer.
	DuplicationSyncIntervalMs int64
	// PrepareListCapacity is the size of the batch's sliding window.
	// Defaults to the package constant PrepareListCapacity (200) when zero.
	PrepareListCapacity int
	// RotationProbeDelayMs is the delay when no further log file is
	// available.
	RotationProbeDelayMs int64
	// ShipRetryDelayMs is the backoff on remote transport error.
	ShipRetryDelayMs int64
	// IdlePollDelayMs is the delay when the batch is empty and there are
	// no new commits on disk.
	IdlePollDelayMs int64
	// InterBatchDelayMs paces successive successful ships.
	InterBatchDelayMs int64
}

// DefaultConfig returns the option values spec.md §9's table lists.
func DefaultConfig() Config {
	return Config{
		DuplicationSyncIntervalMs: 10_000,
		PrepareListCapacity:       PrepareListCapacity,
		RotationProbeDelayMs:      10_000,
		ShipRetryDelayMs:          1_000,
		IdlePollDelayMs:           10_000,
		InterBatchDelayMs:         1_000,
	}
}

// PrepareListCapacityOrDefault returns PrepareListCapacity, falling back to
// the package default when unset.
func (c Config) PrepareListCapacityOrDefault() int {
	if c.PrepareListCapacity <= 0 {
		return PrepareListCapacity
	}
	return c.PrepareListCapacity
}

func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.DuplicationSyncIntervalMs) * time.Millisecond
}

func (c Config) RotationProbeDelay() time.Duration {
	return time.Duration(c.RotationProbeDelayMs) * time.Millisecond
}

func (c Config) ShipRetryDelay() time.Duration {
	return time.Duration(c.ShipRetryDelayMs) * time.Millisecond
}

func (c Config) IdlePollDelay() time.Duration {
	return time.Duration(c.IdlePollDelayMs) * time.Millisecond
}

func (c Config) InterBatchDelay() time.Duration {
	return time.Duration(c.InterBatchDelayMs) * time.Millisecond
}
