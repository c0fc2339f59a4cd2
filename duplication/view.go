// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package duplication

import "sync"

// View is the in-memory (dupid, last_decree, confirmed_decree, status)
// tuple shared between the duplicator (sole writer of LastDecree) and the
// host (sole writer of ConfirmedDecree, and the only reader besides the
// duplicator itself). spec.md §3 assigns it a readers-writer lock; nothing
// here ever blocks while holding it (spec.md §5).
type View struct {
	mu sync.RWMutex

	dupid           DuplicationID
	remoteAddress   string
	lastDecree      Decree
	confirmedDecree Decree
	status          DuplicationStatus
}

// NewView constructs a view in its initial state: spec.md §4.3 says a
// duplicator starts Paused with last_decree = entry.confirmed_decree.
func NewView(entry Entry) *View {
	return &View{
		dupid:           entry.Dupid,
		remoteAddress:   entry.RemoteAddress,
		lastDecree:      entry.ConfirmedDecree,
		confirmedDecree: entry.ConfirmedDecree,
		status:          StatusPause,
	}
}

// Snapshot is an immutable copy of a View's fields, safe to pass around
// without holding any lock.
type Snapshot struct {
	Dupid           DuplicationID
	RemoteAddress   string
	LastDecree      Decree
	ConfirmedDecree Decree
	Status          DuplicationStatus
}

func (v *View) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return Snapshot{
		Dupid:           v.dupid,
		RemoteAddress:   v.remoteAddress,
		LastDecree:      v.lastDecree,
		ConfirmedDecree: v.confirmedDecree,
		Status:          v.status,
	}
}

func (v *View) LastDecree() Decree {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastDecree
}

func (v *View) ConfirmedDecree() Decree {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.confirmedDecree
}

func (v *View) Status() DuplicationStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.status
}

// SetLastDecree is called only by the owning duplicator, after a
// successful ship (spec.md §4.3 Shipping -> Reading transition).
func (v *View) SetLastDecree(d Decree) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if d > v.lastDecree {
		v.lastDecree = d
	}
}

// AdvanceConfirmedDecree is called only by the host, on a meta sync reply
// (spec.md §4.4 step 4): confirmed_decree <- max(old, reported).
func (v *View) AdvanceConfirmedDecree(reported Decree) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if reported > v.confirmedDecree {
		v.confirmedDecree = reported
	}
}

// SetStatus records the view's status as the host perceives it (separate
// from the duplicator's own Paused/LoadingFile/Reading/Shipping run state,
// which only the duplicator itself tracks).
func (v *View) SetStatus(s DuplicationStatus) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status = s
}
