// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package safepoint implements the cooperative stop-the-world protocol.
//
// Goroutines that touch the heap outside a pause (mutators and
// concurrent collector workers) form the suspendible set: they Join
// before touching heap state and Leave afterwards, and call Yield at
// well-defined points while joined. A safepoint begins once every
// member has left or yielded, and no member runs again until it ends.
package safepoint

import (
	"sync"
	"sync/atomic"
)

// Synchronizer coordinates safepoints with the suspendible set.
type Synchronizer struct {
	rw      sync.RWMutex
	ops     sync.Mutex // one safepoint operation at a time
	pending atomic.Int32
	active  atomic.Bool
}

// Begin stops the world. It blocks until every joined goroutine has
// left or yielded.
func (s *Synchronizer) Begin() {
	s.ops.Lock()
	s.pending.Add(1)
	s.rw.Lock()
	s.active.Store(true)
}

// End restarts the world.
func (s *Synchronizer) End() {
	s.active.Store(false)
	s.pending.Add(-1)
	s.rw.Unlock()
	s.ops.Unlock()
}

// EndAndJoin restarts the world and makes the caller a member of the
// suspendible set before any other safepoint can begin. A goroutine
// that ran a safepoint operation on its own behalf uses it to keep what
// the operation handed it.
func (s *Synchronizer) EndAndJoin() {
	s.active.Store(false)
	s.pending.Add(-1)
	s.rw.Unlock()
	// No writer can be waiting: they all queue on ops first.
	s.rw.RLock()
	s.ops.Unlock()
}

// AtSafepoint reports whether a safepoint is in progress.
func (s *Synchronizer) AtSafepoint() bool { return s.active.Load() }

// Join makes the caller a member of the suspendible set, waiting for a
// safepoint in progress to end.
func (s *Synchronizer) Join() { s.rw.RLock() }

// Leave removes the caller from the suspendible set.
func (s *Synchronizer) Leave() { s.rw.RUnlock() }

// ShouldYield reports whether a safepoint is waiting for members.
func (s *Synchronizer) ShouldYield() bool { return s.pending.Load() > 0 }

// Yield lets a pending safepoint run. It reports whether it actually
// blocked, in which case any heap state the caller cached may have
// changed.
func (s *Synchronizer) Yield() bool {
	if !s.ShouldYield() {
		return false
	}
	s.rw.RUnlock()
	s.rw.RLock()
	return true
}
