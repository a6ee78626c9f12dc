// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package safepoint

import (
	"sync"
	"sync/atomic"

	"github.com/veezhang/g1heap/internal/sys"
)

// HeapLock is the heap-wide allocation lock. It linearizes region set
// changes outside of safepoints.
//
// The lock is only reachable through Guard, so it cannot be released
// by code that did not take it.
type HeapLock struct {
	mu    sync.Mutex
	owned atomic.Bool
}

// Guard holds a HeapLock until Release.
type Guard struct {
	l        *HeapLock
	released bool
}

// Acquire takes the lock. The caller must defer Release.
func (l *HeapLock) Acquire() *Guard {
	l.mu.Lock()
	if sys.Debug && l.owned.Load() {
		sys.Throw("heap lock acquired while owned")
	}
	l.owned.Store(true)
	return &Guard{l: l}
}

// Release drops the lock. Releasing twice is fatal.
func (g *Guard) Release() {
	if g.released {
		sys.Throw("heap lock released twice")
	}
	g.released = true
	g.l.owned.Store(false)
	g.l.mu.Unlock()
}

// Held reports whether someone holds the lock.
func (l *HeapLock) Held() bool { return l.owned.Load() }

// AssertHeldOrAtSafepoint panics in debug builds if the caller could be
// racing with region set changes.
func (l *HeapLock) AssertHeldOrAtSafepoint(s *Synchronizer) {
	if sys.Debug && !l.owned.Load() && !s.AtSafepoint() {
		sys.Throw("heap lock not held outside a safepoint")
	}
}
