// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gang

import (
	"runtime"
	"sync/atomic"
)

// BarrierSync is a reusable barrier for a fixed number of workers.
//
// Waiters spin instead of parking so that a caller can run an idle
// hook (to leave and rejoin a safepoint protocol) while it waits.
// Abort releases everyone; Enter then reports false until Reset.
type BarrierSync struct {
	n       atomic.Uint32
	arrived atomic.Uint32
	gen     atomic.Uint32
	aborted atomic.Bool
}

// SetWorkers sets the number of workers that must arrive. No worker
// may be inside the barrier.
func (b *BarrierSync) SetWorkers(n uint32) {
	b.n.Store(n)
	b.arrived.Store(0)
}

// Reset clears a previous abort. No worker may be inside the barrier.
func (b *BarrierSync) Reset() {
	b.arrived.Store(0)
	b.aborted.Store(false)
}

// Abort releases all waiters, now and in the future.
func (b *BarrierSync) Abort() {
	b.aborted.Store(true)
}

// Aborted reports whether Abort was called since the last Reset.
func (b *BarrierSync) Aborted() bool { return b.aborted.Load() }

// Enter blocks until all workers have entered. idle, if not nil, runs
// between polls. It reports false if the barrier was aborted.
func (b *BarrierSync) Enter(idle func()) bool {
	g := b.gen.Load()
	if b.arrived.Add(1) == b.n.Load() {
		// Last one in: reopen for the next round, then release.
		b.arrived.Store(0)
		b.gen.Add(1)
		return !b.aborted.Load()
	}
	for b.gen.Load() == g {
		if b.aborted.Load() {
			return false
		}
		if idle != nil {
			idle()
		}
		runtime.Gosched()
	}
	return !b.aborted.Load()
}
