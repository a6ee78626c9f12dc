// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package taskqueue

import (
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"
)

const (
	spinIterations  = 64
	yieldIterations = 512
	sleepPeriod     = 20 * time.Microsecond
)

// Terminator decides when the n workers of a phase have all run out
// of work. A worker with nothing left calls Offer. Termination needs
// every worker to be offering at once; a worker that sees new work
// anywhere withdraws its offer and goes back to work, so one discovery
// cancels termination for the whole group.
type Terminator struct {
	n       uint32
	_       cpu.CacheLinePad
	offered atomic.Uint32
	_       cpu.CacheLinePad
	queues  *Set
}

// NewTerminator returns a terminator for n workers over queues.
func NewTerminator(n uint32, queues *Set) *Terminator {
	return &Terminator{n: n, queues: queues}
}

// Reset prepares the terminator for a new phase with n workers. No
// worker may be offering.
func (t *Terminator) Reset(n uint32) {
	t.n = n
	t.offered.Store(0)
}

// Workers returns the number of workers taking part.
func (t *Terminator) Workers() uint32 { return t.n }

// Offer offers termination. It returns true once all workers offered.
// It returns false, with the offer withdrawn, when some queue has work
// again or exit (which may be nil) reports true; exit is also where a
// worker blocked here may yield to a safepoint.
func (t *Terminator) Offer(exit func() bool) bool {
	if t.offered.Add(1) == t.n {
		return true
	}
	for i := 0; ; i++ {
		if t.offered.Load() >= t.n {
			return true
		}
		switch {
		case i < spinIterations:
		case i < yieldIterations:
			runtime.Gosched()
		default:
			time.Sleep(sleepPeriod)
		}
		if !t.queues.Empty() || (exit != nil && exit()) {
			// Recheck: the last offer may have landed meanwhile,
			// and then nobody can be producing work.
			for {
				o := t.offered.Load()
				if o >= t.n {
					return true
				}
				if t.offered.CompareAndSwap(o, o-1) {
					return false
				}
			}
		}
	}
}
