// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package taskqueue provides the bounded work-stealing queues, queue
// sets and termination protocol shared by the parallel phases of the
// collector.
//
// Entries are opaque uint64 values. A Queue has a single owner that
// pushes at the tail; the owner and any number of thieves consume
// from the head with a CAS, so every entry is handed out exactly once.
package taskqueue

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/veezhang/g1heap/internal/sys"
)

// Queue is a fixed-capacity ring of entries.
type Queue struct {
	head atomic.Uint32 // next entry to consume
	_    cpu.CacheLinePad
	tail atomic.Uint32 // next free slot; written only by the owner
	_    cpu.CacheLinePad
	buf  []atomic.Uint64
	mask uint32
}

// NewQueue returns an empty queue. capacity must be a power of two.
func NewQueue(capacity uint32) *Queue {
	if !sys.IsPowerOfTwo(uint64(capacity)) || capacity < 2 {
		sys.Throwf("taskqueue: capacity %d is not a power of two", capacity)
	}
	return &Queue{buf: make([]atomic.Uint64, capacity), mask: capacity - 1}
}

// Capacity returns the number of slots.
func (q *Queue) Capacity() uint32 { return uint32(len(q.buf)) }

// Size returns a snapshot of the number of queued entries.
func (q *Queue) Size() uint32 {
	for {
		h := q.head.Load()
		t := q.tail.Load()
		if q.head.Load() == h {
			return t - h
		}
	}
}

// Empty reports whether the queue looked empty.
func (q *Queue) Empty() bool {
	return q.head.Load() == q.tail.Load()
}

// Push appends e. Owner only. It reports false when the queue is
// full; the caller then moves entries elsewhere with PopBatch.
func (q *Queue) Push(e uint64) bool {
	h := q.head.Load()
	t := q.tail.Load()
	if t-h >= uint32(len(q.buf)) {
		return false
	}
	q.buf[t&q.mask].Store(e)
	q.tail.Store(t + 1) // publish
	return true
}

// Pop removes the oldest entry. Owner only, but safe against thieves.
func (q *Queue) Pop() (uint64, bool) {
	for {
		h := q.head.Load()
		t := q.tail.Load()
		if t == h {
			return 0, false
		}
		e := q.buf[h&q.mask].Load()
		if q.head.CompareAndSwap(h, h+1) { // commits consume
			return e, true
		}
	}
}

// PopBatch moves up to len(batch) of the oldest entries into batch
// and returns how many were moved. Owner only.
func (q *Queue) PopBatch(batch []uint64) int {
	return q.grab(batch, false)
}

// grab takes entries from the head into batch. With half set it takes
// half of the queue, rounded up.
func (q *Queue) grab(batch []uint64, half bool) int {
	for {
		h := q.head.Load()
		t := q.tail.Load()
		n := t - h
		if half {
			n = n - n/2
			if n > uint32(len(q.buf)/2)+1 { // read inconsistent h and t
				continue
			}
		} else if n > uint32(len(q.buf)) {
			continue
		}
		n = min(n, uint32(len(batch)))
		if n == 0 {
			return 0
		}
		for i := uint32(0); i < n; i++ {
			batch[i] = q.buf[(h+i)&q.mask].Load()
		}
		if q.head.CompareAndSwap(h, h+n) {
			return int(n)
		}
	}
}

// Clear drops every entry. Owner only.
func (q *Queue) Clear() {
	for {
		h := q.head.Load()
		t := q.tail.Load()
		if h == t || q.head.CompareAndSwap(h, t) {
			return
		}
	}
}

// steal grabs half of victim into q and returns one of the stolen
// entries. q must be empty, and only its owner may call steal.
func (q *Queue) steal(victim *Queue, scratch []uint64) (uint64, bool) {
	n := victim.grab(scratch, true)
	if n == 0 {
		return 0, false
	}
	n--
	e := scratch[n]
	for i := 0; i < n; i++ {
		if !q.Push(scratch[i]) {
			sys.Throw("taskqueue: steal overflow")
		}
	}
	return e, true
}
