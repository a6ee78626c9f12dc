// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"sync"
	"sync/atomic"

	"github.com/veezhang/g1heap/region"
)

// SATBQueueSet collects the references that mutators overwrite while
// marking is active (snapshot-at-the-beginning). Each mutator logs into
// its own SATBQueue; full buffers are handed to the set, where marking
// tasks pick them up.
type SATBQueueSet struct {
	active     atomic.Bool
	bufferSize int

	mu        sync.Mutex
	completed [][]region.Addr
	count     atomic.Int32
}

// NewSATBQueueSet returns an inactive set with buffers of bufferSize.
func NewSATBQueueSet(bufferSize int) *SATBQueueSet {
	return &SATBQueueSet{bufferSize: bufferSize}
}

// IsActive reports whether mutators must log.
func (s *SATBQueueSet) IsActive() bool { return s.active.Load() }

// SetActive turns logging on or off.
func (s *SATBQueueSet) SetActive(on bool) { s.active.Store(on) }

// CompletedBuffers returns the number of buffers waiting.
func (s *SATBQueueSet) CompletedBuffers() int { return int(s.count.Load()) }

func (s *SATBQueueSet) enqueueCompleted(buf []region.Addr) {
	s.mu.Lock()
	s.completed = append(s.completed, buf)
	s.count.Store(int32(len(s.completed)))
	s.mu.Unlock()
}

// ApplyToCompletedBuffer runs fn on every entry of one completed buffer
// and reports whether there was one.
func (s *SATBQueueSet) ApplyToCompletedBuffer(fn func(region.Addr)) bool {
	s.mu.Lock()
	n := len(s.completed)
	if n == 0 {
		s.mu.Unlock()
		return false
	}
	buf := s.completed[n-1]
	s.completed[n-1] = nil
	s.completed = s.completed[:n-1]
	s.count.Store(int32(len(s.completed)))
	s.mu.Unlock()
	for _, a := range buf {
		fn(a)
	}
	return true
}

// Abandon drops all completed buffers.
func (s *SATBQueueSet) Abandon() {
	s.mu.Lock()
	s.completed = nil
	s.count.Store(0)
	s.mu.Unlock()
}

// SATBQueue is one mutator's log. It is used only by its mutator, or at
// a safepoint.
type SATBQueue struct {
	set *SATBQueueSet
	buf []region.Addr
}

// NewQueue returns an empty per-mutator queue.
func (s *SATBQueueSet) NewQueue() *SATBQueue {
	return &SATBQueue{set: s}
}

// Enqueue logs a, handing the buffer to the set when it fills.
func (q *SATBQueue) Enqueue(a region.Addr) {
	if !q.set.IsActive() || a == region.Nil {
		return
	}
	if q.buf == nil {
		q.buf = make([]region.Addr, 0, q.set.bufferSize)
	}
	q.buf = append(q.buf, a)
	if len(q.buf) == cap(q.buf) {
		q.set.enqueueCompleted(q.buf)
		q.buf = nil
	}
}

// Flush hands a partially filled buffer to the set.
func (q *SATBQueue) Flush() {
	if len(q.buf) > 0 {
		q.set.enqueueCompleted(q.buf)
	}
	q.buf = nil
}

// Reset drops the buffer.
func (q *SATBQueue) Reset() { q.buf = nil }

// Len returns the number of unflushed entries.
func (q *SATBQueue) Len() int { return len(q.buf) }
