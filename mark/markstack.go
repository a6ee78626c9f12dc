// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"sync/atomic"

	"github.com/veezhang/g1heap/internal/lfstack"
	"github.com/veezhang/g1heap/internal/sys"
)

// ChunkEntries is the number of entries moved to or from the global
// stack at a time.
const ChunkEntries = 1023

// chunk is one block of the global stack, like a workbuf.
type chunk struct {
	lfstack.Node
	n    int
	data [ChunkEntries]uint64
}

// MarkStack is the shared overflow stack of a work-stealing phase. It
// holds chunks of entries on a lock-free list; empty chunks are kept
// on a second list for reuse. Its capacity is bounded: when no chunk
// can be had, Push fails and the caller must signal overflow.
type MarkStack struct {
	chunks   []atomic.Pointer[chunk]
	hwm      atomic.Uint32 // chunks handed out from the table
	capacity uint32
	full     *lfstack.Stack
	free     *lfstack.Stack
	size     atomic.Int64 // chunks on the full list
}

// NewMarkStack returns an empty stack that starts with room for
// capacity chunks and can grow to maxCapacity.
func NewMarkStack(capacity, maxCapacity uint32) *MarkStack {
	if capacity == 0 || capacity > maxCapacity || maxCapacity > lfstack.MaxNodes {
		sys.Throwf("mark stack: bad capacity %d/%d", capacity, maxCapacity)
	}
	s := &MarkStack{
		chunks:   make([]atomic.Pointer[chunk], maxCapacity),
		capacity: capacity,
	}
	s.full = lfstack.New(s)
	s.free = lfstack.New(s)
	return s
}

// Node implements lfstack.Nodes.
func (s *MarkStack) Node(i uint32) *lfstack.Node {
	return &s.chunks[i].Load().Node
}

func (s *MarkStack) allocate() (uint32, bool) {
	if i, ok := s.free.Pop(); ok {
		return i, true
	}
	if s.hwm.Load() >= s.capacity {
		return 0, false
	}
	i := s.hwm.Add(1) - 1
	if i >= s.capacity {
		return 0, false
	}
	if s.chunks[i].Load() == nil {
		s.chunks[i].Store(new(chunk))
	}
	return i, true
}

// Push copies entries, at most ChunkEntries of them, into a chunk and
// pushes it. It reports false when the stack is out of chunks.
func (s *MarkStack) Push(entries []uint64) bool {
	if len(entries) == 0 || len(entries) > ChunkEntries {
		sys.Throwf("mark stack: push of %d entries", len(entries))
	}
	i, ok := s.allocate()
	if !ok {
		return false
	}
	c := s.chunks[i].Load()
	c.n = copy(c.data[:], entries)
	s.full.Push(i)
	s.size.Add(1)
	return true
}

// Pop moves the entries of one chunk into buf, which must hold
// ChunkEntries, and returns how many there were.
func (s *MarkStack) Pop(buf []uint64) int {
	i, ok := s.full.Pop()
	if !ok {
		return 0
	}
	s.size.Add(-1)
	c := s.chunks[i].Load()
	n := copy(buf, c.data[:c.n])
	if n != c.n {
		sys.Throw("mark stack: pop buffer too small")
	}
	c.n = 0
	s.free.Push(i)
	return n
}

// IsEmpty reports whether no chunk is on the stack.
func (s *MarkStack) IsEmpty() bool { return s.full.Empty() }

// Size returns the number of chunks on the stack.
func (s *MarkStack) Size() int64 { return s.size.Load() }

// Capacity returns the current capacity in chunks.
func (s *MarkStack) Capacity() uint32 { return s.capacity }

// SetEmpty drops everything. No other goroutine may use the stack.
func (s *MarkStack) SetEmpty() {
	s.full.Reset()
	s.free.Reset()
	s.hwm.Store(0)
	s.size.Store(0)
}

// Expand doubles the capacity, up to the maximum, and reports whether
// it grew. Only while the stack is not in use.
func (s *MarkStack) Expand() bool {
	max := uint32(len(s.chunks))
	if s.capacity >= max {
		return false
	}
	s.capacity = min(2*s.capacity, max)
	return true
}
