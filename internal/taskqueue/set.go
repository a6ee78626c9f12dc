// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package taskqueue

// Set is the group of queues owned by the workers of one parallel
// phase. Worker i owns Queue(i).
type Set struct {
	queues  []*Queue
	scratch [][]uint64
}

// NewSet returns n empty queues of the given capacity.
func NewSet(n int, capacity uint32) *Set {
	s := &Set{
		queues:  make([]*Queue, n),
		scratch: make([][]uint64, n),
	}
	for i := range s.queues {
		s.queues[i] = NewQueue(capacity)
		s.scratch[i] = make([]uint64, capacity/2+1)
	}
	return s
}

// Len returns the number of queues.
func (s *Set) Len() int { return len(s.queues) }

// Queue returns worker i's queue.
func (s *Set) Queue(i int) *Queue { return s.queues[i] }

// Empty reports whether every queue looked empty.
func (s *Set) Empty() bool {
	for _, q := range s.queues {
		if !q.Empty() {
			return false
		}
	}
	return true
}

// Size returns the sum of the queue sizes.
func (s *Set) Size() uint64 {
	var n uint64
	for _, q := range s.queues {
		n += uint64(q.Size())
	}
	return n
}

// Clear empties every queue. Only safe when no worker is running.
func (s *Set) Clear() {
	for _, q := range s.queues {
		q.Clear()
	}
}

// Steal tries to take work for worker id from the other queues. The
// victim is the fuller of two random picks. Worker id's own queue must
// be empty.
func (s *Set) Steal(id int, r *Rand) (uint64, bool) {
	n := len(s.queues)
	if n < 2 {
		return 0, false
	}
	own := s.queues[id]
	for attempt := 0; attempt < 2*n; attempt++ {
		v := s.pick(id, r)
		if e, ok := own.steal(s.queues[v], s.scratch[id]); ok {
			return e, true
		}
	}
	return 0, false
}

func (s *Set) pick(id int, r *Rand) int {
	n := uint32(len(s.queues))
	v1 := int(r.Intn(n - 1))
	if v1 >= id {
		v1++
	}
	if n == 2 {
		return v1
	}
	v2 := int(r.Intn(n - 1))
	if v2 >= id {
		v2++
	}
	if s.queues[v2].Size() > s.queues[v1].Size() {
		return v2
	}
	return v1
}

// Rand is a per-worker xorshift generator.
type Rand struct {
	s [2]uint32
}

// NewRand seeds a generator.
func NewRand(seed uint32) *Rand {
	r := &Rand{s: [2]uint32{seed | 1, seed*0x9e3779b9 | 1}}
	return r
}

// Uint32 returns the next value.
func (r *Rand) Uint32() uint32 {
	s1, s0 := r.s[0], r.s[1]
	s1 ^= s1 << 17
	s1 = s1 ^ s0 ^ s1>>7 ^ s0>>16
	r.s[0], r.s[1] = s0, s1
	return s0 + s1
}

// Intn returns a value in [0, n).
func (r *Rand) Intn(n uint32) uint32 {
	return uint32(uint64(r.Uint32()) * uint64(n) >> 32)
}
