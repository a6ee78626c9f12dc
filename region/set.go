// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import (
	"fmt"

	"github.com/veezhang/g1heap/internal/sys"
)

// Set is an ordered list of regions that share a state, with a cached
// region count and used-word total.
//
// A region is in at most one set. Sets are changed only under the heap
// lock or at a safepoint. The cached totals must equal the sums over
// the members; with the g1debug build tag every change re-checks that.
type Set struct {
	name    string
	accepts [numTypes]bool
	ordered bool // keep members sorted by index

	first, last *Region
	length      uint32
	used        uint64
}

// NewSet returns an empty set accepting regions of the given types.
func NewSet(name string, ordered bool, types ...Type) *Set {
	s := &Set{name: name, ordered: ordered}
	for _, t := range types {
		s.accepts[t] = true
	}
	return s
}

// Name returns the set's name.
func (s *Set) Name() string { return s.name }

// Accepts reports whether regions of type t belong in s.
func (s *Set) Accepts(t Type) bool { return t < numTypes && s.accepts[t] }

// Length returns the number of regions.
func (s *Set) Length() uint32 { return s.length }

// UsedWords returns the cached total of used words.
func (s *Set) UsedWords() uint64 { return s.used }

// IsEmpty reports whether the set has no regions.
func (s *Set) IsEmpty() bool { return s.first == nil }

// First returns the lowest-ordered region, or nil.
func (s *Set) First() *Region { return s.first }

// Last returns the highest-ordered region, or nil.
func (s *Set) Last() *Region { return s.last }

// Add appends r, or inserts it in index order for an ordered set.
func (s *Set) Add(r *Region) {
	if r.next != nil || r.prev != nil || r.set != nil {
		sys.Throwf("region set %s: add of %v already in set %v", s.name, r, r.set)
	}
	if !s.Accepts(r.Type()) {
		sys.Throwf("region set %s: add of %v with wrong type", s.name, r)
	}
	if s.ordered && s.last != nil && s.last.index > r.index {
		at := s.last
		for at.prev != nil && at.prev.index > r.index {
			at = at.prev
		}
		s.insertBefore(at, r)
	} else {
		r.prev = s.last
		if s.last != nil {
			s.last.next = r
		} else {
			s.first = r
		}
		s.last = r
	}
	r.set = s
	r.setUsed = r.Used()
	s.length++
	s.used += r.setUsed
	if sys.Debug {
		s.mustVerify()
	}
}

func (s *Set) insertBefore(at, r *Region) {
	r.next = at
	r.prev = at.prev
	if at.prev != nil {
		at.prev.next = r
	} else {
		s.first = r
	}
	at.prev = r
}

// Remove unlinks r, which must be in s.
func (s *Set) Remove(r *Region) {
	if r.set != s {
		sys.Throwf("region set %s: remove of %v from set %v", s.name, r, r.set)
	}
	if s.first == r {
		s.first = r.next
	} else {
		r.prev.next = r.next
	}
	if s.last == r {
		s.last = r.prev
	} else {
		r.next.prev = r.prev
	}
	r.next, r.prev, r.set = nil, nil, nil
	s.length--
	s.used -= r.setUsed
	r.setUsed = 0
	if sys.Debug {
		s.mustVerify()
	}
}

// RemoveFirst removes and returns the first region, or nil.
func (s *Set) RemoveFirst() *Region {
	r := s.first
	if r != nil {
		s.Remove(r)
	}
	return r
}

// RemoveLast removes and returns the last region, or nil.
func (s *Set) RemoveLast() *Region {
	r := s.last
	if r != nil {
		s.Remove(r)
	}
	return r
}

// Iterate calls fn for each region in order until fn returns false.
// fn may remove the region it is given.
func (s *Set) Iterate(fn func(*Region) bool) {
	for r := s.first; r != nil; {
		next := r.next
		if !fn(r) {
			return
		}
		r = next
	}
}

// Regions returns the members in order.
func (s *Set) Regions() []*Region {
	rs := make([]*Region, 0, s.length)
	for r := s.first; r != nil; r = r.next {
		rs = append(rs, r)
	}
	return rs
}

// Verify checks the links, the member types and the cached totals.
func (s *Set) Verify() error {
	var n uint32
	var used uint64
	var prev *Region
	for r := s.first; r != nil; r = r.next {
		if r.set != s {
			return fmt.Errorf("region set %s: %v links to set %v", s.name, r, r.set)
		}
		if r.prev != prev {
			return fmt.Errorf("region set %s: broken back link at %v", s.name, r)
		}
		if !s.Accepts(r.Type()) {
			return fmt.Errorf("region set %s: member %v has wrong type", s.name, r)
		}
		if s.ordered && prev != nil && prev.index >= r.index {
			return fmt.Errorf("region set %s: %v out of order after %v", s.name, r, prev)
		}
		if r.setUsed != r.Used() {
			return fmt.Errorf("region set %s: %v used %d words, accounted %d", s.name, r, r.Used(), r.setUsed)
		}
		n++
		used += r.Used()
		prev = r
	}
	if prev != s.last {
		return fmt.Errorf("region set %s: last is %v, want %v", s.name, s.last, prev)
	}
	if n != s.length || used != s.used {
		return fmt.Errorf("region set %s: cached length %d used %d, actual %d and %d", s.name, s.length, s.used, n, used)
	}
	return nil
}

func (s *Set) mustVerify() {
	if err := s.Verify(); err != nil {
		sys.Throw(err.Error())
	}
}
