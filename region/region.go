// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import (
	"strconv"
	"sync/atomic"
)

// Region describes one fixed-size slice of the heap.
//
// Bottom and end never change. Top, the type and TAMS may be read
// without locks; every other field is changed only under the heap
// lock or at a safepoint.
type Region struct {
	index  Index
	bottom Addr
	end    Addr

	top  atomic.Uint64
	typ  atomic.Uint32
	tams atomic.Uint64 // top at mark start

	age            uint8
	humongousStart Index
	evacFailed     atomic.Bool
	committed      bool
	allocSeq       uint64

	// Set linkage.
	set        *Set
	next, prev *Region
	setUsed    uint64 // Used() when added to set
}

// Index returns the region's index.
func (r *Region) Index() Index { return r.index }

// Bottom returns the first word of the region.
func (r *Region) Bottom() Addr { return r.bottom }

// End returns the word after the region.
func (r *Region) End() Addr { return r.end }

// Top returns the allocation pointer.
func (r *Region) Top() Addr { return Addr(r.top.Load()) }

// SetTop moves the allocation pointer. Heap lock or safepoint only.
func (r *Region) SetTop(a Addr) { r.top.Store(uint64(a)) }

// Type returns the state tag.
func (r *Region) Type() Type { return Type(r.typ.Load()) }

// Used returns the allocated words.
func (r *Region) Used() uint64 { return uint64(r.Top() - r.bottom) }

// FreeWords returns the words left above top.
func (r *Region) FreeWords() uint64 { return uint64(r.end - r.Top()) }

// Capacity returns the region size in words.
func (r *Region) Capacity() uint64 { return uint64(r.end - r.bottom) }

// Contains reports whether a lies in [bottom, end).
func (r *Region) Contains(a Addr) bool { return a >= r.bottom && a < r.end }

// IsEmpty reports whether nothing was allocated in the region.
func (r *Region) IsEmpty() bool { return r.Top() == r.bottom }

// TAMS returns top at mark start. Objects at or above it were
// allocated after marking started and are implicitly live.
func (r *Region) TAMS() Addr { return Addr(r.tams.Load()) }

// SetTAMS records top at mark start.
func (r *Region) SetTAMS(a Addr) { r.tams.Store(uint64(a)) }

// Age returns the survivor age of the region's objects.
func (r *Region) Age() uint8 { return r.age }

// SetAge sets the survivor age.
func (r *Region) SetAge(a uint8) { r.age = a }

// HumongousStart returns the first region of the humongous object
// this region belongs to.
func (r *Region) HumongousStart() Index { return r.humongousStart }

// EvacuationFailed reports whether some object could not be copied
// out of this region in the current pause.
func (r *Region) EvacuationFailed() bool { return r.evacFailed.Load() }

// SetEvacuationFailed marks the region and reports whether this call
// was the first to do so.
func (r *Region) SetEvacuationFailed() bool { return r.evacFailed.CompareAndSwap(false, true) }

// ClearEvacuationFailed resets the flag after the pause.
func (r *Region) ClearEvacuationFailed() { r.evacFailed.Store(false) }

// Committed reports whether the region's memory is committed.
func (r *Region) Committed() bool { return r.committed }

// AllocSeq orders regions by when they were last allocated.
func (r *Region) AllocSeq() uint64 { return r.allocSeq }

// Set returns the set the region is in, or nil while it is an active
// allocation region.
func (r *Region) Set() *Set { return r.set }

// ParAllocate bumps top by words with a CAS and returns the old top,
// or Nil if the region does not have room.
func (r *Region) ParAllocate(words uint64) Addr {
	for {
		top := r.top.Load()
		if uint64(r.end)-top < words {
			return Nil
		}
		if r.top.CompareAndSwap(top, top+words) {
			return Addr(top)
		}
	}
}

// ParAllocateUpTo is ParAllocate for a range of sizes: it returns
// between min and desired words, as many as fit.
func (r *Region) ParAllocateUpTo(min, desired uint64) (Addr, uint64) {
	for {
		top := r.top.Load()
		avail := uint64(r.end) - top
		if avail < min {
			return Nil, 0
		}
		n := desired
		if avail < n {
			n = avail
		}
		if r.top.CompareAndSwap(top, top+n) {
			return Addr(top), n
		}
	}
}

func (r *Region) reset() {
	r.top.Store(uint64(r.bottom))
	r.tams.Store(uint64(r.bottom))
	r.typ.Store(uint32(Free))
	r.age = 0
	r.humongousStart = r.index
	r.evacFailed.Store(false)
}

func (r *Region) String() string {
	return r.Type().String() + "#" + strconv.FormatUint(uint64(r.index), 10)
}
