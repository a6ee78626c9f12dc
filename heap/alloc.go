// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"fmt"

	"github.com/veezhang/g1heap/internal/sys"
	"github.com/veezhang/g1heap/object"
	"github.com/veezhang/g1heap/region"
)

// Lane selects where an allocation is served from.
type Lane int

const (
	// TLABLane bump-allocates in the mutator's buffer, refilling it
	// from the current eden region.
	TLABLane Lane = iota
	// SharedLane allocates directly in the current eden region.
	SharedLane
	// ArchiveLane allocates in archive regions, which are never
	// collected.
	ArchiveLane
)

func (l Lane) String() string {
	switch l {
	case TLABLane:
		return "tlab"
	case SharedLane:
		return "shared"
	case ArchiveLane:
		return "archive"
	}
	return fmt.Sprintf("Lane(%d)", int(l))
}

// Allocate allocates an object of words words, header included, with
// no references. The object is not a root: unless something refers to
// it, the next pause frees it, and it may move.
func (h *Heap) Allocate(m *Mutator, words uint64, lane Lane) (region.Addr, error) {
	if words < object.HeaderWords {
		return region.Nil, fmt.Errorf("heap: allocation of %d words", words)
	}
	m.join()
	defer m.leave()
	var a region.Addr
	var err error
	switch {
	case lane == ArchiveLane:
		a, err = h.allocateArchive(words)
	case lane == TLABLane:
		a, err = m.allocate(words)
	case h.isHumongous(words):
		a, err = h.allocateHumongous(words)
	default:
		a, _, err = h.allocateMutator(words, words)
	}
	if err != nil {
		return region.Nil, err
	}
	object.Init(h.table, a, words, 0)
	return a, nil
}

// AllocateNewTLAB allocates a block of between min and requested words
// for m to bump-allocate in. The block is handed out as one filler
// object, which the caller overwrites.
func (h *Heap) AllocateNewTLAB(m *Mutator, minWords, requested uint64) (region.Addr, uint64, error) {
	if minWords == 0 || minWords > requested {
		return region.Nil, 0, fmt.Errorf("heap: TLAB request min=%d requested=%d", minWords, requested)
	}
	if h.isHumongous(minWords) {
		return region.Nil, 0, ErrTooLarge
	}
	requested = min(requested, h.cfg.RegionWords/2)
	m.join()
	defer m.leave()
	a, n, err := h.allocateMutator(minWords, requested)
	if err != nil {
		return region.Nil, 0, err
	}
	object.Fill(h.table, a, n)
	return a, n, nil
}

func (h *Heap) isHumongous(words uint64) bool {
	return words > h.cfg.RegionWords/2
}

// allocate serves a mutator allocation: from the TLAB if it fits, else
// directly for objects too big to waste a TLAB on, else from a new TLAB.
func (m *Mutator) allocate(words uint64) (region.Addr, error) {
	h := m.h
	if h.isHumongous(words) {
		return h.allocateHumongous(words)
	}
	if a := m.tlab.alloc(words); a != region.Nil {
		return a, nil
	}
	if words*8 > h.cfg.TLABWords {
		a, _, err := h.allocateMutator(words, words)
		return a, err
	}
	m.retireTLAB()
	a, n, err := h.allocateMutator(max(h.cfg.MinTLABWords, words), h.cfg.TLABWords)
	if err != nil {
		return region.Nil, err
	}
	m.tlab = tlab{start: a, top: a, end: a + region.Addr(n)}
	return m.tlab.alloc(words), nil
}

// attemptAllocation is the lock-free path: a CAS bump in the current
// mutator allocation region.
func (h *Heap) attemptAllocation(min, desired uint64) (region.Addr, uint64) {
	if r := h.allocRegion.Load(); r != nil {
		return r.ParAllocateUpTo(min, desired)
	}
	return region.Nil, 0
}

// attemptAllocationLocked retries under the heap lock and takes a new
// eden region if the young generation may still grow.
func (h *Heap) attemptAllocationLocked(min, desired uint64) (region.Addr, uint64) {
	g := h.lock.Acquire()
	defer g.Release()
	if a, n := h.attemptAllocation(min, desired); a != region.Nil {
		return a, n
	}
	if r := h.newMutatorAllocRegion(true, false); r != nil {
		return r.ParAllocateUpTo(min, desired)
	}
	return region.Nil, 0
}

// edenLength counts eden regions, the allocation region included. Heap
// lock or safepoint.
func (h *Heap) edenLength() uint32 {
	n := h.table.SetFor(region.Eden).Length()
	if h.allocRegion.Load() != nil {
		n++
	}
	return n
}

// newMutatorAllocRegion replaces the allocation region by a new eden
// region, unless the young target is reached and force is false. Heap
// lock or safepoint.
func (h *Heap) newMutatorAllocRegion(allowExpand, force bool) *region.Region {
	h.lock.AssertHeldOrAtSafepoint(h.sts)
	if !force && h.edenLength() >= h.youngTarget {
		return nil
	}
	r := h.table.AllocateRegion(region.Eden, allowExpand)
	if r == nil {
		return nil
	}
	h.retireMutatorAllocRegion(!h.sts.AtSafepoint())
	h.allocRegion.Store(r)
	return r
}

// retireMutatorAllocRegion installs the allocation region in the eden
// set. Outside a safepoint other mutators may still be bumping it, so
// the rest of it is claimed and filled first.
func (h *Heap) retireMutatorAllocRegion(fill bool) {
	r := h.allocRegion.Swap(nil)
	if r == nil {
		return
	}
	if fill {
		if a, n := r.ParAllocateUpTo(1, r.Capacity()); a != region.Nil {
			object.Fill(h.table, a, n)
		}
	}
	h.table.Install(r)
}

// allocateMutator allocates between min and desired words for a
// mutator. When the heap is full it collects, on the caller's behalf
// and with the caller still in the suspendible set afterwards, then
// escalates until it either succeeds or has run every collection it
// could.
func (h *Heap) allocateMutator(min, desired uint64) (region.Addr, uint64, error) {
	for try := uint32(0); try < h.cfg.AllocRetries; try++ {
		seen := h.gcCount.Load()
		if a, n := h.attemptAllocation(min, desired); a != region.Nil {
			return a, n, nil
		}
		if a, n := h.attemptAllocationLocked(min, desired); a != region.Nil {
			return a, n, nil
		}
		a, n, escalated := h.collectForAllocation(seen, CauseAllocationFailure, false, func(expand bool) (region.Addr, uint64) {
			return h.allocateAtSafepoint(min, desired, expand)
		})
		if a != region.Nil {
			return a, n, nil
		}
		if escalated {
			break
		}
	}
	return region.Nil, 0, fmt.Errorf("heap: allocation of %d words: %w", min, ErrOutOfMemory)
}

// allocateAtSafepoint allocates in the current region or a new one.
// With expand the young target is ignored and uncommitted regions may
// be used.
func (h *Heap) allocateAtSafepoint(min, desired uint64, expand bool) (region.Addr, uint64) {
	if a, n := h.attemptAllocation(min, desired); a != region.Nil {
		return a, n
	}
	if r := h.newMutatorAllocRegion(expand, expand); r != nil {
		return r.ParAllocateUpTo(min, desired)
	}
	return region.Nil, 0
}

// allocateHumongous gives an object of words words a run of regions of
// its own.
func (h *Heap) allocateHumongous(words uint64) (region.Addr, error) {
	if words > object.MaxWords {
		return region.Nil, ErrTooLarge
	}
	n64 := sys.DivRoundUp(words, h.cfg.RegionWords)
	if n64 > uint64(h.cfg.MaxRegions) {
		return region.Nil, fmt.Errorf("heap: humongous object of %d words: %w", words, ErrTooLarge)
	}
	n := uint32(n64)
	alloc := func(expand bool) (region.Addr, uint64) {
		if r := h.table.AllocateHumongous(n, words, expand); r != nil {
			return r.Bottom(), words
		}
		return region.Nil, 0
	}
	for try := uint32(0); try < h.cfg.AllocRetries; try++ {
		seen := h.gcCount.Load()
		g := h.lock.Acquire()
		// A humongous object goes straight to the old generation; it
		// may push occupancy past the marking threshold.
		startMarking := !h.cm.InProgress() &&
			h.policy.ShouldStartConcurrentCycle(h.oldRegions()+n, h.table.MaxRegions())
		var a region.Addr
		if !startMarking {
			a, _ = alloc(true)
		}
		g.Release()
		if a != region.Nil {
			return a, nil
		}
		a, _, escalated := h.collectForAllocation(seen, CauseHumongousAllocation, startMarking, alloc)
		if a != region.Nil {
			return a, nil
		}
		if escalated {
			break
		}
	}
	return region.Nil, fmt.Errorf("heap: humongous allocation of %d words: %w", words, ErrOutOfMemory)
}

// collectForAllocation runs a pause for a mutator whose allocation
// failed. The caller is in the suspendible set and is again when this
// returns, with no pause in between, so what alloc returned is still
// valid. If another pause ran since seen, only alloc is retried and
// escalated is false. Otherwise the full escalation runs: young pause,
// expansion, full collection, full collection clearing soft
// references.
func (h *Heap) collectForAllocation(seen uint64, cause Cause, concStart bool, alloc func(expand bool) (region.Addr, uint64)) (a region.Addr, n uint64, escalated bool) {
	h.sts.Leave()
	h.sts.Begin()
	defer h.sts.EndAndJoin()
	if h.gcCount.Load() != seen && !concStart {
		a, n = alloc(false)
		return a, n, false
	}
	return h.satisfyFailedAllocation(cause, concStart, alloc)
}

func (h *Heap) satisfyFailedAllocation(cause Cause, concStart bool, alloc func(expand bool) (region.Addr, uint64)) (region.Addr, uint64, bool) {
	h.youngCollect(cause, concStart)
	if a, n := alloc(false); a != region.Nil {
		return a, n, true
	}
	if a, n := alloc(true); a != region.Nil {
		return a, n, true
	}
	h.fullCollect(cause, false)
	if a, n := alloc(true); a != region.Nil {
		return a, n, true
	}
	h.fullCollect(cause, true)
	if a, n := alloc(true); a != region.Nil {
		return a, n, true
	}
	return region.Nil, 0, true
}
