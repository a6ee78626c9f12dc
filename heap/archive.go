// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/veezhang/g1heap/region"
)

// ArchiveRange is a range of archive words, [Start, End).
type ArchiveRange struct {
	Start, End region.Addr
}

// archiveAllocator bump-allocates in archive regions until the archive
// range is closed. Archive objects never move and are never freed by
// a collection; their references are roots.
type archiveAllocator struct {
	mu      sync.Mutex
	closed  bool
	cur     atomic.Pointer[region.Region] // not installed yet
	regions []*region.Region
}

// current returns the region being allocated in, or nil. It does not
// take mu, so it may be called under the heap lock.
func (a *archiveAllocator) current() *region.Region { return a.cur.Load() }

func (h *Heap) allocateArchive(words uint64) (region.Addr, error) {
	a := &h.archive
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return region.Nil, ErrArchiveClosed
	}
	if words > h.cfg.RegionWords {
		return region.Nil, fmt.Errorf("heap: archive object of %d words: %w", words, ErrTooLarge)
	}
	if r := a.cur.Load(); r != nil {
		if p := r.ParAllocate(words); p != region.Nil {
			return p, nil
		}
	}
	g := h.lock.Acquire()
	r := h.table.AllocateRegion(region.Archive, true)
	if r != nil {
		if old := a.cur.Swap(r); old != nil {
			h.table.Install(old)
		}
	}
	g.Release()
	if r == nil {
		return region.Nil, fmt.Errorf("heap: archive region: %w", ErrOutOfMemory)
	}
	a.regions = append(a.regions, r)
	return r.ParAllocate(words), nil
}

// EndArchiveRange closes the archive lane and returns the archive
// space in use as ascending, non-overlapping ranges. Adjacent regions
// are merged when the first is full.
func (h *Heap) EndArchiveRange() []ArchiveRange {
	h.sts.Join()
	defer h.sts.Leave()
	a := &h.archive
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if r := a.cur.Load(); r != nil {
		g := h.lock.Acquire()
		h.table.Install(r)
		a.cur.Store(nil)
		g.Release()
	}
	rs := append([]*region.Region(nil), a.regions...)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Bottom() < rs[j].Bottom() })
	var ranges []ArchiveRange
	for _, r := range rs {
		if r.IsEmpty() {
			continue
		}
		if n := len(ranges); n > 0 && ranges[n-1].End == r.Bottom() {
			ranges[n-1].End = r.Top()
			continue
		}
		ranges = append(ranges, ArchiveRange{Start: r.Bottom(), End: r.Top()})
	}
	h.log.Info("archive range closed",
		zap.Int("regions", len(rs)),
		zap.Int("ranges", len(ranges)))
	return ranges
}

// DeallocArchiveRegions frees the archive regions covering ranges.
// Nothing outside the archive may refer to the objects in them any
// more. It runs at a safepoint; the caller must not be inside a
// Mutator call.
func (h *Heap) DeallocArchiveRegions(ranges []ArchiveRange) error {
	a := &h.archive
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if !closed {
		return fmt.Errorf("heap: archive range still open")
	}
	h.sts.Begin()
	defer h.sts.End()
	// Mutators take mu only while in the suspendible set.
	a.mu.Lock()
	defer a.mu.Unlock()
	var todo []*region.Region
	for _, rg := range ranges {
		if rg.Start >= rg.End {
			return fmt.Errorf("heap: empty archive range [%#x, %#x)", uint64(rg.Start), uint64(rg.End))
		}
		for p := rg.Start; p < rg.End; {
			r := h.table.RegionFor(p)
			if r == nil || r.Type() != region.Archive {
				return fmt.Errorf("heap: %#x is not in an archive region", uint64(p))
			}
			todo = append(todo, r)
			p = r.End()
		}
	}
	freed := make([]region.Index, 0, len(todo))
	for _, r := range todo {
		if r.Type() != region.Archive {
			continue // listed twice
		}
		if err := h.table.Free(r); err != nil {
			return fmt.Errorf("heap: freeing archive %v: %w", r, err)
		}
		freed = append(freed, r.Index())
	}
	h.rs.ClearRegions(freed)
	keep := a.regions[:0]
	for _, r := range a.regions {
		if r.Type() == region.Archive {
			keep = append(keep, r)
		}
	}
	a.regions = keep
	h.youngTarget = h.policy.YoungTargetLength(h.table.AvailableRegions())
	h.log.Info("archive regions freed", zap.Int("regions", len(freed)))
	return nil
}
