// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"sync"
	"sync/atomic"

	"github.com/veezhang/g1heap/object"
	"github.com/veezhang/g1heap/region"
)

// dest is where evacuation copies an object to.
type dest int

const (
	destSurvivor dest = iota
	destOld
	numDests
)

var destTypes = [numDests]region.Type{
	destSurvivor: region.Survivor,
	destOld:      region.Old,
}

// gcAllocator hands out space to evacuation workers. Each destination
// has one shared GC allocation region; workers carve PLABs out of it
// under mu and bump-allocate in them privately.
type gcAllocator struct {
	h  *Heap
	mu sync.Mutex

	regions   [numDests]*region.Region
	survivors uint32 // survivor regions taken this pause
	exhausted [numDests]atomic.Bool
	retired   []*region.Region // allocated this pause, already installed
}

func (g *gcAllocator) init(h *Heap) { g.h = h }

// reset prepares for a pause.
func (g *gcAllocator) reset() {
	g.regions = [numDests]*region.Region{}
	g.survivors = 0
	for d := range g.exhausted {
		g.exhausted[d].Store(false)
	}
	g.retired = g.retired[:0]
}

// allocBlock returns between min and desired words in d, or in old
// space once survivor space is exhausted. It returns Nil when old
// space is exhausted too.
func (g *gcAllocator) allocBlock(d dest, min, desired uint64) (region.Addr, uint64, dest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if g.exhausted[d].Load() {
			if d == destSurvivor {
				d = destOld
				continue
			}
			return region.Nil, 0, d
		}
		if r := g.regions[d]; r != nil {
			if a, n := r.ParAllocateUpTo(min, desired); a != region.Nil {
				return a, n, d
			}
		}
		if !g.newRegion(d) {
			g.exhausted[d].Store(true)
		}
	}
}

// newRegion retires d's region and takes a new one from the table.
func (g *gcAllocator) newRegion(d dest) bool {
	h := g.h
	if d == destSurvivor && g.survivors >= h.policy.MaxSurvivorRegions() {
		return false
	}
	r := h.table.AllocateRegion(destTypes[d], true)
	if r == nil {
		return false
	}
	g.retire(d)
	if d == destSurvivor {
		g.survivors++
	}
	g.regions[d] = r
	return true
}

func (g *gcAllocator) retire(d dest) {
	if r := g.regions[d]; r != nil {
		g.regions[d] = nil
		g.h.table.Install(r)
		g.retired = append(g.retired, r)
	}
}

// retireAll installs the current regions at the end of evacuation.
func (g *gcAllocator) retireAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for d := dest(0); d < numDests; d++ {
		g.retire(d)
	}
}

// plab is a promotion-local allocation buffer: a worker's private
// slice of a GC allocation region.
type plab struct {
	start, top, end region.Addr
	wasted          uint64 // words filled at retirement or undo
}

func (p *plab) alloc(words uint64) region.Addr {
	if uint64(p.end-p.top) < words {
		return region.Nil
	}
	a := p.top
	p.top += region.Addr(words)
	return a
}

// retire fills the unused tail so that the region stays parsable.
func (p *plab) retire(m object.Memory) {
	if p.top < p.end {
		object.Fill(m, p.top, uint64(p.end-p.top))
		p.wasted += uint64(p.end - p.top)
	}
	p.start, p.top, p.end = region.Nil, region.Nil, region.Nil
}

// plabAllocator is one worker's view of the GC allocator.
type plabAllocator struct {
	g     *gcAllocator
	mem   object.Memory
	size  uint64
	plabs [numDests]plab
}

func (pa *plabAllocator) reset(g *gcAllocator, mem object.Memory, size uint64) {
	*pa = plabAllocator{g: g, mem: mem, size: size}
}

// allocate returns space for words words in d or a fallback, and where
// it ended up. Objects of more than a quarter PLAB are allocated
// directly in the shared region.
func (pa *plabAllocator) allocate(d dest, words uint64) (region.Addr, dest) {
	if d == destSurvivor && pa.g.exhausted[destSurvivor].Load() {
		d = destOld
	}
	if a := pa.plabs[d].alloc(words); a != region.Nil {
		return a, d
	}
	if words*4 > pa.size {
		a, _, got := pa.g.allocBlock(d, words, words)
		return a, got
	}
	a, n, got := pa.g.allocBlock(d, max(pa.size/4, words), pa.size)
	if a == region.Nil {
		return region.Nil, got
	}
	p := &pa.plabs[got]
	p.retire(pa.mem)
	p.start, p.top, p.end = a, a, a+region.Addr(n)
	return p.alloc(words), got
}

// undo gives back a copy that lost the race to forward its object. The
// last allocation of a PLAB is rolled back; anything else becomes a
// filler.
func (pa *plabAllocator) undo(d dest, a region.Addr, words uint64) {
	p := &pa.plabs[d]
	if a >= p.start && a+region.Addr(words) == p.top {
		p.top = a
		return
	}
	object.Fill(pa.mem, a, words)
	p.wasted += words
}

// flush retires both PLABs and returns the words wasted in them.
func (pa *plabAllocator) flush() (wasted uint64) {
	for d := range pa.plabs {
		p := &pa.plabs[d]
		p.retire(pa.mem)
		wasted += p.wasted
		p.wasted = 0
	}
	return wasted
}
