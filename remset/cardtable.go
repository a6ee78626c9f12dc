// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package remset

import (
	"math/bits"
	"sync/atomic"

	"github.com/veezhang/g1heap/internal/sys"
	"github.com/veezhang/g1heap/region"
)

// CardWords is the number of heap words one card covers.
const CardWords = 64

// CardTable is a RemSet with one dirty bit per card and, per region, a
// coarse bitmap of the regions that refer into it. All operations are
// lock-free.
type CardTable struct {
	base           region.Addr
	limit          region.Addr
	cardsPerRegion uint64
	wordsPerRegion uint64 // bitmap words per region
	maxRegions     uint32

	cards []atomic.Uint64
	from  []atomic.Pointer[[]atomic.Uint64]
}

// NewCardTable returns an empty card table for a heap of maxRegions
// regions of regionWords words starting at base.
func NewCardTable(base region.Addr, regionWords uint64, maxRegions uint32) *CardTable {
	if regionWords%CardWords != 0 {
		sys.Throwf("remset: region of %d words does not divide into cards", regionWords)
	}
	cpr := regionWords / CardWords
	wpr := sys.DivRoundUp(cpr, 64)
	return &CardTable{
		base:           base,
		limit:          base + region.Addr(regionWords*uint64(maxRegions)),
		cardsPerRegion: cpr,
		wordsPerRegion: wpr,
		maxRegions:     maxRegions,
		cards:          make([]atomic.Uint64, wpr*uint64(maxRegions)),
		from:           make([]atomic.Pointer[[]atomic.Uint64], maxRegions),
	}
}

func setBit(w *atomic.Uint64, mask uint64) {
	for {
		old := w.Load()
		if old&mask != 0 || w.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

func clearBit(w *atomic.Uint64, mask uint64) {
	for {
		old := w.Load()
		if old&mask == 0 || w.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// CardFor returns the card covering a.
func (ct *CardTable) CardFor(a region.Addr) Card {
	return Card(uint64(a-ct.base) / CardWords)
}

// CardRange returns the words c covers.
func (ct *CardTable) CardRange(c Card) (region.Addr, region.Addr) {
	from := ct.base + region.Addr(uint64(c)*CardWords)
	return from, from + CardWords
}

// bit returns the bitmap word and mask of card c.
func (ct *CardTable) bit(c Card) (*atomic.Uint64, uint64) {
	r := uint64(c) / ct.cardsPerRegion
	i := uint64(c) % ct.cardsPerRegion
	return &ct.cards[r*ct.wordsPerRegion+i/64], 1 << (i % 64)
}

// DirtyCard dirties the card covering a.
func (ct *CardTable) DirtyCard(a region.Addr) {
	if a < ct.base || a >= ct.limit {
		sys.Throwf("remset: dirty card for %#x outside the heap", uint64(a))
	}
	w, m := ct.bit(ct.CardFor(a))
	if w.Load()&m == 0 {
		setBit(w, m)
	}
}

// CleanCard cleans c.
func (ct *CardTable) CleanCard(c Card) {
	w, m := ct.bit(c)
	clearBit(w, m)
}

// IsCardDirty reports whether c is dirty.
func (ct *CardTable) IsCardDirty(c Card) bool {
	w, m := ct.bit(c)
	return w.Load()&m != 0
}

func (ct *CardTable) regionCards(r region.Index) []atomic.Uint64 {
	lo := uint64(r) * ct.wordsPerRegion
	return ct.cards[lo : lo+ct.wordsPerRegion]
}

// IsRegionDirty reports whether r has dirty cards.
func (ct *CardTable) IsRegionDirty(r region.Index) bool {
	for i := range ct.regionCards(r) {
		if ct.regionCards(r)[i].Load() != 0 {
			return true
		}
	}
	return false
}

// DirtyCardsFor returns r's dirty cards in address order.
func (ct *CardTable) DirtyCardsFor(r region.Index) []Card {
	var cs []Card
	first := uint64(r) * ct.cardsPerRegion
	cards := ct.regionCards(r)
	for i := range cards {
		v := cards[i].Load()
		for v != 0 {
			b := uint64(bits.TrailingZeros64(v))
			v &= v - 1
			cs = append(cs, Card(first+uint64(i)*64+b))
		}
	}
	return cs
}

// DirtyCards returns the number of dirty cards in the heap.
func (ct *CardTable) DirtyCards() uint64 {
	var n uint64
	for i := range ct.cards {
		n += uint64(bits.OnesCount64(ct.cards[i].Load()))
	}
	return n
}

func (ct *CardTable) fromBits(to region.Index, create bool) []atomic.Uint64 {
	p := ct.from[to].Load()
	if p != nil || !create {
		if p == nil {
			return nil
		}
		return *p
	}
	b := make([]atomic.Uint64, sys.DivRoundUp(uint64(ct.maxRegions), 64))
	if ct.from[to].CompareAndSwap(nil, &b) {
		return b
	}
	return *ct.from[to].Load()
}

// RegisterCrossRegionReference records that from refers into to.
func (ct *CardTable) RegisterCrossRegionReference(from, to region.Index) {
	if from == to {
		return
	}
	b := ct.fromBits(to, true)
	w, m := &b[from/64], uint64(1)<<(from%64)
	if w.Load()&m == 0 {
		setBit(w, m)
	}
}

// ReferencingRegions calls fn for each region recorded as referring
// into to.
func (ct *CardTable) ReferencingRegions(to region.Index, fn func(region.Index) bool) {
	b := ct.fromBits(to, false)
	for i := range b {
		v := b[i].Load()
		for v != 0 {
			j := bits.TrailingZeros64(v)
			v &= v - 1
			if !fn(region.Index(i*64 + j)) {
				return
			}
		}
	}
}

// ClearRegions forgets the cards of rs, who refers into them, and
// their own entries in every other region's record.
func (ct *CardTable) ClearRegions(rs []region.Index) {
	if len(rs) == 0 {
		return
	}
	mask := make([]uint64, sys.DivRoundUp(uint64(ct.maxRegions), 64))
	for _, r := range rs {
		for i := range ct.regionCards(r) {
			ct.regionCards(r)[i].Store(0)
		}
		if b := ct.fromBits(r, false); b != nil {
			for i := range b {
				b[i].Store(0)
			}
		}
		mask[r/64] |= 1 << (r % 64)
	}
	for to := range ct.from {
		b := ct.fromBits(region.Index(to), false)
		for i := range b {
			if mask[i] != 0 {
				clearBit(&b[i], mask[i])
			}
		}
	}
}
