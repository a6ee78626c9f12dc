// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/veezhang/g1heap/mark"
	"github.com/veezhang/g1heap/region"
)

// csetState is a region's entry in the collection set fast test.
type csetState uint32

const (
	notInCSet csetState = iota
	inCSetYoung
	inCSetOld
	inCSetOptional
	humongousCandidate // may be freed if nothing reaches it
)

func (s csetState) String() string {
	switch s {
	case notInCSet:
		return "not-in-cset"
	case inCSetYoung:
		return "young"
	case inCSetOld:
		return "old"
	case inCSetOptional:
		return "optional"
	case humongousCandidate:
		return "humongous"
	}
	return "invalid"
}

// collectionSet is the set of regions a pause evacuates.
//
// The fast test has one word per region so that evacuation workers can
// classify any reference without locks. Outside pauses every entry is
// notInCSet.
type collectionSet struct {
	state []atomic.Uint32

	young     []*region.Region
	old       []*region.Region
	optional  []*region.Region
	humongous []*region.Region

	// Candidates behind the optional regions, to put back if they are
	// not evacuated.
	optionalCandidates []mark.Candidate
	// Optional regions are evacuated in the current phase.
	optionalActive bool
	inPause        bool
}

func (cs *collectionSet) init(n uint32) {
	cs.state = make([]atomic.Uint32, n)
}

func (cs *collectionSet) add(r *region.Region, st csetState) {
	cs.state[r.Index()].Store(uint32(st))
	switch st {
	case inCSetYoung:
		cs.young = append(cs.young, r)
	case inCSetOld:
		cs.old = append(cs.old, r)
	case inCSetOptional:
		cs.optional = append(cs.optional, r)
	case humongousCandidate:
		cs.humongous = append(cs.humongous, r)
	}
}

func (cs *collectionSet) stateOf(i region.Index) csetState {
	return csetState(cs.state[i].Load())
}

// regions returns the regions evacuated in this pause.
func (cs *collectionSet) regions() []*region.Region {
	rs := make([]*region.Region, 0, len(cs.young)+len(cs.old)+len(cs.optional))
	rs = append(rs, cs.young...)
	rs = append(rs, cs.old...)
	return append(rs, cs.optional...)
}

// clear resets the fast test and forgets the regions.
func (cs *collectionSet) clear() {
	for _, l := range [][]*region.Region{cs.young, cs.old, cs.optional, cs.humongous} {
		for _, r := range l {
			cs.state[r.Index()].Store(uint32(notInCSet))
		}
	}
	cs.young = cs.young[:0]
	cs.old = cs.old[:0]
	cs.optional = cs.optional[:0]
	cs.humongous = cs.humongous[:0]
	cs.optionalCandidates = cs.optionalCandidates[:0]
	cs.optionalActive = false
	cs.inPause = false
}

// csetStateOf classifies the object at a.
func (h *Heap) csetStateOf(a region.Addr) csetState {
	i := h.table.IndexFor(a)
	if i == region.NoIndex {
		return notInCSet
	}
	return h.cset.stateOf(i)
}

// InCollectionSet reports whether the region containing a is evacuated
// by the current pause. Outside pauses it is always false.
func (h *Heap) InCollectionSet(a region.Addr) bool {
	switch h.csetStateOf(a) {
	case inCSetYoung, inCSetOld:
		return true
	case inCSetOptional:
		return h.cset.optionalActive
	}
	return false
}

// IterateCollectionSet calls fn on the regions of the current pause's
// collection set, young regions first, until fn returns false. It does
// nothing outside a pause.
func (h *Heap) IterateCollectionSet(fn func(r *region.Region) bool) {
	if !h.cset.inPause {
		return
	}
	for _, r := range h.cset.regions() {
		if !fn(r) {
			return
		}
	}
}

// buildCollectionSet chooses the regions of a young pause: all young
// regions and, if allowOld, old candidates that fit the pause budget.
func (h *Heap) buildCollectionSet(allowOld bool) {
	cs := &h.cset
	cs.inPause = true
	for _, ty := range []region.Type{region.Eden, region.Survivor} {
		h.table.SetFor(ty).Iterate(func(r *region.Region) bool {
			cs.add(r, inCSetYoung)
			return true
		})
	}
	if allowOld {
		h.selectOldRegions()
	}
	if h.cfg.EagerReclaimHumongous && !h.cm.InProgress() {
		h.selectHumongousCandidates()
	}
}

// selectOldRegions takes candidates, most reclaimable first, while the
// predicted pause fits the budget, then up to MaxOptionalRegions more
// as the optional part.
func (h *Heap) selectOldRegions() {
	cs := &h.cset
	budget := h.policy.PauseBudget()
	var predicted time.Duration
	for _, r := range cs.young {
		predicted += h.policy.PredictRegionTime(r.Used(), true)
	}
	maxOptional := h.policy.MaxOptionalRegions()
	i := 0
	for ; i < len(h.candidates); i++ {
		c := h.candidates[i]
		if c.Region.Type() != region.Old || cs.stateOf(c.Region.Index()) != notInCSet {
			continue
		}
		t := h.policy.PredictRegionTime(c.LiveWords, false)
		if predicted+t <= budget {
			predicted += t
			cs.add(c.Region, inCSetOld)
			continue
		}
		if uint32(len(cs.optional)) >= maxOptional {
			break
		}
		cs.add(c.Region, inCSetOptional)
		cs.optionalCandidates = append(cs.optionalCandidates, c)
	}
	h.candidates = h.candidates[i:]
	if len(cs.old)+len(cs.optional) > 0 {
		h.log.Debug("old regions selected",
			zap.Int("old", len(cs.old)),
			zap.Int("optional", len(cs.optional)),
			zap.Duration("predicted", predicted),
			zap.Int("candidates_left", len(h.candidates)))
	}
}

// selectHumongousCandidates registers humongous objects that no other
// region refers to. Only roots and young objects can still reach them,
// and the pause sees all of those.
func (h *Heap) selectHumongousCandidates() {
	h.table.SetFor(region.StartsHumongous).Iterate(func(r *region.Region) bool {
		if r.Type() != region.StartsHumongous {
			return true
		}
		referenced := false
		h.rs.ReferencingRegions(r.Index(), func(region.Index) bool {
			referenced = true
			return false
		})
		if !referenced {
			h.cset.add(r, humongousCandidate)
		}
		return true
	})
}

// selectOptional decides, after the mandatory phase took elapsed,
// which optional regions still fit the budget. The others leave the
// collection set and go back to the front of the candidates.
func (h *Heap) selectOptional(elapsed time.Duration) (selected, skipped int) {
	cs := &h.cset
	remaining := h.policy.PauseBudget() - elapsed
	keep := cs.optional[:0]
	var back []mark.Candidate
	for i, r := range cs.optional {
		c := cs.optionalCandidates[i]
		t := h.policy.PredictRegionTime(c.LiveWords, false)
		if t <= remaining {
			remaining -= t
			keep = append(keep, r)
			continue
		}
		cs.state[r.Index()].Store(uint32(notInCSet))
		back = append(back, c)
	}
	cs.optional = keep
	if len(back) > 0 {
		h.candidates = append(back, h.candidates...)
	}
	return len(keep), len(back)
}
