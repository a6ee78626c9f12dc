// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"time"

	"github.com/veezhang/g1heap/mark"
	"github.com/veezhang/g1heap/policy"
	"github.com/veezhang/g1heap/region"
)

// PauseResult describes one pause.
type PauseResult struct {
	Kind             policy.PauseKind
	Cause            Cause
	Start            time.Time
	Duration         time.Duration
	EvacuationFailed bool
	ConcurrentStart  bool // a marking cycle started with this pause

	YoungRegions       uint32
	OldRegions         uint32
	OptionalRegions    uint32 // evacuated
	SkippedOptional    uint32 // left for a later pause
	FreedRegions       uint32
	EvacFailedRegions  uint32
	ReclaimedHumongous uint32 // objects

	CopiedWords       uint64
	CopiedObjects     uint64
	EvacFailedObjects uint64
	PLABWaste         uint64
	UsedBefore        uint64
	UsedAfter         uint64
	Steals            uint64
	TerminationTime   time.Duration // summed over workers
}

func (r *PauseResult) record() policy.PauseRecord {
	return policy.PauseRecord{
		Kind:             r.Kind,
		Start:            r.Start,
		Duration:         r.Duration,
		EvacuationFailed: r.EvacuationFailed,
		YoungRegions:     r.YoungRegions,
		OldRegions:       r.OldRegions,
		OptionalRegions:  r.OptionalRegions,
		FreedRegions:     r.FreedRegions,
		CopiedWords:      r.CopiedWords,
		UsedBefore:       r.UsedBefore,
		UsedAfter:        r.UsedAfter,
		TerminationTime:  r.TerminationTime,
	}
}

// Stats is a snapshot of the heap.
type Stats struct {
	Committed uint32
	Max       uint32
	Free      uint32
	Eden      uint32 // the allocation region included
	Survivor  uint32
	Old       uint32
	Humongous uint32 // regions
	Archive   uint32 // the current archive region included
	UsedWords uint64

	Collections        uint64
	FullCollections    uint64
	EvacuationFailures uint64
	Candidates         int

	Pauses    policy.Summary
	Marking   mark.Stats
	Prefetch  mark.PrefetchStats
	LastPause PauseResult
}

// Stats returns a snapshot of the heap. It waits for a pause in
// progress to end.
func (h *Heap) Stats() Stats {
	h.sts.Join()
	defer h.sts.Leave()
	g := h.lock.Acquire()
	s := Stats{
		Committed: h.table.CommittedRegions(),
		Max:       h.table.MaxRegions(),
		Free:      h.table.FreeRegions(),
		Eden:      h.edenLength(),
		Survivor:  h.table.SetFor(region.Survivor).Length(),
		Old:       h.table.SetFor(region.Old).Length(),
		Humongous: h.table.SetFor(region.StartsHumongous).Length(),
		Archive:   h.table.SetFor(region.Archive).Length(),
		UsedWords: h.usedWords(),

		Collections:        h.gcCount.Load(),
		FullCollections:    h.fullCount.Load(),
		EvacuationFailures: h.evacFailures.Load(),
		Candidates:         len(h.candidates),
		LastPause:          h.lastPause,
	}
	g.Release()
	if h.archive.current() != nil {
		s.Archive++
	}
	s.Pauses = h.analytics.Summary()
	s.Marking = h.cm.Stats()
	if h.pf != nil {
		s.Prefetch = h.pf.Stats()
	}
	return s
}

// LastPause returns the result of the most recent pause.
func (h *Heap) LastPause() PauseResult {
	h.sts.Join()
	defer h.sts.Leave()
	return h.lastPause
}
