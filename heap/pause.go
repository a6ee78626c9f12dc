// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"time"

	"go.uber.org/zap"

	"github.com/veezhang/g1heap/internal/sys"
	"github.com/veezhang/g1heap/object"
	"github.com/veezhang/g1heap/policy"
	"github.com/veezhang/g1heap/region"
)

// prepareForPause brings the heap to a parsable state: every TLAB and
// the mutator allocation region are retired and the prefetcher, whose
// queues hold addresses that are about to move, is emptied.
func (h *Heap) prepareForPause() {
	if !h.sts.AtSafepoint() {
		sys.Throw("heap: pause outside a safepoint")
	}
	if h.pf != nil {
		h.pf.Reset()
	}
	for _, m := range h.mutatorList() {
		m.retireTLAB()
	}
	h.retireMutatorAllocRegion(false)
	h.verify("before pause")
}

// youngCollect runs an evacuation pause. At a safepoint. concStart asks
// for a concurrent cycle to start with it.
func (h *Heap) youngCollect(cause Cause, concStart bool) PauseResult {
	start := time.Now()
	h.prepareForPause()
	res := PauseResult{Cause: cause, Start: start, UsedBefore: h.usedWords()}

	marking := h.cm.InProgress()
	concStart = !marking && (concStart ||
		h.policy.ShouldStartConcurrentCycle(h.oldRegions(), h.table.MaxRegions()))
	h.buildCollectionSet(!marking && !concStart)
	res.YoungRegions = uint32(len(h.cset.young))
	res.OldRegions = uint32(len(h.cset.old))

	failed := h.evacuateCollectionSet(&res)
	// Optional regions dropped for lack of time do not make the pause
	// mixed.
	switch {
	case concStart:
		res.Kind = policy.ConcurrentStart
	case res.OldRegions+res.OptionalRegions > 0:
		res.Kind = policy.Mixed
	default:
		res.Kind = policy.YoungOnly
	}
	if concStart {
		h.startConcurrentCycle(failed)
		res.ConcurrentStart = true
	}
	h.finishPause(&res)
	return res
}

// evacuateCollectionSet copies the live objects out of the collection
// set, processes weak references and frees the collection set. It
// returns the regions that failed evacuation, which are old now.
func (h *Heap) evacuateCollectionSet(res *PauseResult) []*region.Region {
	if h.cfg.OnCollectionSet != nil {
		h.cfg.OnCollectionSet(h)
	}
	h.gcAlloc.reset()
	e := &h.evac
	e.prepare()
	e.runMandatory()
	if len(h.cset.optional) > 0 {
		selected, skipped := h.selectOptional(time.Since(res.Start))
		res.OptionalRegions = uint32(selected)
		res.SkippedOptional = uint32(skipped)
		if selected > 0 {
			e.runOptional()
		}
	}
	e.finish(res)
	h.processWeakRefs()
	failed := e.removeSelfForwards()
	h.freeCollectionSet(res)
	if len(failed) > 0 {
		res.EvacuationFailed = true
		res.EvacFailedRegions = uint32(len(failed))
		h.evacFailures.Add(1)
	}
	return failed
}

// processWeakRefs clears the weak references whose referent was not
// reached by the pause and redirects those whose referent moved. Soft
// references were roots.
func (h *Heap) processWeakRefs() {
	h.refMu.Lock()
	defer h.refMu.Unlock()
	for w := range h.refs {
		if w.soft {
			continue
		}
		v := w.referent
		if v == region.Nil {
			continue
		}
		switch h.csetStateOf(v) {
		case notInCSet:
		case humongousCandidate:
			w.referent = region.Nil
		default:
			hdr := object.LoadHeader(h.table, v)
			switch hdr.Status() {
			case object.Forwarded:
				w.referent = hdr.Forwardee()
			case object.EvacuationFailed:
			default:
				w.referent = region.Nil
			}
		}
	}
}

// freeCollectionSet frees the evacuated regions and the unreached
// humongous candidates. A region that failed evacuation stays, as an
// old region.
func (h *Heap) freeCollectionSet(res *PauseResult) {
	var freed []region.Index
	free := func(r *region.Region) {
		if err := h.table.Free(r); err != nil {
			sys.Throwf("heap: freeing %v: %v", r, err)
		}
		freed = append(freed, r.Index())
	}
	for _, r := range h.cset.regions() {
		if r.EvacuationFailed() {
			r.ClearEvacuationFailed()
			if r.Type() != region.Old {
				h.table.Retype(r, region.Old)
			}
			r.SetAge(0)
			continue
		}
		free(r)
	}
	for _, r := range h.cset.humongous {
		if h.cset.stateOf(r.Index()) != humongousCandidate {
			continue
		}
		for _, rr := range h.table.HumongousRegions(r) {
			free(rr)
		}
	}
	h.rs.ClearRegions(freed)
	h.cset.clear()
	res.FreedRegions = uint32(len(freed))
}

// startConcurrentCycle begins marking at the end of a young pause. The
// survivors, the regions that failed evacuation and the archive
// regions are root regions: their objects are not marked themselves,
// but everything they refer to is.
func (h *Heap) startConcurrentCycle(failed []*region.Region) {
	roots := func(mark func(region.Addr)) {
		for _, m := range h.mutatorList() {
			for _, a := range m.slots[1:] {
				mark(a)
			}
		}
		h.refMu.Lock()
		for w := range h.refs {
			if w.soft {
				mark(w.referent)
			}
		}
		h.refMu.Unlock()
	}
	rootRegions := append([]*region.Region(nil), h.table.SetFor(region.Survivor).Regions()...)
	rootRegions = append(rootRegions, failed...)
	rootRegions = append(rootRegions, h.table.SetFor(region.Archive).Regions()...)
	if r := h.archive.current(); r != nil {
		rootRegions = append(rootRegions, r)
	}
	h.cm.ConcurrentStart(roots, rootRegions)
	h.thread.Start()
}

// finishPause sizes the young generation for the next cycle and records
// the pause.
func (h *Heap) finishPause(res *PauseResult) {
	h.youngTarget = h.policy.YoungTargetLength(h.table.AvailableRegions())
	res.UsedAfter = h.usedWords()
	res.Duration = time.Since(res.Start)
	h.verify("after pause")

	rec := res.record()
	h.policy.RecordPause(rec)
	h.analytics.Record(rec)
	h.gcCount.Add(1)
	h.lastPause = *res

	fields := []zap.Field{
		zap.Stringer("kind", res.Kind),
		zap.Stringer("cause", res.Cause),
		zap.Duration("duration", res.Duration),
		zap.Uint32("young", res.YoungRegions),
		zap.Uint32("old", res.OldRegions),
		zap.Uint32("freed", res.FreedRegions),
		zap.Uint64("copied_words", res.CopiedWords),
		zap.Uint64("used_before", res.UsedBefore),
		zap.Uint64("used_after", res.UsedAfter),
		zap.Uint32("young_target", h.youngTarget),
	}
	if res.OptionalRegions+res.SkippedOptional > 0 {
		fields = append(fields,
			zap.Uint32("optional", res.OptionalRegions),
			zap.Uint32("optional_skipped", res.SkippedOptional))
	}
	if res.ReclaimedHumongous > 0 {
		fields = append(fields, zap.Uint32("humongous_reclaimed", res.ReclaimedHumongous))
	}
	if res.EvacuationFailed {
		fields = append(fields,
			zap.Uint32("evac_failed_regions", res.EvacFailedRegions),
			zap.Uint64("evac_failed_objects", res.EvacFailedObjects))
		h.log.Warn("pause", fields...)
		return
	}
	h.log.Info("pause", fields...)
}
