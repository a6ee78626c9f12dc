// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"sync/atomic"
	"time"

	"github.com/veezhang/g1heap/internal/taskqueue"
	"github.com/veezhang/g1heap/object"
	"github.com/veezhang/g1heap/region"
	"github.com/veezhang/g1heap/remset"
)

// preservedMark is the header of an object that failed evacuation,
// restored once the pause no longer needs the failure mark.
type preservedMark struct {
	obj region.Addr
	hdr object.Header
}

// evacuator runs the parallel copying phases of a pause. It lives as
// long as the heap; everything in it is reset at the start of a pause.
type evacuator struct {
	h       *Heap
	workers []*evacWorker
	queues  *taskqueue.Set
	term    *taskqueue.Terminator

	tenure uint8

	// Mandatory phase roots.
	mutators  []*Mutator
	nextMut   atomic.Uint32
	softRefs  []*WeakRef
	nextSoft  atomic.Uint32
	cardScan  *region.Claimer
	optional  bool // current phase is the optional one
	reachedHR atomic.Uint32
}

// evacWorker is one worker's state. Queue entries are addresses of
// reference fields whose target may have to be copied.
type evacWorker struct {
	e        *evacuator
	id       int
	queue    *taskqueue.Queue
	overflow []uint64
	rng      *taskqueue.Rand
	alloc    plabAllocator

	preserved []preservedMark
	// References into optional regions found in the mandatory phase.
	optFields []region.Addr
	optRoots  []*region.Addr

	copied        uint64 // words
	copiedObjects uint64
	failedObjects uint64
	steals        uint64
	termTime      time.Duration
}

func (e *evacuator) init(h *Heap) {
	n := int(h.cfg.ParallelWorkers)
	e.h = h
	e.queues = taskqueue.NewSet(n, h.cfg.QueueCapacity)
	e.term = taskqueue.NewTerminator(uint32(n), e.queues)
	e.workers = make([]*evacWorker, n)
	for i := range e.workers {
		e.workers[i] = &evacWorker{
			e:     e,
			id:    i,
			queue: e.queues.Queue(i),
			rng:   taskqueue.NewRand(uint32(i)*2654435761 + 1),
		}
	}
}

// prepare resets the evacuator for a pause.
func (e *evacuator) prepare() {
	h := e.h
	e.tenure = h.policy.TenuringThreshold()
	e.optional = false
	e.reachedHR.Store(0)
	e.queues.Clear()

	e.mutators = h.mutatorList()
	e.nextMut.Store(0)
	e.softRefs = e.softRefs[:0]
	h.refMu.Lock()
	for w := range h.refs {
		if w.soft {
			e.softRefs = append(e.softRefs, w)
		}
	}
	h.refMu.Unlock()
	e.nextSoft.Store(0)
	e.cardScan = region.NewClaimer(h.cardScanRegions())

	for _, w := range e.workers {
		w.overflow = w.overflow[:0]
		w.preserved = w.preserved[:0]
		w.optFields = w.optFields[:0]
		w.optRoots = w.optRoots[:0]
		w.copied, w.copiedObjects, w.failedObjects, w.steals = 0, 0, 0, 0
		w.termTime = 0
		w.alloc.reset(&h.gcAlloc, h.table, h.cfg.PLABWords)
	}
}

// cardScanRegions returns the regions outside the collection set whose
// dirty cards may hold references into it.
func (h *Heap) cardScanRegions() []*region.Region {
	var rs []*region.Region
	add := func(r *region.Region) bool {
		rs = append(rs, r)
		return true
	}
	h.table.SetFor(region.Archive).Iterate(add)
	if r := h.archive.current(); r != nil {
		rs = append(rs, r)
	}
	h.table.SetFor(region.Old).Iterate(func(r *region.Region) bool {
		switch h.cset.stateOf(r.Index()) {
		case notInCSet, inCSetOptional:
			rs = append(rs, r)
		}
		return true
	})
	h.table.SetFor(region.StartsHumongous).Iterate(func(r *region.Region) bool {
		if r.Type() == region.StartsHumongous {
			rs = append(rs, r)
		}
		return true
	})
	return rs
}

// runMandatory evacuates everything reachable from the roots into the
// collection set, except what lies in optional regions.
func (e *evacuator) runMandatory() {
	e.run(func(w *evacWorker) {
		w.scanMutatorRoots()
		w.scanSoftRefs()
		for r := e.cardScan.Claim(); r != nil; r = e.cardScan.Claim() {
			w.scanCards(r)
		}
	})
}

// runOptional evacuates the optional regions that were kept, starting
// from the references into them that the mandatory phase recorded.
func (e *evacuator) runOptional() {
	e.optional = true
	e.h.cset.optionalActive = true
	e.run(func(w *evacWorker) {
		for _, p := range w.optRoots {
			w.doRoot(p)
		}
		for _, f := range w.optFields {
			w.push(f)
		}
		w.optRoots = w.optRoots[:0]
		w.optFields = w.optFields[:0]
	})
}

func (e *evacuator) run(roots func(w *evacWorker)) {
	n := len(e.workers)
	e.term.Reset(uint32(n))
	e.h.workers.RunTask(uint(n), func(id uint) {
		w := e.workers[id]
		roots(w)
		w.drainAndTerminate()
	})
}

// finish retires the PLABs and returns the totals of the pause.
func (e *evacuator) finish(res *PauseResult) {
	for _, w := range e.workers {
		res.PLABWaste += w.alloc.flush()
		res.CopiedWords += w.copied
		res.CopiedObjects += w.copiedObjects
		res.EvacFailedObjects += w.failedObjects
		res.Steals += w.steals
		res.TerminationTime += w.termTime
	}
	e.h.gcAlloc.retireAll()
	res.ReclaimedHumongous = uint32(len(e.h.cset.humongous)) - e.reachedHR.Load()
}

func (w *evacWorker) scanMutatorRoots() {
	e := w.e
	for {
		i := e.nextMut.Add(1) - 1
		if int(i) >= len(e.mutators) {
			return
		}
		m := e.mutators[i]
		for j := 1; j < len(m.slots); j++ {
			w.doRoot(&m.slots[j])
		}
	}
}

// scanSoftRefs treats soft references as strong. Only a full
// collection may clear them.
func (w *evacWorker) scanSoftRefs() {
	e := w.e
	for {
		i := e.nextSoft.Add(1) - 1
		if int(i) >= len(e.softRefs) {
			return
		}
		w.doRoot(&e.softRefs[i].referent)
	}
}

// active reports whether objects in st are copied in this phase.
func (w *evacWorker) active(st csetState) bool {
	switch st {
	case inCSetYoung, inCSetOld:
		return true
	case inCSetOptional:
		return w.e.optional
	}
	return false
}

// doRoot evacuates the target of a root slot that only this worker
// owns.
func (w *evacWorker) doRoot(p *region.Addr) {
	v := *p
	if v == region.Nil {
		return
	}
	switch st := w.e.h.csetStateOf(v); {
	case w.active(st):
		*p = w.copyToSurvivorSpace(v)
	case st == inCSetOptional:
		w.optRoots = append(w.optRoots, p)
	case st == humongousCandidate:
		w.reachHumongous(v)
	}
}

// doField evacuates the target of the reference field f and keeps the
// remembered set current for the new value.
func (w *evacWorker) doField(f region.Addr) {
	h := w.e.h
	v := region.Addr(h.table.Load(f))
	if v == region.Nil {
		return
	}
	switch st := h.csetStateOf(v); {
	case w.active(st):
		nv := w.copyToSurvivorSpace(v)
		h.table.Store(f, uint64(nv))
		h.recordReference(f, nv)
	case st == inCSetOptional:
		// The card stays dirty in case the region is not evacuated.
		w.optFields = append(w.optFields, f)
		h.recordReference(f, v)
	case st == humongousCandidate:
		w.reachHumongous(v)
		h.recordReference(f, v)
	default:
		h.recordReference(f, v)
	}
}

// reachHumongous takes a humongous candidate out of the collection set.
func (w *evacWorker) reachHumongous(v region.Addr) {
	h := w.e.h
	r := h.table.RegionFor(v)
	if r.Type() == region.ContinuesHumongous {
		r = h.table.At(r.HumongousStart())
	}
	if h.cset.state[r.Index()].CompareAndSwap(uint32(humongousCandidate), uint32(notInCSet)) {
		w.e.reachedHR.Add(1)
	}
}

func (w *evacWorker) push(f region.Addr) {
	if !w.queue.Push(uint64(f)) {
		w.overflow = append(w.overflow, uint64(f))
	}
}

// scanObject queues the fields of obj that point into the collection
// set and records the others.
func (w *evacWorker) scanObject(obj region.Addr) {
	h := w.e.h
	hdr := object.LoadHeader(h.table, obj)
	for i := uint32(0); i < hdr.NumRefs(); i++ {
		f := object.RefAddr(obj, i)
		v := region.Addr(h.table.Load(f))
		if v == region.Nil {
			continue
		}
		if h.csetStateOf(v) != notInCSet {
			w.push(f)
		} else {
			h.recordReference(f, v)
		}
	}
}

// scanCards cleans r's dirty cards and processes the fields on them.
// Cards are cleaned first: processing a field dirties its card again
// if the reference still crosses regions.
func (w *evacWorker) scanCards(r *region.Region) {
	h := w.e.h
	run := []*region.Region{r}
	if r.Type() == region.StartsHumongous {
		run = h.table.HumongousRegions(r)
	}
	var cards []remset.Card
	for _, rr := range run {
		if !h.rs.IsRegionDirty(rr.Index()) {
			continue
		}
		for _, c := range h.rs.DirtyCardsFor(rr.Index()) {
			h.rs.CleanCard(c)
			cards = append(cards, c)
		}
	}
	if len(cards) == 0 {
		return
	}
	// Fields are visited in address order, so the cards are consumed in
	// order too.
	next := 0
	object.Walk(h.table, r.Bottom(), r.Top(), func(obj region.Addr, hdr object.Header) bool {
		if hdr.IsFiller() {
			return true
		}
		if from, _ := h.rs.CardRange(cards[next]); obj+region.Addr(hdr.Size()) <= from {
			return true
		}
		for i := uint32(0); i < hdr.NumRefs(); i++ {
			f := object.RefAddr(obj, i)
			c := h.rs.CardFor(f)
			for next < len(cards) && cards[next] < c {
				next++
			}
			if next == len(cards) {
				return false
			}
			if cards[next] != c {
				continue
			}
			v := region.Addr(h.table.Load(f))
			if v == region.Nil {
				continue
			}
			if h.csetStateOf(v) != notInCSet {
				w.push(f)
			} else {
				h.recordReference(f, v)
			}
		}
		return true
	})
}

// drain processes the queue and the overflow list until both are empty.
// Overflow entries are moved back to the queue when it empties, so that
// other workers can steal them.
func (w *evacWorker) drain() {
	for {
		if e, ok := w.queue.Pop(); ok {
			w.doField(region.Addr(e))
			continue
		}
		if len(w.overflow) == 0 {
			return
		}
		for len(w.overflow) > 0 {
			last := len(w.overflow) - 1
			if !w.queue.Push(w.overflow[last]) {
				break
			}
			w.overflow = w.overflow[:last]
		}
	}
}

func (w *evacWorker) drainAndTerminate() {
	e := w.e
	for {
		w.drain()
		if f, ok := e.queues.Steal(w.id, w.rng); ok {
			w.steals++
			w.doField(region.Addr(f))
			continue
		}
		start := time.Now()
		done := e.term.Offer(nil)
		w.termTime += time.Since(start)
		if done {
			return
		}
	}
}

// copyToSurvivorSpace copies obj out of the collection set, or returns
// where it already went. An object that cannot be copied is marked as
// failed and stays where it is.
func (w *evacWorker) copyToSurvivorSpace(obj region.Addr) region.Addr {
	h := w.e.h
	for {
		hdr := object.LoadHeader(h.table, obj)
		switch hdr.Status() {
		case object.Forwarded:
			return hdr.Forwardee()
		case object.EvacuationFailed:
			return obj
		}
		size := hdr.Size()
		age := hdr.Age()
		d := destSurvivor
		if age+1 >= w.e.tenure || h.table.RegionFor(obj).Type() == region.Old {
			d = destOld
		}
		a, got := w.alloc.allocate(d, size)
		if a == region.Nil {
			if h.table.CAS(obj, uint64(hdr), uint64(hdr.AsEvacuationFailed())) {
				w.failEvacuation(obj, hdr)
				return obj
			}
			continue
		}
		h.table.Copy(a, obj, size)
		nh := hdr
		if age < object.MaxAge {
			nh = hdr.WithAge(age + 1)
		}
		h.table.Store(a, uint64(nh))
		if h.table.CAS(obj, uint64(hdr), uint64(object.ForwardingHeader(a))) {
			w.copied += size
			w.copiedObjects++
			w.scanObject(a)
			return a
		}
		w.alloc.undo(got, a, size)
	}
}

// failEvacuation keeps obj in place. Its region becomes old at the end
// of the pause; until then the failure mark in the header makes every
// reference to obj resolve to obj itself.
func (w *evacWorker) failEvacuation(obj region.Addr, hdr object.Header) {
	h := w.e.h
	w.preserved = append(w.preserved, preservedMark{obj: obj, hdr: hdr})
	h.table.RegionFor(obj).SetEvacuationFailed()
	w.failedObjects++
	w.scanObject(obj)
}

// preservedMarks reports how many headers are waiting to be restored.
func (e *evacuator) preservedMarks() int {
	var n int
	for _, w := range e.workers {
		n += len(w.preserved)
	}
	return n
}

// removeSelfForwards makes the regions that failed evacuation ordinary
// again: every dead run becomes a filler, then the headers of the
// objects kept in place are restored. Dead means copied elsewhere or
// never reached. It returns the regions.
func (e *evacuator) removeSelfForwards() []*region.Region {
	h := e.h
	var failed []*region.Region
	for _, r := range h.cset.regions() {
		if !r.EvacuationFailed() {
			continue
		}
		failed = append(failed, r)
		type span struct {
			a region.Addr
			n uint64
		}
		var dead []span
		object.Walk(h.table, r.Bottom(), r.Top(), func(obj region.Addr, hdr object.Header) bool {
			if hdr.Status() == object.EvacuationFailed {
				return true
			}
			size := object.ParsedHeader(h.table, obj).Size()
			if n := len(dead); n > 0 && dead[n-1].a+region.Addr(dead[n-1].n) == obj {
				dead[n-1].n += size
			} else {
				dead = append(dead, span{obj, size})
			}
			return true
		})
		for _, s := range dead {
			object.Fill(h.table, s.a, s.n)
		}
	}
	for _, w := range e.workers {
		for _, pm := range w.preserved {
			h.table.Store(pm.obj, uint64(pm.hdr))
		}
		w.preserved = w.preserved[:0]
	}
	return failed
}
