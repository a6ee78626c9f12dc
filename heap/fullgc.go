// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/veezhang/g1heap/internal/sys"
	"github.com/veezhang/g1heap/internal/taskqueue"
	"github.com/veezhang/g1heap/mark"
	"github.com/veezhang/g1heap/object"
	"github.com/veezhang/g1heap/policy"
	"github.com/veezhang/g1heap/region"
)

// fullCollect collects the whole heap. At a safepoint.
//
// Marking is aborted first: its candidates and TAMS values describe a
// heap that is about to change completely. Live objects in young and
// old regions are slid down in place, so the collection needs no free
// region to make progress. Every humongous object that nothing reaches
// is freed.
func (h *Heap) fullCollect(cause Cause, clearSoft bool) PauseResult {
	start := time.Now()
	h.cm.Abort()
	h.prepareForPause()
	h.candidates = nil
	res := PauseResult{Kind: policy.Full, Cause: cause, Start: start, UsedBefore: h.usedWords()}

	h.full.collect(clearSoft, &res)
	h.fullCount.Add(1)
	h.shrinkAfterFull()
	h.finishPause(&res)
	return res
}

// shrinkAfterFull gives back free regions beyond twice what is in use,
// but never below the initial size.
func (h *Heap) shrinkAfterFull() {
	committed := h.table.CommittedRegions()
	used := committed - h.table.FreeRegions()
	target := max(h.cfg.InitialRegions, 2*used)
	if committed <= target {
		return
	}
	n := h.table.Shrink(committed - target)
	if n > 0 {
		h.log.Info("heap shrunk",
			zap.Uint32("regions", n),
			zap.Uint32("committed", h.table.CommittedRegions()))
	}
}

// forwarding is where a moving object goes.
type forwarding struct {
	from, to region.Addr
}

// fullCollector is the parallel mark-compact of full collections.
//
// Live objects are marked from the roots and then slid towards the
// bottom of the eden, survivor and old regions. Each worker compacts
// the regions it claimed, in index order, into the lowest of them: an
// object only ever moves down within its own region or into an
// earlier region of the same worker. Humongous and archive objects do
// not move.
type fullCollector struct {
	h       *Heap
	bitmap  *mark.Bitmap
	workers []*fullWorker
	queues  *taskqueue.Set
	term    *taskqueue.Terminator

	roots    []*region.Addr // mutator slots
	softRefs []*WeakRef     // strong in this collection
	nextRoot atomic.Uint32
	claim    *region.Claimer

	archive    []*region.Region
	compaction []*region.Region // index order
	humongous  []*region.Region // starts of live humongous objects

	compacting []bool         // by region index
	fwd        [][]forwarding // by region index, sorted by from
}

// fullWorker is one worker's state. Queue entries are addresses of
// marked objects whose fields are still to be scanned.
type fullWorker struct {
	c        *fullCollector
	id       int
	queue    *taskqueue.Queue
	overflow []uint64
	rng      *taskqueue.Rand

	// Claimed compaction regions, the top each has once objects moved,
	// and the one being filled.
	regions []*region.Region
	tops    []region.Addr
	point   int

	live         uint64 // marked words outside humongous regions
	moved        uint64
	movedObjects uint64
	steals       uint64
	termTime     time.Duration
}

func (c *fullCollector) init(h *Heap) {
	n := int(h.cfg.ParallelWorkers)
	c.h = h
	c.bitmap = mark.NewBitmap(h.table.Base(), h.table.Limit())
	c.queues = taskqueue.NewSet(n, h.cfg.QueueCapacity)
	c.term = taskqueue.NewTerminator(uint32(n), c.queues)
	c.compacting = make([]bool, h.table.MaxRegions())
	c.fwd = make([][]forwarding, h.table.MaxRegions())
	c.workers = make([]*fullWorker, n)
	for i := range c.workers {
		c.workers[i] = &fullWorker{
			c:     c,
			id:    i,
			queue: c.queues.Queue(i),
			rng:   taskqueue.NewRand(uint32(i)*2246822519 + 1),
		}
	}
}

// liveRegionsPerWorker is how much live data, in regions, each extra
// compacting worker needs. Every worker leaves its last region partly
// empty.
const liveRegionsPerWorker = 4

func (c *fullCollector) run(fn func(w *fullWorker)) {
	c.runN(len(c.workers), fn)
}

func (c *fullCollector) runN(n int, fn func(w *fullWorker)) {
	c.h.workers.RunTask(uint(n), func(id uint) {
		fn(c.workers[id])
	})
}

// compactionWorkers returns how many workers slide the live words.
func (c *fullCollector) compactionWorkers(live uint64) int {
	n := int(live / (c.h.table.RegionWords() * liveRegionsPerWorker))
	return max(1, min(n, len(c.workers)))
}

// collect runs the phases of a full collection. At a safepoint, with
// the heap parsable.
func (c *fullCollector) collect(clearSoft bool, res *PauseResult) {
	h := c.h
	c.prepare(clearSoft)

	t0 := time.Now()
	c.mark()
	c.clearUnreachedReferents()
	t1 := time.Now()
	var live uint64
	for _, w := range c.workers {
		live += w.live
	}
	n := c.compactionWorkers(live)
	c.selectRegions(res)
	c.claim = region.NewClaimer(c.compaction)
	c.runN(n, func(w *fullWorker) {
		for r := c.claim.Claim(); r != nil; r = c.claim.Claim() {
			w.forward(r)
		}
	})
	t2 := time.Now()
	c.adjust()
	t3 := time.Now()
	c.runN(n, func(w *fullWorker) { w.compact() })
	c.finishRegions(res)
	t4 := time.Now()
	c.rebuildRemSet()

	for _, w := range c.workers {
		res.CopiedWords += w.moved
		res.CopiedObjects += w.movedObjects
		res.Steals += w.steals
		res.TerminationTime += w.termTime
	}
	h.log.Debug("full collection",
		zap.Uint64("live_words", live),
		zap.Int("compaction_workers", n),
		zap.Duration("mark", t1.Sub(t0)),
		zap.Duration("forward", t2.Sub(t1)),
		zap.Duration("adjust", t3.Sub(t2)),
		zap.Duration("compact", t4.Sub(t3)),
		zap.Duration("remset", time.Since(t4)))
}

func (c *fullCollector) prepare(clearSoft bool) {
	h := c.h
	c.queues.Clear()
	c.roots = c.roots[:0]
	for _, m := range h.mutatorList() {
		for j := 1; j < len(m.slots); j++ {
			c.roots = append(c.roots, &m.slots[j])
		}
	}
	c.softRefs = c.softRefs[:0]
	if !clearSoft {
		h.refMu.Lock()
		for w := range h.refs {
			if w.soft {
				c.softRefs = append(c.softRefs, w)
			}
		}
		h.refMu.Unlock()
	}
	c.archive = append(c.archive[:0], h.table.SetFor(region.Archive).Regions()...)
	if r := h.archive.current(); r != nil {
		c.archive = append(c.archive, r)
	}
	c.compaction = c.compaction[:0]
	c.humongous = c.humongous[:0]
	for _, w := range c.workers {
		w.overflow = w.overflow[:0]
		w.regions = w.regions[:0]
		w.tops = w.tops[:0]
		w.point = 0
		w.live, w.moved, w.movedObjects, w.steals = 0, 0, 0, 0
		w.termTime = 0
	}
}

// mark marks everything reachable from the mutator slots, the soft
// references this collection keeps and the archive objects.
func (c *fullCollector) mark() {
	h := c.h
	n := uint32(len(c.roots) + len(c.softRefs))
	c.nextRoot.Store(0)
	c.claim = region.NewClaimer(c.archive)
	c.term.Reset(uint32(len(c.workers)))
	c.run(func(w *fullWorker) {
		for {
			i := c.nextRoot.Add(1) - 1
			if i >= n {
				break
			}
			if int(i) < len(c.roots) {
				w.markObject(*c.roots[i])
			} else {
				w.markObject(c.softRefs[int(i)-len(c.roots)].referent)
			}
		}
		for r := c.claim.Claim(); r != nil; r = c.claim.Claim() {
			object.Walk(h.table, r.Bottom(), r.Top(), func(obj region.Addr, hdr object.Header) bool {
				if !hdr.IsFiller() {
					w.markFields(obj)
				}
				return true
			})
		}
		w.drainAndTerminate()
	})
}

// isLive reports whether the object at v survives the collection.
func (c *fullCollector) isLive(v region.Addr) bool {
	return c.h.table.RegionFor(v).Type() == region.Archive || c.bitmap.IsMarked(v)
}

// clearUnreachedReferents clears the weak references, and the soft
// ones if they are not kept, whose referent was not marked.
func (c *fullCollector) clearUnreachedReferents() {
	h := c.h
	h.refMu.Lock()
	defer h.refMu.Unlock()
	for w := range h.refs {
		if w.referent != region.Nil && !c.isLive(w.referent) {
			w.referent = region.Nil
		}
	}
}

// selectRegions lists the regions to compact and the live humongous
// objects, and frees the dead humongous objects.
func (c *fullCollector) selectRegions(res *PauseResult) {
	h := c.h
	var freed uint32
	h.table.Iterate(func(r *region.Region) bool {
		c.compacting[r.Index()] = false
		switch r.Type() {
		case region.Eden, region.Survivor:
			res.YoungRegions++
		case region.Old:
			res.OldRegions++
		case region.StartsHumongous:
			if c.bitmap.IsMarked(r.Bottom()) {
				c.humongous = append(c.humongous, r)
				return true
			}
			for _, rr := range h.table.HumongousRegions(r) {
				c.free(rr)
				freed++
			}
			res.ReclaimedHumongous++
			return true
		default:
			return true
		}
		c.compacting[r.Index()] = true
		c.compaction = append(c.compaction, r)
		return true
	})
	res.FreedRegions += freed
}

func (c *fullCollector) free(r *region.Region) {
	if err := c.h.table.Free(r); err != nil {
		sys.Throwf("heap: freeing %v: %v", r, err)
	}
}

// forwardee returns where the object at v goes, which is v itself
// unless it moves.
func (c *fullCollector) forwardee(v region.Addr) region.Addr {
	i := c.h.table.IndexFor(v)
	if i == region.NoIndex || !c.compacting[i] {
		return v
	}
	fs := c.fwd[i]
	j := sort.Search(len(fs), func(j int) bool { return fs[j].from >= v })
	if j < len(fs) && fs[j].from == v {
		return fs[j].to
	}
	return v
}

// adjust points every reference at the new location of its target.
// Objects are still at their old addresses.
func (c *fullCollector) adjust() {
	h := c.h
	scan := make([]*region.Region, 0, len(c.compaction)+len(c.humongous)+len(c.archive))
	scan = append(scan, c.compaction...)
	scan = append(scan, c.humongous...)
	scan = append(scan, c.archive...)
	c.claim = region.NewClaimer(scan)
	c.run(func(w *fullWorker) {
		for r := c.claim.Claim(); r != nil; r = c.claim.Claim() {
			w.adjustRegion(r)
		}
	})

	for _, p := range c.roots {
		*p = c.forwardee(*p)
	}
	h.refMu.Lock()
	for w := range h.refs {
		w.referent = c.forwardee(w.referent)
	}
	h.refMu.Unlock()
}

// finishRegions gives each compacted region its new top, frees the
// ones left empty and clears the marks.
func (c *fullCollector) finishRegions(res *PauseResult) {
	h := c.h
	for _, w := range c.workers {
		for i, r := range w.regions {
			if top := w.tops[i]; top == r.Bottom() {
				c.free(r)
				res.FreedRegions++
			} else {
				h.table.Compact(r, top)
			}
			c.bitmap.ClearRange(r.Bottom(), r.End())
			c.fwd[r.Index()] = c.fwd[r.Index()][:0]
			c.compacting[r.Index()] = false
		}
	}
	for _, r := range c.humongous {
		c.bitmap.ClearRange(r.Bottom(), r.Bottom()+1)
	}
}

// rebuildRemSet records the cross-region references of the compacted
// heap from scratch.
func (c *fullCollector) rebuildRemSet() {
	h := c.h
	var all []region.Index
	h.table.Iterate(func(r *region.Region) bool {
		all = append(all, r.Index())
		return true
	})
	h.rs.ClearRegions(all)

	scan := append([]*region.Region(nil), h.table.SetFor(region.Old).Regions()...)
	scan = append(scan, c.humongous...)
	scan = append(scan, c.archive...)
	c.claim = region.NewClaimer(scan)
	c.run(func(w *fullWorker) {
		for r := c.claim.Claim(); r != nil; r = c.claim.Claim() {
			if r.Type() == region.StartsHumongous {
				w.recordFields(r.Bottom())
				continue
			}
			object.Walk(h.table, r.Bottom(), r.Top(), func(obj region.Addr, hdr object.Header) bool {
				if !hdr.IsFiller() {
					w.recordFields(obj)
				}
				return true
			})
		}
	})
}

func (w *fullWorker) markObject(v region.Addr) {
	c := w.c
	if v == region.Nil {
		return
	}
	ty := c.h.table.RegionFor(v).Type()
	if ty == region.Archive || !c.bitmap.ParMark(v) {
		return
	}
	if ty != region.StartsHumongous {
		w.live += object.LoadHeader(c.h.table, v).Size()
	}
	if !w.queue.Push(uint64(v)) {
		w.overflow = append(w.overflow, uint64(v))
	}
}

func (w *fullWorker) markFields(obj region.Addr) {
	t := w.c.h.table
	hdr := object.LoadHeader(t, obj)
	for i := uint32(0); i < hdr.NumRefs(); i++ {
		w.markObject(region.Addr(t.Load(object.RefAddr(obj, i))))
	}
}

func (w *fullWorker) drain() {
	for {
		if e, ok := w.queue.Pop(); ok {
			w.markFields(region.Addr(e))
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

func (w *fullWorker) drainAndTerminate() {
	c := w.c
	for {
		w.drain()
		if e, ok := c.queues.Steal(w.id, w.rng); ok {
			w.steals++
			w.markFields(region.Addr(e))
			continue
		}
		start := time.Now()
		done := c.term.Offer(nil)
		w.termTime += time.Since(start)
		if done {
			return
		}
	}
}

// forward assigns the live objects of r their new addresses. Regions
// arrive in index order, so the compaction point never has to look
// past r itself.
func (w *fullWorker) forward(r *region.Region) {
	c := w.c
	w.regions = append(w.regions, r)
	w.tops = append(w.tops, r.Bottom())
	fwd := c.fwd[r.Index()][:0]
	c.bitmap.Iterate(r.Bottom(), r.Top(), func(obj region.Addr) bool {
		size := region.Addr(object.LoadHeader(c.h.table, obj).Size())
		for w.tops[w.point]+size > w.regions[w.point].End() {
			w.point++
		}
		to := w.tops[w.point]
		w.tops[w.point] = to + size
		if to != obj {
			fwd = append(fwd, forwarding{from: obj, to: to})
		}
		return true
	})
	c.fwd[r.Index()] = fwd
}

func (w *fullWorker) adjustRegion(r *region.Region) {
	c := w.c
	switch {
	case c.compacting[r.Index()]:
		c.bitmap.Iterate(r.Bottom(), r.Top(), func(obj region.Addr) bool {
			w.adjustFields(obj)
			return true
		})
	case r.Type() == region.StartsHumongous:
		w.adjustFields(r.Bottom())
	default:
		object.Walk(c.h.table, r.Bottom(), r.Top(), func(obj region.Addr, hdr object.Header) bool {
			if !hdr.IsFiller() {
				w.adjustFields(obj)
			}
			return true
		})
	}
}

func (w *fullWorker) adjustFields(obj region.Addr) {
	c := w.c
	t := c.h.table
	hdr := object.LoadHeader(t, obj)
	for i := uint32(0); i < hdr.NumRefs(); i++ {
		f := object.RefAddr(obj, i)
		v := region.Addr(t.Load(f))
		if v == region.Nil {
			continue
		}
		if nv := c.forwardee(v); nv != v {
			t.Store(f, uint64(nv))
		}
	}
}

// compact moves the objects of the worker's regions in address order.
// A destination never overlaps a live object that has not moved yet.
func (w *fullWorker) compact() {
	c := w.c
	t := c.h.table
	for _, r := range w.regions {
		for _, f := range c.fwd[r.Index()] {
			size := object.LoadHeader(t, f.from).Size()
			t.Copy(f.to, f.from, size)
			w.moved += size
			w.movedObjects++
		}
	}
}

func (w *fullWorker) recordFields(obj region.Addr) {
	h := w.c.h
	hdr := object.LoadHeader(h.table, obj)
	for i := uint32(0); i < hdr.NumRefs(); i++ {
		f := object.RefAddr(obj, i)
		if v := region.Addr(h.table.Load(f)); v != region.Nil {
			h.recordReference(f, v)
		}
	}
}
