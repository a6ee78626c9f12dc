// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"time"

	"github.com/veezhang/g1heap/internal/sys"
	"github.com/veezhang/g1heap/internal/taskqueue"
	"github.com/veezhang/g1heap/object"
	"github.com/veezhang/g1heap/region"
)

const (
	wordsScannedPeriod = 12 * 1024
	refsReachedPeriod  = 1024

	// Local queue size kept back when draining partially, so that
	// thieves have something to take.
	drainTargetSize = 64
)

// testHookScan, if set, runs before every object scan with whether
// the cycle had already been aborted.
var testHookScan func(worker uint32, aborted bool)

// Task is the marking state of one worker: a local queue, a region
// scan cursor and a liveness cache. A Task is only ever used by the
// worker that owns it, or by a safepoint.
type Task struct {
	id    uint32
	cm    *ConcurrentMark
	queue *taskqueue.Queue
	cache *StatsCache
	rng   *taskqueue.Rand
	buf   []uint64

	// Current region; all three are Nil/nil together.
	currRegion *region.Region
	finger     region.Addr
	limit      region.Addr

	aborted          bool // this step must stop
	drainingSATB     bool
	stepStart        time.Time
	stepTarget       time.Duration
	wordsScanned     uint64
	wordsScanLimit   uint64
	refsReached      uint64
	refsReachedLimit uint64

	// Statistics, read after the phase.
	objectsScanned uint64
	steals         uint64
	terminations   uint64
	firstBarriers  uint64
	secondBarriers uint64
	cacheHits      uint64
	cacheMisses    uint64
}

func newTask(id uint32, cm *ConcurrentMark, q *taskqueue.Queue) *Task {
	return &Task{
		id:    id,
		cm:    cm,
		queue: q,
		cache: NewStatsCache(cm.stats, cm.cfg.StatsCacheSize),
		rng:   taskqueue.NewRand(id*0x9e3779b9 + 1),
		buf:   make([]uint64, ChunkEntries),
	}
}

// reset prepares the task for a new cycle.
func (t *Task) reset() {
	t.clearRegionFields()
	t.queue.Clear()
	t.cache.Reset()
	t.objectsScanned, t.steals, t.terminations = 0, 0, 0
	t.firstBarriers, t.secondBarriers = 0, 0
	t.cacheHits, t.cacheMisses = 0, 0
}

func (t *Task) clearRegionFields() {
	t.currRegion = nil
	t.finger = region.Nil
	t.limit = region.Nil
}

func (t *Task) setupForRegion(r *region.Region) {
	t.currRegion = r
	t.finger = r.Bottom()
	t.limit = r.TAMS()
}

func (t *Task) giveupCurrentRegion() { t.clearRegionFields() }

func (t *Task) moveFingerTo(a region.Addr) {
	if a < t.finger || a > t.limit {
		sys.Throwf("mark: finger %#x outside [%#x, %#x]", uint64(a), uint64(t.finger), uint64(t.limit))
	}
	t.finger = a
}

// flushStatsCache hands the cached liveness to the global table.
func (t *Task) flushStatsCache() {
	h, m := t.cache.EvictAll()
	t.cacheHits += h
	t.cacheMisses += m
}

func (t *Task) recalculateLimits() {
	t.wordsScanLimit = t.wordsScanned + wordsScannedPeriod
	t.refsReachedLimit = t.refsReached + refsReachedPeriod
}

// decreaseLimits brings the next clock call closer after an expensive
// operation.
func (t *Task) decreaseLimits() {
	t.wordsScanLimit -= min(t.wordsScanLimit, wordsScannedPeriod*3/4)
	t.refsReachedLimit -= min(t.refsReachedLimit, refsReachedPeriod*3/4)
}

func (t *Task) checkLimits() {
	if t.wordsScanned >= t.wordsScanLimit || t.refsReached >= t.refsReachedLimit {
		t.regularClockCall()
	}
}

// regularClockCall is the yield point of a step. It sets aborted when
// the step has to stop: global overflow, cycle abort, a pending
// safepoint, the time slice running out, or SATB buffers to process.
func (t *Task) regularClockCall() {
	if t.aborted {
		return
	}
	t.recalculateLimits()
	cm := t.cm
	if cm.hasOverflown.Load() {
		t.aborted = true
		return
	}
	if !cm.concurrent.Load() {
		return
	}
	if cm.hasAborted.Load() {
		t.aborted = true
		return
	}
	if cm.sts.ShouldYield() {
		t.aborted = true
		return
	}
	if time.Since(t.stepStart) > t.stepTarget {
		t.aborted = true
		return
	}
	if !t.drainingSATB && cm.satb.CompletedBuffers() > 0 {
		t.aborted = true
	}
}

// checkAbort is polled after every object: abort latency is one scan.
func (t *Task) checkAbort() {
	if !t.aborted && t.cm.hasAborted.Load() {
		t.aborted = true
	}
}

// isBelowFinger reports whether obj would be missed by bitmap scanning
// and so has to be pushed.
func (t *Task) isBelowFinger(obj, globalFinger region.Addr) bool {
	if t.finger != region.Nil {
		if obj < t.finger {
			return true
		} else if obj < t.limit {
			return false
		}
	}
	return obj < globalFinger
}

// makeReferenceGrey marks obj and, if the bitmap scan will not find
// it, pushes it. It reports whether obj was newly marked.
func (t *Task) makeReferenceGrey(obj region.Addr) bool {
	h, ok := t.cm.markInBitmap(t.cache, obj)
	if !ok {
		return false
	}
	if t.isBelowFinger(obj, region.Addr(t.cm.finger.Load())) {
		if h.NumRefs() == 0 {
			// Nothing to scan; account it here instead.
			t.wordsScanned += h.Size()
			t.checkLimits()
		} else {
			t.push(obj)
		}
	}
	return true
}

func (t *Task) push(obj region.Addr) {
	if !t.queue.Push(uint64(obj)) {
		t.moveEntriesToGlobalStack()
		if !t.queue.Push(uint64(obj)) {
			sys.Throw("mark: local queue full after move to global stack")
		}
	}
}

// scanObject greys every child of obj.
func (t *Task) scanObject(obj region.Addr) {
	if testHookScan != nil {
		testHookScan(t.id, t.cm.hasAborted.Load())
	}
	cm := t.cm
	h := object.LoadHeader(cm.mem, obj)
	n := h.NumRefs()
	for i := uint32(0); i < n; i++ {
		t.refsReached++
		if child := region.Addr(cm.mem.Load(object.RefAddr(obj, i))); child != region.Nil {
			t.makeReferenceGrey(child)
		}
	}
	t.objectsScanned++
	t.wordsScanned += h.Size()
	t.checkLimits()
	t.checkAbort()
}

// moveEntriesToGlobalStack spills one chunk of the local queue. A
// failed push raises the global overflow flag.
func (t *Task) moveEntriesToGlobalStack() {
	n := t.queue.PopBatch(t.buf)
	if n > 0 && !t.cm.markStackPush(t.buf[:n]) {
		t.aborted = true
	}
	t.decreaseLimits()
}

// getEntriesFromGlobalStack refills the local queue with one chunk.
func (t *Task) getEntriesFromGlobalStack() bool {
	n := t.cm.stack.Pop(t.buf)
	if n == 0 {
		return false
	}
	for _, e := range t.buf[:n] {
		t.push(region.Addr(e))
	}
	t.decreaseLimits()
	return true
}

func (t *Task) drainLocalQueue(partially bool) {
	if t.aborted {
		return
	}
	var target uint32
	if partially {
		target = min(t.queue.Capacity()/3, drainTargetSize)
	}
	for !t.aborted && t.queue.Size() > target {
		e, ok := t.queue.Pop()
		if !ok {
			break
		}
		t.scanObject(region.Addr(e))
	}
}

func (t *Task) drainGlobalStack(partially bool) {
	if t.aborted {
		return
	}
	var target int64
	if partially {
		target = int64(t.cm.stack.Capacity() / 3)
	}
	for !t.aborted && t.cm.stack.Size() > target {
		if !t.getEntriesFromGlobalStack() {
			break
		}
		t.drainLocalQueue(partially)
	}
}

func (t *Task) drainSATBBuffers() {
	t.drainingSATB = true
	for !t.aborted && t.cm.satb.ApplyToCompletedBuffer(func(a region.Addr) {
		t.makeReferenceGrey(a)
	}) {
		t.regularClockCall()
	}
	t.drainingSATB = false
	t.drainLocalQueue(true)
	t.drainGlobalStack(true)
}

// scanCurrentRegion walks the marks between the finger and the limit
// of the current region.
func (t *Task) scanCurrentRegion() {
	if t.finger >= t.limit {
		t.giveupCurrentRegion()
		t.regularClockCall()
		return
	}
	complete := t.cm.bitmap.Iterate(t.finger, t.limit, func(a region.Addr) bool {
		t.moveFingerTo(a)
		t.scanObject(a)
		t.drainLocalQueue(true)
		t.drainGlobalStack(true)
		return !t.aborted
	})
	if complete {
		t.giveupCurrentRegion()
		t.regularClockCall()
		return
	}
	// Aborted after scanning the object at the finger: step over it so
	// that it is not scanned again.
	next := t.finger + region.Addr(object.LoadHeader(t.cm.mem, t.finger).Size())
	if next >= t.limit {
		t.giveupCurrentRegion()
	} else {
		t.moveFingerTo(next)
	}
}

// shouldExitTermination is polled while offering termination.
func (t *Task) shouldExitTermination() bool {
	t.regularClockCall()
	if t.aborted {
		return true
	}
	return !t.cm.stack.IsEmpty()
}

// doMarkingStep is one bounded slice of marking work. It returns with
// aborted set if it has to be called again: something external needs
// attention, or termination failed because work appeared elsewhere.
func (t *Task) doMarkingStep(target time.Duration, doTermination bool) {
	cm := t.cm
	t.stepStart = time.Now()
	t.stepTarget = target
	t.aborted = false
	t.recalculateLimits()

	t.drainSATBBuffers()
	t.drainLocalQueue(true)
	t.drainGlobalStack(true)

	for {
		if !t.aborted && t.currRegion != nil {
			t.scanCurrentRegion()
		}
		t.drainLocalQueue(true)
		t.drainGlobalStack(true)

		for !t.aborted && t.currRegion == nil && !cm.outOfRegions() {
			if r := cm.claimRegion(); r != nil {
				t.setupForRegion(r)
			}
			t.regularClockCall()
		}
		if t.currRegion == nil || t.aborted {
			break
		}
	}

	if !t.aborted {
		t.drainSATBBuffers()
	}
	t.drainLocalQueue(false)
	t.drainGlobalStack(false)

	for !t.aborted {
		e, ok := cm.queues.Steal(int(t.id), t.rng)
		if !ok {
			break
		}
		t.steals++
		t.scanObject(region.Addr(e))
		t.drainLocalQueue(false)
		t.drainGlobalStack(false)
	}

	if doTermination && !t.aborted {
		t.terminations++
		if cm.terminator.Offer(t.shouldExitTermination) {
			if !cm.stack.IsEmpty() || !t.queue.Empty() || cm.hasOverflown.Load() {
				sys.Throw("mark: terminated with work left")
			}
		} else {
			t.aborted = true
		}
	}

	if t.aborted && cm.hasOverflown.Load() {
		// Nobody may touch the shared structures between the two
		// barriers; worker 0 resets them meanwhile.
		if !cm.enterFirstSyncBarrier() {
			return
		}
		t.firstBarriers++
		t.clearRegionFields()
		t.flushStatsCache()
		if cm.concurrent.Load() && t.id == 0 {
			cm.resetMarkingForRestart()
		}
		if cm.enterSecondSyncBarrier() {
			t.secondBarriers++
		}
	}
}
