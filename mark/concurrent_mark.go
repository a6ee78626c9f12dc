// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mark implements concurrent marking: a parallel, work-stealing
// walk of the object graph that runs alongside mutators and computes
// per-region liveness for the old generation.
//
// A cycle begins in a pause (ConcurrentStart), continues concurrently
// (MarkFromRoots), finishes in two more pauses (Remark, Cleanup), and
// clears the bitmap concurrently. Objects allocated after the cycle
// started lie above their region's top-at-mark-start (TAMS) and are
// live without being marked. Overwritten references are logged by the
// mutators' SATB queues while marking is active.
package mark

import (
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/cpu"

	"github.com/veezhang/g1heap/internal/gang"
	"github.com/veezhang/g1heap/internal/safepoint"
	"github.com/veezhang/g1heap/internal/sys"
	"github.com/veezhang/g1heap/internal/taskqueue"
	"github.com/veezhang/g1heap/object"
	"github.com/veezhang/g1heap/region"
)

// Config tunes the marking engine.
type Config struct {
	Workers            uint32
	QueueCapacity      uint32 // per worker, power of two
	MarkStackChunks    uint32 // initial overflow stack capacity
	MaxMarkStackChunks uint32
	StatsCacheSize     uint32 // per worker, power of two
	SATBBufferSize     int
	StepDuration       time.Duration

	// Old regions with at most this share of live words become
	// collection set candidates.
	LiveThresholdPercent uint32

	Logger *zap.Logger
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		Workers:              2,
		QueueCapacity:        1 << 14,
		MarkStackChunks:      16,
		MaxMarkStackChunks:   1024,
		StatsCacheSize:       1024,
		SATBBufferSize:       256,
		StepDuration:         10 * time.Millisecond,
		LiveThresholdPercent: 85,
	}
}

// Candidate is an old region worth evacuating in a mixed pause.
type Candidate struct {
	Region      *region.Region
	LiveWords   uint64
	Reclaimable uint64
}

// CleanupResult is what a finished cycle found.
type CleanupResult struct {
	// Old regions without live data, and the start regions of dead
	// humongous objects.
	Reclaim []*region.Region
	// Candidates sorted by reclaimable words, most first.
	Candidates []Candidate
	// Dead objects overwritten by fillers.
	ScrubbedWords uint64
}

// ConcurrentMark owns the state of marking cycles.
type ConcurrentMark struct {
	cfg   Config
	table *region.Table
	mem   object.Memory
	sts   *safepoint.Synchronizer
	log   *zap.Logger

	bitmap *Bitmap
	stats  []RegionStats
	satb   *SATBQueueSet

	gang       *gang.WorkGang
	tasks      []*Task
	queues     *taskqueue.Set
	terminator *taskqueue.Terminator
	stack      *MarkStack
	firstSync  gang.BarrierSync
	secondSync gang.BarrierSync

	_      cpu.CacheLinePad
	finger atomic.Uint64 // next region to claim
	_      cpu.CacheLinePad

	concurrent         atomic.Bool
	hasOverflown       atomic.Bool
	hasAborted         atomic.Bool
	restartForOverflow atomic.Bool
	inProgress         atomic.Bool // concurrent start to bitmap cleared
	marking            atomic.Bool // concurrent start to remark

	rootRegions []*region.Region

	overflows atomic.Uint64
	cycles    atomic.Uint64
	aborts    atomic.Uint64
	start     time.Time
}

// New returns an idle marking engine for the heap in table.
func New(cfg Config, table *region.Table, sts *safepoint.Synchronizer) *ConcurrentMark {
	if cfg.Workers == 0 {
		sys.Throw("mark: no workers")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cm := &ConcurrentMark{
		cfg:    cfg,
		table:  table,
		mem:    table,
		sts:    sts,
		log:    log,
		bitmap: NewBitmap(table.Base(), table.Limit()),
		stats:  make([]RegionStats, table.MaxRegions()),
		satb:   NewSATBQueueSet(cfg.SATBBufferSize),
		gang:   gang.New("mark", uint(cfg.Workers)),
		queues: taskqueue.NewSet(int(cfg.Workers), cfg.QueueCapacity),
		stack:  NewMarkStack(cfg.MarkStackChunks, cfg.MaxMarkStackChunks),
	}
	cm.terminator = taskqueue.NewTerminator(cfg.Workers, cm.queues)
	cm.tasks = make([]*Task, cfg.Workers)
	for i := range cm.tasks {
		cm.tasks[i] = newTask(uint32(i), cm, cm.queues.Queue(i))
	}
	cm.finger.Store(uint64(table.Limit()))
	return cm
}

// Close stops the workers.
func (cm *ConcurrentMark) Close() { cm.gang.Close() }

// Bitmap returns the mark bitmap.
func (cm *ConcurrentMark) Bitmap() *Bitmap { return cm.bitmap }

// SATB returns the mutators' SATB queue set.
func (cm *ConcurrentMark) SATB() *SATBQueueSet { return cm.satb }

// InProgress reports whether a cycle has started and not yet finished.
func (cm *ConcurrentMark) InProgress() bool { return cm.inProgress.Load() }

// IsMarkingActive reports whether SATB logging is required.
func (cm *ConcurrentMark) IsMarkingActive() bool { return cm.marking.Load() }

// HasAborted reports whether the current cycle was aborted.
func (cm *ConcurrentMark) HasAborted() bool { return cm.hasAborted.Load() }

// RestartForOverflow reports whether Remark overflowed and concurrent
// marking has to run again.
func (cm *ConcurrentMark) RestartForOverflow() bool { return cm.restartForOverflow.Load() }

// Overflows returns how often the global stack overflowed.
func (cm *ConcurrentMark) Overflows() uint64 { return cm.overflows.Load() }

// Cycles returns the number of cycles started.
func (cm *ConcurrentMark) Cycles() uint64 { return cm.cycles.Load() }

// Aborts returns the number of cycles aborted.
func (cm *ConcurrentMark) Aborts() uint64 { return cm.aborts.Load() }

// LiveWords returns the words marked live in region r.
func (cm *ConcurrentMark) LiveWords(r region.Index) uint64 { return cm.stats[r].LiveWords() }

// IsLive reports whether obj survives the current cycle: marked, or
// allocated after the cycle started. Valid from Remark until the end
// of Cleanup.
func (cm *ConcurrentMark) IsLive(obj region.Addr) bool {
	r := cm.table.RegionFor(obj)
	if r == nil {
		return false
	}
	if r.Type() == region.ContinuesHumongous {
		r = cm.table.At(r.HumongousStart())
	}
	return obj >= r.TAMS() || cm.bitmap.IsMarked(obj)
}

func (cm *ConcurrentMark) outOfRegions() bool {
	return region.Addr(cm.finger.Load()) >= cm.table.Limit()
}

// claimRegion moves the global finger past one region and returns it
// if it has anything below TAMS. A nil result with regions left only
// means the claimed one was empty.
func (cm *ConcurrentMark) claimRegion() *region.Region {
	limit := cm.table.Limit()
	finger := region.Addr(cm.finger.Load())
	for finger < limit {
		r := cm.table.RegionFor(finger)
		if cm.finger.CompareAndSwap(uint64(finger), uint64(r.End())) {
			if r.TAMS() > r.Bottom() {
				return r
			}
			return nil
		}
		finger = region.Addr(cm.finger.Load())
	}
	return nil
}

// markInBitmap marks obj if it needs marking at all, accounting its
// size in cache. It returns obj's header and whether this call marked
// it.
func (cm *ConcurrentMark) markInBitmap(cache *StatsCache, obj region.Addr) (object.Header, bool) {
	r := cm.table.RegionFor(obj)
	if r == nil {
		sys.Throwf("mark: %#x is not in the heap", uint64(obj))
	}
	if obj >= r.TAMS() || !cm.bitmap.ParMark(obj) {
		return 0, false
	}
	h := object.LoadHeader(cm.mem, obj)
	if h.Status() != object.Normal {
		sys.Throwf("mark: %v object at %#x", h.Status(), uint64(obj))
	}
	if cache != nil {
		cache.Add(r.Index(), h.Size())
	} else {
		cm.stats[r.Index()].add(h.Size(), 1)
	}
	return h, true
}

func (cm *ConcurrentMark) markStackPush(entries []uint64) bool {
	if cm.stack.Push(entries) {
		return true
	}
	if cm.hasOverflown.CompareAndSwap(false, true) {
		cm.overflows.Add(1)
	}
	return false
}

func (cm *ConcurrentMark) enterFirstSyncBarrier() bool {
	if cm.concurrent.Load() {
		cm.sts.Leave()
		defer cm.sts.Join()
	}
	return cm.firstSync.Enter(nil)
}

func (cm *ConcurrentMark) enterSecondSyncBarrier() bool {
	if cm.concurrent.Load() {
		cm.sts.Leave()
		defer cm.sts.Join()
	}
	return cm.secondSync.Enter(nil)
}

// resetMarkingForRestart empties the shared structures after an
// overflow; marking then resumes from the bitmap.
func (cm *ConcurrentMark) resetMarkingForRestart() {
	cm.stack.SetEmpty()
	if cm.hasOverflown.Load() && cm.stack.Expand() {
		cm.log.Info("mark stack expanded", zap.Uint32("chunks", cm.stack.Capacity()))
	}
	cm.hasOverflown.Store(false)
	cm.finger.Store(uint64(cm.table.Base()))
	cm.queues.Clear()
	cm.log.Info("concurrent mark reset for overflow")
}

func (cm *ConcurrentMark) setConcurrencyAndPhase(concurrent bool) {
	n := cm.cfg.Workers
	cm.terminator.Reset(n)
	cm.firstSync.SetWorkers(n)
	cm.secondSync.SetWorkers(n)
	cm.concurrent.Store(concurrent)
}

// ConcurrentStart begins a cycle. At a safepoint, after the young
// collection of the same pause: roots enumerates the root references,
// and rootRegions are the regions whose objects are treated as roots
// (survivors, and regions that failed evacuation).
func (cm *ConcurrentMark) ConcurrentStart(roots func(mark func(region.Addr)), rootRegions []*region.Region) {
	if cm.inProgress.Load() {
		sys.Throw("mark: concurrent start while a cycle is in progress")
	}
	cm.start = time.Now()
	cm.cycles.Add(1)
	cm.hasAborted.Store(false)
	cm.hasOverflown.Store(false)
	cm.restartForOverflow.Store(false)
	cm.firstSync.Reset()
	cm.secondSync.Reset()
	cm.stack.SetEmpty()
	cm.queues.Clear()
	for _, t := range cm.tasks {
		t.reset()
	}
	for i := range cm.stats {
		cm.stats[i].clear()
	}

	isRoot := make(map[region.Index]bool, len(rootRegions))
	for _, r := range rootRegions {
		isRoot[r.Index()] = true
	}
	cm.table.Iterate(func(r *region.Region) bool {
		switch ty := r.Type(); {
		case (ty == region.Old || ty == region.StartsHumongous) && !isRoot[r.Index()]:
			r.SetTAMS(r.Top())
		default:
			r.SetTAMS(r.Bottom())
		}
		return true
	})
	cm.rootRegions = rootRegions

	cm.finger.Store(uint64(cm.table.Base()))
	cm.inProgress.Store(true)
	cm.marking.Store(true)
	cm.satb.SetActive(true)

	roots(func(a region.Addr) {
		if a != region.Nil {
			cm.markInBitmap(nil, a)
		}
	})
	cm.scanRootRegions()
	cm.log.Info("concurrent cycle start",
		zap.Uint64("cycle", cm.cycles.Load()),
		zap.Int("root_regions", len(rootRegions)))
}

// scanRootRegions marks everything the root regions refer to. The
// marks are found later by the bitmap scan, which starts below them.
func (cm *ConcurrentMark) scanRootRegions() {
	claimer := region.NewClaimer(cm.rootRegions)
	cm.gang.RunTask(0, func(uint) {
		for r := claimer.Claim(); r != nil; r = claimer.Claim() {
			cm.scanRootRegion(r)
		}
	})
	cm.rootRegions = nil
}

func (cm *ConcurrentMark) scanRootRegion(r *region.Region) {
	object.Walk(cm.mem, r.Bottom(), r.Top(), func(obj region.Addr, h object.Header) bool {
		if h.Status() == object.Forwarded {
			return true
		}
		for i, n := uint32(0), h.NumRefs(); i < n; i++ {
			if child := region.Addr(cm.mem.Load(object.RefAddr(obj, i))); child != region.Nil {
				cm.markInBitmap(nil, child)
			}
		}
		return true
	})
}

// MarkFromRoots runs concurrent marking on the worker gang until every
// worker terminated or the cycle was aborted. It is called outside
// safepoints; workers join the suspendible set.
func (cm *ConcurrentMark) MarkFromRoots() {
	cm.restartForOverflow.Store(false)
	cm.setConcurrencyAndPhase(true)
	start := time.Now()
	cm.gang.RunTask(uint(cm.cfg.Workers), func(w uint) {
		t := cm.tasks[w]
		cm.sts.Join()
		defer cm.sts.Leave()
		for {
			t.doMarkingStep(cm.cfg.StepDuration, true)
			cm.sts.Yield()
			if cm.hasAborted.Load() || !t.aborted {
				break
			}
		}
	})
	if cm.hasAborted.Load() {
		cm.discardTaskState()
	}
	cm.log.Debug("concurrent mark from roots",
		zap.Duration("duration", time.Since(start)),
		zap.Bool("aborted", cm.hasAborted.Load()))
}

// discardTaskState drops everything queued after an abort.
func (cm *ConcurrentMark) discardTaskState() {
	for _, t := range cm.tasks {
		t.clearRegionFields()
		t.queue.Clear()
		t.cache.Reset()
	}
	cm.stack.SetEmpty()
}

// Remark finishes marking. At a safepoint, after the mutators' SATB
// queues were flushed. If the global stack overflows, marking has to
// be restarted concurrently and RestartForOverflow reports true.
func (cm *ConcurrentMark) Remark() {
	if cm.hasAborted.Load() {
		return
	}
	start := time.Now()
	cm.setConcurrencyAndPhase(false)
	cm.gang.RunTask(uint(cm.cfg.Workers), func(w uint) {
		t := cm.tasks[w]
		for {
			t.doMarkingStep(time.Hour, true)
			if !t.aborted || cm.hasOverflown.Load() {
				break
			}
		}
	})
	if cm.hasOverflown.Load() {
		cm.restartForOverflow.Store(true)
		cm.resetMarkingForRestart()
		cm.log.Info("remark overflowed, restarting concurrent mark")
		return
	}
	cm.satb.SetActive(false)
	cm.satb.Abandon()
	cm.marking.Store(false)
	var hits, misses uint64
	for _, t := range cm.tasks {
		t.flushStatsCache()
		hits += t.cacheHits
		misses += t.cacheMisses
	}
	cm.log.Info("remark",
		zap.Duration("duration", time.Since(start)),
		zap.Uint64("stats_cache_hits", hits),
		zap.Uint64("stats_cache_misses", misses),
		zap.Uint64("overflows", cm.overflows.Load()))
}

// Cleanup computes the result of a completed cycle at a safepoint. It
// overwrites dead objects below TAMS with fillers, so that nothing
// ever scans a reference held by a dead object again. TAMS stays in
// place, and IsLive valid, until FinishCleanup.
func (cm *ConcurrentMark) Cleanup() CleanupResult {
	var res CleanupResult
	threshold := cm.table.RegionWords() * uint64(cm.cfg.LiveThresholdPercent) / 100
	cm.table.Iterate(func(r *region.Region) bool {
		tams := r.TAMS()
		if tams == r.Bottom() {
			return true
		}
		switch r.Type() {
		case region.StartsHumongous:
			if !cm.bitmap.IsMarked(r.Bottom()) {
				res.Reclaim = append(res.Reclaim, r)
			}
		case region.Old:
			live := cm.LiveWords(r.Index()) + uint64(r.Top()-tams)
			if live == 0 {
				res.Reclaim = append(res.Reclaim, r)
				return true
			}
			res.ScrubbedWords += cm.scrub(r)
			if live <= threshold && !r.EvacuationFailed() {
				res.Candidates = append(res.Candidates, Candidate{
					Region:      r,
					LiveWords:   live,
					Reclaimable: r.Used() - live,
				})
			}
		}
		return true
	})
	sort.Slice(res.Candidates, func(i, j int) bool {
		a, b := res.Candidates[i], res.Candidates[j]
		if a.Reclaimable != b.Reclaimable {
			return a.Reclaimable > b.Reclaimable
		}
		return a.Region.Index() < b.Region.Index()
	})
	return res
}

// scrub turns each run of dead objects below TAMS into one filler.
func (cm *ConcurrentMark) scrub(r *region.Region) uint64 {
	var scrubbed uint64
	tams := r.TAMS()
	for a := r.Bottom(); a < tams; {
		if cm.bitmap.IsMarked(a) {
			a += region.Addr(object.LoadHeader(cm.mem, a).Size())
			continue
		}
		start := a
		for a < tams && !cm.bitmap.IsMarked(a) {
			a += region.Addr(object.LoadHeader(cm.mem, a).Size())
		}
		object.Fill(cm.mem, start, uint64(a-start))
		scrubbed += uint64(a - start)
	}
	return scrubbed
}

// FinishCleanup ends the stop-the-world part of a cycle.
func (cm *ConcurrentMark) FinishCleanup() {
	cm.table.Iterate(func(r *region.Region) bool {
		r.SetTAMS(r.Bottom())
		return true
	})
	cm.log.Info("concurrent cycle cleanup", zap.Duration("since_start", time.Since(cm.start)))
}

// Abort voids the current cycle. Workers notice at their next object
// boundary and drop what they hold; Abort does not wait for them.
func (cm *ConcurrentMark) Abort() {
	if !cm.inProgress.Load() || cm.hasAborted.Load() {
		return
	}
	cm.hasAborted.Store(true)
	cm.firstSync.Abort()
	cm.secondSync.Abort()
	cm.satb.SetActive(false)
	cm.satb.Abandon()
	cm.marking.Store(false)
	cm.aborts.Add(1)
	cm.log.Info("concurrent cycle abort", zap.Uint64("cycle", cm.cycles.Load()))
}

// ClearBitmap clears the bitmap for the next cycle, one region at a
// time, yielding to safepoints in between. After it returns the cycle
// is over.
func (cm *ConcurrentMark) ClearBitmap() {
	cm.sts.Join()
	for i := uint32(0); i < cm.table.MaxRegions(); i++ {
		r := cm.table.At(region.Index(i))
		cm.bitmap.ClearRange(r.Bottom(), r.End())
		cm.sts.Yield()
	}
	if cm.hasAborted.Load() {
		// An abort leaves TAMS where concurrent start put it.
		cm.table.Iterate(func(r *region.Region) bool {
			r.SetTAMS(r.Bottom())
			return true
		})
	}
	cm.inProgress.Store(false)
	cm.sts.Leave()
}

// Stats is a summary of the engine's work.
type Stats struct {
	Cycles         uint64
	Aborts         uint64
	Overflows      uint64
	ObjectsScanned uint64
	Steals         uint64
	Terminations   uint64
	MarkStackSize  uint32
}

// Stats returns counters of the engine. Not meaningful while workers
// run.
func (cm *ConcurrentMark) Stats() Stats {
	s := Stats{
		Cycles:        cm.cycles.Load(),
		Aborts:        cm.aborts.Load(),
		Overflows:     cm.overflows.Load(),
		MarkStackSize: cm.stack.Capacity(),
	}
	for _, t := range cm.tasks {
		s.ObjectsScanned += t.objectsScanned
		s.Steals += t.steals
		s.Terminations += t.terminations
	}
	return s
}
