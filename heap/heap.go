// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heap is a region-based, mostly concurrent garbage collected
// heap.
//
// The heap is a table of equally sized regions. Mutators allocate in
// eden regions, through thread-local allocation buffers or directly;
// objects larger than half a region get a run of humongous regions of
// their own. Evacuation pauses copy the live objects of a collection
// set (all young regions, plus old regions chosen from the candidates
// of the last marking cycle) into survivor and old regions and free the
// rest. An object that cannot be copied because no destination space
// is left stays where it is, and its region becomes old. Concurrent
// marking computes the liveness of old regions between pauses.
//
// Mutators reach objects only through handles, which are the roots of
// every collection. A Mutator is not safe for concurrent use; every
// goroutine that allocates needs its own.
package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/veezhang/g1heap/internal/gang"
	"github.com/veezhang/g1heap/internal/safepoint"
	"github.com/veezhang/g1heap/internal/sys"
	"github.com/veezhang/g1heap/mark"
	"github.com/veezhang/g1heap/policy"
	"github.com/veezhang/g1heap/region"
	"github.com/veezhang/g1heap/remset"
)

var (
	// ErrOutOfMemory is returned when an allocation still fails after
	// every collection the heap could run for it.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrTooLarge is returned for objects that cannot fit in the heap
	// or in their lane at all.
	ErrTooLarge = errors.New("heap: object too large")

	// ErrArchiveClosed is returned by archive allocation after
	// EndArchiveRange.
	ErrArchiveClosed = errors.New("heap: archive range closed")

	// ErrPrefetchDisabled is returned by EnqueuePrefetch when the heap
	// runs without prefetch threads.
	ErrPrefetchDisabled = errors.New("heap: prefetch disabled")
)

// Heap is a collected heap.
type Heap struct {
	cfg       Config
	log       *zap.Logger
	table     *region.Table
	rs        remset.RemSet
	policy    policy.Policy
	analytics *policy.Analytics

	sts  *safepoint.Synchronizer
	lock safepoint.HeapLock

	workers *gang.WorkGang
	cm      *mark.ConcurrentMark
	pf      *mark.Prefetcher // nil if disabled
	thread  *mark.Thread

	// Current mutator allocation region. Mutators bump it with CAS;
	// it is replaced under the heap lock or at a safepoint.
	allocRegion atomic.Pointer[region.Region]
	youngTarget uint32 // heap lock

	gcAlloc gcAllocator
	archive archiveAllocator
	cset    collectionSet
	evac    evacuator
	full    fullCollector

	// Old regions worth evacuating, from the last marking cycle, most
	// reclaimable first. Changed at safepoints only.
	candidates []mark.Candidate

	mutMu    sync.Mutex
	mutators []*Mutator

	refMu sync.Mutex
	refs  map[*WeakRef]struct{}

	collectGroup singleflight.Group

	gcCount      atomic.Uint64 // pauses that collected anything
	fullCount    atomic.Uint64
	evacFailures atomic.Uint64
	lastPause    PauseResult // safepoint
	closed       atomic.Bool
}

// New creates a heap.
func New(cfg Config) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	table, err := region.NewTable(region.Config{
		RegionWords:    cfg.RegionWords,
		MaxRegions:     cfg.MaxRegions,
		InitialRegions: cfg.InitialRegions,
	})
	if err != nil {
		return nil, fmt.Errorf("heap: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	h := &Heap{
		cfg:       cfg,
		log:       log.Named("heap"),
		table:     table,
		rs:        cfg.RemSet,
		policy:    cfg.Policy,
		analytics: policy.NewAnalytics(0.5),
		sts:       new(safepoint.Synchronizer),
		refs:      make(map[*WeakRef]struct{}),
	}
	if h.rs == nil {
		h.rs = remset.NewCardTable(table.Base(), cfg.RegionWords, cfg.MaxRegions)
	}
	if h.policy == nil {
		h.policy = policy.NewStatic(policy.DefaultStaticConfig())
	}
	h.workers = gang.New("evacuate", uint(cfg.ParallelWorkers))
	h.cm = mark.New(cfg.markConfig(log.Named("mark")), table, h.sts)
	if cfg.PrefetchThreads > 0 {
		h.pf = mark.NewPrefetcher(cfg.prefetchConfig(log.Named("prefetch")), table, h.cm, h.sts)
	}
	h.thread = mark.NewThread(h.cm, h.pf, cycleHost{h})
	h.gcAlloc.init(h)
	h.cset.init(table.MaxRegions())
	h.evac.init(h)
	h.full.init(h)
	h.youngTarget = h.policy.YoungTargetLength(table.AvailableRegions())
	h.log.Info("heap initialized",
		zap.Uint64("region_words", cfg.RegionWords),
		zap.Uint32("initial_regions", cfg.InitialRegions),
		zap.Uint32("max_regions", cfg.MaxRegions),
		zap.Uint32("young_target", h.youngTarget),
		zap.Bool("prefetch", h.pf != nil))
	return h, nil
}

// Close aborts marking, stops every worker and releases the heap
// memory. No mutator may be using the heap.
func (h *Heap) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.cm.Abort()
	h.thread.Stop()
	if h.pf != nil {
		h.pf.Close()
	}
	h.cm.Close()
	h.workers.Close()
	return h.table.Close()
}

// Table returns the region table.
func (h *Heap) Table() *region.Table { return h.table }

// RemSet returns the remembered set.
func (h *Heap) RemSet() remset.RemSet { return h.rs }

// Policy returns the policy the heap consults.
func (h *Heap) Policy() policy.Policy { return h.policy }

// Marking returns the concurrent marking engine.
func (h *Heap) Marking() *mark.ConcurrentMark { return h.cm }

// IterateRegions calls fn on every committed region in index order
// until fn returns false. Pauses wait until it returns.
func (h *Heap) IterateRegions(fn func(r *region.Region) bool) {
	h.sts.Join()
	defer h.sts.Leave()
	g := h.lock.Acquire()
	defer g.Release()
	h.table.Iterate(fn)
}

// usedWords sums the words in use. Heap lock or safepoint.
func (h *Heap) usedWords() uint64 {
	var used uint64
	for _, s := range h.table.Sets() {
		used += s.UsedWords()
	}
	if r := h.allocRegion.Load(); r != nil {
		used += r.Used()
	}
	if r := h.archive.current(); r != nil {
		used += r.Used()
	}
	return used
}

// oldRegions is the number of old and humongous regions, the occupancy
// that decides on marking.
func (h *Heap) oldRegions() uint32 {
	return h.table.SetFor(region.Old).Length() + h.table.SetFor(region.StartsHumongous).Length()
}

// verify checks the region table at a safepoint.
func (h *Heap) verify(when string) {
	if !h.cfg.VerifyRegionSets {
		return
	}
	active := []*region.Region{h.allocRegion.Load(), h.archive.current()}
	if err := h.table.Verify(active...); err != nil {
		h.log.Error("region table verification failed", zap.String("when", when), zap.Error(err))
		sys.Throwf("heap: verification %s: %v", when, err)
	}
}
