// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"errors"
	"sync"
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

// ErrPrefetchFull is returned by Enqueue when the inbox had no room.
// The references that did not fit were dropped.
var ErrPrefetchFull = errors.New("mark: prefetch queue full")

// OverflowPolicy says what a full prefetch inbox does to the caller.
type OverflowPolicy int

const (
	// Drop discards what does not fit and reports ErrPrefetchFull.
	Drop OverflowPolicy = iota
	// Block waits until the prefetcher made room.
	Block
)

func (p OverflowPolicy) String() string {
	if p == Block {
		return "block"
	}
	return "drop"
}

// Hinter receives the prefetch hints.
type Hinter interface {
	// Resident reports whether the page holding a is local.
	Resident(a region.Addr) bool
	// Prefetch asks for words words at a to be made local.
	Prefetch(a region.Addr, words uint64)
}

type residentHinter struct{}

func (residentHinter) Resident(region.Addr) bool       { return true }
func (residentHinter) Prefetch(region.Addr, uint64) {}

// PrefetchConfig tunes the prefetcher.
type PrefetchConfig struct {
	Threads        uint32
	Delay          uint32 // leading objects of each batch not hinted
	Num            uint64 // hints per cycle, 0 for no limit
	Size           uint64 // largest object whose fields are followed, 0 for no limit
	QueueThreshold uint32 // entries kept at cycle start, newest first; 0 keeps all
	QueueCapacity  uint32 // per thread, power of two
	InboxChunks    uint32
	Policy         OverflowPolicy
	StepDuration   time.Duration
	Hinter         Hinter
	Logger         *zap.Logger
}

// DefaultPrefetchConfig returns the default tuning.
func DefaultPrefetchConfig() PrefetchConfig {
	return PrefetchConfig{
		Threads:       1,
		QueueCapacity: 1 << 12,
		InboxChunks:   64,
		Policy:        Drop,
		StepDuration:  10 * time.Millisecond,
	}
}

// noHint flags an inbox entry that is traced but not hinted.
const noHint = 1 << 63

// PrefetchStats counts what the prefetcher saw. White objects were
// new to it, grey ones queued but not yet scanned, black ones already
// scanned by it or marked by concurrent marking.
type PrefetchStats struct {
	Cycles     uint64
	Enqueued   uint64
	Dropped    uint64
	White      uint64
	Grey       uint64
	Black      uint64
	Steals     uint64
	LocalPage  uint64
	RemotePage uint64
	Overflows  uint64
}

// Prefetcher walks the object graph from references handed in by
// mutators and tells a Hinter which objects are about to be touched.
// It uses the same queue, termination and overflow machinery as
// marking, with its own grey and black bitmaps, and never marks
// anything for the collector. Everything it holds is discarded at each
// pause, since objects may move.
type Prefetcher struct {
	cfg   PrefetchConfig
	table *region.Table
	mem   object.Memory
	cm    *ConcurrentMark
	sts   *safepoint.Synchronizer
	log   *zap.Logger

	grey  *Bitmap
	black *Bitmap
	inbox *MarkStack

	gang       *gang.WorkGang
	tasks      []*prefetchTask
	queues     *taskqueue.Set
	terminator *taskqueue.Terminator
	stack      *MarkStack
	firstSync  gang.BarrierSync
	secondSync gang.BarrierSync

	_            cpu.CacheLinePad
	budget       atomic.Int64
	hasOverflown atomic.Bool
	active       atomic.Bool
	_            cpu.CacheLinePad

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	cycles   atomic.Uint64
	overflow atomic.Uint64

	wake    chan struct{}
	spaceMu sync.Mutex
	space   chan struct{} // closed and replaced when room appears
	quit    chan struct{}
	done    chan struct{}
	cycle   sync.Mutex // held while a cycle runs
}

// NewPrefetcher returns a stopped prefetcher. cm may be nil; then only
// the prefetcher's own colours count.
func NewPrefetcher(cfg PrefetchConfig, table *region.Table, cm *ConcurrentMark, sts *safepoint.Synchronizer) *Prefetcher {
	if cfg.Threads == 0 {
		sys.Throw("mark: prefetcher without threads")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Hinter == nil {
		cfg.Hinter = residentHinter{}
	}
	p := &Prefetcher{
		cfg:    cfg,
		table:  table,
		mem:    table,
		cm:     cm,
		sts:    sts,
		log:    log,
		grey:   NewBitmap(table.Base(), table.Limit()),
		black:  NewBitmap(table.Base(), table.Limit()),
		inbox:  NewMarkStack(cfg.InboxChunks, cfg.InboxChunks),
		gang:   gang.New("prefetch", uint(cfg.Threads)),
		queues: taskqueue.NewSet(int(cfg.Threads), cfg.QueueCapacity),
		stack:  NewMarkStack(4, 256),
		wake:   make(chan struct{}, 1),
		space:  make(chan struct{}),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.terminator = taskqueue.NewTerminator(cfg.Threads, p.queues)
	p.tasks = make([]*prefetchTask, cfg.Threads)
	for i := range p.tasks {
		p.tasks[i] = &prefetchTask{
			id:    uint32(i),
			p:     p,
			queue: p.queues.Queue(i),
			rng:   taskqueue.NewRand(uint32(i)*0x9e3779b9 + 7),
			buf:   make([]uint64, ChunkEntries),
		}
	}
	go p.run()
	return p
}

// Policy returns the inbox overflow policy.
func (p *Prefetcher) Policy() OverflowPolicy { return p.cfg.Policy }

// Space returns a channel that is closed the next time the inbox gains
// room or the prefetcher is deactivated. Take it before the Enqueue
// whose failure it is meant to wait for.
func (p *Prefetcher) Space() <-chan struct{} {
	p.spaceMu.Lock()
	defer p.spaceMu.Unlock()
	return p.space
}

func (p *Prefetcher) signalSpace() {
	p.spaceMu.Lock()
	close(p.space)
	p.space = make(chan struct{})
	p.spaceMu.Unlock()
}

// Enqueue hands refs to the prefetcher without blocking. It returns
// how many were queued, and ErrPrefetchFull if some did not fit. Under
// the Drop policy the rest is counted as dropped; under Block the
// caller waits on Space and retries, or gives up with Discard. The
// caller must be in the suspendible set, so that a pause cannot
// discard the inbox halfway through.
func (p *Prefetcher) Enqueue(refs []region.Addr) (int, error) {
	var queued int
	for queued < len(refs) {
		n := min(len(refs)-queued, ChunkEntries)
		chunk := make([]uint64, n)
		for i := range chunk {
			chunk[i] = uint64(refs[queued+i])
			if uint32(queued+i) < p.cfg.Delay {
				chunk[i] |= noHint
			}
		}
		if !p.inbox.Push(chunk) {
			if p.cfg.Policy == Drop {
				p.dropped.Add(uint64(len(refs) - queued))
			}
			p.enqueued.Add(uint64(queued))
			p.signal(p.wake)
			return queued, ErrPrefetchFull
		}
		queued += n
	}
	p.enqueued.Add(uint64(queued))
	p.signal(p.wake)
	return queued, nil
}

// Discard counts n references that a Block caller gave up on.
func (p *Prefetcher) Discard(n int) { p.dropped.Add(uint64(n)) }

func (p *Prefetcher) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Activate lets cycles run, while concurrent marking is running.
func (p *Prefetcher) Activate() {
	p.cycle.Lock()
	p.firstSync.Reset()
	p.secondSync.Reset()
	p.active.Store(true)
	p.cycle.Unlock()
	p.signal(p.wake)
}

// Deactivate stops the running cycle, if any, and waits for it.
func (p *Prefetcher) Deactivate() {
	p.active.Store(false)
	p.firstSync.Abort()
	p.secondSync.Abort()
	p.cycle.Lock()
	p.cycle.Unlock()
	p.signalSpace()
}

// IsActive reports whether cycles may run.
func (p *Prefetcher) IsActive() bool { return p.active.Load() }

// Reset discards every queued reference and colour. At a safepoint.
func (p *Prefetcher) Reset() {
	p.inbox.SetEmpty()
	p.stack.SetEmpty()
	p.queues.Clear()
	p.grey.ClearRange(p.table.Base(), p.table.Limit())
	p.black.ClearRange(p.table.Base(), p.table.Limit())
	p.signalSpace()
}

// Close stops the prefetcher.
func (p *Prefetcher) Close() {
	p.Deactivate()
	close(p.quit)
	<-p.done
	p.gang.Close()
}

// Stats returns the counters summed over all threads.
func (p *Prefetcher) Stats() PrefetchStats {
	s := PrefetchStats{
		Cycles:    p.cycles.Load(),
		Enqueued:  p.enqueued.Load(),
		Dropped:   p.dropped.Load(),
		Overflows: p.overflow.Load(),
	}
	for _, t := range p.tasks {
		s.White += t.white.Load()
		s.Grey += t.grey.Load()
		s.Black += t.black.Load()
		s.Steals += t.steals.Load()
		s.LocalPage += t.local.Load()
		s.RemotePage += t.remote.Load()
	}
	return s
}

func (p *Prefetcher) run() {
	defer close(p.done)
	for {
		select {
		case <-p.quit:
			return
		case <-p.wake:
		}
		if p.active.Load() && !p.inbox.IsEmpty() {
			p.runCycle()
		}
	}
}

// runCycle prefetches until the inbox and all queues are empty or the
// prefetcher is deactivated.
func (p *Prefetcher) runCycle() {
	p.cycle.Lock()
	defer p.cycle.Unlock()
	if !p.active.Load() {
		return
	}
	p.sts.Join()
	p.trimInbox()
	p.sts.Leave()

	p.cycles.Add(1)
	start := time.Now()
	p.budget.Store(int64(p.cfg.Num))
	p.terminator.Reset(p.cfg.Threads)
	p.firstSync.SetWorkers(p.cfg.Threads)
	p.secondSync.SetWorkers(p.cfg.Threads)
	p.gang.RunTask(uint(p.cfg.Threads), func(w uint) {
		t := p.tasks[w]
		p.sts.Join()
		defer p.sts.Leave()
		for p.active.Load() {
			t.step()
			p.sts.Yield()
			if !t.aborted {
				break
			}
		}
	})
	if ce := p.log.Check(zap.DebugLevel, "prefetch cycle"); ce != nil {
		var white, grey, black, steals, local, remote uint64
		for _, t := range p.tasks {
			white += t.white.Load()
			grey += t.grey.Load()
			black += t.black.Load()
			steals += t.steals.Load()
			local += t.local.Load()
			remote += t.remote.Load()
		}
		ce.Write(
			zap.Duration("duration", time.Since(start)),
			zap.Uint64("white", white),
			zap.Uint64("grey", grey),
			zap.Uint64("black", black),
			zap.Uint64("steals", steals),
			zap.Uint64("local_page", local),
			zap.Uint64("remote_page", remote),
			zap.Uint64("dropped", p.dropped.Load()))
	}
}

// trimInbox keeps only the newest QueueThreshold entries.
func (p *Prefetcher) trimInbox() {
	if p.cfg.QueueThreshold == 0 {
		return
	}
	var kept [][]uint64
	var n, dropped uint64
	buf := make([]uint64, ChunkEntries)
	for {
		m := p.inbox.Pop(buf)
		if m == 0 {
			break
		}
		if n >= uint64(p.cfg.QueueThreshold) {
			dropped += uint64(m)
			continue
		}
		keep := min(uint64(m), uint64(p.cfg.QueueThreshold)-n)
		kept = append(kept, append([]uint64(nil), buf[:keep]...))
		n += keep
		dropped += uint64(m) - keep
	}
	for i := len(kept) - 1; i >= 0; i-- {
		p.inbox.Push(kept[i])
	}
	if dropped > 0 {
		p.dropped.Add(dropped)
		p.signalSpace()
	}
}

func (p *Prefetcher) enterSyncBarrier(b *gang.BarrierSync) bool {
	p.sts.Leave()
	defer p.sts.Join()
	return b.Enter(nil)
}

func (p *Prefetcher) resetForRestart() {
	p.stack.SetEmpty()
	p.stack.Expand()
	p.hasOverflown.Store(false)
	p.queues.Clear()
}

type prefetchTask struct {
	id      uint32
	p       *Prefetcher
	queue   *taskqueue.Queue
	rng     *taskqueue.Rand
	buf     []uint64
	aborted bool
	start   time.Time

	// Read by Stats while the task runs.
	white, grey, black atomic.Uint64
	steals             atomic.Uint64
	local, remote      atomic.Uint64
}

func (t *prefetchTask) clock() {
	p := t.p
	if t.aborted {
		return
	}
	if p.hasOverflown.Load() || !p.active.Load() || p.sts.ShouldYield() ||
		time.Since(t.start) > p.cfg.StepDuration {
		t.aborted = true
	}
}

// admit greys e if it is white and queues it.
func (t *prefetchTask) admit(e uint64) {
	p := t.p
	obj := region.Addr(e &^ noHint)
	if obj == region.Nil || !p.table.IsIn(obj) {
		return
	}
	switch {
	case p.black.IsMarked(obj) || (p.cm != nil && p.cm.bitmap.IsMarked(obj)):
		t.black.Add(1)
	case !p.grey.ParMark(obj):
		t.grey.Add(1)
	default:
		t.white.Add(1)
		t.push(e)
	}
}

func (t *prefetchTask) push(e uint64) {
	if t.queue.Push(e) {
		return
	}
	n := t.queue.PopBatch(t.buf)
	if n > 0 && !t.p.stack.Push(t.buf[:n]) {
		if t.p.hasOverflown.CompareAndSwap(false, true) {
			t.p.overflow.Add(1)
		}
		t.aborted = true
	}
	if !t.queue.Push(e) {
		sys.Throw("mark: prefetch queue full after spill")
	}
}

// scan hints obj and greys its children.
func (t *prefetchTask) scan(e uint64) {
	p := t.p
	obj := region.Addr(e &^ noHint)
	if !p.black.ParMark(obj) {
		return
	}
	h := object.LoadHeader(p.mem, obj)
	if h.Status() == object.Forwarded {
		return
	}
	if e&noHint == 0 && (p.cfg.Num == 0 || p.budget.Add(-1) >= 0) {
		if p.cfg.Hinter.Resident(obj) {
			t.local.Add(1)
		} else {
			t.remote.Add(1)
			p.cfg.Hinter.Prefetch(obj, h.Size())
		}
	}
	if p.cfg.Size == 0 || h.Size() <= p.cfg.Size {
		for i, n := uint32(0), h.NumRefs(); i < n; i++ {
			t.admit(p.mem.Load(object.RefAddr(obj, i)))
		}
	}
	t.clock()
}

func (t *prefetchTask) drainLocalQueue() {
	for !t.aborted {
		e, ok := t.queue.Pop()
		if !ok {
			return
		}
		t.scan(e)
	}
}

func (t *prefetchTask) takeChunk(from *MarkStack) bool {
	n := from.Pop(t.buf)
	if n == 0 {
		return false
	}
	if from == t.p.inbox {
		t.p.signalSpace()
		for _, e := range t.buf[:n] {
			t.admit(e)
		}
		return true
	}
	for _, e := range t.buf[:n] {
		t.push(e)
	}
	return true
}

func (t *prefetchTask) shouldExitTermination() bool {
	t.clock()
	return t.aborted || !t.p.stack.IsEmpty() || !t.p.inbox.IsEmpty()
}

func (t *prefetchTask) step() {
	p := t.p
	t.aborted = false
	t.start = time.Now()
	for !t.aborted {
		t.drainLocalQueue()
		if t.aborted {
			break
		}
		if t.takeChunk(p.stack) || t.takeChunk(p.inbox) {
			continue
		}
		e, ok := p.queues.Steal(int(t.id), t.rng)
		if !ok {
			break
		}
		t.steals.Add(1)
		t.scan(e)
	}
	if !t.aborted && !p.terminator.Offer(t.shouldExitTermination) {
		t.aborted = true
	}
	if t.aborted && p.hasOverflown.Load() {
		if !p.enterSyncBarrier(&p.firstSync) {
			return
		}
		if t.id == 0 {
			p.resetForRestart()
		}
		p.enterSyncBarrier(&p.secondSync)
	}
}
