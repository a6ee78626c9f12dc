// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veezhang/g1heap/internal/safepoint"
	"github.com/veezhang/g1heap/object"
	"github.com/veezhang/g1heap/region"
)

func newTestTable(t *testing.T, regionWords uint64, n uint32) *region.Table {
	t.Helper()
	tab, err := region.NewTable(region.Config{RegionWords: regionWords, MaxRegions: n, InitialRegions: n})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tab.Close() })
	return tab
}

// graph builds objects in old regions.
type graph struct {
	t    *testing.T
	tab  *region.Table
	cur  *region.Region
	objs []region.Addr
}

func newGraph(t *testing.T, tab *region.Table) *graph {
	return &graph{t: t, tab: tab}
}

func (g *graph) alloc(nrefs uint32, ndata uint64) region.Addr {
	size := object.SizeFor(nrefs, ndata)
	if g.cur == nil || g.cur.FreeWords() < size {
		g.newRegion()
	}
	a := g.cur.ParAllocate(size)
	object.Init(g.tab, a, size, nrefs)
	g.objs = append(g.objs, a)
	return a
}

// newRegion makes the following allocations start in a fresh region.
func (g *graph) newRegion() *region.Region {
	g.retire()
	g.cur = g.tab.AllocateRegion(region.Old, false)
	if g.cur == nil {
		g.t.Fatal("test heap exhausted")
	}
	return g.cur
}

func (g *graph) retire() {
	if g.cur != nil {
		g.tab.Install(g.cur)
		g.cur = nil
	}
}

func (g *graph) link(obj region.Addr, i uint32, child region.Addr) {
	g.tab.Store(object.RefAddr(obj, i), uint64(child))
}

func (g *graph) reachable(roots []region.Addr) map[region.Addr]bool {
	seen := make(map[region.Addr]bool)
	stack := append([]region.Addr(nil), roots...)
	for len(stack) > 0 {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if a == region.Nil || seen[a] {
			continue
		}
		seen[a] = true
		h := object.LoadHeader(g.tab, a)
		for i := uint32(0); i < h.NumRefs(); i++ {
			stack = append(stack, region.Addr(g.tab.Load(object.RefAddr(a, i))))
		}
	}
	return seen
}

// randomGraph links n objects with up to four references each.
func (g *graph) randomGraph(n int, seed int64) []region.Addr {
	rng := rand.New(rand.NewSource(seed))
	base := len(g.objs)
	for i := 0; i < n; i++ {
		g.alloc(uint32(rng.Intn(5)), uint64(rng.Intn(4)))
	}
	objs := g.objs[base:]
	for _, a := range objs {
		h := object.LoadHeader(g.tab, a)
		for i := uint32(0); i < h.NumRefs(); i++ {
			if rng.Intn(8) != 0 {
				g.link(a, i, objs[rng.Intn(len(objs))])
			}
		}
	}
	var roots []region.Addr
	for i := 0; i < 16; i++ {
		roots = append(roots, objs[rng.Intn(len(objs))])
	}
	return roots
}

type harness struct {
	cm  *ConcurrentMark
	sts *safepoint.Synchronizer
}

func testConfig(workers uint32) Config {
	cfg := DefaultConfig()
	cfg.Workers = workers
	cfg.QueueCapacity = 1 << 10
	return cfg
}

func newHarness(t *testing.T, tab *region.Table, cfg Config) *harness {
	sts := new(safepoint.Synchronizer)
	cm := New(cfg, tab, sts)
	t.Cleanup(cm.Close)
	return &harness{cm: cm, sts: sts}
}

func (h *harness) start(roots []region.Addr) {
	h.sts.Begin()
	h.cm.ConcurrentStart(func(mark func(region.Addr)) {
		for _, r := range roots {
			mark(r)
		}
	}, nil)
	h.sts.End()
}

// finish runs marking and remark until marking is complete.
func (h *harness) finish() {
	for {
		h.cm.MarkFromRoots()
		if h.cm.HasAborted() {
			return
		}
		h.sts.Begin()
		h.cm.Remark()
		h.sts.End()
		if !h.cm.RestartForOverflow() {
			return
		}
	}
}

func checkMarks(t *testing.T, cm *ConcurrentMark, objs []region.Addr, live map[region.Addr]bool) {
	t.Helper()
	bad := 0
	for _, a := range objs {
		if got := cm.Bitmap().IsMarked(a); got != live[a] {
			if bad++; bad <= 5 {
				t.Errorf("object %#x marked = %v, want %v", uint64(a), got, live[a])
			}
		}
	}
	if bad > 0 {
		t.Fatalf("%d of %d objects wrongly marked", bad, len(objs))
	}
}

func TestBitmap(t *testing.T) {
	b := NewBitmap(100, 100+1000)
	if !b.ParMark(150) || b.ParMark(150) {
		t.Fatal("ParMark must succeed exactly once")
	}
	b.ParMark(163)
	b.ParMark(164)
	b.ParMark(900)
	if got := b.NextMarked(100, 1100); got != 150 {
		t.Errorf("NextMarked = %d, want 150", got)
	}
	if got := b.NextMarked(151, 1100); got != 163 {
		t.Errorf("NextMarked across a word = %d, want 163", got)
	}
	if got := b.NextMarked(165, 900); got != 900 {
		t.Errorf("NextMarked bounded = %d, want limit 900", got)
	}
	if got := b.CountRange(100, 1100); got != 4 {
		t.Errorf("CountRange = %d, want 4", got)
	}
	b.ClearRange(160, 1000)
	if !b.IsMarked(150) || b.IsMarked(163) || b.IsMarked(900) {
		t.Error("ClearRange cleared the wrong bits")
	}
}

func TestMarkStack(t *testing.T) {
	s := NewMarkStack(2, 4)
	if !s.Push([]uint64{1, 2, 3}) || !s.Push([]uint64{4}) {
		t.Fatal("push within capacity failed")
	}
	if s.Push([]uint64{5}) {
		t.Fatal("push beyond capacity succeeded")
	}
	buf := make([]uint64, ChunkEntries)
	if n := s.Pop(buf); n != 1 || buf[0] != 4 {
		t.Fatalf("Pop = %v, want [4]", buf[:n])
	}
	if !s.Push([]uint64{6, 7}) {
		t.Fatal("push into a recycled chunk failed")
	}
	if s.Size() != 2 {
		t.Errorf("Size = %d, want 2", s.Size())
	}
	s.SetEmpty()
	if !s.IsEmpty() || !s.Expand() || s.Capacity() != 4 || s.Expand() {
		t.Fatalf("expand: capacity %d", s.Capacity())
	}
	for i := 0; i < 4; i++ {
		if !s.Push([]uint64{uint64(i)}) {
			t.Fatalf("push %d after expand failed", i)
		}
	}
}

func TestStatsCache(t *testing.T) {
	target := make([]RegionStats, 8)
	c := NewStatsCache(target, 2)
	c.Add(0, 10)
	c.Add(0, 5)
	c.Add(2, 7) // evicts region 0
	c.Add(1, 3)
	if got := target[0].LiveWords(); got != 15 {
		t.Errorf("region 0 evicted with %d words, want 15", got)
	}
	hits, misses := c.EvictAll()
	if hits != 1 || misses != 3 {
		t.Errorf("hits, misses = %d, %d; want 1, 3", hits, misses)
	}
	if target[2].LiveWords() != 7 || target[1].LiveObjects() != 1 {
		t.Error("EvictAll did not flush every entry")
	}
}

func TestSATBQueue(t *testing.T) {
	set := NewSATBQueueSet(2)
	q := set.NewQueue()
	q.Enqueue(8)
	if q.Len() != 0 {
		t.Fatal("inactive queue logged")
	}
	set.SetActive(true)
	q.Enqueue(8)
	q.Enqueue(region.Nil)
	q.Enqueue(9)
	q.Enqueue(10)
	if set.CompletedBuffers() != 1 || q.Len() != 1 {
		t.Fatalf("completed = %d, pending = %d", set.CompletedBuffers(), q.Len())
	}
	q.Flush()
	var got []region.Addr
	for set.ApplyToCompletedBuffer(func(a region.Addr) { got = append(got, a) }) {
	}
	if len(got) != 3 {
		t.Errorf("drained %v, want 3 entries", got)
	}
}

func TestMarkReachable(t *testing.T) {
	for _, workers := range []uint32{1, 4} {
		tab := newTestTable(t, 1<<12, 16)
		g := newGraph(t, tab)
		roots := g.randomGraph(4000, int64(workers))
		g.retire()
		live := g.reachable(roots)

		h := newHarness(t, tab, testConfig(workers))
		h.start(roots)
		h.finish()
		if h.cm.HasAborted() {
			t.Fatal("cycle aborted")
		}
		checkMarks(t, h.cm, g.objs, live)

		words := make(map[region.Index]uint64)
		for a := range live {
			words[tab.IndexFor(a)] += object.LoadHeader(tab, a).Size()
		}
		tab.Iterate(func(r *region.Region) bool {
			if got := h.cm.LiveWords(r.Index()); got != words[r.Index()] {
				t.Errorf("workers=%d: %v live words = %d, want %d", workers, r, got, words[r.Index()])
			}
			return true
		})
	}
}

// A reference deleted during marking is still traced through the
// mutator's SATB log, and objects allocated after the start are live
// without a mark.
func TestMarkSATB(t *testing.T) {
	tab := newTestTable(t, 1<<12, 8)
	g := newGraph(t, tab)
	root := g.alloc(1, 0)
	a := g.alloc(1, 0)
	b := g.alloc(0, 2)
	g.link(root, 0, a)
	g.link(a, 0, b)
	g.retire()

	h := newHarness(t, tab, testConfig(2))
	h.start([]region.Addr{root})

	q := h.cm.SATB().NewQueue()
	h.sts.Join()
	q.Enqueue(region.Addr(tab.Load(object.RefAddr(root, 0))))
	g.link(root, 0, region.Nil)
	fresh := g.alloc(0, 0)
	g.retire()
	q.Flush()
	h.sts.Leave()

	h.finish()
	checkMarks(t, h.cm, []region.Addr{root, a, b}, map[region.Addr]bool{root: true, a: true, b: true})
	if h.cm.Bitmap().IsMarked(fresh) || !h.cm.IsLive(fresh) {
		t.Error("object allocated during marking must be live and unmarked")
	}
	if h.cm.SATB().IsActive() {
		t.Error("SATB still active after remark")
	}
}

func TestCleanup(t *testing.T) {
	const rw = 1 << 12
	tab := newTestTable(t, rw, 8)
	g := newGraph(t, tab)

	dead := g.newRegion()
	for i := 0; i < 10; i++ {
		g.alloc(1, 8)
	}

	mixed := g.newRegion()
	root := g.alloc(4, 0)
	var kept []region.Addr
	for i := 0; i < 40; i++ {
		o := g.alloc(0, 30)
		if i%10 == 0 {
			g.link(root, uint32(len(kept)), o)
			kept = append(kept, o)
		}
	}
	full := g.newRegion()
	var chain region.Addr
	for full.FreeWords() >= 2 {
		o := g.alloc(1, 0)
		g.link(o, 0, chain)
		chain = o
	}
	g.retire()

	hum := tab.AllocateHumongous(2, rw+10, false)
	object.Init(tab, hum.Bottom(), rw+10, 0)
	deadHum := tab.AllocateHumongous(1, rw-1, false)
	object.Init(tab, deadHum.Bottom(), rw-1, 0)

	h := newHarness(t, tab, testConfig(2))
	h.start([]region.Addr{root, chain, hum.Bottom()})
	h.finish()

	h.sts.Begin()
	res := h.cm.Cleanup()
	h.sts.End()

	reclaim := make(map[*region.Region]bool)
	for _, r := range res.Reclaim {
		reclaim[r] = true
	}
	if !reclaim[dead] || !reclaim[deadHum] || reclaim[hum] || reclaim[mixed] || reclaim[full] || len(reclaim) != 2 {
		t.Errorf("Reclaim = %v, want [%v %v]", res.Reclaim, dead, deadHum)
	}
	if len(res.Candidates) != 1 || res.Candidates[0].Region != mixed {
		t.Fatalf("Candidates = %v, want only %v", res.Candidates, mixed)
	}
	if c := res.Candidates[0]; c.LiveWords+c.Reclaimable != mixed.Used() {
		t.Errorf("candidate live %d + reclaimable %d != used %d", c.LiveWords, c.Reclaimable, mixed.Used())
	}

	// Dead objects in the candidate are now fillers.
	isKept := map[region.Addr]bool{root: true}
	for _, k := range kept {
		isKept[k] = true
	}
	object.Walk(tab, mixed.Bottom(), mixed.Top(), func(obj region.Addr, hd object.Header) bool {
		if !hd.IsFiller() && !isKept[obj] {
			t.Errorf("dead object %#x survived scrubbing", uint64(obj))
		}
		if hd.IsFiller() && isKept[obj] {
			t.Errorf("live object %#x was scrubbed", uint64(obj))
		}
		return true
	})
	if res.ScrubbedWords == 0 {
		t.Error("nothing scrubbed")
	}

	h.sts.Begin()
	h.cm.FinishCleanup()
	h.sts.End()
	if mixed.TAMS() != mixed.Bottom() {
		t.Error("TAMS not reset after cleanup")
	}
	h.cm.ClearBitmap()
	if h.cm.InProgress() {
		t.Error("cycle still in progress after clearing the bitmap")
	}
	if n := h.cm.Bitmap().CountRange(tab.Base(), tab.Limit()); n != 0 {
		t.Errorf("%d marks left after ClearBitmap", n)
	}
}

// Four workers, one wide object whose children do not fit in the local
// queues plus a one-chunk global stack: marking must overflow, every
// worker must pass both barriers of each reset, and the result must be
// exact.
func TestMarkOverflowBarriers(t *testing.T) {
	tab := newTestTable(t, 1<<14, 8)
	g := newGraph(t, tab)
	const nchildren = 2000
	parent := g.alloc(nchildren, 0)
	g.newRegion()
	children := make([]region.Addr, nchildren)
	for i := range children {
		children[i] = g.alloc(8, 0)
		g.link(parent, uint32(i), children[i])
	}
	for _, c := range children {
		for j := uint32(0); j < 8; j++ {
			g.link(c, j, g.alloc(1, 0))
		}
	}
	g.retire()
	live := g.reachable([]region.Addr{parent})

	cfg := testConfig(4)
	cfg.QueueCapacity = 16
	cfg.MarkStackChunks = 1
	cfg.MaxMarkStackChunks = 64
	h := newHarness(t, tab, cfg)
	h.start([]region.Addr{parent})
	h.finish()

	if h.cm.Overflows() == 0 {
		t.Fatal("marking did not overflow the global stack")
	}
	first := h.cm.tasks[0].firstBarriers
	for _, task := range h.cm.tasks {
		if task.firstBarriers == 0 || task.firstBarriers != first || task.secondBarriers != first {
			t.Errorf("task %d passed barriers %d/%d, task 0 passed %d", task.id, task.firstBarriers, task.secondBarriers, first)
		}
	}
	if h.cm.stack.Capacity() <= 1 {
		t.Error("overflow did not expand the stack")
	}
	checkMarks(t, h.cm, g.objs, live)
}

func setScanHook(t *testing.T, fn func(worker uint32, aborted bool)) {
	testHookScan = fn
	t.Cleanup(func() { testHookScan = nil })
}

// An abort is noticed at the next object boundary; marks made before
// it stay set.
func TestMarkAbort(t *testing.T) {
	tab := newTestTable(t, 1<<12, 32)
	g := newGraph(t, tab)
	roots := g.randomGraph(20000, 3)
	g.retire()
	live := g.reachable(roots)

	h := newHarness(t, tab, testConfig(4))
	var (
		scans      atomic.Int32
		afterAbort [4]atomic.Int32
		snapshot   []region.Addr
		once       sync.Once
	)
	setScanHook(t, func(w uint32, aborted bool) {
		if aborted {
			afterAbort[w].Add(1)
			return
		}
		if scans.Add(1) == 200 {
			once.Do(func() {
				for _, a := range g.objs {
					if h.cm.Bitmap().IsMarked(a) {
						snapshot = append(snapshot, a)
					}
				}
				h.cm.Abort()
			})
		}
	})
	h.start(roots)
	h.finish()

	if !h.cm.HasAborted() {
		t.Fatal("cycle not aborted")
	}
	for w := range afterAbort {
		if n := afterAbort[w].Load(); n > 1 {
			t.Errorf("worker %d scanned %d objects after the abort", w, n)
		}
	}
	for _, a := range snapshot {
		if !h.cm.Bitmap().IsMarked(a) {
			t.Errorf("mark of %#x lost after abort", uint64(a))
		}
		if !live[a] {
			t.Errorf("unreachable %#x marked", uint64(a))
		}
	}
	if h.cm.SATB().IsActive() || h.cm.IsMarkingActive() {
		t.Error("SATB still active after abort")
	}

	// The next cycle starts from scratch and completes.
	h.cm.ClearBitmap()
	testHookScan = nil
	h.start(roots)
	h.finish()
	checkMarks(t, h.cm, g.objs, live)
}

// fakeHost runs the pauses of a cycle on a bare marking engine.
type fakeHost struct {
	h        *harness
	remarks  int
	cleanups int
	done     chan bool
	result   CleanupResult
}

func (f *fakeHost) Remark() {
	f.remarks++
	f.h.sts.Begin()
	f.h.cm.Remark()
	f.h.sts.End()
}

func (f *fakeHost) Cleanup() {
	f.cleanups++
	f.h.sts.Begin()
	f.result = f.h.cm.Cleanup()
	f.h.cm.FinishCleanup()
	f.h.sts.End()
}

func (f *fakeHost) CycleDone(d time.Duration, aborted bool) { f.done <- aborted }

func waitIdle(t *testing.T, th *Thread) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := th.WaitIdle(ctx); err != nil {
		t.Fatalf("marking thread did not go idle: %v", err)
	}
}

func TestThreadAbortReturnsToIdle(t *testing.T) {
	tab := newTestTable(t, 1<<12, 32)
	g := newGraph(t, tab)
	roots := g.randomGraph(20000, 5)
	g.retire()

	h := newHarness(t, tab, testConfig(2))
	host := &fakeHost{h: h, done: make(chan bool, 2)}
	th := NewThread(h.cm, nil, host)
	t.Cleanup(th.Stop)

	var once sync.Once
	setScanHook(t, func(uint32, bool) { once.Do(h.cm.Abort) })
	h.start(roots)
	th.Start()
	if aborted := <-host.done; !aborted {
		t.Fatal("cycle reported as completed")
	}
	waitIdle(t, th)
	if host.remarks != 0 || host.cleanups != 0 {
		t.Errorf("aborted cycle ran remark %d times and cleanup %d times", host.remarks, host.cleanups)
	}
	if h.cm.InProgress() {
		t.Error("cycle still in progress")
	}
	if n := h.cm.Bitmap().CountRange(tab.Base(), tab.Limit()); n != 0 {
		t.Errorf("%d marks left after an aborted cycle", n)
	}
	tab.Iterate(func(r *region.Region) bool {
		if r.TAMS() != r.Bottom() {
			t.Errorf("%v keeps TAMS after abort", r)
		}
		return true
	})
}

func TestThreadCycle(t *testing.T) {
	tab := newTestTable(t, 1<<12, 16)
	g := newGraph(t, tab)
	g.newRegion()
	for i := 0; i < 50; i++ {
		g.alloc(0, 10) // garbage
	}
	roots := g.randomGraph(3000, 9)
	g.retire()

	h := newHarness(t, tab, testConfig(3))
	pf := NewPrefetcher(DefaultPrefetchConfig(), tab, h.cm, h.sts)
	t.Cleanup(pf.Close)
	host := &fakeHost{h: h, done: make(chan bool, 2)}
	th := NewThread(h.cm, pf, host)
	t.Cleanup(th.Stop)

	h.start(roots)
	th.Start()
	if aborted := <-host.done; aborted {
		t.Fatal("cycle aborted")
	}
	waitIdle(t, th)
	if host.remarks == 0 || host.cleanups != 1 {
		t.Errorf("remarks = %d, cleanups = %d", host.remarks, host.cleanups)
	}
	if len(host.result.Reclaim) == 0 && len(host.result.Candidates) == 0 {
		t.Error("cleanup found no garbage")
	}
	if pf.IsActive() {
		t.Error("prefetcher active after marking")
	}
	if s := h.cm.Stats(); s.Cycles != 1 || s.Aborts != 0 || s.ObjectsScanned == 0 {
		t.Errorf("stats = %+v", s)
	}
}
