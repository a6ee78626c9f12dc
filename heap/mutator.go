// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"github.com/veezhang/g1heap/internal/sys"
	"github.com/veezhang/g1heap/mark"
	"github.com/veezhang/g1heap/object"
	"github.com/veezhang/g1heap/region"
)

// Handle names an object held by a Mutator. Handles are the roots of
// the heap: the object a handle names stays alive, and the handle
// follows it when it moves, until the handle is released.
type Handle uint32

// NilHandle names no object.
const NilHandle Handle = 0

// Mutator is a goroutine's view of the heap: its handles, its
// thread-local allocation buffer and its SATB queue. Every method joins
// the suspendible set for its duration, so pauses happen between calls
// or inside an allocation that collects.
type Mutator struct {
	h     *Heap
	slots []region.Addr // slot 0 is never used
	free  []Handle
	satb  *mark.SATBQueue
	tlab  tlab

	closed bool
}

// tlab is a thread-local allocation buffer: [top, end) is left.
type tlab struct {
	start, top, end region.Addr
}

func (t *tlab) alloc(words uint64) region.Addr {
	if uint64(t.end-t.top) < words {
		return region.Nil
	}
	a := t.top
	t.top += region.Addr(words)
	return a
}

// NewMutator registers a mutator.
func (h *Heap) NewMutator() *Mutator {
	m := &Mutator{
		h:     h,
		slots: make([]region.Addr, 1, 64),
		satb:  h.cm.SATB().NewQueue(),
	}
	h.mutMu.Lock()
	h.mutators = append(h.mutators, m)
	h.mutMu.Unlock()
	return m
}

// mutatorList snapshots the registered mutators.
func (h *Heap) mutatorList() []*Mutator {
	h.mutMu.Lock()
	defer h.mutMu.Unlock()
	return append([]*Mutator(nil), h.mutators...)
}

func (m *Mutator) join() {
	if m.closed {
		sys.Throw("heap: use of closed mutator")
	}
	m.h.sts.Join()
}

func (m *Mutator) leave() { m.h.sts.Leave() }

// Close retires the mutator's buffers and drops its handles.
func (m *Mutator) Close() {
	m.join()
	m.retireTLAB()
	m.satb.Flush()
	m.slots = m.slots[:1]
	m.free = nil
	m.leave()
	m.closed = true

	h := m.h
	h.mutMu.Lock()
	for i, x := range h.mutators {
		if x == m {
			last := len(h.mutators) - 1
			h.mutators[i] = h.mutators[last]
			h.mutators[last] = nil
			h.mutators = h.mutators[:last]
			break
		}
	}
	h.mutMu.Unlock()
}

// retireTLAB fills the unused tail so that the region stays parsable.
func (m *Mutator) retireTLAB() {
	t := &m.tlab
	if t.top < t.end {
		object.Fill(m.h.table, t.top, uint64(t.end-t.top))
	}
	*t = tlab{}
}

func (m *Mutator) add(a region.Addr) Handle {
	if a == region.Nil {
		return NilHandle
	}
	if n := len(m.free); n > 0 {
		hd := m.free[n-1]
		m.free = m.free[:n-1]
		m.slots[hd] = a
		return hd
	}
	m.slots = append(m.slots, a)
	return Handle(len(m.slots) - 1)
}

func (m *Mutator) obj(hd Handle) region.Addr {
	if hd == NilHandle || int(hd) >= len(m.slots) || m.slots[hd] == region.Nil {
		sys.Throwf("heap: invalid handle %d", hd)
	}
	return m.slots[hd]
}

func (m *Mutator) val(hd Handle) region.Addr {
	if hd == NilHandle {
		return region.Nil
	}
	return m.obj(hd)
}

// New allocates an object with nrefs nil references and ndata zero
// data words.
func (m *Mutator) New(nrefs uint32, ndata uint64) (Handle, error) {
	m.join()
	defer m.leave()
	if uint64(nrefs) > object.MaxRefs {
		return NilHandle, ErrTooLarge
	}
	size := object.SizeFor(nrefs, ndata)
	a, err := m.allocate(size)
	if err != nil {
		return NilHandle, err
	}
	object.Init(m.h.table, a, size, nrefs)
	return m.add(a), nil
}

// NewArray allocates an object of n nil references.
func (m *Mutator) NewArray(n uint32) (Handle, error) { return m.New(n, 0) }

// NewArchived allocates an object in the archive lane. It never moves
// and is never collected.
func (m *Mutator) NewArchived(nrefs uint32, ndata uint64) (Handle, error) {
	m.join()
	defer m.leave()
	size := object.SizeFor(nrefs, ndata)
	a, err := m.h.allocateArchive(size)
	if err != nil {
		return NilHandle, err
	}
	object.Init(m.h.table, a, size, nrefs)
	return m.add(a), nil
}

func (m *Mutator) refAddr(obj region.Addr, i uint32) region.Addr {
	hdr := object.LoadHeader(m.h.table, obj)
	if i >= hdr.NumRefs() {
		sys.Throwf("heap: reference %d of object with %d", i, hdr.NumRefs())
	}
	return object.RefAddr(obj, i)
}

func (m *Mutator) dataAddr(obj region.Addr, i uint64) region.Addr {
	hdr := object.LoadHeader(m.h.table, obj)
	if n := hdr.Size() - object.HeaderWords - uint64(hdr.NumRefs()); i >= n {
		sys.Throwf("heap: data word %d of object with %d", i, n)
	}
	return object.DataAddr(obj, hdr, i)
}

// SetField stores v, or nil for NilHandle, in reference i of hd.
func (m *Mutator) SetField(hd Handle, i uint32, v Handle) {
	m.join()
	defer m.leave()
	m.h.writeRef(m.satb, m.refAddr(m.obj(hd), i), m.val(v))
}

// Field returns a new handle for reference i of hd, or NilHandle.
func (m *Mutator) Field(hd Handle, i uint32) Handle {
	m.join()
	defer m.leave()
	f := m.refAddr(m.obj(hd), i)
	return m.add(region.Addr(m.h.table.Load(f)))
}

// SetData stores v in data word i of hd.
func (m *Mutator) SetData(hd Handle, i uint64, v uint64) {
	m.join()
	defer m.leave()
	m.h.table.Store(m.dataAddr(m.obj(hd), i), v)
}

// Data returns data word i of hd.
func (m *Mutator) Data(hd Handle, i uint64) uint64 {
	m.join()
	defer m.leave()
	return m.h.table.Load(m.dataAddr(m.obj(hd), i))
}

// Release drops hd. The object may be collected once nothing else
// refers to it.
func (m *Mutator) Release(hd Handle) {
	m.join()
	defer m.leave()
	m.obj(hd)
	m.slots[hd] = region.Nil
	m.free = append(m.free, hd)
}

// Addr returns where the object named by hd currently is, or Nil. The
// address is only stable until the next pause.
func (m *Mutator) Addr(hd Handle) region.Addr {
	m.join()
	defer m.leave()
	return m.val(hd)
}

// Same reports whether a and b name the same object.
func (m *Mutator) Same(a, b Handle) bool {
	m.join()
	defer m.leave()
	return m.val(a) == m.val(b)
}

// Safepoint hands the mutator's logged references to marking and lets
// a pending pause run.
func (m *Mutator) Safepoint() {
	m.join()
	m.satb.Flush()
	m.h.sts.Yield()
	m.leave()
}

// writeRef stores val at field f with the collector's barriers: the
// old value is logged for marking, and a reference from outside the
// young generation across regions is recorded in the remembered set.
func (h *Heap) writeRef(q *mark.SATBQueue, f, val region.Addr) {
	if h.cm.IsMarkingActive() {
		q.Enqueue(region.Addr(h.table.Load(f)))
	}
	h.table.Store(f, uint64(val))
	if val != region.Nil {
		h.recordReference(f, val)
	}
}

// recordReference is the post-write barrier. It is also how evacuation
// keeps the remembered set current for the objects it copies.
func (h *Heap) recordReference(f, val region.Addr) {
	from := h.table.RegionFor(f)
	if from.Type().IsYoung() && !from.EvacuationFailed() {
		return
	}
	to := h.table.RegionFor(val)
	if from.Type() == region.ContinuesHumongous {
		from = h.table.At(from.HumongousStart())
	}
	if to.Type() == region.ContinuesHumongous {
		to = h.table.At(to.HumongousStart())
	}
	if from == to {
		return
	}
	h.rs.DirtyCard(f)
	h.rs.RegisterCrossRegionReference(from.Index(), to.Index())
}
