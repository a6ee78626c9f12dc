// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"github.com/veezhang/g1heap/region"
)

// WeakRef refers to an object without keeping it alive. A soft
// reference is kept alive by every collection except a full one run
// as a last resort before reporting out of memory.
type WeakRef struct {
	h        *Heap
	referent region.Addr // updated at safepoints
	soft     bool
}

// NewWeakRef returns a weak reference to the object named by hd.
func (h *Heap) NewWeakRef(m *Mutator, hd Handle) *WeakRef {
	return h.newRef(m, hd, false)
}

// NewSoftRef returns a soft reference to the object named by hd.
func (h *Heap) NewSoftRef(m *Mutator, hd Handle) *WeakRef {
	return h.newRef(m, hd, true)
}

func (h *Heap) newRef(m *Mutator, hd Handle, soft bool) *WeakRef {
	m.join()
	defer m.leave()
	w := &WeakRef{h: h, referent: m.obj(hd), soft: soft}
	h.refMu.Lock()
	h.refs[w] = struct{}{}
	h.refMu.Unlock()
	return w
}

// Get returns a new handle in m for the referent, or NilHandle once it
// was collected. While marking, the referent is logged so that the
// cycle does not find it dead after Get made it reachable again.
func (w *WeakRef) Get(m *Mutator) Handle {
	m.join()
	defer m.leave()
	v := w.referent
	if v != region.Nil && w.h.cm.IsMarkingActive() {
		m.satb.Enqueue(v)
	}
	return m.add(v)
}

// IsSoft reports whether w is a soft reference.
func (w *WeakRef) IsSoft() bool { return w.soft }

// Release unregisters w. Get must not be called afterwards.
func (w *WeakRef) Release() {
	h := w.h
	h.refMu.Lock()
	delete(h.refs, w)
	h.refMu.Unlock()
}
