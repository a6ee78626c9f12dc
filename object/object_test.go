// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package object

import (
	"testing"

	"github.com/veezhang/g1heap/region"
)

type words map[region.Addr]uint64

func (w words) Load(a region.Addr) uint64     { return w[a] }
func (w words) Store(a region.Addr, v uint64) { w[a] = v }
func (w words) CAS(a region.Addr, old, new uint64) bool {
	if w[a] != old {
		return false
	}
	w[a] = new
	return true
}
func (w words) Zero(a region.Addr, n uint64) {
	for i := uint64(0); i < n; i++ {
		w[a+region.Addr(i)] = 0
	}
}

func TestHeaderFields(t *testing.T) {
	tests := []struct {
		size  uint64
		nrefs uint32
	}{
		{1, 0},
		{3, 2},
		{1 << 20, 1<<20 - 1},
		{MaxWords, MaxRefs - 1},
	}
	for _, tt := range tests {
		h := MakeHeader(tt.size, tt.nrefs)
		if h.Status() != Normal || h.Size() != tt.size || h.NumRefs() != tt.nrefs || h.Age() != 0 {
			t.Errorf("MakeHeader(%d, %d) = %v", tt.size, tt.nrefs, h)
		}
		aged := h.WithAge(3)
		if aged.Age() != 3 || aged.Size() != tt.size || aged.NumRefs() != tt.nrefs {
			t.Errorf("WithAge(3) = %v", aged)
		}
		failed := aged.AsEvacuationFailed()
		if failed.Status() != EvacuationFailed || failed.Size() != tt.size || failed.Age() != 3 {
			t.Errorf("AsEvacuationFailed = %v", failed)
		}
	}
	if MakeHeader(2, 0).WithAge(200).Age() != MaxAge {
		t.Error("age did not saturate")
	}
}

func TestForwarding(t *testing.T) {
	to := region.Addr(0x123456789)
	h := ForwardingHeader(to)
	if h.Status() != Forwarded || h.Forwardee() != to {
		t.Fatalf("ForwardingHeader(%#x) = %v", uint64(to), h)
	}
	if h.IsFiller() {
		t.Fatal("forwarding header reads as filler")
	}
}

func TestWalk(t *testing.T) {
	m := words{}
	const base = region.Addr(1024)
	Init(m, base, 3, 1)
	Fill(m, base+3, 4)
	Init(m, base+7, 2, 0)
	// A forwarded object is sized through its copy.
	Init(m, base+100, 5, 2)
	m.Store(base+9, uint64(ForwardingHeader(base+100)))

	var objs []region.Addr
	var fillers int
	Walk(m, base, base+14, func(obj region.Addr, h Header) bool {
		objs = append(objs, obj)
		if h.IsFiller() {
			fillers++
		}
		return true
	})
	want := []region.Addr{base, base + 3, base + 7, base + 9}
	if len(objs) != len(want) {
		t.Fatalf("Walk visited %v, want %v", objs, want)
	}
	for i := range want {
		if objs[i] != want[i] {
			t.Fatalf("Walk visited %v, want %v", objs, want)
		}
	}
	if fillers != 1 {
		t.Errorf("saw %d fillers, want 1", fillers)
	}
}
