// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import "testing"

func TestWeakRef(t *testing.T) {
	h := newTestHeap(t, 8, nil)
	m := h.NewMutator()
	defer m.Close()

	live, err := m.New(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	m.SetData(live, 0, 7)
	dead, err := m.New(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	wLive := h.NewWeakRef(m, live)
	wDead := h.NewWeakRef(m, dead)
	defer wLive.Release()
	defer wDead.Release()
	if wLive.IsSoft() {
		t.Errorf("weak reference reports soft")
	}
	m.Release(dead)

	h.Collect(CauseDiagnostic)
	if hd := wDead.Get(m); hd != NilHandle {
		t.Errorf("weak reference to an unreached object survived a pause")
	}
	hd := wLive.Get(m)
	if !m.Same(hd, live) {
		t.Fatalf("weak reference does not follow its moved referent")
	}
	if got := m.Data(hd, 0); got != 7 {
		t.Errorf("referent data = %d, want 7", got)
	}
}

func TestSoftRef(t *testing.T) {
	h := newTestHeap(t, 8, nil)
	m := h.NewMutator()
	defer m.Close()

	hd, err := m.New(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	m.SetData(hd, 0, 9)
	s := h.NewSoftRef(m, hd)
	defer s.Release()
	if !s.IsSoft() {
		t.Errorf("soft reference reports weak")
	}
	m.Release(hd)

	h.Collect(CauseDiagnostic)
	h.Collect(CauseExplicit)
	got := s.Get(m)
	if got == NilHandle {
		t.Fatal("soft reference cleared without memory pressure")
	}
	if d := m.Data(got, 0); d != 9 {
		t.Errorf("referent data = %d, want 9", d)
	}
	m.Release(got)

	h.sts.Begin()
	h.fullCollect(CauseAllocationFailure, true)
	h.sts.End()
	if got := s.Get(m); got != NilHandle {
		t.Errorf("soft reference survived a collection that clears them")
	}
}
