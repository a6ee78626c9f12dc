// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import (
	"sync"
	"sync/atomic"
	"testing"
)

func newTestTable(t *testing.T, initial, max uint32) *Table {
	t.Helper()
	tab, err := NewTable(Config{RegionWords: 1024, MaxRegions: max, InitialRegions: initial})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tab.Close() })
	return tab
}

func mustVerify(t *testing.T, tab *Table, active ...*Region) {
	t.Helper()
	if err := tab.Verify(active...); err != nil {
		t.Fatal(err)
	}
}

func TestAllocateAndFree(t *testing.T) {
	tab := newTestTable(t, 4, 8)
	if got := tab.FreeRegions(); got != 4 {
		t.Fatalf("FreeRegions = %d, want 4", got)
	}
	eden := tab.AllocateRegion(Eden, false)
	if eden == nil || eden.Index() != 0 {
		t.Fatalf("young region = %v, want region 0", eden)
	}
	old := tab.AllocateRegion(Old, false)
	if old == nil || old.Index() != 3 {
		t.Fatalf("old region = %v, want region 3", old)
	}
	mustVerify(t, tab, eden, old)

	if a := eden.ParAllocate(100); a != eden.Bottom() {
		t.Fatalf("ParAllocate = %#x, want bottom %#x", a, eden.Bottom())
	}
	tab.Install(eden)
	tab.Install(old)
	mustVerify(t, tab)
	if got := tab.SetFor(Eden).UsedWords(); got != 100 {
		t.Errorf("eden used = %d, want 100", got)
	}

	if err := tab.Free(eden); err != nil {
		t.Fatal(err)
	}
	if err := tab.Free(eden); err != ErrRegionAlreadyFree {
		t.Fatalf("second Free = %v, want ErrRegionAlreadyFree", err)
	}
	if got := tab.SetFor(Free).Length(); got != 3 {
		t.Errorf("free length = %d after double free, want 3", got)
	}
	if !eden.IsEmpty() || eden.Type() != Free {
		t.Errorf("freed region not reset: %v top=%#x", eden, eden.Top())
	}
	mustVerify(t, tab)
}

func TestAllocateExpand(t *testing.T) {
	tab := newTestTable(t, 1, 3)
	a := tab.AllocateRegion(Eden, false)
	if a == nil {
		t.Fatal("no initial region")
	}
	if r := tab.AllocateRegion(Eden, false); r != nil {
		t.Fatalf("allocation without expansion returned %v", r)
	}
	b := tab.AllocateRegion(Eden, true)
	c := tab.AllocateRegion(Survivor, true)
	if b == nil || c == nil {
		t.Fatal("expanding allocation failed below capacity")
	}
	if r := tab.AllocateRegion(Old, true); r != nil {
		t.Fatalf("allocation past capacity returned %v", r)
	}
	if got := tab.CommittedRegions(); got != 3 {
		t.Errorf("committed = %d, want 3", got)
	}
	mustVerify(t, tab, a, b, c)
}

func TestHumongous(t *testing.T) {
	tab := newTestTable(t, 2, 6)
	// Occupy region 1 so the run has to skip it.
	blocker := tab.AllocateRegion(Old, false)
	if blocker.Index() != 1 {
		t.Fatalf("old region %v, want 1", blocker)
	}
	tab.Install(blocker)

	if r := tab.AllocateHumongous(3, 2500, false); r != nil {
		t.Fatalf("humongous without expansion = %v", r)
	}
	start := tab.AllocateHumongous(3, 2500, true)
	if start == nil || start.Index() != 2 {
		t.Fatalf("humongous start = %v, want region 2", start)
	}
	run := tab.HumongousRegions(start)
	if len(run) != 3 {
		t.Fatalf("run length %d, want 3", len(run))
	}
	for i, r := range run[1:] {
		if r.Type() != ContinuesHumongous || r.HumongousStart() != 2 {
			t.Errorf("run[%d] = %v start %d", i+1, r, r.HumongousStart())
		}
	}
	if got := run[2].Used(); got != 2500-2048 {
		t.Errorf("last region used %d, want %d", got, 2500-2048)
	}
	mustVerify(t, tab)
	for _, r := range run {
		if err := tab.Free(r); err != nil {
			t.Fatal(err)
		}
	}
	mustVerify(t, tab)
}

func TestRetypeAndShrink(t *testing.T) {
	tab := newTestTable(t, 4, 4)
	r := tab.AllocateRegion(Survivor, false)
	r.ParAllocate(10)
	tab.Install(r)
	tab.Retype(r, Old)
	if r.Set() != tab.SetFor(Old) || tab.SetFor(Survivor).Length() != 0 {
		t.Fatal("Retype did not move the region between sets")
	}
	mustVerify(t, tab)
	if n := tab.Shrink(10); n != 3 {
		t.Fatalf("Shrink = %d, want 3", n)
	}
	if tab.CommittedRegions() != 1 || tab.AvailableRegions() != 3 {
		t.Fatalf("committed %d available %d", tab.CommittedRegions(), tab.AvailableRegions())
	}
	mustVerify(t, tab)
}

func TestCompact(t *testing.T) {
	tab := newTestTable(t, 2, 2)
	r := tab.AllocateRegion(Eden, false)
	r.ParAllocate(600)
	r.SetAge(2)
	tab.Install(r)
	tab.Compact(r, r.Bottom()+40)
	if r.Type() != Old || r.Set() != tab.SetFor(Old) || r.Age() != 0 {
		t.Fatalf("compacted region %v in set %v, age %d", r, r.Set(), r.Age())
	}
	if got := tab.SetFor(Old).UsedWords(); got != 40 {
		t.Errorf("old used = %d, want 40", got)
	}
	if tab.SetFor(Eden).Length() != 0 || tab.SetFor(Eden).UsedWords() != 0 {
		t.Errorf("eden set still counts the region")
	}
	mustVerify(t, tab)
}

func TestFreeSetOrdered(t *testing.T) {
	tab := newTestTable(t, 5, 5)
	var rs []*Region
	for i := 0; i < 5; i++ {
		r := tab.AllocateRegion(Eden, false)
		tab.Install(r)
		rs = append(rs, r)
	}
	for _, i := range []int{3, 0, 4, 1} {
		tab.Free(rs[i])
	}
	var got []Index
	tab.SetFor(Free).Iterate(func(r *Region) bool {
		got = append(got, r.Index())
		return true
	})
	want := []Index{0, 1, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("free set %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("free set %v, want %v", got, want)
		}
	}
}

func TestMemoryAndClaimer(t *testing.T) {
	tab := newTestTable(t, 2, 2)
	r := tab.AllocateRegion(Eden, false)
	a := r.ParAllocate(4)
	tab.Store(a, 7)
	if !tab.CAS(a, 7, 8) || tab.Load(a) != 8 {
		t.Fatal("CAS on heap word failed")
	}
	tab.Copy(a+2, a, 2)
	if tab.Load(a+2) != 8 {
		t.Fatal("Copy lost data")
	}
	if tab.RegionFor(a) != r || tab.RegionFor(Nil) != nil {
		t.Fatal("RegionFor mismatch")
	}

	rs := []*Region{tab.At(0), tab.At(1)}
	c := NewClaimer(rs)
	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c.Claim() != nil {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	if claimed.Load() != 2 {
		t.Fatalf("claimed %d regions, want 2", claimed.Load())
	}
}
