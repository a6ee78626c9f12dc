// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"errors"
	"testing"
)

func TestArchive(t *testing.T) {
	h := newTestHeap(t, 8, nil)
	m := h.NewMutator()
	defer m.Close()

	arch, err := m.NewArchived(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	before := m.Addr(arch)
	young, err := m.New(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	m.SetData(young, 0, 5)
	m.SetField(arch, 0, young)
	m.Release(young)
	if err := h.DeallocArchiveRegions(nil); err == nil {
		t.Errorf("archive regions freed while the range is open")
	}

	h.Collect(CauseDiagnostic)
	h.Collect(CauseExplicit)
	if m.Addr(arch) != before {
		t.Errorf("archive object moved")
	}
	got := m.Field(arch, 0)
	if got == NilHandle {
		t.Fatal("object referred to only from the archive was collected")
	}
	if d := m.Data(got, 0); d != 5 {
		t.Errorf("data = %d, want 5", d)
	}
	m.Release(got)

	// Fill the rest of the region and one more.
	for i := 0; i < testRegionWords/100+1; i++ {
		if _, err := h.Allocate(m, 100, ArchiveLane); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.Allocate(m, testRegionWords+1, ArchiveLane); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversized archive allocation: %v, want ErrTooLarge", err)
	}
	if n := h.Stats().Archive; n != 2 {
		t.Errorf("%d archive regions, want 2", n)
	}

	ranges := h.EndArchiveRange()
	if len(ranges) == 0 {
		t.Fatal("no archive ranges")
	}
	for i, rg := range ranges {
		if rg.Start >= rg.End {
			t.Errorf("range %d empty: %+v", i, rg)
		}
		if i > 0 && ranges[i-1].End >= rg.Start {
			t.Errorf("ranges %d and %d overlap or touch", i-1, i)
		}
	}
	if _, err := m.NewArchived(0, 1); !errors.Is(err, ErrArchiveClosed) {
		t.Errorf("archive allocation after the range ended: %v", err)
	}

	m.Release(arch)
	bad := []ArchiveRange{{Start: ranges[0].Start, End: ranges[0].Start}}
	if err := h.DeallocArchiveRegions(bad); err == nil {
		t.Errorf("empty range accepted")
	}
	if err := h.DeallocArchiveRegions(ranges); err != nil {
		t.Fatal(err)
	}
	if n := h.Stats().Archive; n != 0 {
		t.Errorf("%d archive regions after freeing them", n)
	}
	h.Collect(CauseExplicit)
	if s := h.Stats(); s.Free != s.Committed {
		t.Errorf("free=%d committed=%d, want all free", s.Free, s.Committed)
	}
	quiesced(h, func() {
		if err := h.table.Verify(); err != nil {
			t.Error(err)
		}
	})
	if _, err := m.New(0, 1); err != nil {
		t.Errorf("allocation after freeing the archive: %v", err)
	}
}
