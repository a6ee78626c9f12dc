// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package remset

import (
	"testing"

	"github.com/veezhang/g1heap/region"
)

var _ RemSet = (*CardTable)(nil)

func TestDirtyCards(t *testing.T) {
	const (
		base        = region.Addr(8192)
		regionWords = 8192
	)
	ct := NewCardTable(base, regionWords, 4)
	r1 := base + regionWords
	ct.DirtyCard(r1 + 5)
	ct.DirtyCard(r1 + 63)  // same card
	ct.DirtyCard(r1 + 130) // third card of region 1
	ct.DirtyCard(r1 + regionWords - 1)

	if ct.IsRegionDirty(0) || !ct.IsRegionDirty(1) {
		t.Fatal("wrong region dirty state")
	}
	cs := ct.DirtyCardsFor(1)
	if len(cs) != 3 {
		t.Fatalf("DirtyCardsFor = %v, want 3 cards", cs)
	}
	first := ct.CardFor(r1)
	want := []Card{first, first + 2, first + regionWords/CardWords - 1}
	for i := range want {
		if cs[i] != want[i] {
			t.Fatalf("DirtyCardsFor = %v, want %v", cs, want)
		}
	}
	from, to := ct.CardRange(cs[1])
	if from != r1+128 || to != r1+192 {
		t.Errorf("CardRange = [%#x, %#x)", uint64(from), uint64(to))
	}
	for _, c := range cs {
		ct.CleanCard(c)
	}
	if ct.IsRegionDirty(1) || ct.DirtyCards() != 0 {
		t.Fatal("cards still dirty after cleaning")
	}
}

func TestReferencingRegions(t *testing.T) {
	ct := NewCardTable(1024, 1024, 130)
	ct.RegisterCrossRegionReference(3, 7)
	ct.RegisterCrossRegionReference(129, 7)
	ct.RegisterCrossRegionReference(7, 7) // same region, ignored
	ct.RegisterCrossRegionReference(7, 3)

	var got []region.Index
	ct.ReferencingRegions(7, func(r region.Index) bool {
		got = append(got, r)
		return true
	})
	if len(got) != 2 || got[0] != 3 || got[1] != 129 {
		t.Fatalf("ReferencingRegions(7) = %v, want [3 129]", got)
	}

	ct.DirtyCard(1024 + 3*1024)
	ct.ClearRegions([]region.Index{3})
	got = got[:0]
	ct.ReferencingRegions(7, func(r region.Index) bool {
		got = append(got, r)
		return true
	})
	if len(got) != 1 || got[0] != 129 {
		t.Fatalf("after clearing 3, ReferencingRegions(7) = %v, want [129]", got)
	}
	if ct.IsRegionDirty(3) {
		t.Fatal("cleared region still dirty")
	}
	n := 0
	ct.ReferencingRegions(3, func(region.Index) bool { n++; return true })
	if n != 0 {
		t.Fatal("cleared region still has referrers")
	}
}
