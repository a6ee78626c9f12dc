// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"context"
	"testing"
	"time"

	"github.com/veezhang/g1heap/policy"
	"github.com/veezhang/g1heap/region"
)

// A marking cycle over sparsely live old regions makes them collection
// set candidates, and the next young pause takes them as a mixed pause.
func TestConcurrentCycleThenMixed(t *testing.T) {
	h := newTestHeap(t, 16, nil)
	m := h.NewMutator()
	defer m.Close()

	var keep []Handle
	var w *WeakRef
	for i := 0; i < 64; i++ {
		hd, err := m.New(0, 63)
		if err != nil {
			t.Fatal(err)
		}
		m.SetData(hd, 0, uint64(i))
		keep = append(keep, hd)
		if i == 1 {
			w = h.NewWeakRef(m, hd)
		}
	}
	defer w.Release()
	h.Collect(CauseExplicit)
	if n := h.Stats().Old; n < 4 {
		t.Fatalf("%d old regions after the full collection, want at least 4", n)
	}
	live := keep[:0]
	for i, hd := range keep {
		if i%4 == 0 {
			live = append(live, hd)
		} else {
			m.Release(hd)
		}
	}

	if !h.StartConcurrentCycle() {
		t.Fatal("cycle did not start")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := h.WaitForMarking(ctx); err != nil {
		t.Fatal(err)
	}

	s := h.Stats()
	if s.Candidates == 0 {
		t.Fatal("no collection set candidates after marking")
	}
	if s.Marking.Cycles == 0 {
		t.Errorf("no marking cycle in the stats")
	}
	if hd := w.Get(m); hd != NilHandle {
		t.Errorf("weak reference to an object found dead by marking survived")
	}
	for i, hd := range live {
		if got := m.Data(hd, 0); got != uint64(4*i) {
			t.Fatalf("live object %d holds %d after marking", i, got)
		}
	}

	h.Collect(CauseDiagnostic)
	res := h.LastPause()
	if res.Kind != policy.Mixed {
		t.Fatalf("pause kind %v, want mixed", res.Kind)
	}
	if res.OldRegions+res.OptionalRegions == 0 {
		t.Errorf("mixed pause collected no old region")
	}
	if left := h.Stats().Candidates; left >= s.Candidates {
		t.Errorf("%d of %d candidates left after a mixed pause", left, s.Candidates)
	}
	for i, hd := range live {
		if got := m.Data(hd, 0); got != uint64(4*i) {
			t.Errorf("live object %d holds %d after the mixed pause", i, got)
		}
	}
}

func TestCloseAbortsMarking(t *testing.T) {
	h := newTestHeap(t, 16, nil)
	m := h.NewMutator()
	head := newChain(t, m, 200, 10)
	h.Collect(CauseExplicit)
	h.StartConcurrentCycle()
	checkChain(t, h, m, head, 200)
	m.Close()
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if h.Collect(CauseDiagnostic) {
		t.Errorf("Collect ran on a closed heap")
	}
}

// noTimePolicy leaves no pause time for old regions, so every
// candidate a pause takes is optional and is dropped again.
type noTimePolicy struct {
	*policy.Static
}

func (noTimePolicy) PauseBudget() time.Duration { return time.Nanosecond }

func (p noTimePolicy) PredictRegionTime(liveWords uint64, young bool) time.Duration {
	if young {
		return p.Static.PredictRegionTime(liveWords, young)
	}
	return time.Hour
}

// References between the young generation and old regions that were
// dropped from the collection set survive the pauses that dropped them.
func TestOptionalRegionsDropped(t *testing.T) {
	h := newTestHeap(t, 16, func(c *Config) {
		c.Policy = noTimePolicy{policy.NewStatic(policy.DefaultStaticConfig())}
	})
	m := h.NewMutator()
	defer m.Close()

	var all []Handle
	for i := 0; i < 64; i++ {
		hd, err := m.New(1, 62) // 64 words
		if err != nil {
			t.Fatal(err)
		}
		m.SetData(hd, 0, uint64(i))
		all = append(all, hd)
	}
	h.Collect(CauseExplicit)
	var live []Handle
	for i, hd := range all {
		if i%4 == 0 {
			live = append(live, hd)
		} else {
			m.Release(hd)
		}
	}
	if !h.StartConcurrentCycle() {
		t.Fatal("cycle did not start")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := h.WaitForMarking(ctx); err != nil {
		t.Fatal(err)
	}
	candidates := h.Stats().Candidates
	if candidates == 0 {
		t.Fatal("no collection set candidates after marking")
	}

	// holder refers to a young object that refers back to target.
	holder, target := live[0], live[len(live)-1]
	young, err := m.New(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	m.SetData(young, 0, 0xbeef)
	m.SetField(young, 0, target)
	m.SetField(holder, 0, young)
	m.Release(young)

	for pause := 0; pause < 2; pause++ {
		h.Collect(CauseDiagnostic)
		res := h.LastPause()
		if res.SkippedOptional == 0 || res.OptionalRegions != 0 || res.OldRegions != 0 {
			t.Fatalf("pause %d: old=%d optional=%d skipped=%d, want every old region skipped",
				pause, res.OldRegions, res.OptionalRegions, res.SkippedOptional)
		}
		if res.Kind != policy.YoungOnly {
			t.Errorf("pause %d: kind %v, want young-only", pause, res.Kind)
		}
		if got := h.Stats().Candidates; got != candidates {
			t.Errorf("pause %d: %d candidates left, want all %d back", pause, got, candidates)
		}

		y := m.Field(holder, 0)
		if y == NilHandle {
			t.Fatalf("pause %d: reference from the old object cleared", pause)
		}
		if d := m.Data(y, 0); d != 0xbeef {
			t.Errorf("pause %d: young object data = %#x, want 0xbeef", pause, d)
		}
		if r := regionOf(h, m, y); r.Type() != region.Survivor {
			t.Errorf("pause %d: young object in %v, want a survivor region", pause, r)
		}
		back := m.Field(y, 0)
		if !m.Same(back, target) {
			t.Errorf("pause %d: reference from the young object does not reach its old target", pause)
		}
		m.Release(back)
		m.Release(y)
	}
	for i, hd := range live {
		if got := m.Data(hd, 0); got != uint64(4*i) {
			t.Errorf("live object %d holds %d", i, got)
		}
	}
}
