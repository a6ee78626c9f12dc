// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package policy

import (
	"testing"
	"time"
)

func TestYoungTargetLength(t *testing.T) {
	p := NewStatic(DefaultStaticConfig())
	tests := []struct {
		available, want uint32
	}{
		{100, 8},
		{10, 5},
		{1, 1},
		{0, 1},
	}
	for _, tt := range tests {
		if got := p.YoungTargetLength(tt.available); got != tt.want {
			t.Errorf("YoungTargetLength(%d) = %d, want %d", tt.available, got, tt.want)
		}
	}
}

func TestConcurrentCycleThreshold(t *testing.T) {
	p := NewStatic(DefaultStaticConfig())
	if p.ShouldStartConcurrentCycle(44, 100) {
		t.Error("started a cycle below the threshold")
	}
	if !p.ShouldStartConcurrentCycle(45, 100) {
		t.Error("did not start a cycle at the threshold")
	}
}

func TestPrediction(t *testing.T) {
	cfg := DefaultStaticConfig()
	cfg.Sigma = 0
	p := NewStatic(cfg)
	young := p.PredictRegionTime(1000, true)
	if want := 2*time.Microsecond + cfg.RegionOverhead; young != want {
		t.Errorf("default prediction = %v, want %v", young, want)
	}
	if old := p.PredictRegionTime(1000, false); old <= young {
		t.Errorf("old region prediction %v not above young %v", old, young)
	}
	for i := 0; i < 4; i++ {
		p.RecordPause(PauseRecord{Kind: YoungOnly, Duration: 10 * time.Microsecond, CopiedWords: 1000})
	}
	if got := p.PredictRegionTime(1000, true); got != 10*time.Microsecond+cfg.RegionOverhead {
		t.Errorf("prediction from history = %v", got)
	}
}

func TestSummary(t *testing.T) {
	p := NewStatic(DefaultStaticConfig())
	for i := 1; i <= 10; i++ {
		p.RecordPause(PauseRecord{Kind: YoungOnly, Duration: time.Duration(i) * time.Millisecond})
	}
	p.RecordPause(PauseRecord{Kind: Full, Duration: 50 * time.Millisecond, EvacuationFailed: true})
	s := p.Analytics().Summary()
	if s.Pauses[YoungOnly] != 10 || s.Pauses[Full] != 1 || s.EvacuationFailed != 1 {
		t.Fatalf("counts = %v failed=%d", s.Pauses, s.EvacuationFailed)
	}
	if s.Max != 50*time.Millisecond {
		t.Errorf("Max = %v, want 50ms", s.Max)
	}
	if s.P50 < 5*time.Millisecond || s.P50 > 7*time.Millisecond {
		t.Errorf("P50 = %v, want about 6ms", s.P50)
	}
	if !p.ShouldUpgradeToFull(PauseRecord{Kind: YoungOnly, EvacuationFailed: true}, 3) {
		t.Error("evacuation failure did not upgrade to full")
	}
	if p.ShouldUpgradeToFull(PauseRecord{Kind: Full}, 0) {
		t.Error("full pause upgraded to full")
	}
}
