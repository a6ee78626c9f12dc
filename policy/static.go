// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package policy

import (
	"time"
)

// StaticConfig holds the fixed targets of a Static policy.
type StaticConfig struct {
	PauseBudget                time.Duration
	YoungRegions               uint32
	MaxSurvivorRegions         uint32
	TenuringThreshold          uint8
	MaxOptionalRegions         uint32
	InitiatingOccupancyPercent uint32
	// RegionOverhead is the fixed cost charged per evacuated region.
	RegionOverhead time.Duration
	// DefaultCopyNsPerWord is used until there is pause history.
	DefaultCopyNsPerWord float64
	Sigma                float64
}

// DefaultStaticConfig returns targets suited to small heaps.
func DefaultStaticConfig() StaticConfig {
	return StaticConfig{
		PauseBudget:                200 * time.Millisecond,
		YoungRegions:               8,
		MaxSurvivorRegions:         4,
		TenuringThreshold:          3,
		MaxOptionalRegions:         4,
		InitiatingOccupancyPercent: 45,
		RegionOverhead:             20 * time.Microsecond,
		DefaultCopyNsPerWord:       2,
		Sigma:                      0.5,
	}
}

// Static is a Policy with fixed targets.
type Static struct {
	cfg       StaticConfig
	analytics *Analytics
}

var _ Policy = (*Static)(nil)

// NewStatic returns a Static policy.
func NewStatic(cfg StaticConfig) *Static {
	return &Static{cfg: cfg, analytics: NewAnalytics(cfg.Sigma)}
}

// Analytics returns the policy's pause history.
func (p *Static) Analytics() *Analytics { return p.analytics }

func (p *Static) PauseBudget() time.Duration { return p.cfg.PauseBudget }

// YoungTargetLength never asks for more than half of what is left, so
// that a young pause has room to copy into.
func (p *Static) YoungTargetLength(available uint32) uint32 {
	n := p.cfg.YoungRegions
	if half := available / 2; n > half {
		n = half
	}
	return max(n, 1)
}

func (p *Static) MaxSurvivorRegions() uint32 { return p.cfg.MaxSurvivorRegions }

func (p *Static) TenuringThreshold() uint8 { return p.cfg.TenuringThreshold }

func (p *Static) MaxOptionalRegions() uint32 { return p.cfg.MaxOptionalRegions }

func (p *Static) PredictRegionTime(liveWords uint64, young bool) time.Duration {
	d, ok := p.analytics.PredictCopyTime(liveWords)
	if !ok {
		d = time.Duration(p.cfg.DefaultCopyNsPerWord * float64(liveWords))
	}
	if !young {
		// Old regions also need their remembered set scanned.
		d += p.cfg.RegionOverhead
	}
	return d + p.cfg.RegionOverhead
}

func (p *Static) ShouldStartConcurrentCycle(usedRegions, maxRegions uint32) bool {
	if maxRegions == 0 {
		return false
	}
	return uint64(usedRegions)*100 >= uint64(p.cfg.InitiatingOccupancyPercent)*uint64(maxRegions)
}

func (p *Static) ShouldUpgradeToFull(last PauseRecord, availableRegions uint32) bool {
	return last.Kind != Full && (last.EvacuationFailed || availableRegions == 0)
}

func (p *Static) RecordPause(r PauseRecord) { p.analytics.Record(r) }

func (p *Static) RecordMarking(d time.Duration, aborted bool) {
	if !aborted {
		p.analytics.RecordMarking(d)
	}
}
