// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package policy

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aclements/go-moremath/stats"
)

// historyLen is the number of samples each sequence keeps.
const historyLen = 64

// seq is a bounded sample history.
type seq struct {
	xs   []float64
	next int
}

func (s *seq) add(x float64) {
	if len(s.xs) < historyLen {
		s.xs = append(s.xs, x)
		return
	}
	s.xs[s.next] = x
	s.next = (s.next + 1) % historyLen
}

func (s *seq) sample() stats.Sample {
	return stats.Sample{Xs: s.xs}
}

// predict returns a conservative estimate: the mean plus sigma
// standard deviations.
func (s *seq) predict(sigma float64) float64 {
	if len(s.xs) == 0 {
		return math.NaN()
	}
	smp := s.sample()
	return smp.Mean() + sigma*smp.StdDev()
}

// Analytics keeps the recent pause history used for predictions.
type Analytics struct {
	mu         sync.Mutex
	sigma      float64
	copyNsWord seq // nanoseconds per copied word
	pauses     seq // pause durations in nanoseconds
	markings   seq // marking cycle durations
	count      map[PauseKind]uint64
	evacFailed uint64
}

// NewAnalytics returns an empty history. sigma weights the standard
// deviation in predictions.
func NewAnalytics(sigma float64) *Analytics {
	return &Analytics{sigma: sigma, count: make(map[PauseKind]uint64)}
}

// Record adds a pause.
func (a *Analytics) Record(r PauseRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count[r.Kind]++
	if r.EvacuationFailed {
		a.evacFailed++
	}
	a.pauses.add(float64(r.Duration.Nanoseconds()))
	if r.CopiedWords > 0 && r.Kind != Full {
		a.copyNsWord.add(float64(r.Duration.Nanoseconds()) / float64(r.CopiedWords))
	}
}

// RecordMarking adds a marking cycle.
func (a *Analytics) RecordMarking(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markings.add(float64(d.Nanoseconds()))
}

// PredictCopyTime predicts the time to copy words words, or ok=false
// without history.
func (a *Analytics) PredictCopyTime(words uint64) (d time.Duration, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.copyNsWord.predict(a.sigma)
	if math.IsNaN(p) {
		return 0, false
	}
	return time.Duration(p * float64(words)), true
}

// Summary describes the pause history.
type Summary struct {
	Pauses           map[PauseKind]uint64
	EvacuationFailed uint64
	Mean             time.Duration
	P50, P90, Max    time.Duration
	MarkingMean      time.Duration
}

// Summary returns quantiles over the recent pauses.
func (a *Analytics) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Summary{Pauses: make(map[PauseKind]uint64, len(a.count)), EvacuationFailed: a.evacFailed}
	for k, v := range a.count {
		s.Pauses[k] = v
	}
	if len(a.pauses.xs) > 0 {
		xs := append([]float64(nil), a.pauses.xs...)
		sort.Float64s(xs)
		smp := stats.Sample{Xs: xs, Sorted: true}
		s.Mean = time.Duration(smp.Mean())
		s.P50 = time.Duration(smp.Quantile(0.5))
		s.P90 = time.Duration(smp.Quantile(0.9))
		_, max := smp.Bounds()
		s.Max = time.Duration(max)
	}
	if len(a.markings.xs) > 0 {
		s.MarkingMean = time.Duration(stats.Mean(a.markings.xs))
	}
	return s
}
