// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"time"

	"go.uber.org/zap"

	"github.com/veezhang/g1heap/internal/sys"
	"github.com/veezhang/g1heap/policy"
	"github.com/veezhang/g1heap/region"
)

// cycleHost runs the pauses of a marking cycle for the service thread.
type cycleHost struct{ h *Heap }

func (c cycleHost) Remark() {
	h := c.h
	start := time.Now()
	h.sts.Begin()
	defer h.sts.End()
	if h.cm.HasAborted() {
		return
	}
	h.log.Debug("remark pause begin")
	for _, m := range h.mutatorList() {
		m.satb.Flush()
	}
	h.cm.Remark()
	h.recordCyclePause(policy.Remark, start)
}

// Cleanup frees the old and humongous regions marking found empty,
// clears the weak references to unmarked objects and replaces the
// collection set candidates.
func (c cycleHost) Cleanup() {
	h := c.h
	start := time.Now()
	h.sts.Begin()
	defer h.sts.End()
	if h.cm.HasAborted() {
		return
	}
	res := h.cm.Cleanup()
	var freed []region.Index
	for _, r := range res.Reclaim {
		run := []*region.Region{r}
		if r.Type() == region.StartsHumongous {
			run = h.table.HumongousRegions(r)
		}
		for _, rr := range run {
			if err := h.table.Free(rr); err != nil {
				sys.Throwf("heap: cleanup freeing %v: %v", rr, err)
			}
			freed = append(freed, rr.Index())
		}
	}
	h.rs.ClearRegions(freed)

	var cleared int
	h.refMu.Lock()
	for w := range h.refs {
		if w.referent != region.Nil && !h.cm.IsLive(w.referent) {
			w.referent = region.Nil
			cleared++
		}
	}
	h.refMu.Unlock()

	h.candidates = res.Candidates
	h.cm.FinishCleanup()
	h.youngTarget = h.policy.YoungTargetLength(h.table.AvailableRegions())
	h.log.Info("cleanup",
		zap.Int("reclaimed_regions", len(freed)),
		zap.Int("candidates", len(res.Candidates)),
		zap.Uint64("scrubbed_words", res.ScrubbedWords),
		zap.Int("weak_cleared", cleared))
	h.recordCyclePause(policy.Cleanup, start)
}

func (c cycleHost) CycleDone(d time.Duration, aborted bool) {
	h := c.h
	h.policy.RecordMarking(d, aborted)
	if !aborted {
		h.analytics.RecordMarking(d)
	}
}

// recordCyclePause reports a remark or cleanup pause. They copy
// nothing and are not counted as collections.
func (h *Heap) recordCyclePause(kind policy.PauseKind, start time.Time) {
	used := h.usedWords()
	rec := policy.PauseRecord{
		Kind:       kind,
		Start:      start,
		Duration:   time.Since(start),
		UsedBefore: used,
		UsedAfter:  used,
	}
	h.policy.RecordPause(rec)
	h.analytics.Record(rec)
}
