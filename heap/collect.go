// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Cause is why a collection was requested.
type Cause int

const (
	// CauseExplicit asks for a full collection.
	CauseExplicit Cause = iota
	// CauseAllocationFailure is a young pause for an allocation that
	// found no space, escalated to a full collection if the policy
	// says so.
	CauseAllocationFailure
	// CauseHumongousAllocation is a pause before a humongous
	// allocation, usually to start marking.
	CauseHumongousAllocation
	// CauseDiagnostic is a young pause requested for inspection.
	CauseDiagnostic
	// CauseConcurrentCycle is a young pause that starts marking.
	CauseConcurrentCycle
)

func (c Cause) String() string {
	switch c {
	case CauseExplicit:
		return "explicit"
	case CauseAllocationFailure:
		return "allocation-failure"
	case CauseHumongousAllocation:
		return "humongous-allocation"
	case CauseDiagnostic:
		return "diagnostic"
	case CauseConcurrentCycle:
		return "concurrent-cycle"
	}
	return fmt.Sprintf("Cause(%d)", int(c))
}

// Collect runs a collection for cause and reports whether it ran.
// Concurrent requests with the same cause are coalesced: one of them
// collects and the others return false once it is done, since their
// need was met. The caller must not be inside a Mutator call.
func (h *Heap) Collect(cause Cause) bool {
	executed := false
	v, _, _ := h.collectGroup.Do(cause.String(), func() (interface{}, error) {
		executed = true
		return h.collect(cause), nil
	})
	return executed && v.(bool)
}

func (h *Heap) collect(cause Cause) bool {
	if h.closed.Load() {
		return false
	}
	h.sts.Begin()
	defer h.sts.End()
	switch cause {
	case CauseExplicit:
		h.fullCollect(cause, false)
	case CauseConcurrentCycle:
		if h.cm.InProgress() {
			return false
		}
		h.youngCollect(cause, true)
	default:
		res := h.youngCollect(cause, false)
		if h.policy.ShouldUpgradeToFull(res.record(), h.table.AvailableRegions()) {
			h.log.Info("upgrading to full collection", zap.Stringer("cause", cause))
			h.fullCollect(cause, false)
		}
	}
	return true
}

// StartConcurrentCycle runs a young pause that starts a marking cycle.
// It returns false if a cycle is already in progress.
func (h *Heap) StartConcurrentCycle() bool {
	return h.Collect(CauseConcurrentCycle)
}

// WaitForMarking blocks until no marking cycle runs, including its
// remark and cleanup pauses, or ctx is done. The caller must not be
// inside a Mutator call.
func (h *Heap) WaitForMarking(ctx context.Context) error {
	return h.thread.WaitIdle(ctx)
}
