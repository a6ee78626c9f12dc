// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package policy supplies the collector's sizing and timing decisions.
//
// The collector never decides on its own how long a pause may take,
// how large the young generation is or when to start marking; it asks
// a Policy. Static is a simple implementation driven by fixed targets
// and the pause history kept in Analytics.
package policy

import (
	"fmt"
	"time"
)

// PauseKind classifies a pause.
type PauseKind int

const (
	YoungOnly PauseKind = iota
	ConcurrentStart
	Mixed
	Full
	Remark
	Cleanup
)

func (k PauseKind) String() string {
	switch k {
	case YoungOnly:
		return "young"
	case ConcurrentStart:
		return "concurrent-start"
	case Mixed:
		return "mixed"
	case Full:
		return "full"
	case Remark:
		return "remark"
	case Cleanup:
		return "cleanup"
	}
	return fmt.Sprintf("PauseKind(%d)", int(k))
}

// PauseRecord is what the collector reports after every pause.
type PauseRecord struct {
	Kind             PauseKind
	Start            time.Time
	Duration         time.Duration
	EvacuationFailed bool

	YoungRegions    uint32
	OldRegions      uint32
	OptionalRegions uint32 // optional regions actually evacuated
	FreedRegions    uint32

	CopiedWords     uint64
	UsedBefore      uint64 // words
	UsedAfter       uint64 // words
	TerminationTime time.Duration
}

// Policy is the collector's source of sizing and timing decisions.
type Policy interface {
	// PauseBudget is the target pause time.
	PauseBudget() time.Duration
	// YoungTargetLength is the number of eden regions to allocate
	// before a young pause, given the regions still available.
	YoungTargetLength(available uint32) uint32
	// MaxSurvivorRegions bounds survivor space in a pause.
	MaxSurvivorRegions() uint32
	// TenuringThreshold is the age at which objects are promoted.
	TenuringThreshold() uint8
	// MaxOptionalRegions bounds the optional part of a collection set.
	MaxOptionalRegions() uint32
	// PredictRegionTime predicts the cost of evacuating a region with
	// liveWords live words.
	PredictRegionTime(liveWords uint64, young bool) time.Duration
	// ShouldStartConcurrentCycle decides on a marking cycle from heap
	// occupancy.
	ShouldStartConcurrentCycle(usedRegions, maxRegions uint32) bool
	// ShouldUpgradeToFull decides, after a pause that did not free
	// enough, whether to run a full collection next.
	ShouldUpgradeToFull(last PauseRecord, availableRegions uint32) bool
	// RecordPause feeds a finished pause back to the policy.
	RecordPause(r PauseRecord)
	// RecordMarking feeds back a finished marking cycle.
	RecordMarking(d time.Duration, aborted bool)
}
