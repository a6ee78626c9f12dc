// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"sync/atomic"

	"github.com/veezhang/g1heap/internal/sys"
	"github.com/veezhang/g1heap/region"
)

// RegionStats is the global liveness of one region.
type RegionStats struct {
	liveWords   atomic.Uint64
	liveObjects atomic.Uint64
}

// LiveWords returns the marked words.
func (s *RegionStats) LiveWords() uint64 { return s.liveWords.Load() }

// LiveObjects returns the marked objects.
func (s *RegionStats) LiveObjects() uint64 { return s.liveObjects.Load() }

func (s *RegionStats) add(words, objects uint64) {
	s.liveWords.Add(words)
	s.liveObjects.Add(objects)
}

func (s *RegionStats) clear() {
	s.liveWords.Store(0)
	s.liveObjects.Store(0)
}

type statsEntry struct {
	region  region.Index
	words   uint64
	objects uint64
}

// StatsCache is a task-local, direct-mapped cache in front of the
// global RegionStats table, so that marking does not contend on the
// global counters for every object.
type StatsCache struct {
	target  []RegionStats
	entries []statsEntry
	mask    uint32
	hits    uint64
	misses  uint64
}

// NewStatsCache returns a cache of size entries (a power of two).
func NewStatsCache(target []RegionStats, size uint32) *StatsCache {
	if !sys.IsPowerOfTwo(uint64(size)) {
		sys.Throwf("mark: stats cache size %d is not a power of two", size)
	}
	c := &StatsCache{target: target, entries: make([]statsEntry, size), mask: size - 1}
	c.Reset()
	return c
}

// Add accounts one live object of words words in region r.
func (c *StatsCache) Add(r region.Index, words uint64) {
	e := &c.entries[uint32(r)&c.mask]
	if e.region == r {
		c.hits++
	} else {
		c.misses++
		c.evict(e)
		e.region = r
	}
	e.words += words
	e.objects++
}

func (c *StatsCache) evict(e *statsEntry) {
	if e.region != region.NoIndex && (e.words != 0 || e.objects != 0) {
		c.target[e.region].add(e.words, e.objects)
	}
	e.region = region.NoIndex
	e.words, e.objects = 0, 0
}

// Evict flushes and drops the entry for region r, if cached.
func (c *StatsCache) Evict(r region.Index) {
	if e := &c.entries[uint32(r)&c.mask]; e.region == r {
		c.evict(e)
	}
}

// EvictAll flushes every entry to the global table and returns the
// hits and misses since the last EvictAll.
func (c *StatsCache) EvictAll() (hits, misses uint64) {
	for i := range c.entries {
		c.evict(&c.entries[i])
	}
	hits, misses = c.hits, c.misses
	c.hits, c.misses = 0, 0
	return hits, misses
}

// Reset drops every entry without flushing.
func (c *StatsCache) Reset() {
	for i := range c.entries {
		c.entries[i] = statsEntry{region: region.NoIndex}
	}
	c.hits, c.misses = 0, 0
}
