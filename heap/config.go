// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/veezhang/g1heap/internal/sys"
	"github.com/veezhang/g1heap/mark"
	"github.com/veezhang/g1heap/object"
	"github.com/veezhang/g1heap/policy"
	"github.com/veezhang/g1heap/remset"
)

// DebugEnv names the environment variable read by ConfigFromEnv.
const DebugEnv = "G1HEAPDEBUG"

// Config sizes and tunes a Heap.
type Config struct {
	RegionWords    uint64 // power of two
	InitialRegions uint32
	MaxRegions     uint32

	ParallelWorkers uint32 // pause workers
	ConcWorkers     uint32 // marking workers

	QueueCapacity        uint32 // per worker, power of two
	MarkStackChunks      uint32
	MaxMarkStackChunks   uint32
	StatsCacheSize       uint32 // power of two
	SATBBufferSize       int
	MarkStepDuration     time.Duration
	LiveThresholdPercent uint32

	MinTLABWords uint64
	TLABWords    uint64
	PLABWords    uint64

	// EagerReclaimHumongous frees humongous objects nothing refers to
	// in young pauses.
	EagerReclaimHumongous bool

	// AllocRetries bounds how often an allocation that lost a race
	// with another thread's collection starts over.
	AllocRetries uint32

	// Prefetch is disabled when PrefetchThreads is 0.
	PrefetchThreads        uint32
	PrefetchDelay          uint32
	PrefetchNum            uint64
	PrefetchSize           uint64
	PrefetchQueueThreshold uint32
	PrefetchInboxChunks    uint32
	PrefetchPolicy         mark.OverflowPolicy
	PrefetchHinter         mark.Hinter

	// VerifyRegionSets checks the region table around every pause.
	VerifyRegionSets bool

	Logger *zap.Logger
	Policy policy.Policy
	RemSet remset.RemSet

	// OnCollectionSet, if set, runs in every evacuation pause once the
	// collection set is chosen. IterateCollectionSet may be called
	// from it.
	OnCollectionSet func(h *Heap)
}

// DefaultConfig returns a configuration for a small heap.
func DefaultConfig() Config {
	mc := mark.DefaultConfig()
	pc := mark.DefaultPrefetchConfig()
	return Config{
		RegionWords:           1 << 14,
		InitialRegions:        16,
		MaxRegions:            256,
		ParallelWorkers:       2,
		ConcWorkers:           mc.Workers,
		QueueCapacity:         mc.QueueCapacity,
		MarkStackChunks:       mc.MarkStackChunks,
		MaxMarkStackChunks:    mc.MaxMarkStackChunks,
		StatsCacheSize:        mc.StatsCacheSize,
		SATBBufferSize:        mc.SATBBufferSize,
		MarkStepDuration:      mc.StepDuration,
		LiveThresholdPercent:  mc.LiveThresholdPercent,
		MinTLABWords:          64,
		TLABWords:             1024,
		PLABWords:             512,
		EagerReclaimHumongous: true,
		AllocRetries:          4,
		PrefetchInboxChunks:   pc.InboxChunks,
		PrefetchPolicy:        pc.Policy,
	}
}

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf("heap: "+format, args...))
		}
	}
	check(sys.IsPowerOfTwo(c.RegionWords), "region size %d words is not a power of two", c.RegionWords)
	check(c.RegionWords >= 256, "region size %d words is below 256", c.RegionWords)
	check(c.MaxRegions > 0, "no regions")
	check(c.InitialRegions <= c.MaxRegions, "%d initial regions exceed the maximum %d", c.InitialRegions, c.MaxRegions)
	check(c.ParallelWorkers > 0, "no pause workers")
	check(c.ConcWorkers > 0, "no marking workers")
	check(sys.IsPowerOfTwo(uint64(c.QueueCapacity)), "queue capacity %d is not a power of two", c.QueueCapacity)
	check(sys.IsPowerOfTwo(uint64(c.StatsCacheSize)), "stats cache size %d is not a power of two", c.StatsCacheSize)
	check(c.MarkStackChunks > 0 && c.MarkStackChunks <= c.MaxMarkStackChunks,
		"mark stack chunks %d not in [1, %d]", c.MarkStackChunks, c.MaxMarkStackChunks)
	check(c.SATBBufferSize > 0, "SATB buffer size %d", c.SATBBufferSize)
	check(c.MarkStepDuration > 0, "mark step of %v", c.MarkStepDuration)
	check(c.LiveThresholdPercent <= 100, "live threshold %d%%", c.LiveThresholdPercent)
	check(c.MinTLABWords >= object.HeaderWords && c.MinTLABWords <= c.TLABWords,
		"TLAB sizes min=%d max=%d", c.MinTLABWords, c.TLABWords)
	check(c.TLABWords <= c.RegionWords/2, "TLAB of %d words does not fit half a region", c.TLABWords)
	check(c.PLABWords > 0 && c.PLABWords <= c.RegionWords, "PLAB of %d words", c.PLABWords)
	check(c.AllocRetries > 0, "no allocation retries")
	if c.PrefetchThreads > 0 {
		check(c.PrefetchInboxChunks > 0, "prefetch inbox without chunks")
		check(c.PrefetchPolicy == mark.Drop || c.PrefetchPolicy == mark.Block,
			"prefetch overflow policy %d", int(c.PrefetchPolicy))
	}
	return err
}

type dbgVar struct {
	name  string
	value func(c *Config) interface{}
}

// dbgvars are the Config fields that a debug string may override.
var dbgvars = []dbgVar{
	{"regionwords", func(c *Config) interface{} { return &c.RegionWords }},
	{"initialregions", func(c *Config) interface{} { return &c.InitialRegions }},
	{"maxregions", func(c *Config) interface{} { return &c.MaxRegions }},
	{"parallelworkers", func(c *Config) interface{} { return &c.ParallelWorkers }},
	{"concworkers", func(c *Config) interface{} { return &c.ConcWorkers }},
	{"queuecapacity", func(c *Config) interface{} { return &c.QueueCapacity }},
	{"markstackchunks", func(c *Config) interface{} { return &c.MarkStackChunks }},
	{"maxmarkstackchunks", func(c *Config) interface{} { return &c.MaxMarkStackChunks }},
	{"statscachesize", func(c *Config) interface{} { return &c.StatsCacheSize }},
	{"satbbuffersize", func(c *Config) interface{} { return &c.SATBBufferSize }},
	{"markstep", func(c *Config) interface{} { return &c.MarkStepDuration }},
	{"livethreshold", func(c *Config) interface{} { return &c.LiveThresholdPercent }},
	{"mintlabwords", func(c *Config) interface{} { return &c.MinTLABWords }},
	{"tlabwords", func(c *Config) interface{} { return &c.TLABWords }},
	{"plabwords", func(c *Config) interface{} { return &c.PLABWords }},
	{"eagerreclaim", func(c *Config) interface{} { return &c.EagerReclaimHumongous }},
	{"allocretries", func(c *Config) interface{} { return &c.AllocRetries }},
	{"prefetchthreads", func(c *Config) interface{} { return &c.PrefetchThreads }},
	{"prefetchdelay", func(c *Config) interface{} { return &c.PrefetchDelay }},
	{"prefetchnum", func(c *Config) interface{} { return &c.PrefetchNum }},
	{"prefetchsize", func(c *Config) interface{} { return &c.PrefetchSize }},
	{"prefetchqueuethreshold", func(c *Config) interface{} { return &c.PrefetchQueueThreshold }},
	{"prefetchinbox", func(c *Config) interface{} { return &c.PrefetchInboxChunks }},
	{"prefetchpolicy", func(c *Config) interface{} { return &c.PrefetchPolicy }},
	{"verify", func(c *Config) interface{} { return &c.VerifyRegionSets }},
}

// ApplyDebugVars overrides fields of c from a comma-separated list of
// key=value pairs, GODEBUG style. Unknown keys and fields without '='
// are ignored; a value that does not parse is an error.
func (c *Config) ApplyDebugVars(s string) error {
	var err error
	for p := s; p != ""; {
		field := ""
		i := strings.IndexByte(p, ',')
		if i < 0 {
			field, p = p, ""
		} else {
			field, p = p[:i], p[i+1:]
		}
		i = strings.IndexByte(field, '=')
		if i < 0 {
			continue
		}
		key, value := strings.TrimSpace(field[:i]), strings.TrimSpace(field[i+1:])
		for _, v := range dbgvars {
			if v.name == key {
				if e := setDebugVar(v.value(c), value); e != nil {
					err = multierr.Append(err, fmt.Errorf("heap: %s=%q: %w", key, value, e))
				}
			}
		}
	}
	return err
}

func setDebugVar(p interface{}, value string) error {
	switch p := p.(type) {
	case *uint64:
		n, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return err
		}
		*p = n
	case *uint32:
		n, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return err
		}
		*p = uint32(n)
	case *int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*p = n
	case *bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*p = b
	case *time.Duration:
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*p = d
	case *mark.OverflowPolicy:
		switch value {
		case "drop":
			*p = mark.Drop
		case "block":
			*p = mark.Block
		default:
			return fmt.Errorf("unknown overflow policy")
		}
	default:
		sys.Throwf("heap: debug var of type %T", p)
	}
	return nil
}

// ConfigFromEnv returns DefaultConfig with the overrides from the
// G1HEAPDEBUG environment variable applied, validated.
func ConfigFromEnv() (Config, error) {
	c := DefaultConfig()
	if err := c.ApplyDebugVars(os.Getenv(DebugEnv)); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c *Config) markConfig(log *zap.Logger) mark.Config {
	return mark.Config{
		Workers:              c.ConcWorkers,
		QueueCapacity:        c.QueueCapacity,
		MarkStackChunks:      c.MarkStackChunks,
		MaxMarkStackChunks:   c.MaxMarkStackChunks,
		StatsCacheSize:       c.StatsCacheSize,
		SATBBufferSize:       c.SATBBufferSize,
		StepDuration:         c.MarkStepDuration,
		LiveThresholdPercent: c.LiveThresholdPercent,
		Logger:               log,
	}
}

func (c *Config) prefetchConfig(log *zap.Logger) mark.PrefetchConfig {
	pc := mark.DefaultPrefetchConfig()
	pc.Threads = c.PrefetchThreads
	pc.Delay = c.PrefetchDelay
	pc.Num = c.PrefetchNum
	pc.Size = c.PrefetchSize
	pc.QueueThreshold = c.PrefetchQueueThreshold
	pc.QueueCapacity = c.QueueCapacity
	pc.InboxChunks = c.PrefetchInboxChunks
	pc.Policy = c.PrefetchPolicy
	pc.StepDuration = c.MarkStepDuration
	pc.Hinter = c.PrefetchHinter
	pc.Logger = log
	return pc
}
