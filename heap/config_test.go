// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/veezhang/g1heap/mark"
)

func TestDefaultConfigValid(t *testing.T) {
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateReportsAll(t *testing.T) {
	c := DefaultConfig()
	c.RegionWords = 1000
	c.InitialRegions = c.MaxRegions + 1
	c.PLABWords = 0
	err := c.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	// 1000 is not a power of two, the TLAB no longer fits in half a
	// region and the other two fields are out of range.
	if n := len(multierr.Errors(err)); n != 4 {
		t.Errorf("%d errors, want 4: %v", n, err)
	}
	if _, err := New(c); err == nil {
		t.Errorf("New accepted an invalid config")
	}
}

func TestApplyDebugVars(t *testing.T) {
	c := DefaultConfig()
	err := c.ApplyDebugVars("regionwords=4096, maxregions=0x40,eagerreclaim=false,markstep=5ms,prefetchpolicy=block,unknown=1,noequals")
	if err != nil {
		t.Fatal(err)
	}
	if c.RegionWords != 4096 || c.MaxRegions != 64 || c.EagerReclaimHumongous {
		t.Errorf("regionwords=%d maxregions=%d eagerreclaim=%v", c.RegionWords, c.MaxRegions, c.EagerReclaimHumongous)
	}
	if c.MarkStepDuration != 5*time.Millisecond {
		t.Errorf("markstep = %v, want 5ms", c.MarkStepDuration)
	}
	if c.PrefetchPolicy != mark.Block {
		t.Errorf("prefetchpolicy = %v, want block", c.PrefetchPolicy)
	}

	err = c.ApplyDebugVars("tlabwords=lots,verify=maybe,plabwords=64")
	if n := len(multierr.Errors(err)); n != 2 {
		t.Errorf("%d errors, want 2: %v", n, err)
	}
	if c.PLABWords != 64 {
		t.Errorf("plabwords = %d, want 64 despite the other errors", c.PLABWords)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(DebugEnv, "initialregions=4,concworkers=3")
	c, err := ConfigFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if c.InitialRegions != 4 || c.ConcWorkers != 3 {
		t.Errorf("initialregions=%d concworkers=%d, want 4 and 3", c.InitialRegions, c.ConcWorkers)
	}

	t.Setenv(DebugEnv, "initialregions=1000")
	if _, err := ConfigFromEnv(); err == nil {
		t.Errorf("ConfigFromEnv accepted more initial than maximum regions")
	}
}
