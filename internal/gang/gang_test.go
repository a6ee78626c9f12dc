// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gang

import (
	"sync/atomic"
	"testing"
)

func TestRunTask(t *testing.T) {
	g := New("test", 4)
	defer g.Close()

	var ran [4]atomic.Int32
	g.RunTask(3, func(w uint) { ran[w].Add(1) })
	for i := 0; i < 3; i++ {
		if ran[i].Load() != 1 {
			t.Errorf("worker %d ran %d times, want 1", i, ran[i].Load())
		}
	}
	if ran[3].Load() != 0 {
		t.Error("worker 3 ran with n=3")
	}
	g.RunTask(0, func(w uint) { ran[w].Add(1) })
	if ran[3].Load() != 1 {
		t.Error("RunTask(0) did not use every worker")
	}
}

func TestBarrierPhases(t *testing.T) {
	const n = 4
	g := New("barrier", n)
	defer g.Close()

	var b BarrierSync
	b.SetWorkers(n)
	var phase1, phase2 atomic.Int32
	var bad atomic.Bool
	g.RunTask(n, func(w uint) {
		for round := 0; round < 50; round++ {
			phase1.Add(1)
			if !b.Enter(nil) {
				bad.Store(true)
				return
			}
			// Nobody passes the first barrier before everyone reached it.
			if phase1.Load() < int32(n*(round+1)) {
				bad.Store(true)
			}
			phase2.Add(1)
			if !b.Enter(nil) {
				bad.Store(true)
				return
			}
			if phase2.Load() < int32(n*(round+1)) {
				bad.Store(true)
			}
		}
	})
	if bad.Load() {
		t.Fatal("a worker left a barrier early")
	}
}

func TestBarrierAbort(t *testing.T) {
	var b BarrierSync
	b.SetWorkers(2)
	done := make(chan bool)
	go func() { done <- b.Enter(nil) }()
	b.Abort()
	if <-done {
		t.Fatal("Enter returned true after Abort")
	}
	b.Reset()
	if b.Aborted() {
		t.Fatal("Reset did not clear the abort")
	}
}
