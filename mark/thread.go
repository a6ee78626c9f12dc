// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Host runs the stop-the-world parts of a cycle.
type Host interface {
	// Remark stops the world, flushes every mutator's SATB queue and
	// calls ConcurrentMark.Remark.
	Remark()
	// Cleanup stops the world, calls ConcurrentMark.Cleanup, reclaims
	// what it found and calls ConcurrentMark.FinishCleanup.
	Cleanup()
	// CycleDone is called after the bitmap was cleared.
	CycleDone(d time.Duration, aborted bool)
}

// Thread is the service goroutine that drives cycles: it sleeps until
// Start, runs the concurrent phases and the remaining pauses, then
// goes back to sleep.
type Thread struct {
	cm   *ConcurrentMark
	pf   *Prefetcher
	host Host
	log  *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	started  bool
	stopping bool
	idle     chan struct{} // closed while no cycle runs
	done     chan struct{}
}

// NewThread starts the service goroutine. pf may be nil.
func NewThread(cm *ConcurrentMark, pf *Prefetcher, host Host) *Thread {
	th := &Thread{
		cm:   cm,
		pf:   pf,
		host: host,
		log:  cm.log,
		idle: make(chan struct{}),
		done: make(chan struct{}),
	}
	close(th.idle)
	th.cond = sync.NewCond(&th.mu)
	go th.run()
	return th
}

// Start wakes the thread for the cycle that ConcurrentStart began.
func (th *Thread) Start() {
	th.mu.Lock()
	defer th.mu.Unlock()
	th.started = true
	select {
	case <-th.idle:
		th.idle = make(chan struct{})
	default:
	}
	th.cond.Signal()
}

// WaitIdle blocks until no cycle is running or ctx is done. The caller
// must not be in the suspendible set.
func (th *Thread) WaitIdle(ctx context.Context) error {
	th.mu.Lock()
	ch := th.idle
	th.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the service goroutine once the current cycle is over.
func (th *Thread) Stop() {
	th.mu.Lock()
	th.stopping = true
	th.cond.Signal()
	th.mu.Unlock()
	<-th.done
}

func (th *Thread) run() {
	defer close(th.done)
	for {
		th.mu.Lock()
		for !th.started && !th.stopping {
			th.cond.Wait()
		}
		if !th.started {
			th.mu.Unlock()
			return
		}
		th.started = false
		th.mu.Unlock()

		th.runCycle()

		th.mu.Lock()
		if !th.started {
			close(th.idle)
		}
		th.mu.Unlock()
	}
}

func (th *Thread) runCycle() {
	cm := th.cm
	start := time.Now()
	for iter := 1; ; iter++ {
		if th.pf != nil {
			th.pf.Activate()
		}
		cm.MarkFromRoots()
		if th.pf != nil {
			th.pf.Deactivate()
		}
		if cm.HasAborted() {
			break
		}
		th.host.Remark()
		if cm.HasAborted() || !cm.RestartForOverflow() {
			break
		}
		th.log.Info("concurrent mark restart for overflow", zap.Int("iteration", iter))
	}
	if !cm.HasAborted() {
		th.host.Cleanup()
	}
	cm.ClearBitmap()
	aborted := cm.HasAborted()
	d := time.Since(start)
	th.host.CycleDone(d, aborted)
	th.log.Info("concurrent cycle end",
		zap.Duration("duration", d),
		zap.Bool("aborted", aborted))
}
