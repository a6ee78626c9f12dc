// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gang runs parallel collector phases on a fixed set of
// long-lived worker goroutines.
package gang

import (
	"sync"

	"github.com/veezhang/g1heap/internal/sys"
)

// Task is one parallel phase. It is called once per active worker.
type Task func(worker uint)

// WorkGang is a fixed pool of workers. All workers are started by New;
// RunTask hands the same task to the first n of them and waits.
type WorkGang struct {
	name    string
	workers []chan Task
	wg      sync.WaitGroup // workers still running a task
	exited  sync.WaitGroup
	mu      sync.Mutex // serializes RunTask
	closed  bool
}

// New starts n workers.
func New(name string, n uint) *WorkGang {
	if n == 0 {
		sys.Throwf("gang %s: no workers", name)
	}
	g := &WorkGang{name: name, workers: make([]chan Task, n)}
	for i := range g.workers {
		ch := make(chan Task)
		g.workers[i] = ch
		g.exited.Add(1)
		go g.loop(uint(i), ch)
	}
	return g
}

func (g *WorkGang) loop(id uint, ch chan Task) {
	defer g.exited.Done()
	for task := range ch {
		task(id)
		g.wg.Done()
	}
}

// Name returns the gang's name.
func (g *WorkGang) Name() string { return g.name }

// TotalWorkers returns the pool size.
func (g *WorkGang) TotalWorkers() uint { return uint(len(g.workers)) }

// RunTask runs task on n workers (all of them if n is 0 or too large)
// and returns when every one of them has finished.
func (g *WorkGang) RunTask(n uint, task Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		sys.Throwf("gang %s: RunTask after Close", g.name)
	}
	if n == 0 || n > uint(len(g.workers)) {
		n = uint(len(g.workers))
	}
	g.wg.Add(int(n))
	for i := uint(0); i < n; i++ {
		g.workers[i] <- task
	}
	g.wg.Wait()
}

// Close stops the workers.
func (g *WorkGang) Close() {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		for _, ch := range g.workers {
			close(ch)
		}
	}
	g.mu.Unlock()
	g.exited.Wait()
}
