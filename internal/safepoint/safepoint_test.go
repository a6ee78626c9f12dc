// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package safepoint

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/veezhang/g1heap/internal/sys"
)

// A safepoint must not start while a member is between Join and its
// next Yield or Leave.
func TestSafepointExcludesMembers(t *testing.T) {
	var s Synchronizer
	var inside atomic.Int32
	var broken atomic.Bool
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Join()
			defer s.Leave()
			for {
				select {
				case <-stop:
					return
				default:
				}
				inside.Add(1)
				if s.AtSafepoint() {
					broken.Store(true)
				}
				inside.Add(-1)
				s.Yield()
			}
		}()
	}
	for i := 0; i < 100; i++ {
		s.Begin()
		if inside.Load() != 0 {
			broken.Store(true)
		}
		s.End()
	}
	close(stop)
	wg.Wait()
	if broken.Load() {
		t.Fatal("member ran during a safepoint")
	}
}

func TestEndAndJoin(t *testing.T) {
	var s Synchronizer
	s.Begin()
	began := make(chan struct{})
	go func() {
		s.Begin()
		close(began)
		s.End()
	}()
	s.EndAndJoin()
	if s.AtSafepoint() {
		t.Fatal("still at a safepoint after EndAndJoin")
	}
	select {
	case <-began:
		t.Fatal("safepoint began while the caller was joined")
	default:
	}
	s.Leave()
	<-began
}

func TestGuardDoubleRelease(t *testing.T) {
	var l HeapLock
	g := l.Acquire()
	if !l.Held() {
		t.Fatal("lock not held after Acquire")
	}
	g.Release()
	defer func() {
		if _, ok := recover().(*sys.FatalError); !ok {
			t.Fatal("second Release did not throw")
		}
	}()
	g.Release()
}
