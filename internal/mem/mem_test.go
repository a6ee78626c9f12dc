// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mem

import (
	"runtime"
	"testing"
)

func TestCommitUncommit(t *testing.T) {
	const n = 64 << 10
	s, err := Reserve(n)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Release()

	if err := s.Commit(0, n/2); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	w := s.Words()
	for i := uint64(0); i < n/2; i += 509 {
		w[i] = i + 1
	}
	for i := uint64(0); i < n/2; i += 509 {
		if w[i] != i+1 {
			t.Fatalf("word %d = %d, want %d", i, w[i], i+1)
		}
	}
	if err := s.Uncommit(0, n/2); err != nil {
		t.Fatalf("Uncommit: %v", err)
	}
	if err := s.Commit(0, n/2); err != nil {
		t.Fatalf("re-Commit: %v", err)
	}
	if runtime.GOOS != "linux" {
		return
	}
	// MADV_DONTNEED on private anonymous memory zero-fills on Linux.
	for i := uint64(0); i < n/2; i += 509 {
		if w[i] != 0 {
			t.Fatalf("word %d = %d after uncommit, want 0", i, w[i])
		}
	}
}

func TestRangeErrors(t *testing.T) {
	s, err := Reserve(1024)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(1000, 100); err == nil {
		t.Error("Commit past the reservation succeeded")
	}
	if err := s.Release(); err != nil {
		t.Fatal(err)
	}
	if err := s.Release(); err != ErrReleased {
		t.Errorf("second Release = %v, want ErrReleased", err)
	}
	if err := s.Commit(0, 1); err != ErrReleased {
		t.Errorf("Commit after Release = %v, want ErrReleased", err)
	}
}
