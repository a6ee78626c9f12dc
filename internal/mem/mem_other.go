// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !(linux || darwin || freebsd)

package mem

// Without mmap the reservation is an ordinary Go allocation and
// commit state is not enforced.

func pageSize() int { return 4096 }

func sysReserve(n uint64) ([]byte, error) {
	return make([]byte, n), nil
}

func sysCommit(b []byte) error { return nil }

func sysUncommit(b []byte) error {
	clear(b)
	return nil
}

func sysRelease(b []byte) error { return nil }
