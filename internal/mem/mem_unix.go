// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || freebsd

package mem

import (
	"golang.org/x/sys/unix"
)

func pageSize() int { return unix.Getpagesize() }

// sysReserve maps n bytes with no access rights. Touching them before
// sysCommit faults, which catches use of uncommitted regions.
func sysReserve(n uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(n), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func sysCommit(b []byte) error {
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}

// sysUncommit drops the backing pages and revokes access. The range
// stays reserved.
func sysUncommit(b []byte) error {
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

func sysRelease(b []byte) error {
	return unix.Munmap(b)
}
