// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mem manages the address space that backs the heap.
//
// A Space moves through the same states the runtime uses for its
// arenas: Reserved (address space owned, not accessible), Committed
// (readable and writable) and back. Commit and Uncommit work on word
// ranges; they are rounded to OS pages, outward for Commit and inward
// for Uncommit, so that a page shared by two ranges is never taken away
// from a range that is still committed.
package mem

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/veezhang/g1heap/internal/sys"
)

// ErrReleased is returned when a released Space is used again.
var ErrReleased = errors.New("mem: space already released")

// Space is a contiguous reservation of nwords heap words.
type Space struct {
	raw       []byte
	words     []uint64
	pageBytes uint64
	released  bool
}

// Reserve reserves nwords words of address space. Nothing is committed.
func Reserve(nwords uint64) (*Space, error) {
	if nwords == 0 {
		return nil, errors.New("mem: empty reservation")
	}
	raw, err := sysReserve(nwords * sys.WordBytes)
	if err != nil {
		return nil, fmt.Errorf("mem: reserve %d words: %w", nwords, err)
	}
	s := &Space{
		raw:       raw,
		words:     unsafe.Slice((*uint64)(unsafe.Pointer(&raw[0])), nwords),
		pageBytes: uint64(pageSize()),
	}
	return s, nil
}

// Words returns the whole reservation as a word slice. Only committed
// ranges may be touched.
func (s *Space) Words() []uint64 { return s.words }

// Len returns the size of the reservation in words.
func (s *Space) Len() uint64 { return uint64(len(s.words)) }

// Commit makes words [off, off+n) readable and writable.
func (s *Space) Commit(off, n uint64) error {
	lo, hi, err := s.bytes(off, n)
	if err != nil {
		return err
	}
	lo = sys.RoundDown(lo, s.pageBytes)
	hi = min(sys.RoundUp(hi, s.pageBytes), uint64(len(s.raw)))
	return sysCommit(s.raw[lo:hi])
}

// Uncommit returns the pages fully covered by words [off, off+n) to the
// OS. Their contents are lost.
func (s *Space) Uncommit(off, n uint64) error {
	lo, hi, err := s.bytes(off, n)
	if err != nil {
		return err
	}
	lo = sys.RoundUp(lo, s.pageBytes)
	hi = sys.RoundDown(hi, s.pageBytes)
	if lo >= hi {
		// Not a single whole page; keep it and just clear the words.
		clear(s.words[off : off+n])
		return nil
	}
	clear(s.words[off : lo/sys.WordBytes])
	clear(s.words[hi/sys.WordBytes : off+n])
	return sysUncommit(s.raw[lo:hi])
}

// Release gives the whole reservation back. The Space must not be used
// afterwards.
func (s *Space) Release() error {
	if s.released {
		return ErrReleased
	}
	s.released = true
	raw := s.raw
	s.raw, s.words = nil, nil
	return sysRelease(raw)
}

func (s *Space) bytes(off, n uint64) (lo, hi uint64, err error) {
	if s.released {
		return 0, 0, ErrReleased
	}
	if off+n > uint64(len(s.words)) || off+n < off {
		return 0, 0, fmt.Errorf("mem: range [%d, %d) outside reservation of %d words", off, off+n, len(s.words))
	}
	return off * sys.WordBytes, (off + n) * sys.WordBytes, nil
}
