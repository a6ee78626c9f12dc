// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package object

import (
	"github.com/veezhang/g1heap/internal/sys"
	"github.com/veezhang/g1heap/region"
)

// Memory is atomic word access to the heap.
type Memory interface {
	Load(a region.Addr) uint64
	Store(a region.Addr, v uint64)
	CAS(a region.Addr, old, new uint64) bool
	Zero(a region.Addr, n uint64)
}

// Init lays out a new object at a: zeroed fields, then the header.
func Init(m Memory, a region.Addr, size uint64, nrefs uint32) Header {
	h := MakeHeader(size, nrefs)
	m.Zero(a+HeaderWords, size-HeaderWords)
	m.Store(a, uint64(h))
	return h
}

// Fill turns [a, a+words) into one filler object so that the range
// stays parsable.
func Fill(m Memory, a region.Addr, words uint64) {
	for words > 0 {
		n := min(words, uint64(MaxWords))
		m.Store(a, uint64(FillerHeader(n)))
		a += region.Addr(n)
		words -= n
	}
}

// LoadHeader reads obj's header.
func LoadHeader(m Memory, obj region.Addr) Header {
	return Header(m.Load(obj))
}

// ParsedHeader returns obj's header, or, for a forwarded object, the
// header of its copy. Sizes are read from it when walking a region.
func ParsedHeader(m Memory, obj region.Addr) Header {
	h := LoadHeader(m, obj)
	for h.Status() == Forwarded {
		h = LoadHeader(m, h.Forwardee())
	}
	return h
}

// Walk calls fn on every object that starts in [from, to), in address
// order, until fn returns false. The range must be parsable.
func Walk(m Memory, from, to region.Addr, fn func(obj region.Addr, h Header) bool) {
	for a := from; a < to; {
		h := ParsedHeader(m, a)
		size := h.Size()
		if size == 0 {
			sys.Throwf("object: zero-sized object at %#x", uint64(a))
		}
		if !fn(a, LoadHeader(m, a)) {
			return
		}
		a += region.Addr(size)
	}
}
