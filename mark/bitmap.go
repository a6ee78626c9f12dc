// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mark

import (
	"math/bits"
	"sync/atomic"

	"github.com/veezhang/g1heap/region"
)

// Bitmap has one bit per heap word. A set bit marks the object that
// starts at that word.
type Bitmap struct {
	base  region.Addr
	limit region.Addr
	words []atomic.Uint64
}

// NewBitmap returns a cleared bitmap covering [base, limit).
func NewBitmap(base, limit region.Addr) *Bitmap {
	n := (uint64(limit-base) + 63) / 64
	return &Bitmap{base: base, limit: limit, words: make([]atomic.Uint64, n)}
}

func (b *Bitmap) bit(a region.Addr) (*atomic.Uint64, uint64) {
	off := uint64(a - b.base)
	return &b.words[off/64], 1 << (off % 64)
}

// IsMarked reports whether a is marked.
func (b *Bitmap) IsMarked(a region.Addr) bool {
	w, m := b.bit(a)
	return w.Load()&m != 0
}

// ParMark marks a and reports whether this call was the one that did.
// Marks only ever get set until the bitmap is cleared, so the first
// marker wins and later attempts are no-ops.
func (b *Bitmap) ParMark(a region.Addr) bool {
	w, m := b.bit(a)
	for {
		old := w.Load()
		if old&m != 0 {
			return false
		}
		if w.CompareAndSwap(old, old|m) {
			return true
		}
	}
}

// ClearRange clears the marks in [from, to). It must not race with
// ParMark on the same range.
func (b *Bitmap) ClearRange(from, to region.Addr) {
	for a := from; a < to; {
		off := uint64(a - b.base)
		if off%64 == 0 && uint64(to-a) >= 64 {
			b.words[off/64].Store(0)
			a += 64
			continue
		}
		w, m := b.bit(a)
		for {
			old := w.Load()
			if old&m == 0 || w.CompareAndSwap(old, old&^m) {
				break
			}
		}
		a++
	}
}

// NextMarked returns the first marked address in [from, to), or to.
func (b *Bitmap) NextMarked(from, to region.Addr) region.Addr {
	if from >= to {
		return to
	}
	off := uint64(from - b.base)
	end := uint64(to - b.base)
	i := off / 64
	v := b.words[i].Load() &^ (1<<(off%64) - 1)
	for {
		if v != 0 {
			found := i*64 + uint64(bits.TrailingZeros64(v))
			if found >= end {
				return to
			}
			return b.base + region.Addr(found)
		}
		i++
		if i*64 >= end {
			return to
		}
		v = b.words[i].Load()
	}
}

// Iterate calls fn on each marked address in [from, to) until fn
// returns false, and reports whether the walk completed. Marks set
// ahead of the walk while it runs are seen.
func (b *Bitmap) Iterate(from, to region.Addr, fn func(region.Addr) bool) bool {
	for a := b.NextMarked(from, to); a < to; a = b.NextMarked(a+1, to) {
		if !fn(a) {
			return false
		}
	}
	return true
}

// CountRange returns the number of marks in [from, to).
func (b *Bitmap) CountRange(from, to region.Addr) uint64 {
	var n uint64
	b.Iterate(from, to, func(region.Addr) bool { n++; return true })
	return n
}
