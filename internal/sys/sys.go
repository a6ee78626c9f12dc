// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sys holds word-size constants, bit helpers and the fatal
// error path shared by every collector package.
package sys

import (
	"fmt"
	"math/bits"
)

// WordBytes is the size of a heap word in bytes.
const WordBytes = 8

// LogWordBytes is log2(WordBytes).
const LogWordBytes = 3

// FatalError is the value Throw panics with. It marks a broken
// collector invariant, never a condition a caller should recover from.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return "g1heap: fatal error: " + e.Msg }

// Throw aborts on a logic bug.
func Throw(s string) {
	panic(&FatalError{Msg: s})
}

// Throwf is Throw with formatting.
func Throwf(format string, args ...interface{}) {
	panic(&FatalError{Msg: fmt.Sprintf(format, args...)})
}

// IsPowerOfTwo reports whether x is a power of two.
func IsPowerOfTwo(x uint64) bool {
	return x != 0 && x&(x-1) == 0
}

// Log2 returns floor(log2(x)) for x > 0.
func Log2(x uint64) uint {
	return uint(bits.Len64(x)) - 1
}

// RoundUp rounds n up to a multiple of a, which must be a power of two.
func RoundUp(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

// RoundDown rounds n down to a multiple of a, which must be a power of two.
func RoundDown(n, a uint64) uint64 {
	return n &^ (a - 1)
}

// DivRoundUp returns ceil(n / a).
func DivRoundUp(n, a uint64) uint64 {
	return (n + a - 1) / a
}
