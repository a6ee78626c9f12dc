// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !g1debug

package sys

// Debug enables expensive invariant checking (region set verification
// on every mutation, lock ownership assertions).
const Debug = false
