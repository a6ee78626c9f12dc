// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package region implements the region table: a fixed-capacity array
// of equally sized heap regions, the committed part of the address
// space that backs them, and the region sets that partition them.
package region

import "fmt"

// Addr is a heap word address. The zero Addr is nil; the first region
// starts above it.
type Addr uint64

// Nil is the nil address.
const Nil Addr = 0

// Index identifies a region. It is stable for the life of the table.
type Index uint32

// NoIndex is returned where no region applies.
const NoIndex Index = ^Index(0)

// Type is the state tag of a region.
type Type uint32

const (
	Free Type = iota
	Eden
	Survivor
	Old
	StartsHumongous
	ContinuesHumongous
	Archive
	numTypes
)

var typeNames = [...]string{
	Free:               "Free",
	Eden:               "Eden",
	Survivor:           "Survivor",
	Old:                "Old",
	StartsHumongous:    "StartsHumongous",
	ContinuesHumongous: "ContinuesHumongous",
	Archive:            "Archive",
}

func (t Type) String() string {
	if t < numTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint32(t))
}

// IsYoung reports whether t is Eden or Survivor.
func (t Type) IsYoung() bool { return t == Eden || t == Survivor }

// IsHumongous reports whether t is part of a humongous object.
func (t Type) IsHumongous() bool { return t == StartsHumongous || t == ContinuesHumongous }

// IsOld reports whether t is tenured space that marking covers: old
// and humongous regions.
func (t Type) IsOld() bool { return t == Old || t.IsHumongous() }
