// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package object defines the heap object layout and the header word.
//
// An object is a header word followed by its reference fields and then
// its raw data words:
//
//	+--------+--------+-----+--------+--------+-----+
//	| header | ref 0  | ... | ref n-1| data 0 | ... |
//	+--------+--------+-----+--------+--------+-----+
//
// The low two bits of the header hold an explicit status. A Normal
// header carries the object's size, reference count, age and kind. A
// Forwarded header holds the address of the copy made during a pause.
// An EvacuationFailed header keeps the Normal payload so the object
// stays readable in place; the exact original word is preserved in a
// side table and restored when the pause ends.
package object

import (
	"fmt"

	"github.com/veezhang/g1heap/internal/sys"
	"github.com/veezhang/g1heap/region"
)

// Status is the header tag.
type Status uint64

const (
	Normal Status = iota
	Forwarded
	EvacuationFailed
)

func (s Status) String() string {
	switch s {
	case Normal:
		return "Normal"
	case Forwarded:
		return "Forwarded"
	case EvacuationFailed:
		return "EvacuationFailed"
	}
	return fmt.Sprintf("Status(%d)", uint64(s))
}

const (
	statusBits = 2
	statusMask = 1<<statusBits - 1

	ageShift  = 2
	ageBits   = 4
	fillerBit = 1 << 6
	refsShift = 8
	refsBits  = 28
	sizeShift = refsShift + refsBits
	sizeBits  = 64 - sizeShift

	// MaxAge is the oldest age a header can record.
	MaxAge = 1<<ageBits - 1

	// MaxWords is the largest object size in words.
	MaxWords = 1<<sizeBits - 1

	// MaxRefs is the largest number of reference fields.
	MaxRefs = 1<<refsBits - 1

	// HeaderWords is the per-object overhead.
	HeaderWords = 1
)

// Header is an object's first word.
type Header uint64

// MakeHeader returns a Normal header for an object of size words with
// nrefs reference fields.
func MakeHeader(size uint64, nrefs uint32) Header {
	if size > MaxWords || size < HeaderWords+uint64(nrefs) || nrefs > MaxRefs {
		sys.Throwf("object: bad shape size=%d nrefs=%d", size, nrefs)
	}
	return Header(size<<sizeShift | uint64(nrefs)<<refsShift)
}

// FillerHeader returns the header of a dead filler object of size words.
func FillerHeader(size uint64) Header {
	if size == 0 || size > MaxWords {
		sys.Throwf("object: bad filler size %d", size)
	}
	return Header(size<<sizeShift | fillerBit)
}

// ForwardingHeader returns a Forwarded header pointing at to.
func ForwardingHeader(to region.Addr) Header {
	return Header(uint64(to)<<statusBits | uint64(Forwarded))
}

// Status returns the header tag.
func (h Header) Status() Status { return Status(h & statusMask) }

// Forwardee returns the copy of a forwarded object.
func (h Header) Forwardee() region.Addr {
	if h.Status() != Forwarded {
		sys.Throwf("object: forwardee of %v header", h.Status())
	}
	return region.Addr(h >> statusBits)
}

// Size returns the object size in words. Not valid for Forwarded.
func (h Header) Size() uint64 {
	h.mustHavePayload()
	return uint64(h >> sizeShift)
}

// NumRefs returns the number of reference fields.
func (h Header) NumRefs() uint32 {
	h.mustHavePayload()
	return uint32(h>>refsShift) & MaxRefs
}

// Age returns the number of pauses the object survived.
func (h Header) Age() uint8 {
	h.mustHavePayload()
	return uint8(h>>ageShift) & MaxAge
}

// WithAge returns h with its age set, saturating at MaxAge.
func (h Header) WithAge(age uint8) Header {
	if age > MaxAge {
		age = MaxAge
	}
	return h&^(MaxAge<<ageShift) | Header(age)<<ageShift
}

// IsFiller reports whether the object is a dead filler.
func (h Header) IsFiller() bool {
	return h.Status() != Forwarded && h&fillerBit != 0
}

// AsEvacuationFailed retags a Normal header as EvacuationFailed.
func (h Header) AsEvacuationFailed() Header {
	if h.Status() != Normal {
		sys.Throwf("object: evacuation failure of %v header", h.Status())
	}
	return h&^statusMask | Header(EvacuationFailed)
}

func (h Header) mustHavePayload() {
	if h.Status() == Forwarded {
		sys.Throw("object: shape of forwarded header")
	}
}

func (h Header) String() string {
	switch h.Status() {
	case Forwarded:
		return fmt.Sprintf("forwarded(%#x)", uint64(h.Forwardee()))
	default:
		return fmt.Sprintf("%v(size=%d refs=%d age=%d filler=%v)", h.Status(), h.Size(), h.NumRefs(), h.Age(), h.IsFiller())
	}
}

// SizeFor returns the words an object with nrefs references and ndata
// data words needs.
func SizeFor(nrefs uint32, ndata uint64) uint64 {
	return HeaderWords + uint64(nrefs) + ndata
}

// RefAddr returns the address of reference field i of obj.
func RefAddr(obj region.Addr, i uint32) region.Addr {
	return obj + HeaderWords + region.Addr(i)
}

// DataAddr returns the address of data word i of obj.
func DataAddr(obj region.Addr, h Header, i uint64) region.Addr {
	return obj + HeaderWords + region.Addr(h.NumRefs()) + region.Addr(i)
}
