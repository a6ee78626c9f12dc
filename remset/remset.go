// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package remset tells the collector which regions hold references
// into other regions.
//
// The collector only drives the RemSet interface: it dirties cards from
// the write barrier and from evacuation, walks the dirty cards of a
// region during a pause, and asks which regions refer to a region. The
// CardTable type is the default implementation.
package remset

import (
	"github.com/veezhang/g1heap/region"
)

// Card is a heap-wide card index.
type Card uint64

// RemSet is the remembered-set service the collector consumes.
type RemSet interface {
	// IsRegionDirty reports whether r has dirty cards.
	IsRegionDirty(r region.Index) bool
	// DirtyCardsFor returns r's dirty cards in address order.
	DirtyCardsFor(r region.Index) []Card
	// RegisterCrossRegionReference records that from refers into to.
	RegisterCrossRegionReference(from, to region.Index)

	// DirtyCard dirties the card covering a.
	DirtyCard(a region.Addr)
	// CleanCard cleans c.
	CleanCard(c Card)
	// CardFor returns the card covering a.
	CardFor(a region.Addr) Card
	// CardRange returns the words [from, to) that c covers.
	CardRange(c Card) (from, to region.Addr)
	// ReferencingRegions calls fn for each region recorded as
	// referring into to, until fn returns false.
	ReferencingRegions(to region.Index, fn func(from region.Index) bool)
	// ClearRegions forgets everything recorded for and about rs. It is
	// called in one batch for regions freed together.
	ClearRegions(rs []region.Index)
}
