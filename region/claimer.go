// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import "sync/atomic"

// Claimer hands out the regions of a list to parallel workers so that
// each region is processed by exactly one of them.
type Claimer struct {
	regions []*Region
	next    atomic.Uint32
}

// NewClaimer returns a claimer over regions.
func NewClaimer(regions []*Region) *Claimer {
	return &Claimer{regions: regions}
}

// Claim returns the next unclaimed region, or nil when all are taken.
func (c *Claimer) Claim() *Region {
	i := c.next.Add(1) - 1
	if int(i) >= len(c.regions) {
		return nil
	}
	return c.regions[i]
}

// Len returns the number of regions to claim.
func (c *Claimer) Len() int { return len(c.regions) }
