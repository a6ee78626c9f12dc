// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/veezhang/g1heap/internal/mem"
	"github.com/veezhang/g1heap/internal/sys"
)

var (
	// ErrRegionAlreadyFree is returned by Free for a region that is
	// already free. Nothing is changed.
	ErrRegionAlreadyFree = errors.New("region: already free")

	// ErrNotCommitted is returned for operations on uncommitted regions.
	ErrNotCommitted = errors.New("region: not committed")
)

// Config sizes a Table.
type Config struct {
	RegionWords    uint64 // power of two
	MaxRegions     uint32
	InitialRegions uint32
}

// Table owns the heap's regions and the memory behind them.
//
// Region i covers [Base + i*RegionWords, Base + (i+1)*RegionWords).
// All word accesses go through Load/Store/CAS so that marking and
// mutators may read the same memory.
type Table struct {
	regionWords    uint64
	logRegionWords uint
	base           Addr
	space          *mem.Space
	mem            []uint64

	regions   []Region
	committed uint32
	allocSeq  uint64

	free, eden, survivor, old, humongous, archive *Set

	// Regions handed out by AllocateRegion and not yet installed in
	// their set.
	inFlight atomic.Int32
}

// NewTable reserves memory for cfg.MaxRegions regions and commits the
// initial ones.
func NewTable(cfg Config) (*Table, error) {
	if !sys.IsPowerOfTwo(cfg.RegionWords) {
		return nil, fmt.Errorf("region: size %d words is not a power of two", cfg.RegionWords)
	}
	if cfg.MaxRegions == 0 || cfg.InitialRegions > cfg.MaxRegions {
		return nil, fmt.Errorf("region: bad region counts initial=%d max=%d", cfg.InitialRegions, cfg.MaxRegions)
	}
	space, err := mem.Reserve(cfg.RegionWords * uint64(cfg.MaxRegions))
	if err != nil {
		return nil, err
	}
	t := &Table{
		regionWords:    cfg.RegionWords,
		logRegionWords: sys.Log2(cfg.RegionWords),
		base:           Addr(cfg.RegionWords),
		space:          space,
		mem:            space.Words(),
		regions:        make([]Region, cfg.MaxRegions),
		free:           NewSet("free", true, Free),
		eden:           NewSet("eden", false, Eden),
		survivor:       NewSet("survivor", false, Survivor),
		old:            NewSet("old", false, Old),
		humongous:      NewSet("humongous", false, StartsHumongous, ContinuesHumongous),
		archive:        NewSet("archive", false, Archive),
	}
	for i := range t.regions {
		r := &t.regions[i]
		r.index = Index(i)
		r.bottom = t.base + Addr(uint64(i)<<t.logRegionWords)
		r.end = r.bottom + Addr(cfg.RegionWords)
		r.reset()
	}
	if n := t.Expand(cfg.InitialRegions); n != cfg.InitialRegions {
		space.Release()
		return nil, fmt.Errorf("region: committed %d of %d initial regions", n, cfg.InitialRegions)
	}
	return t, nil
}

// Close releases the heap memory.
func (t *Table) Close() error {
	return t.space.Release()
}

// RegionWords returns the region size in words.
func (t *Table) RegionWords() uint64 { return t.regionWords }

// Base returns the address of region 0.
func (t *Table) Base() Addr { return t.base }

// Limit returns the address after the last region.
func (t *Table) Limit() Addr { return t.base + Addr(uint64(len(t.regions))<<t.logRegionWords) }

// MaxRegions returns the table capacity.
func (t *Table) MaxRegions() uint32 { return uint32(len(t.regions)) }

// CommittedRegions returns the number of committed regions.
func (t *Table) CommittedRegions() uint32 { return t.committed }

// FreeRegions returns the length of the free set.
func (t *Table) FreeRegions() uint32 { return t.free.Length() }

// AvailableRegions returns free plus uncommitted regions.
func (t *Table) AvailableRegions() uint32 {
	return t.free.Length() + uint32(len(t.regions)) - t.committed
}

// At returns region i.
func (t *Table) At(i Index) *Region { return &t.regions[i] }

// IndexFor returns the region containing a, or NoIndex.
func (t *Table) IndexFor(a Addr) Index {
	if a < t.base || a >= t.Limit() {
		return NoIndex
	}
	return Index(uint64(a-t.base) >> t.logRegionWords)
}

// RegionFor returns the region containing a, or nil.
func (t *Table) RegionFor(a Addr) *Region {
	i := t.IndexFor(a)
	if i == NoIndex {
		return nil
	}
	return &t.regions[i]
}

// IsIn reports whether a is a heap address.
func (t *Table) IsIn(a Addr) bool { return a >= t.base && a < t.Limit() }

// Load atomically reads the word at a.
func (t *Table) Load(a Addr) uint64 { return atomic.LoadUint64(&t.mem[a-t.base]) }

// Store atomically writes the word at a.
func (t *Table) Store(a Addr, v uint64) { atomic.StoreUint64(&t.mem[a-t.base], v) }

// CAS atomically replaces old with new at a.
func (t *Table) CAS(a Addr, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(&t.mem[a-t.base], old, new)
}

// Zero clears n words at a.
func (t *Table) Zero(a Addr, n uint64) {
	for i := uint64(0); i < n; i++ {
		t.Store(a+Addr(i), 0)
	}
}

// Copy copies n words from src to dst. The ranges must not overlap.
func (t *Table) Copy(dst, src Addr, n uint64) {
	for i := uint64(0); i < n; i++ {
		t.Store(dst+Addr(i), t.Load(src+Addr(i)))
	}
}

// SetFor returns the set that holds regions of type ty.
func (t *Table) SetFor(ty Type) *Set {
	switch ty {
	case Free:
		return t.free
	case Eden:
		return t.eden
	case Survivor:
		return t.survivor
	case Old:
		return t.old
	case StartsHumongous, ContinuesHumongous:
		return t.humongous
	case Archive:
		return t.archive
	}
	sys.Throwf("region: no set for type %v", ty)
	return nil
}

// Sets returns every region set.
func (t *Table) Sets() []*Set {
	return []*Set{t.free, t.eden, t.survivor, t.old, t.humongous, t.archive}
}

// Expand commits up to n uncommitted regions, lowest index first, and
// adds them to the free set. It returns how many were committed.
func (t *Table) Expand(n uint32) uint32 {
	var done uint32
	for i := range t.regions {
		if done == n {
			break
		}
		if r := &t.regions[i]; !r.committed {
			if t.commit(r) != nil {
				break
			}
			t.free.Add(r)
			done++
		}
	}
	return done
}

func (t *Table) commit(r *Region) error {
	if err := t.space.Commit(uint64(r.bottom-t.base), t.regionWords); err != nil {
		return err
	}
	r.committed = true
	t.committed++
	return nil
}

// Shrink uncommits up to n free regions, highest index first, and
// returns how many were uncommitted.
func (t *Table) Shrink(n uint32) uint32 {
	var done uint32
	for done < n {
		r := t.free.Last()
		if r == nil {
			break
		}
		t.free.Remove(r)
		if err := t.space.Uncommit(uint64(r.bottom-t.base), t.regionWords); err != nil {
			t.free.Add(r)
			break
		}
		r.committed = false
		t.committed--
		done++
	}
	return done
}

// AllocateRegion takes a free region and gives it type kind. Young
// regions come from the low end of the free set, others from the high
// end. With allowExpand an empty free set may be refilled by
// committing one more region. It returns nil instead of blocking when
// no region is available.
//
// The region is not in any set until Install.
func (t *Table) AllocateRegion(kind Type, allowExpand bool) *Region {
	if kind == Free || kind.IsHumongous() {
		sys.Throwf("region: AllocateRegion of kind %v", kind)
	}
	if t.free.IsEmpty() && (!allowExpand || t.Expand(1) == 0) {
		return nil
	}
	var r *Region
	if kind.IsYoung() {
		r = t.free.RemoveFirst()
	} else {
		r = t.free.RemoveLast()
	}
	t.allocSeq++
	r.allocSeq = t.allocSeq
	r.typ.Store(uint32(kind))
	t.inFlight.Add(1)
	return r
}

// Install adds an allocated region to the set for its type. It is
// called when the region stops being an allocation region.
func (t *Table) Install(r *Region) {
	t.inFlight.Add(-1)
	t.SetFor(r.Type()).Add(r)
}

// InFlight returns the number of allocated regions not yet installed.
func (t *Table) InFlight() int32 { return t.inFlight.Load() }

// AllocateHumongous claims a contiguous run of n regions for one object
// of words words, marks the first StartsHumongous and the rest
// ContinuesHumongous, and adds them to the humongous set. Uncommitted
// regions are committed on the way if allowExpand is set.
func (t *Table) AllocateHumongous(n uint32, words uint64, allowExpand bool) *Region {
	if n == 0 || words > uint64(n)*t.regionWords || words <= uint64(n-1)*t.regionWords {
		sys.Throwf("region: humongous object of %d words in %d regions", words, n)
	}
	first := t.findRun(n, allowExpand)
	if first == NoIndex {
		return nil
	}
	t.allocSeq++
	left := words
	for i := first; i < first+Index(n); i++ {
		r := &t.regions[i]
		if r.committed {
			t.free.Remove(r)
		} else if t.commit(r) != nil {
			sys.Throwf("region: commit of %v failed during humongous allocation", r)
		}
		if i == first {
			r.typ.Store(uint32(StartsHumongous))
		} else {
			r.typ.Store(uint32(ContinuesHumongous))
		}
		r.humongousStart = first
		r.allocSeq = t.allocSeq
		fill := min(left, t.regionWords)
		r.SetTop(r.bottom + Addr(fill))
		left -= fill
		t.humongous.Add(r)
	}
	return &t.regions[first]
}

func (t *Table) findRun(n uint32, allowExpand bool) Index {
	var run uint32
	for i := range t.regions {
		r := &t.regions[i]
		if (r.committed && r.Type() == Free && r.set == t.free) || (!r.committed && allowExpand) {
			run++
			if run == n {
				return Index(uint32(i) + 1 - n)
			}
		} else {
			run = 0
		}
	}
	return NoIndex
}

// HumongousRegions returns the run that the humongous object starting
// in start occupies.
func (t *Table) HumongousRegions(start *Region) []*Region {
	if start.Type() != StartsHumongous {
		sys.Throwf("region: %v does not start a humongous object", start)
	}
	rs := []*Region{start}
	for i := int(start.index) + 1; i < len(t.regions); i++ {
		r := &t.regions[i]
		if r.Type() != ContinuesHumongous || r.humongousStart != start.index {
			break
		}
		rs = append(rs, r)
	}
	return rs
}

// Free resets r to the Free state and adds it to the free set. A
// region that is already free is left alone and ErrRegionAlreadyFree
// is returned, so nothing is ever counted twice.
func (t *Table) Free(r *Region) error {
	if !r.committed {
		return ErrNotCommitted
	}
	if r.Type() == Free {
		return ErrRegionAlreadyFree
	}
	if r.set != nil {
		r.set.Remove(r)
	} else {
		t.inFlight.Add(-1)
	}
	r.reset()
	t.free.Add(r)
	return nil
}

// Retype changes r's type and moves it to the matching set in one
// step, so the tag and the membership never disagree.
func (t *Table) Retype(r *Region, ty Type) {
	if r.set == nil {
		sys.Throwf("region: retype of uninstalled %v", r)
	}
	if ty == Free {
		sys.Throw("region: retype to Free; use Free")
	}
	r.set.Remove(r)
	r.typ.Store(uint32(ty))
	t.SetFor(ty).Add(r)
}

// Compact makes r an old region holding [bottom, top), after a full
// collection slid live objects into it. Use Free for a region left
// empty.
func (t *Table) Compact(r *Region, top Addr) {
	if r.set == nil {
		sys.Throwf("region: compaction of uninstalled %v", r)
	}
	if top <= r.bottom || top > r.end {
		sys.Throwf("region: compaction of %v to top %#x", r, top)
	}
	r.set.Remove(r)
	r.top.Store(uint64(top))
	r.tams.Store(uint64(r.bottom))
	r.age = 0
	r.typ.Store(uint32(Old))
	t.old.Add(r)
}

// Iterate calls fn on every committed region in index order until fn
// returns false.
func (t *Table) Iterate(fn func(*Region) bool) {
	for i := range t.regions {
		r := &t.regions[i]
		if r.committed && !fn(r) {
			return
		}
	}
}

// Verify checks, at a quiescent point, that every committed region is
// in the set named by its type and that each set's cached totals hold.
// Regions in active, which are allocation regions, must be in no set.
func (t *Table) Verify(active ...*Region) error {
	var nactive uint32
	for _, a := range active {
		if a != nil {
			nactive++
		}
	}
	isActive := func(r *Region) bool {
		for _, a := range active {
			if a == r {
				return true
			}
		}
		return false
	}
	var members uint32
	for _, s := range t.Sets() {
		if err := s.Verify(); err != nil {
			return err
		}
		members += s.Length()
	}
	var committed uint32
	for i := range t.regions {
		r := &t.regions[i]
		if !r.committed {
			if r.set != nil {
				return fmt.Errorf("region: uncommitted %v in set %s", r, r.set.name)
			}
			continue
		}
		committed++
		if isActive(r) {
			if r.set != nil {
				return fmt.Errorf("region: allocation region %v in set %s", r, r.set.name)
			}
			continue
		}
		if r.set == nil {
			return fmt.Errorf("region: %v is in no set", r)
		}
		if r.set != t.SetFor(r.Type()) {
			return fmt.Errorf("region: %v is in set %s", r, r.set.name)
		}
	}
	if committed != t.committed {
		return fmt.Errorf("region: %d committed regions, counter says %d", committed, t.committed)
	}
	if members+nactive != committed {
		return fmt.Errorf("region: %d set members and %d allocation regions for %d committed regions", members, nactive, committed)
	}
	return nil
}
