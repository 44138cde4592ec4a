package sramtlb

import (
	"fmt"

	"github.com/mknyszek/sramtlb/mem"
)

// RegionAttr tags what a virtual region is for.
type RegionAttr uint8

const (
	RegionCoreHeap      RegionAttr = iota // Heap private to one core.
	RegionSharedHeap                      // Heap shared by all cores.
	RegionOpportunistic                   // Pool for everything else.
)

func (a RegionAttr) String() string {
	switch a {
	case RegionCoreHeap:
		return "core-heap"
	case RegionSharedHeap:
		return "shared-heap"
	case RegionOpportunistic:
		return "opportunistic"
	}
	return fmt.Sprintf("RegionAttr(%d)", uint8(a))
}

// Region is a span of virtual address space that pages may be mapped
// into.
type Region struct {
	Addr mem.VirtAddr
	Size mem.Bytes
	Attr RegionAttr

	// Core is the owning core of a RegionCoreHeap, and -1 otherwise.
	Core int
}

// End returns the first address past the region.
func (r Region) End() mem.VirtAddr {
	return r.Addr.Add(r.Size)
}

// Contains reports whether [va, va+size) lies entirely in r.
func (r Region) Contains(va mem.VirtAddr, size mem.Bytes) bool {
	return va >= r.Addr && uint64(va)+uint64(size) <= uint64(r.End())
}

func (r Region) String() string {
	if r.Attr == RegionCoreHeap {
		return fmt.Sprintf("%v+%#x %v[%d]", r.Addr, uint64(r.Size), r.Attr, r.Core)
	}
	return fmt.Sprintf("%v+%#x %v", r.Addr, uint64(r.Size), r.Attr)
}

// regionSpace hands out consecutive page aligned spans of the virtual
// range.
type regionSpace struct {
	base     mem.VirtAddr
	end      mem.VirtAddr
	pageSize mem.Bytes
}

func newRegionSpace(base, end mem.VirtAddr, pageSize mem.Bytes) *regionSpace {
	if !pageSize.IsPow2() {
		panic("page size must be a power-of-two")
	}
	return &regionSpace{base: base, end: end, pageSize: pageSize}
}

// carve returns the next span of size bytes, rounded up to a page.
func (s *regionSpace) carve(size mem.Bytes) (mem.VirtAddr, mem.Bytes) {
	size = size.AlignUp(s.pageSize)
	base := s.base
	if uint64(base)+uint64(size) > uint64(s.end) {
		panic("virtual regions exceed the virtual range")
	}
	s.base = base.Add(size)
	return base, size
}

// remaining returns the bytes not yet handed out.
func (s *regionSpace) remaining() mem.Bytes {
	return s.end.Sub(s.base)
}

// buildRegions lays out the virtual regions for a validated config.
func buildRegions(cfg *Config) []Region {
	l := cfg.Layout
	s := newRegionSpace(l.VirtBase.Add(cfg.ReservedSize), l.VirtEnd(), l.PageSize)
	var regions []Region
	if cfg.CoreHeapSize != 0 {
		for core := 0; core < cfg.Cores; core++ {
			addr, size := s.carve(cfg.CoreHeapSize)
			regions = append(regions, Region{addr, size, RegionCoreHeap, core})
		}
	}
	if cfg.SharedHeapSize != 0 {
		addr, size := s.carve(cfg.SharedHeapSize)
		regions = append(regions, Region{addr, size, RegionSharedHeap, -1})
	}
	if rest := s.remaining(); rest != 0 {
		addr, size := s.carve(rest)
		regions = append(regions, Region{addr, size, RegionOpportunistic, -1})
	}
	return regions
}

// regionOf returns the region holding all of [va, va+size).
func regionOf(regions []Region, va mem.VirtAddr, size mem.Bytes) (Region, bool) {
	for _, r := range regions {
		if r.Contains(va, size) {
			return r, true
		}
	}
	return Region{}, false
}
