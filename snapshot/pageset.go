package snapshot

import "github.com/mknyszek/sramtlb/mem"

// pageSet is a set of page-aligned physical addresses laid out for
// efficient memory use and access.
type pageSet struct {
	shift uint8

	// m is a 2-level radix structure over page numbers.
	//
	// The bottom level is a bitmap, with one bit per page.
	m [1 << 16]*[(1 << 16) / 8]uint8
}

func newPageSet(pageSize mem.Bytes) *pageSet {
	return &pageSet{shift: pageSize.Log2()}
}

// Add adds a new page to the set.
//
// Returns true on success. That is, if the page
// was not already present in the set.
func (s *pageSet) Add(addr mem.PhysAddr) bool {
	pn := uint32(addr) >> s.shift
	l1 := &s.m[pn>>16]
	if *l1 == nil {
		*l1 = new([(1 << 16) / 8]uint8)
	}
	i := pn & 0xffff
	mask := uint8(1) << (i % 8)
	idx := i / 8
	if (*l1)[idx]&mask != 0 {
		return false
	}
	(*l1)[idx] |= mask
	return true
}

// Has reports whether the page holding addr is in the set.
func (s *pageSet) Has(addr mem.PhysAddr) bool {
	pn := uint32(addr) >> s.shift
	l1 := s.m[pn>>16]
	if l1 == nil {
		return false
	}
	i := pn & 0xffff
	return l1[i/8]&(uint8(1)<<(i%8)) != 0
}
