package mem

// CachedAddress is an address in the cached window of the DSP address
// space. Loads and stores through it go through the data cache and,
// for virtual addresses, the TLB.
type CachedAddress uint32

// UncachedAddress is an address in the uncached alias window. Accesses
// through it bypass the data cache and go straight to SRAM.
type UncachedAddress uint32

// Add adds a byte offset to an address.
func (a CachedAddress) Add(b Bytes) CachedAddress {
	return a + CachedAddress(b)
}

// Add adds a byte offset to an address.
func (a UncachedAddress) Add(b Bytes) UncachedAddress {
	return a + UncachedAddress(b)
}

// Cached returns the cached window address that v is accessed through.
func (a VirtAddr) Cached() CachedAddress {
	return CachedAddress(a)
}

// Cached returns the cached window address of the identity mapping of a.
func (a PhysAddr) Cached() CachedAddress {
	return CachedAddress(a)
}

// Aliases describes the relationship between the cached window and its
// uncached alias. Both windows have the same size and map the same
// memory.
type Aliases struct {
	CachedBase   CachedAddress
	UncachedBase UncachedAddress
	Size         Bytes
}

// Uncached returns the uncached alias of a. Panics if a lies outside
// the cached window.
func (s Aliases) Uncached(a CachedAddress) UncachedAddress {
	if a < s.CachedBase || Bytes(a-s.CachedBase) >= s.Size {
		panic("address outside cached window")
	}
	return s.UncachedBase + UncachedAddress(a-s.CachedBase)
}

// Cached returns the cached alias of a. Panics if a lies outside the
// uncached window.
func (s Aliases) Cached(a UncachedAddress) CachedAddress {
	if a < s.UncachedBase || Bytes(a-s.UncachedBase) >= s.Size {
		panic("address outside uncached window")
	}
	return s.CachedBase + CachedAddress(a-s.UncachedBase)
}

// UncachedPhys returns the uncached alias of the physical address a.
func (s Aliases) UncachedPhys(a PhysAddr) UncachedAddress {
	return s.Uncached(a.Cached())
}
