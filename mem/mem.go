// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mem defines the address and size types shared by the
// TLB driver and the platform it drives.
package mem

import (
	"fmt"
	"math/bits"

	"golang.org/x/exp/constraints"
)

func isPow2[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}

func alignUp[T constraints.Unsigned](v, align T) T {
	if !isPow2(align) {
		panic("alignment must be a power-of-two")
	}
	return (v + align - 1) &^ (align - 1)
}

func alignDown[T constraints.Unsigned](v, align T) T {
	if !isPow2(align) {
		panic("alignment must be a power-of-two")
	}
	return v &^ (align - 1)
}

// Bytes represents an amount of bytes.
type Bytes uint64

// AlignUp rounds b up to align. align must be a power-of-two.
func (b Bytes) AlignUp(align Bytes) Bytes {
	return alignUp(b, align)
}

// AlignDown rounds b down to align. align must be a power-of-two.
func (b Bytes) AlignDown(align Bytes) Bytes {
	return alignDown(b, align)
}

// Aligned reports whether b is a multiple of align.
func (b Bytes) Aligned(align Bytes) bool {
	return alignDown(b, align) == b
}

// IsPow2 reports whether b is a non-zero power of two.
func (b Bytes) IsPow2() bool {
	return isPow2(b)
}

// Pages returns the amount of perPage-sized pages required to hold b bytes.
func (b Bytes) Pages(perPage Bytes) Pages {
	return Pages(b.AlignUp(perPage) / perPage)
}

// Log2 returns the base-2 logarithm (rounded down) of b.
func (b Bytes) Log2() uint8 {
	if b == 0 {
		panic("log2 of 0")
	}
	return uint8(bits.Len64(uint64(b))) - 1
}

// Pages represents an amount of pages. The amount of bytes
// per page is determined contextually, usually from the
// platform layout.
type Pages uint64

// Bytes returns the maximum amount of bytes that can be held within p pages,
// given perPage bytes per page.
func (p Pages) Bytes(perPage Bytes) Bytes {
	return Bytes(p) * perPage
}

// PhysAddr is an address in the physical SRAM address space.
type PhysAddr uint32

// Add adds a byte offset to an address.
func (a PhysAddr) Add(b Bytes) PhysAddr {
	return a + PhysAddr(b)
}

// Sub returns the distance from base to a. a must not be below base.
func (a PhysAddr) Sub(base PhysAddr) Bytes {
	if a < base {
		panic("address below base")
	}
	return Bytes(a - base)
}

// Aligned reports whether a is aligned to align.
func (a PhysAddr) Aligned(align Bytes) bool {
	return Bytes(a).Aligned(align)
}

func (a PhysAddr) String() string {
	return fmt.Sprintf("p:%#x", uint32(a))
}

// VirtAddr is an address in the virtual address space translated
// by the TLB.
type VirtAddr uint32

// Add adds a byte offset to an address.
func (a VirtAddr) Add(b Bytes) VirtAddr {
	return a + VirtAddr(b)
}

// Sub returns the distance from base to a. a must not be below base.
func (a VirtAddr) Sub(base VirtAddr) Bytes {
	if a < base {
		panic("address below base")
	}
	return Bytes(a - base)
}

// Aligned reports whether a is aligned to align.
func (a VirtAddr) Aligned(align Bytes) bool {
	return Bytes(a).Aligned(align)
}

// AlignDown rounds a down to align. align must be a power-of-two.
func (a VirtAddr) AlignDown(align Bytes) VirtAddr {
	return VirtAddr(Bytes(a).AlignDown(align))
}

// AlignUp rounds a up to align. align must be a power-of-two.
func (a VirtAddr) AlignUp(align Bytes) VirtAddr {
	return VirtAddr(Bytes(a).AlignUp(align))
}

func (a VirtAddr) String() string {
	return fmt.Sprintf("v:%#x", uint32(a))
}

// Overlaps reports whether [a, a+n) and [b, b+n) intersect.
func Overlaps(a, b VirtAddr, n Bytes) bool {
	if n == 0 {
		return false
	}
	return a < b.Add(n) && b < a.Add(n)
}
