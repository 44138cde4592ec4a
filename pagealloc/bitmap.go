// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pagealloc implements a first-fit physical page allocator
// backed by a bitmap with one bit per page.
package pagealloc

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb/mem"
)

var (
	// ErrNoSpace is returned when no run of free pages of the
	// requested length exists.
	ErrNoSpace = errors.New("no free physical pages")

	// ErrInUse is returned by MarkAllocated if a page in the range is
	// already allocated.
	ErrInUse = errors.New("physical page already in use")
)

// Bitmap is a physical page allocator. A set bit means the page is
// assigned to some mapping.
//
// Bitmap is not safe for concurrent use.
type Bitmap struct {
	base     mem.PhysAddr
	pageSize mem.Bytes
	npages   mem.Pages
	used     mem.Pages
	bits     []uint64

	// hint is the lowest page index that may be free. Every page
	// below it is allocated.
	hint mem.Pages
}

// New returns an allocator over n pages of pageSize bytes starting at
// base, all free.
func New(base mem.PhysAddr, pageSize mem.Bytes, n mem.Pages) *Bitmap {
	if !pageSize.IsPow2() {
		panic("page size must be a power-of-two")
	}
	if !base.Aligned(pageSize) {
		panic("unaligned allocator base")
	}
	return &Bitmap{
		base:     base,
		pageSize: pageSize,
		npages:   n,
		bits:     make([]uint64, (n+63)/64),
	}
}

func (b *Bitmap) get(i mem.Pages) bool {
	return b.bits[i/64]&(uint64(1)<<(i%64)) != 0
}

func (b *Bitmap) set(i mem.Pages) {
	b.bits[i/64] |= uint64(1) << (i % 64)
}

func (b *Bitmap) clear(i mem.Pages) {
	b.bits[i/64] &^= uint64(1) << (i % 64)
}

// index converts addr to a page index, panicking if it does not name a
// page managed by b.
func (b *Bitmap) index(addr mem.PhysAddr) mem.Pages {
	if !b.Contains(addr) || !addr.Aligned(b.pageSize) {
		panic("address not managed by allocator")
	}
	return mem.Pages(addr.Sub(b.base) / b.pageSize)
}

func (b *Bitmap) addr(i mem.Pages) mem.PhysAddr {
	return b.base.Add(i.Bytes(b.pageSize))
}

// Contains reports whether addr lies in the range managed by b.
func (b *Bitmap) Contains(addr mem.PhysAddr) bool {
	return addr >= b.base && addr.Sub(b.base) < b.npages.Bytes(b.pageSize)
}

// findFirstFree returns the index of the first free page at or after
// the hint, and advances the hint to it. Returns npages if every page
// is in use.
func (b *Bitmap) findFirstFree() mem.Pages {
	for i := b.hint / 64; i < mem.Pages(len(b.bits)); i++ {
		if w := ^b.bits[i]; w != 0 {
			idx := i*64 + mem.Pages(bits.TrailingZeros64(w))
			if idx >= b.npages {
				break
			}
			b.hint = idx
			return idx
		}
	}
	b.hint = b.npages
	return b.npages
}

// find returns the index of the first run of n free pages.
func (b *Bitmap) find(n mem.Pages) (mem.Pages, bool) {
	base := b.findFirstFree()
	size := mem.Pages(0)
	for i := base; i < b.npages; i++ {
		if !b.get(i) {
			if size == 0 {
				base = i
			}
			size++
			if size >= n {
				return base, true
			}
		} else {
			size = 0
		}
	}
	return 0, false
}

// Alloc allocates the first free page.
func (b *Bitmap) Alloc() (mem.PhysAddr, error) {
	return b.AllocContiguous(1)
}

// AllocContiguous allocates the first run of n free pages and returns
// the address of its first page.
func (b *Bitmap) AllocContiguous(n mem.Pages) (mem.PhysAddr, error) {
	if n == 0 {
		return 0, errors.New("zero-length allocation")
	}
	idx, ok := b.find(n)
	if !ok {
		return 0, errors.Wrapf(ErrNoSpace, "allocating %d pages (%d of %d in use)", n, b.used, b.npages)
	}
	for i := idx; i < idx+n; i++ {
		b.set(i)
	}
	b.used += n
	return b.addr(idx), nil
}

// MarkAllocated allocates the n pages starting at addr. Fails without
// changing anything if any of them is already allocated.
func (b *Bitmap) MarkAllocated(addr mem.PhysAddr, n mem.Pages) error {
	idx := b.index(addr)
	if idx+n > b.npages {
		panic("range not managed by allocator")
	}
	for i := idx; i < idx+n; i++ {
		if b.get(i) {
			return errors.Wrapf(ErrInUse, "page %v", b.addr(i))
		}
	}
	for i := idx; i < idx+n; i++ {
		b.set(i)
	}
	b.used += n
	return nil
}

// Free frees a single page.
func (b *Bitmap) Free(addr mem.PhysAddr) {
	b.FreeContiguous(addr, 1)
}

// FreeContiguous frees n pages starting at addr. Panics if any of them
// is already free.
func (b *Bitmap) FreeContiguous(addr mem.PhysAddr, n mem.Pages) {
	idx := b.index(addr)
	if idx+n > b.npages {
		panic("range not managed by allocator")
	}
	for i := idx; i < idx+n; i++ {
		if !b.get(i) {
			panic("attempted to double free page")
		}
		b.clear(i)
	}
	b.used -= n
	if idx < b.hint {
		b.hint = idx
	}
}

// IsFree reports whether all n pages starting at addr are free.
func (b *Bitmap) IsFree(addr mem.PhysAddr, n mem.Pages) bool {
	idx := b.index(addr)
	for i := idx; i < idx+n && i < b.npages; i++ {
		if b.get(i) {
			return false
		}
	}
	return true
}

// IsUsed reports whether the page at addr is allocated.
func (b *Bitmap) IsUsed(addr mem.PhysAddr) bool {
	return b.get(b.index(addr))
}

// Used returns the number of allocated pages.
func (b *Bitmap) Used() mem.Pages {
	return b.used
}

// Len returns the number of pages managed by b.
func (b *Bitmap) Len() mem.Pages {
	return b.npages
}

// ForEachUsed calls f with the address of every allocated page in
// ascending order, stopping early if f returns false.
func (b *Bitmap) ForEachUsed(f func(mem.PhysAddr) bool) {
	for wi, w := range b.bits {
		for w != 0 {
			i := mem.Pages(wi)*64 + mem.Pages(bits.TrailingZeros64(w))
			w &= w - 1
			if !f(b.addr(i)) {
				return
			}
		}
	}
}

// Reset frees every page.
func (b *Bitmap) Reset() {
	for i := range b.bits {
		b.bits[i] = 0
	}
	b.used = 0
	b.hint = 0
}
