// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sramtlb

import (
	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb/hw"
	"github.com/mknyszek/sramtlb/mem"
	"github.com/mknyszek/sramtlb/pagealloc"
	"github.com/mknyszek/sramtlb/power"
	"github.com/mknyszek/sramtlb/stats"
)

// AnyPhys asks a map operation to pick free physical pages itself.
const AnyPhys = mem.PhysAddr(0)

// pager is the per-page mapping interface the region operations are
// built on.
type pager interface {
	// checkRange validates a page aligned range of mappable virtual
	// address space.
	checkRange(va mem.VirtAddr, size mem.Bytes) error

	// mapPage maps va to pa, or to a free page if pa is AnyPhys.
	mapPage(va mem.VirtAddr, pa mem.PhysAddr, flags Flags) error

	// unmapPage unmaps va, first writing back its cached lines if
	// flush is set.
	unmapPage(va mem.VirtAddr, flush bool) error

	// lookup returns the physical page and flags va is mapped to.
	lookup(va mem.VirtAddr) (mem.PhysAddr, Flags, error)

	// setFlags rewrites the flags of a mapped page.
	setFlags(va mem.VirtAddr, flags Flags) error

	// relocate moves the mapping of the page at from to the unmapped
	// page at to, leaving the physical page and its bank alone.
	relocate(from, to mem.VirtAddr) error

	// copyPage copies one page of contents from src to dst through
	// the CPU's view of memory.
	copyPage(dst, src mem.VirtAddr) error

	// flush writes back cached lines covering [va, va+size).
	flush(va mem.VirtAddr, size mem.Bytes)

	// pageSize returns the size of a page.
	pageSize() mem.Bytes
}

// tlb is the pager that programs the hardware page table. It is the
// only writer of page table entries, and keeps the allocator and bank
// counts in step with them.
//
// tlb is not safe for concurrent use.
type tlb struct {
	layout  hw.Layout
	p       hw.Platform
	pages   *pagealloc.Bitmap
	ctl     *power.Controller
	banks   *power.Tracker
	regions []Region
	stats   *stats.Stats
	scratch []byte
}

var _ pager = (*tlb)(nil)

func (t *tlb) pageSize() mem.Bytes {
	return t.layout.PageSize
}

// entryIndex returns the table index of va without any checks beyond
// range.
func (t *tlb) entryIndex(va mem.VirtAddr) int {
	return int(va.Sub(t.layout.VirtBase) / t.layout.PageSize)
}

// index validates va as a mappable page and returns its table index.
func (t *tlb) index(va mem.VirtAddr) (int, error) {
	if !va.Aligned(t.layout.PageSize) {
		return 0, errors.Wrapf(ErrInvalidArgument, "virtual address %v not page aligned", va)
	}
	if _, ok := regionOf(t.regions, va, t.layout.PageSize); !ok {
		return 0, errors.Wrapf(ErrInvalidArgument, "virtual address %v outside every region", va)
	}
	return t.entryIndex(va), nil
}

func (t *tlb) checkRange(va mem.VirtAddr, size mem.Bytes) error {
	if size == 0 || !size.Aligned(t.layout.PageSize) {
		return errors.Wrapf(ErrInvalidArgument, "size %#x not a non-zero multiple of the page size", uint64(size))
	}
	if uint64(va)+uint64(size) > uint64(t.layout.VirtEnd()) {
		return errors.Wrapf(ErrInvalidArgument, "range %v+%#x past the end of the virtual range", va, uint64(size))
	}
	if _, err := t.index(va); err != nil {
		return err
	}
	_, err := t.index(va.Add(size - t.layout.PageSize))
	return err
}

func (t *tlb) read(i int) uint16 {
	return t.p.Read16(hw.TLBEntryReg(i))
}

func (t *tlb) write(i int, e uint16) {
	t.p.Write16(hw.TLBEntryReg(i), e)
}

// table returns a copy of every page table entry.
func (t *tlb) table() []uint16 {
	entries := make([]uint16, t.layout.TableEntries())
	for i := range entries {
		entries[i] = t.read(i)
	}
	return entries
}

func (t *tlb) encode(pa mem.PhysAddr, flags Flags) uint16 {
	l := &t.layout
	e := uint16(pa.Sub(l.SRAMBase)/l.PageSize)&l.AddrMask() | l.EnableBit()
	if flags&PermRW != 0 {
		e |= l.WriteBit()
	}
	if flags&PermExec != 0 {
		e |= l.ExecBit()
	}
	return e
}

func (t *tlb) decode(e uint16) (pa mem.PhysAddr, flags Flags, enabled bool) {
	return DecodeEntry(t.layout, e)
}

// DecodeEntry returns the physical page and flags held by a page table
// entry of layout l. The physical page may lie outside SRAM for entries
// the driver did not write.
func DecodeEntry(l hw.Layout, e uint16) (pa mem.PhysAddr, flags Flags, enabled bool) {
	pa = l.SRAMBase.Add(mem.Bytes(e&l.AddrMask()) * l.PageSize)
	if l.Permissions {
		if e&l.WriteBit() != 0 {
			flags |= PermRW
		}
		if e&l.ExecBit() != 0 {
			flags |= PermExec
		}
	}
	return pa, flags, e&l.EnableBit() != 0
}

func (t *tlb) mapPage(va mem.VirtAddr, pa mem.PhysAddr, flags Flags) error {
	i, err := t.index(va)
	if err != nil {
		return err
	}
	if _, _, enabled := t.decode(t.read(i)); enabled {
		return errors.Wrapf(ErrInvalidArgument, "virtual address %v already mapped", va)
	}
	if pa == AnyPhys {
		pa, err = t.pages.Alloc()
		if err != nil {
			return errors.Wrapf(ErrOutOfMemory, "mapping %v: %v", va, err)
		}
	} else {
		if !pa.Aligned(t.layout.PageSize) || !t.layout.InSRAM(pa) {
			return errors.Wrapf(ErrInvalidArgument, "physical address %v not a page of SRAM", pa)
		}
		if err := t.pages.MarkAllocated(pa, 1); err != nil {
			return errors.Wrapf(ErrInvalidArgument, "mapping %v: %v", va, err)
		}
	}
	bank := t.layout.BankIndex(pa)
	wasEmpty := t.banks.Bank(bank).Mapped == 0
	if err := t.banks.PageMapped(bank); err != nil {
		t.pages.Free(pa)
		return errors.Wrapf(err, "mapping %v to %v", va, pa)
	}
	if wasEmpty {
		t.stats.PowerOns++
		t.stats.PoweredBanks++
	}
	t.write(i, t.encode(pa, flags))

	// Drop anything cached for this address under a previous mapping.
	t.p.Invalidate(va.Cached(), t.layout.PageSize)

	t.stats.Maps++
	t.stats.MappedPages++
	return nil
}

func (t *tlb) unmapPage(va mem.VirtAddr, flush bool) error {
	i, err := t.index(va)
	if err != nil {
		return err
	}
	e := t.read(i)
	pa, _, enabled := t.decode(e)
	if !enabled {
		return errors.Wrapf(ErrUnmapped, "unmapping %v", va)
	}
	if flush {
		t.p.Flush(va.Cached(), t.layout.PageSize)
	}
	t.write(i, e&^t.layout.EnableBit())
	t.stats.Unmaps++
	if !t.layout.InSRAM(pa) {
		return nil
	}
	t.pages.Free(pa)
	t.stats.MappedPages--
	bank := t.layout.BankIndex(pa)
	err = t.banks.PageUnmapped(bank)
	if t.banks.Bank(bank).Mapped == 0 {
		t.stats.PowerOffs++
		t.stats.PoweredBanks--
	}
	return errors.Wrapf(err, "unmapping %v", va)
}

func (t *tlb) lookup(va mem.VirtAddr) (mem.PhysAddr, Flags, error) {
	if !va.Aligned(t.layout.PageSize) || va < t.layout.VirtBase || va >= t.layout.VirtEnd() {
		return 0, 0, errors.Wrapf(ErrInvalidArgument, "virtual address %v not a translated page", va)
	}
	pa, flags, enabled := t.decode(t.read(t.entryIndex(va)))
	if !enabled {
		return 0, 0, errors.Wrapf(ErrUnmapped, "looking up %v", va)
	}
	return pa, flags, nil
}

func (t *tlb) setFlags(va mem.VirtAddr, flags Flags) error {
	i, err := t.index(va)
	if err != nil {
		return err
	}
	pa, _, enabled := t.decode(t.read(i))
	if !enabled {
		return errors.Wrapf(ErrUnmapped, "updating flags of %v", va)
	}
	t.write(i, t.encode(pa, flags))
	return nil
}

func (t *tlb) relocate(from, to mem.VirtAddr) error {
	fi, err := t.index(from)
	if err != nil {
		return err
	}
	ti, err := t.index(to)
	if err != nil {
		return err
	}
	e := t.read(fi)
	if e&t.layout.EnableBit() == 0 {
		return errors.Wrapf(ErrUnmapped, "relocating %v", from)
	}
	if t.read(ti)&t.layout.EnableBit() != 0 {
		return errors.Wrapf(ErrInvalidArgument, "relocating to %v: already mapped", to)
	}
	t.p.Flush(from.Cached(), t.layout.PageSize)
	t.write(fi, e&^t.layout.EnableBit())
	t.write(ti, e)
	t.p.Invalidate(to.Cached(), t.layout.PageSize)
	return nil
}

func (t *tlb) copyPage(dst, src mem.VirtAddr) error {
	if t.scratch == nil {
		t.scratch = make([]byte, t.layout.PageSize)
	}
	if err := t.p.Load(src.Cached(), t.scratch); err != nil {
		return errors.Wrapf(err, "reading %v", src)
	}
	return errors.Wrapf(t.p.Store(dst.Cached(), t.scratch), "writing %v", dst)
}

func (t *tlb) flush(va mem.VirtAddr, size mem.Bytes) {
	t.p.Flush(va.Cached(), size)
}
