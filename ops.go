package sramtlb

import (
	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb/mem"
)

// Multi-page operations. Each is built from pager calls, and undoes
// the pages it already mapped before returning a per-page failure.

// unwind unmaps the n pages starting at va, which the failing
// operation itself mapped. Errors are dropped; the caller is already
// returning the original failure.
func unwind(pg pager, va mem.VirtAddr, n mem.Bytes) {
	for off := mem.Bytes(0); off < n; off += pg.pageSize() {
		pg.unmapPage(va.Add(off), false)
	}
}

func mapRegion(pg pager, va mem.VirtAddr, pa mem.PhysAddr, size mem.Bytes, flags Flags) error {
	if err := pg.checkRange(va, size); err != nil {
		return err
	}
	if pa != AnyPhys && !pa.Aligned(pg.pageSize()) {
		return errors.Wrapf(ErrInvalidArgument, "physical address %v not page aligned", pa)
	}
	for off := mem.Bytes(0); off < size; off += pg.pageSize() {
		p := AnyPhys
		if pa != AnyPhys {
			p = pa.Add(off)
		}
		if err := pg.mapPage(va.Add(off), p, flags); err != nil {
			unwind(pg, va, off)
			return err
		}
	}
	return nil
}

func mapArray(pg pager, va mem.VirtAddr, phys []mem.PhysAddr, flags Flags) error {
	size := mem.Pages(len(phys)).Bytes(pg.pageSize())
	if err := pg.checkRange(va, size); err != nil {
		return err
	}
	for i, pa := range phys {
		if pa == AnyPhys {
			return errors.Wrapf(ErrInvalidArgument, "array entry %d has no physical address", i)
		}
	}
	for i, pa := range phys {
		off := mem.Pages(i).Bytes(pg.pageSize())
		if err := pg.mapPage(va.Add(off), pa, flags); err != nil {
			unwind(pg, va, off)
			return err
		}
	}
	return nil
}

// unmapRegion unmaps every page in the range, carrying on past pages
// that fail and returning the first failure.
func unmapRegion(pg pager, va mem.VirtAddr, size mem.Bytes) error {
	if err := pg.checkRange(va, size); err != nil {
		return err
	}
	var first error
	for off := mem.Bytes(0); off < size; off += pg.pageSize() {
		if err := pg.unmapPage(va.Add(off), true); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// regionFlags returns the flags of every page in the range, failing
// with ErrUnmapped if any page is not mapped.
func regionFlags(pg pager, va mem.VirtAddr, size mem.Bytes) ([]Flags, error) {
	var flags []Flags
	for off := mem.Bytes(0); off < size; off += pg.pageSize() {
		_, f, err := pg.lookup(va.Add(off))
		if err != nil {
			return nil, err
		}
		flags = append(flags, f)
	}
	return flags, nil
}

func regionUnmapped(pg pager, va mem.VirtAddr, size mem.Bytes) bool {
	for off := mem.Bytes(0); off < size; off += pg.pageSize() {
		if _, _, err := pg.lookup(va.Add(off)); errors.Cause(err) != ErrUnmapped {
			return false
		}
	}
	return true
}

func updateRegionFlags(pg pager, va mem.VirtAddr, size mem.Bytes, flags Flags) error {
	if err := pg.checkRange(va, size); err != nil {
		return err
	}
	if _, err := regionFlags(pg, va, size); err != nil {
		return err
	}
	for off := mem.Bytes(0); off < size; off += pg.pageSize() {
		if err := pg.setFlags(va.Add(off), flags); err != nil {
			return err
		}
	}
	return nil
}

// checkMove validates the source and destination of a remap or move:
// both in range, disjoint, the source fully mapped and the destination
// fully unmapped. It returns the flags of the source pages.
func checkMove(pg pager, src mem.VirtAddr, size mem.Bytes, dst mem.VirtAddr) ([]Flags, error) {
	if err := pg.checkRange(src, size); err != nil {
		return nil, err
	}
	if err := pg.checkRange(dst, size); err != nil {
		return nil, err
	}
	if mem.Overlaps(src, dst, size) {
		return nil, errors.Wrapf(ErrOverlap, "%v and %v with size %#x", src, dst, uint64(size))
	}
	flags, err := regionFlags(pg, src, size)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "source not fully mapped: %v", err)
	}
	if !regionUnmapped(pg, dst, size) {
		return nil, errors.Wrapf(ErrInvalidArgument, "destination %v+%#x not fully unmapped", dst, uint64(size))
	}
	return flags, nil
}

func remapRegion(pg pager, src mem.VirtAddr, size mem.Bytes, dst mem.VirtAddr) error {
	if _, err := checkMove(pg, src, size, dst); err != nil {
		return err
	}
	for off := mem.Bytes(0); off < size; off += pg.pageSize() {
		if err := pg.relocate(src.Add(off), dst.Add(off)); err != nil {
			for undo := mem.Bytes(0); undo < off; undo += pg.pageSize() {
				pg.relocate(dst.Add(undo), src.Add(undo))
			}
			return err
		}
	}
	return nil
}

// move maps size bytes at dst with physical pages chosen by physAt,
// copies the contents of src into them and then unmaps src.
func move(pg pager, src mem.VirtAddr, size mem.Bytes, dst mem.VirtAddr, physAt func(off mem.Bytes) mem.PhysAddr) error {
	flags, err := checkMove(pg, src, size, dst)
	if err != nil {
		return err
	}
	ps := pg.pageSize()

	// The copy writes through the new mapping, so it must be writable
	// until the contents are in place.
	for off := mem.Bytes(0); off < size; off += ps {
		if err := pg.mapPage(dst.Add(off), physAt(off), flags[off/ps]|PermRW); err != nil {
			unwind(pg, dst, off)
			return err
		}
	}
	for off := mem.Bytes(0); off < size; off += ps {
		if err := pg.copyPage(dst.Add(off), src.Add(off)); err != nil {
			unwind(pg, dst, size)
			return err
		}
	}
	pg.flush(dst, size)
	for off := mem.Bytes(0); off < size; off += ps {
		if err := pg.setFlags(dst.Add(off), flags[off/ps]); err != nil {
			return err
		}
	}
	return unmapRegion(pg, src, size)
}

func moveRegion(pg pager, src mem.VirtAddr, size mem.Bytes, dst mem.VirtAddr, newPhys mem.PhysAddr) error {
	if newPhys != AnyPhys && !newPhys.Aligned(pg.pageSize()) {
		return errors.Wrapf(ErrInvalidArgument, "physical address %v not page aligned", newPhys)
	}
	return move(pg, src, size, dst, func(off mem.Bytes) mem.PhysAddr {
		if newPhys == AnyPhys {
			return AnyPhys
		}
		return newPhys.Add(off)
	})
}

func moveArray(pg pager, src mem.VirtAddr, size mem.Bytes, dst mem.VirtAddr, phys []mem.PhysAddr) error {
	if mem.Pages(len(phys)).Bytes(pg.pageSize()) != size {
		return errors.Wrapf(ErrInvalidArgument, "%d physical pages for a %#x byte region", len(phys), uint64(size))
	}
	for i, pa := range phys {
		if pa == AnyPhys {
			return errors.Wrapf(ErrInvalidArgument, "array entry %d has no physical address", i)
		}
	}
	return move(pg, src, size, dst, func(off mem.Bytes) mem.PhysAddr {
		return phys[off/pg.pageSize()]
	})
}
