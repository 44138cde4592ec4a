// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package workload reads text workloads of page table operations and
// applies them to a sramtlb.Manager.
package workload

import (
	"fmt"
	"strings"

	"github.com/mknyszek/sramtlb"
	"github.com/mknyszek/sramtlb/mem"
)

// OpKind indicates what kind of operation a workload line holds.
type OpKind uint8

const (
	OpBad         OpKind = iota
	OpMap                // Map one page.
	OpUnmap              // Unmap one page.
	OpMapRegion          // Map a range of pages.
	OpMapArray           // Map pages to a list of physical pages.
	OpUnmapRegion        // Unmap a range of pages.
	OpRemap              // Move mappings to another virtual range.
	OpMove               // Move contents to new physical pages.
	OpMoveArray          // Move contents to a list of physical pages.
	OpFlags              // Update the flags of a range.
	OpWrite              // Fill a page through the CPU.
	OpSave               // Save the context.
	OpRestore            // Power cycle and restore the last saved context.
)

var opNames = [...]string{
	OpBad:         "bad",
	OpMap:         "map",
	OpUnmap:       "unmap",
	OpMapRegion:   "map-region",
	OpMapArray:    "map-array",
	OpUnmapRegion: "unmap-region",
	OpRemap:       "remap",
	OpMove:        "move",
	OpMoveArray:   "move-array",
	OpFlags:       "flags",
	OpWrite:       "write",
	OpSave:        "save",
	OpRestore:     "restore",
}

func (k OpKind) String() string {
	if int(k) < len(opNames) {
		return opNames[k]
	}
	return fmt.Sprintf("OpKind(%d)", uint8(k))
}

// Op is a single workload operation.
type Op struct {
	// Virt is the virtual page or the start of the virtual range the
	// operation applies to. For remap and move it is the source.
	Virt mem.VirtAddr

	// Dst is the destination of a remap or move.
	Dst mem.VirtAddr

	// Phys is the physical page to map, or sramtlb.AnyPhys.
	// Only valid when Kind == OpMap, Kind == OpMapRegion or
	// Kind == OpMove.
	Phys mem.PhysAddr

	// PhysList is the physical pages of a map-array or move-array.
	PhysList []mem.PhysAddr

	// Size is the size of the range in bytes.
	Size mem.Bytes

	// Flags are the mapping flags.
	Flags sramtlb.Flags

	// Fill is the byte a write fills the page with.
	Fill byte

	// Line is the workload line the operation came from.
	Line int

	// Kind indicates what kind of operation this is.
	Kind OpKind
}

func formatPhys(pa mem.PhysAddr) string {
	if pa == sramtlb.AnyPhys {
		return "any"
	}
	return fmt.Sprintf("%#x", uint32(pa))
}

func formatList(phys []mem.PhysAddr) string {
	parts := make([]string, len(phys))
	for i, pa := range phys {
		parts[i] = formatPhys(pa)
	}
	return strings.Join(parts, ",")
}

// String formats the operation as a workload line.
func (o Op) String() string {
	v := uint32(o.Virt)
	switch o.Kind {
	case OpMap:
		return fmt.Sprintf("map %#x %s %v", v, formatPhys(o.Phys), o.Flags)
	case OpUnmap:
		return fmt.Sprintf("unmap %#x", v)
	case OpMapRegion:
		return fmt.Sprintf("map-region %#x %s %#x %v", v, formatPhys(o.Phys), uint64(o.Size), o.Flags)
	case OpMapArray:
		return fmt.Sprintf("map-array %#x %s %v", v, formatList(o.PhysList), o.Flags)
	case OpUnmapRegion:
		return fmt.Sprintf("unmap-region %#x %#x", v, uint64(o.Size))
	case OpRemap:
		return fmt.Sprintf("remap %#x %#x %#x", v, uint64(o.Size), uint32(o.Dst))
	case OpMove:
		return fmt.Sprintf("move %#x %#x %#x %s", v, uint64(o.Size), uint32(o.Dst), formatPhys(o.Phys))
	case OpMoveArray:
		return fmt.Sprintf("move-array %#x %#x %#x %s", v, uint64(o.Size), uint32(o.Dst), formatList(o.PhysList))
	case OpFlags:
		return fmt.Sprintf("flags %#x %#x %v", v, uint64(o.Size), o.Flags)
	case OpWrite:
		return fmt.Sprintf("write %#x %#x", v, o.Fill)
	case OpSave, OpRestore:
		return o.Kind.String()
	}
	return "bad"
}
