// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hw describes the hardware the TLB driver programs: the
// memory-mapped page table, the SRAM bank power gates, the data cache
// and the CPU's view of memory.
//
// The driver only ever talks to hardware through the interfaces in
// this package. Package sim provides an implementation backed by
// ordinary process memory.
package hw

import "github.com/mknyszek/sramtlb/mem"

// Registers is access to the platform's memory-mapped register file.
// Offsets are byte offsets from the start of the register file.
type Registers interface {
	Read16(off uint32) uint16
	Write16(off uint32, v uint16)
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// Cache is the data cache maintenance interface. All ranges are in the
// cached window; ranges need not be line aligned.
type Cache interface {
	// Invalidate discards cached lines overlapping the range without
	// writing them back.
	Invalidate(addr mem.CachedAddress, size mem.Bytes)

	// Flush writes dirty lines overlapping the range back to memory.
	Flush(addr mem.CachedAddress, size mem.Bytes)

	// FlushInvalidate writes back and then discards the range.
	FlushInvalidate(addr mem.CachedAddress, size mem.Bytes)
}

// Memory is the CPU's load/store view of the address space.
type Memory interface {
	// Load reads len(p) bytes at addr through the cache and the TLB.
	Load(addr mem.CachedAddress, p []byte) error

	// Store writes p at addr through the cache and the TLB.
	Store(addr mem.CachedAddress, p []byte) error

	// LoadUncached reads len(p) bytes directly from SRAM.
	LoadUncached(addr mem.UncachedAddress, p []byte) error

	// StoreUncached writes p directly to SRAM.
	StoreUncached(addr mem.UncachedAddress, p []byte) error
}

// Platform is everything the driver needs from the hardware.
type Platform interface {
	Registers
	Cache
	Memory
}
