package hw

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb/mem"
)

// Register file map.
const (
	// TLBRegBase is the offset of the first 16-bit page table entry.
	TLBRegBase uint32 = 0x00000

	// PowerRegBase is the offset of the first bank's power gate
	// register block. Each bank has a block of PowerRegStride bytes.
	PowerRegBase   uint32 = 0x40000
	PowerRegStride uint32 = 8

	// PowerCtlOffset is the power gate control register. Writing 1
	// requests the bank be gated (powered off), 0 requests power on.
	PowerCtlOffset uint32 = 0

	// PowerStatusOffset is the power gate status register. It reads 1
	// while the bank is gated.
	PowerStatusOffset uint32 = 4

	maxTableEntries = int(PowerRegBase-TLBRegBase) / 2
)

// TLBEntryReg returns the register offset of page table entry i.
func TLBEntryReg(i int) uint32 {
	return TLBRegBase + 2*uint32(i)
}

// PowerCtlReg returns the register offset of bank's control register.
func PowerCtlReg(bank int) uint32 {
	return PowerRegBase + PowerRegStride*uint32(bank) + PowerCtlOffset
}

// PowerStatusReg returns the register offset of bank's status register.
func PowerStatusReg(bank int) uint32 {
	return PowerRegBase + PowerRegStride*uint32(bank) + PowerStatusOffset
}

// Layout is the fixed description of a platform's memory system.
type Layout struct {
	// PageSize is the TLB page size. Must be a power of two.
	PageSize mem.Bytes

	// SRAMBase and SRAMSize describe the physical SRAM managed by the
	// TLB. SRAMBase must not be zero.
	SRAMBase mem.PhysAddr
	SRAMSize mem.Bytes

	// BankSize is the size of an independently power-gated SRAM bank.
	BankSize mem.Bytes

	// VirtBase and VirtSize describe the virtual range translated by
	// the TLB, one entry per page. The SRAM range must lie inside it
	// so every physical page has an identity mapping.
	VirtBase mem.VirtAddr
	VirtSize mem.Bytes

	// UncachedBase is the start of the uncached alias of the virtual
	// range.
	UncachedBase mem.UncachedAddress

	// AddrBits is the width of the physical page index field of a
	// page table entry. The enable bit sits right above it.
	AddrBits uint

	// Permissions is true if entries carry execute and write bits
	// above the enable bit.
	Permissions bool
}

// Validate checks the layout for internal consistency.
func (l Layout) Validate() error {
	switch {
	case !l.PageSize.IsPow2():
		return errors.Errorf("page size %#x is not a power of two", l.PageSize)
	case l.SRAMBase == 0:
		return errors.New("SRAM base must not be zero")
	case !l.SRAMBase.Aligned(l.PageSize):
		return errors.Errorf("SRAM base %v is not page aligned", l.SRAMBase)
	case l.BankSize == 0 || !l.BankSize.Aligned(l.PageSize):
		return errors.Errorf("bank size %#x is not a multiple of the page size", l.BankSize)
	case l.SRAMSize == 0 || l.SRAMSize%l.BankSize != 0:
		return errors.Errorf("SRAM size %#x is not a multiple of the bank size", l.SRAMSize)
	case !l.VirtBase.Aligned(l.PageSize) || l.VirtSize == 0 || !l.VirtSize.Aligned(l.PageSize):
		return errors.Errorf("virtual range %v+%#x is not page aligned", l.VirtBase, l.VirtSize)
	case uint64(l.VirtBase)+uint64(l.VirtSize) >= 1<<32:
		return errors.New("virtual range overflows the address space")
	case uint64(l.SRAMBase)+uint64(l.SRAMSize) >= 1<<32:
		return errors.New("SRAM range overflows the address space")
	case uint64(l.UncachedBase)+uint64(l.VirtSize) > 1<<32:
		return errors.New("uncached window overflows the address space")
	case mem.VirtAddr(l.SRAMBase) < l.VirtBase ||
		uint64(l.SRAMBase)+uint64(l.SRAMSize) > uint64(l.VirtBase)+uint64(l.VirtSize):
		return errors.New("SRAM range must lie inside the virtual range")
	case l.TableEntries() > maxTableEntries:
		return errors.Errorf("%d page table entries do not fit in the register file", l.TableEntries())
	}
	width := l.AddrBits + 1
	if l.Permissions {
		width += 2
	}
	if width > 16 {
		return errors.Errorf("entry needs %d bits; entries are 16 bits wide", width)
	}
	if uint64(l.Pages()) > 1<<l.AddrBits {
		return errors.Errorf("%d SRAM pages do not fit in a %d-bit address field", l.Pages(), l.AddrBits)
	}
	return nil
}

// Pages returns the number of physical SRAM pages.
func (l Layout) Pages() mem.Pages {
	return mem.Pages(l.SRAMSize / l.PageSize)
}

// Banks returns the number of SRAM banks.
func (l Layout) Banks() int {
	return int(l.SRAMSize / l.BankSize)
}

// BankPages returns the number of pages in a bank.
func (l Layout) BankPages() mem.Pages {
	return mem.Pages(l.BankSize / l.PageSize)
}

// TableEntries returns the number of page table entries.
func (l Layout) TableEntries() int {
	return int(l.VirtSize / l.PageSize)
}

// TableBytes returns the size of the raw page table.
func (l Layout) TableBytes() mem.Bytes {
	return mem.Bytes(l.TableEntries()) * 2
}

// SRAMEnd returns the first physical address past SRAM.
func (l Layout) SRAMEnd() mem.PhysAddr {
	return l.SRAMBase.Add(l.SRAMSize)
}

// VirtEnd returns the first virtual address past the translated range.
func (l Layout) VirtEnd() mem.VirtAddr {
	return l.VirtBase.Add(l.VirtSize)
}

// InSRAM reports whether pa lies inside physical SRAM.
func (l Layout) InSRAM(pa mem.PhysAddr) bool {
	return pa >= l.SRAMBase && pa < l.SRAMEnd()
}

// BankIndex returns the bank holding pa. pa must lie inside SRAM.
func (l Layout) BankIndex(pa mem.PhysAddr) int {
	return int(pa.Sub(l.SRAMBase) / l.BankSize)
}

// Aliases returns the cached/uncached window pair of the platform.
func (l Layout) Aliases() mem.Aliases {
	return mem.Aliases{
		CachedBase:   mem.CachedAddress(l.VirtBase),
		UncachedBase: l.UncachedBase,
		Size:         l.VirtSize,
	}
}

// EnableBit returns the entry bit that enables a translation.
func (l Layout) EnableBit() uint16 {
	return 1 << l.AddrBits
}

// ExecBit returns the execute permission bit, or 0 if the platform has
// no permission bits.
func (l Layout) ExecBit() uint16 {
	if !l.Permissions {
		return 0
	}
	return 1 << (l.AddrBits + 1)
}

// WriteBit returns the write permission bit, or 0 if the platform has
// no permission bits.
func (l Layout) WriteBit() uint16 {
	if !l.Permissions {
		return 0
	}
	return 1 << (l.AddrBits + 2)
}

// AddrMask returns the mask of the physical page index field.
func (l Layout) AddrMask() uint16 {
	return uint16(1<<l.AddrBits) - 1
}

// Presets are the memory layouts of the supported platforms.
var Presets = map[string]Layout{
	// Meteor Lake class DSP: no permission bits in entries.
	"mtl": {
		PageSize:     4096,
		SRAMBase:     0xa0000000,
		SRAMSize:     0x300000,
		BankSize:     0x10000,
		VirtBase:     0xa0000000,
		VirtSize:     0x400000,
		UncachedBase: 0x40000000,
		AddrBits:     12,
	},
	// Lunar Lake class DSP: execute and write bits in entries.
	"lnl": {
		PageSize:     4096,
		SRAMBase:     0xa0000000,
		SRAMSize:     0x300000,
		BankSize:     0x10000,
		VirtBase:     0xa0000000,
		VirtSize:     0x400000,
		UncachedBase: 0x40000000,
		AddrBits:     11,
		Permissions:  true,
	},
	// Eight pages in two banks; handy for experiments.
	"tiny": {
		PageSize:     4096,
		SRAMBase:     0xa0000000,
		SRAMSize:     0x8000,
		BankSize:     0x4000,
		VirtBase:     0xa0000000,
		VirtSize:     0x10000,
		UncachedBase: 0x40000000,
		AddrBits:     4,
		Permissions:  true,
	},
}

// PresetNames returns the sorted names of Presets.
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
