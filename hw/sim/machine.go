// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim implements a simulated DSP memory system: SRAM split into
// power-gated banks, a register file holding the page table and the
// power gate registers, a write-back data cache, and a CPU view of
// memory that translates through the page table.
package sim

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb/hw"
	"github.com/mknyszek/sramtlb/mem"
)

var (
	// ErrPageFault is returned for an access through a disabled page
	// table entry or outside the translated range.
	ErrPageFault = errors.New("page fault")

	// ErrBusError is returned for an access that resolves outside SRAM.
	ErrBusError = errors.New("bus error")

	// ErrBankGated is returned for an access to a powered off bank.
	ErrBankGated = errors.New("access to a power gated bank")
)

// GatedFill is the byte pattern a bank's contents decay to when the
// bank is powered off.
const GatedFill = 0x5a

// Config configures a Machine.
type Config struct {
	hw.Layout

	// LineSize is the data cache line size. Defaults to 64.
	LineSize mem.Bytes

	// PowerLatency is the number of status register reads it takes
	// for a power request to show up in the status register.
	PowerLatency int

	// Gated starts the machine with every bank powered off, as after
	// a cold power-up. Otherwise the boot ROM left every bank on.
	Gated bool
}

type bank struct {
	ctl, status uint32
	pending     int
	stuck       bool
	ons, offs   int
}

type line struct {
	data  []byte
	phys  mem.PhysAddr
	dirty bool
}

// Machine is a simulated platform. It implements hw.Platform.
//
// All methods are safe for concurrent use; each register access and
// each memory access is atomic.
type Machine struct {
	mu       sync.Mutex
	layout   hw.Layout
	aliases  mem.Aliases
	lineSize mem.Bytes
	latency  int
	sram     []byte
	release  func() error
	tlb      []uint16
	banks    []bank
	lines    map[mem.CachedAddress]*line
}

var _ hw.Platform = (*Machine)(nil)

// New creates a new Machine. The page table starts out all disabled.
func New(cfg Config) (*Machine, error) {
	if err := cfg.Layout.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid layout")
	}
	if cfg.LineSize == 0 {
		cfg.LineSize = 64
	}
	if !cfg.LineSize.IsPow2() || cfg.LineSize > cfg.PageSize {
		return nil, errors.Errorf("bad cache line size %#x", cfg.LineSize)
	}
	sram, release, err := allocSRAM(int(cfg.SRAMSize))
	if err != nil {
		return nil, err
	}
	m := &Machine{
		layout:   cfg.Layout,
		aliases:  cfg.Layout.Aliases(),
		lineSize: cfg.LineSize,
		latency:  cfg.PowerLatency,
		sram:     sram,
		release:  release,
		tlb:      make([]uint16, cfg.TableEntries()),
		banks:    make([]bank, cfg.Banks()),
		lines:    make(map[mem.CachedAddress]*line),
	}
	if cfg.Gated {
		for i := range m.banks {
			m.banks[i].ctl = 1
			m.banks[i].status = 1
			m.fillBank(i)
		}
	}
	return m, nil
}

// Close releases the SRAM backing store. The Machine must not be used
// afterwards.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.release == nil {
		return nil
	}
	err := m.release()
	m.release = nil
	m.sram = nil
	return err
}

// Layout returns the machine's memory layout.
func (m *Machine) Layout() hw.Layout {
	return m.layout
}

func (m *Machine) fillBank(i int) {
	start := mem.Bytes(i) * m.layout.BankSize
	b := m.sram[start : start+m.layout.BankSize]
	for j := range b {
		b[j] = GatedFill
	}
}

func (m *Machine) gated(pa mem.PhysAddr) bool {
	return m.banks[m.layout.BankIndex(pa)].status != 0
}

// translate resolves a cached window address through the page table.
func (m *Machine) translate(addr mem.CachedAddress) (mem.PhysAddr, error) {
	va := mem.VirtAddr(addr)
	if va < m.layout.VirtBase || va >= m.layout.VirtEnd() {
		return 0, errors.Wrapf(ErrPageFault, "address %v outside translated range", va)
	}
	off := va.Sub(m.layout.VirtBase)
	entry := m.tlb[off/m.layout.PageSize]
	if entry&m.layout.EnableBit() == 0 {
		return 0, errors.Wrapf(ErrPageFault, "address %v not mapped", va)
	}
	pa := m.layout.SRAMBase.Add(mem.Bytes(entry&m.layout.AddrMask())*m.layout.PageSize + off%m.layout.PageSize)
	if !m.layout.InSRAM(pa) {
		return 0, errors.Wrapf(ErrBusError, "address %v translates to %v", va, pa)
	}
	return pa, nil
}

func (m *Machine) sramSlice(pa mem.PhysAddr, n mem.Bytes) []byte {
	off := pa.Sub(m.layout.SRAMBase)
	return m.sram[off : off+n]
}

// fill returns the cache line holding addr, filling it on a miss.
func (m *Machine) fill(addr mem.CachedAddress) (*line, error) {
	if l, ok := m.lines[addr]; ok {
		return l, nil
	}
	pa, err := m.translate(addr)
	if err != nil {
		return nil, err
	}
	if m.gated(pa) {
		return nil, errors.Wrapf(ErrBankGated, "filling line %#x from %v", uint32(addr), pa)
	}
	l := &line{data: make([]byte, m.lineSize), phys: pa}
	copy(l.data, m.sramSlice(pa, m.lineSize))
	m.lines[addr] = l
	return l, nil
}

// access walks the lines overlapping [addr, addr+len(p)), calling f with
// each line and the portion of p that falls in it.
func (m *Machine) access(addr mem.CachedAddress, p []byte, f func(l *line, lineOff int, chunk []byte)) error {
	for len(p) > 0 {
		base := mem.CachedAddress(mem.Bytes(addr).AlignDown(m.lineSize))
		l, err := m.fill(base)
		if err != nil {
			return err
		}
		lineOff := int(addr - base)
		n := int(m.lineSize) - lineOff
		if n > len(p) {
			n = len(p)
		}
		f(l, lineOff, p[:n])
		p = p[n:]
		addr = addr.Add(mem.Bytes(n))
	}
	return nil
}

// Load implements hw.Memory.
func (m *Machine) Load(addr mem.CachedAddress, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access(addr, p, func(l *line, off int, chunk []byte) {
		copy(chunk, l.data[off:])
	})
}

// Store implements hw.Memory.
func (m *Machine) Store(addr mem.CachedAddress, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access(addr, p, func(l *line, off int, chunk []byte) {
		copy(l.data[off:], chunk)
		l.dirty = true
	})
}

func (m *Machine) uncached(addr mem.UncachedAddress, n int) ([]byte, error) {
	if addr < m.aliases.UncachedBase || mem.Bytes(addr-m.aliases.UncachedBase)+mem.Bytes(n) > m.aliases.Size {
		return nil, errors.Wrapf(ErrBusError, "uncached address %#x outside window", uint32(addr))
	}
	pa := mem.PhysAddr(m.aliases.Cached(addr))
	if !m.layout.InSRAM(pa) || !m.layout.InSRAM(pa.Add(mem.Bytes(n)-1)) {
		return nil, errors.Wrapf(ErrBusError, "uncached access at %v+%#x outside SRAM", pa, n)
	}
	for b := m.layout.BankIndex(pa); b <= m.layout.BankIndex(pa.Add(mem.Bytes(n)-1)); b++ {
		if m.banks[b].status != 0 {
			return nil, errors.Wrapf(ErrBankGated, "uncached access to bank %d", b)
		}
	}
	return m.sramSlice(pa, mem.Bytes(n)), nil
}

// LoadUncached implements hw.Memory.
func (m *Machine) LoadUncached(addr mem.UncachedAddress, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.uncached(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

// StoreUncached implements hw.Memory.
func (m *Machine) StoreUncached(addr mem.UncachedAddress, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.uncached(addr, len(p))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}
