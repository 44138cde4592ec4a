// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sramtlb manages the page table of a DSP whose SRAM sits behind
// a software programmed TLB.
//
// A Manager owns the page table, the physical page allocator and the
// per-bank page counts. It keeps the three consistent: a physical page
// is allocated exactly while one enabled entry refers to it, and a bank
// is powered exactly while it holds an allocated page. Every mapping
// operation takes the Manager's lock once, including the multi-page
// ones, which undo their partial work on failure.
//
// SaveContext and RestoreContext serialize the page table and every
// allocated page across a power cycle of the DSP.
package sramtlb

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb/hw"
	"github.com/mknyszek/sramtlb/mem"
	"github.com/mknyszek/sramtlb/pagealloc"
	"github.com/mknyszek/sramtlb/power"
	"github.com/mknyszek/sramtlb/stats"
)

// Manager is the page table manager of one platform. Create one with
// New, or with Resume after a power cycle.
//
// All methods are safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	layout hw.Layout
	p      hw.Platform
	cfg    Config
	log    *slog.Logger
	stats  *stats.Stats
	tlb    *tlb
}

func newManager(p hw.Platform, cfg Config) *Manager {
	l := cfg.Layout
	st := cfg.Stats
	if st == nil {
		st = stats.New()
	}
	log := cfg.logger()
	ctl := &power.Controller{
		Regs:   p,
		Banks:  l.Banks(),
		Budget: cfg.budget(),
		Delay:  cfg.PowerDelay,
		Logger: log,
	}
	return &Manager{
		layout: l,
		p:      p,
		cfg:    cfg,
		log:    log,
		stats:  st,
		tlb: &tlb{
			layout:  l,
			p:       p,
			pages:   pagealloc.New(l.SRAMBase, l.PageSize, l.Pages()),
			ctl:     ctl,
			banks:   power.NewTracker(ctl, l.BankPages()),
			regions: buildRegions(&cfg),
			stats:   st,
		},
	}
}

// New takes over the page table of p.
//
// It first maps every SRAM page at its own address, as the boot ROM
// does, and powers every bank. It then unmaps everything past the
// reserved prefix, gating the banks left empty.
func New(p hw.Platform, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := newManager(p, cfg)
	if err := m.boot(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) boot() error {
	t := m.tlb
	l := m.layout
	for i := 0; i < l.TableEntries(); i++ {
		t.write(i, 0)
	}
	for pa := l.SRAMBase; pa < l.SRAMEnd(); pa = pa.Add(l.PageSize) {
		t.write(t.entryIndex(mem.VirtAddr(pa)), t.encode(pa, PermRW|PermExec))
	}
	if err := t.pages.MarkAllocated(l.SRAMBase, l.Pages()); err != nil {
		return errors.Wrap(err, "marking boot mapping")
	}
	for b := 0; b < l.Banks(); b++ {
		if err := t.ctl.Set(b, true, false); err != nil {
			return errors.Wrapf(err, "powering bank %d at boot", b)
		}
	}

	// Nothing has run through the unmapped range yet, so there is
	// nothing to flush, and power off need not wait.
	start := t.entryIndex(l.VirtBase.Add(m.cfg.ReservedSize))
	for i := start; i < l.TableEntries(); i++ {
		e := t.read(i)
		pa, _, enabled := t.decode(e)
		if !enabled {
			continue
		}
		t.write(i, e&^l.EnableBit())
		if !l.InSRAM(pa) {
			continue
		}
		t.pages.Free(pa)
		if b := l.BankIndex(pa); t.banks.Release(b) {
			if err := t.ctl.Set(b, false, true); err != nil {
				return errors.Wrapf(err, "gating bank %d at boot", b)
			}
		}
	}
	m.recount()
	m.log.Info("page table initialized",
		"pages", l.Pages(), "mapped", t.pages.Used(), "banks", l.Banks(),
		"powered", m.stats.PoweredBanks, "regions", len(t.regions))
	return nil
}

// recount sets the occupancy counters from the allocator and banks.
func (m *Manager) recount() {
	m.stats.MappedPages = uint64(m.tlb.pages.Used())
	m.stats.PoweredBanks = 0
	for b := 0; b < m.tlb.banks.Len(); b++ {
		if m.tlb.banks.Bank(b).Mapped != 0 {
			m.stats.PoweredBanks++
		}
	}
}

// Layout returns the platform layout the manager was created with.
func (m *Manager) Layout() hw.Layout {
	return m.layout
}

// do runs f under the lock, counting it as one operation.
func (m *Manager) do(f func(t *tlb) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Ops++
	err := f(m.tlb)
	if err != nil {
		m.stats.Failures++
		m.log.Debug("operation failed", "err", err)
	}
	return err
}

// MapPage maps the virtual page va to the physical page pa, or to the
// first free physical page if pa is AnyPhys. It powers pa's bank if it
// was empty.
func (m *Manager) MapPage(va mem.VirtAddr, pa mem.PhysAddr, flags Flags) error {
	return m.do(func(t *tlb) error {
		return t.mapPage(va, pa, flags)
	})
}

// UnmapPage writes back and unmaps the virtual page va, freeing its
// physical page and gating the bank if it became empty.
//
// If gating the bank times out, UnmapPage returns ErrTimeout, but the
// page stays unmapped and freed and the bank's count reflects that;
// only the bank's power is left behind.
func (m *Manager) UnmapPage(va mem.VirtAddr) error {
	return m.do(func(t *tlb) error {
		return t.unmapPage(va, true)
	})
}

// PagePhys returns the physical page va is mapped to.
func (m *Manager) PagePhys(va mem.VirtAddr) (mem.PhysAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, _, err := m.tlb.lookup(va)
	return pa, err
}

// PageFlags returns the flags va is mapped with. Only the flags the
// platform's entries can hold are reported.
func (m *Manager) PageFlags(va mem.VirtAddr) (Flags, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, flags, err := m.tlb.lookup(va)
	return flags, err
}

// UpdatePageFlags changes the flags of the mapped page va.
func (m *Manager) UpdatePageFlags(va mem.VirtAddr, flags Flags) error {
	return m.do(func(t *tlb) error {
		return t.setFlags(va, flags)
	})
}

// UpdateRegionFlags changes the flags of every page in [va, va+size),
// all of which must be mapped.
func (m *Manager) UpdateRegionFlags(va mem.VirtAddr, size mem.Bytes, flags Flags) error {
	return m.do(func(t *tlb) error {
		return updateRegionFlags(t, va, size, flags)
	})
}

// MapRegion maps [va, va+size) to consecutive physical pages starting
// at pa, or to free pages chosen one at a time if pa is AnyPhys.
func (m *Manager) MapRegion(va mem.VirtAddr, pa mem.PhysAddr, size mem.Bytes, flags Flags) error {
	return m.do(func(t *tlb) error {
		return mapRegion(t, va, pa, size, flags)
	})
}

// MapArray maps consecutive virtual pages starting at va to the
// physical pages in phys.
func (m *Manager) MapArray(va mem.VirtAddr, phys []mem.PhysAddr, flags Flags) error {
	return m.do(func(t *tlb) error {
		return mapArray(t, va, phys, flags)
	})
}

// UnmapRegion unmaps every page in [va, va+size). Pages that fail to
// unmap do not stop the others; the first failure is returned.
func (m *Manager) UnmapRegion(va mem.VirtAddr, size mem.Bytes) error {
	return m.do(func(t *tlb) error {
		return unmapRegion(t, va, size)
	})
}

// RemapRegion moves the mappings of [src, src+size) to dst, keeping
// their physical pages and flags. The source must be fully mapped and
// the destination fully unmapped.
func (m *Manager) RemapRegion(src mem.VirtAddr, size mem.Bytes, dst mem.VirtAddr) error {
	return m.do(func(t *tlb) error {
		return remapRegion(t, src, size, dst)
	})
}

// MoveRegion maps dst to fresh physical pages starting at pa, or to
// free pages if pa is AnyPhys, copies the contents of src over and
// unmaps src.
func (m *Manager) MoveRegion(src mem.VirtAddr, size mem.Bytes, dst mem.VirtAddr, pa mem.PhysAddr) error {
	return m.do(func(t *tlb) error {
		return moveRegion(t, src, size, dst, pa)
	})
}

// MoveArray is like MoveRegion with the new physical pages given
// explicitly.
func (m *Manager) MoveArray(src mem.VirtAddr, size mem.Bytes, dst mem.VirtAddr, phys []mem.PhysAddr) error {
	return m.do(func(t *tlb) error {
		return moveArray(t, src, size, dst, phys)
	})
}

// QueryMemoryRegions returns the virtual regions pages may be mapped
// into.
func (m *Manager) QueryMemoryRegions() []Region {
	return append([]Region(nil), m.tlb.regions...)
}

// BankStats returns the page counters of a bank.
func (m *Manager) BankStats(bank int) (power.Bank, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bank < 0 || bank >= m.tlb.banks.Len() {
		return power.Bank{}, errors.Wrapf(ErrInvalidArgument, "bank %d out of range [0, %d)", bank, m.tlb.banks.Len())
	}
	return m.tlb.banks.Bank(bank), nil
}

// ResetMaxStats resets every bank's high-water mark.
func (m *Manager) ResetMaxStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tlb.banks.ResetMax()
}

// Stats returns a copy of the manager's counters.
func (m *Manager) Stats() *stats.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.Clone()
}

// UsedPages returns every allocated physical page in ascending order.
func (m *Manager) UsedPages() []mem.PhysAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	var used []mem.PhysAddr
	m.tlb.pages.ForEachUsed(func(pa mem.PhysAddr) bool {
		used = append(used, pa)
		return true
	})
	return used
}

// Check verifies that the page table, the allocator and the banks
// agree: a page is allocated iff exactly one enabled entry refers to
// it, each bank's count is the number of such pages in it, and a bank
// is requested powered iff its count is non-zero.
func (m *Manager) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tlb
	l := m.layout

	refs := make([]int, l.Pages())
	banks := make([]uint32, l.Banks())
	for i, e := range t.table() {
		pa, _, enabled := t.decode(e)
		if !enabled || !l.InSRAM(pa) {
			continue
		}
		idx := pa.Sub(l.SRAMBase) / l.PageSize
		refs[idx]++
		if refs[idx] > 1 {
			return errors.Wrapf(ErrInconsistent, "entry %d maps %v, which is already mapped", i, pa)
		}
		banks[l.BankIndex(pa)]++
	}
	for idx, n := range refs {
		pa := l.SRAMBase.Add(mem.Bytes(idx) * l.PageSize)
		if used := t.pages.IsUsed(pa); used != (n == 1) {
			return errors.Wrapf(ErrInconsistent, "page %v allocated=%t with %d mappings", pa, used, n)
		}
	}
	for b, n := range banks {
		got := t.banks.Bank(b)
		if got.Mapped != n || got.Mapped+got.Unmapped != uint32(l.BankPages()) {
			return errors.Wrapf(ErrInconsistent, "bank %d counts %+v with %d mapped pages", b, got, n)
		}
		if on := t.ctl.Requested(b); on != (n != 0) {
			return errors.Wrapf(ErrInconsistent, "bank %d powered=%t with %d mapped pages", b, on, n)
		}
	}
	return nil
}
