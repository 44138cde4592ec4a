// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sramtlb

import (
	"io"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb/hw"
	"github.com/mknyszek/sramtlb/mem"
	"github.com/mknyszek/sramtlb/power"
	"github.com/mknyszek/sramtlb/snapshot"
)

// StorageSizeRequired returns the storage SaveContext needs in the worst
// case, with every physical page allocated.
func (m *Manager) StorageSizeRequired() mem.Bytes {
	return mem.Bytes(snapshot.LayoutOf(m.layout).Size(m.layout.Pages()))
}

// SaveContext writes the page table and the contents of every allocated
// physical page to dst, and returns the number of bytes written.
//
// Pages are read through their identity mapping, which is installed
// temporarily where the table maps that address elsewhere. The live
// page table is put back before returning.
func (m *Manager) SaveContext(dst snapshot.Storage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tlb
	l := m.layout

	w := snapshot.NewWriter(dst, snapshot.LayoutOf(l))
	saved := t.table()
	if err := w.WriteTable(saved); err != nil {
		return 0, err
	}

	// Commit dirty lines of every mapping before reading SRAM through
	// other addresses.
	for i, e := range saved {
		if e&l.EnableBit() != 0 {
			t.flush(l.VirtBase.Add(mem.Bytes(i)*l.PageSize), l.PageSize)
		}
	}

	var remapped []int
	page := make([]byte, l.PageSize)
	var err error
	t.pages.ForEachUsed(func(pa mem.PhysAddr) bool {
		va := mem.VirtAddr(pa)
		i := t.entryIndex(va)
		want := t.encode(pa, PermRW)
		if got, _, enabled := t.decode(saved[i]); !enabled || got != pa {
			t.write(i, want)
			t.p.Invalidate(va.Cached(), l.PageSize)
			remapped = append(remapped, i)
		}
		if err = t.p.Load(va.Cached(), page); err != nil {
			err = errors.Wrapf(err, "reading page %v", pa)
			return false
		}
		if err = w.WriteRecord(pa, page); err != nil {
			return false
		}
		return true
	})

	for _, i := range remapped {
		t.write(i, saved[i])
		t.p.Invalidate(l.VirtBase.Add(mem.Bytes(i)*l.PageSize).Cached(), l.PageSize)
	}
	if err != nil {
		return 0, err
	}
	n, err := w.Close()
	if err != nil {
		return 0, err
	}
	m.stats.Saves++
	m.log.Info("context saved", "pages", w.Records(), "bytes", n, "remapped", len(remapped))
	return n, nil
}

// RestoreContext writes a context saved by SaveContext back to the
// platform: each page goes to its physical address through the uncached
// window, powering its bank first, and then the page table is written.
//
// It is meant for early boot: it takes no lock, needs no Manager, and
// waits for banks by polling up to budget times without delay.
func RestoreContext(p hw.Platform, layout hw.Layout, src snapshot.Source, budget int) error {
	r, err := snapshot.NewReader(src, snapshot.LayoutOf(layout))
	if err != nil {
		return err
	}
	table, err := r.Table()
	if err != nil {
		return err
	}
	ctl := &power.Controller{Regs: p, Banks: layout.Banks(), Budget: budget}
	powered := make([]bool, layout.Banks())
	aliases := layout.Aliases()
	page := make([]byte, layout.PageSize)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if !layout.InSRAM(rec.Phys) || !rec.Phys.Aligned(layout.PageSize) {
			return errors.Wrapf(snapshot.ErrCorrupt, "record for %v is not a page of SRAM", rec.Phys)
		}
		if b := layout.BankIndex(rec.Phys); !powered[b] {
			if err := ctl.Set(b, true, false); err != nil {
				return errors.Wrapf(err, "restoring %v", rec.Phys)
			}
			powered[b] = true
		}
		if err := r.ReadPage(rec, page); err != nil {
			return err
		}
		if err := p.StoreUncached(aliases.UncachedPhys(rec.Phys), page); err != nil {
			return errors.Wrapf(err, "restoring %v", rec.Phys)
		}
		p.Invalidate(rec.Phys.Cached(), layout.PageSize)
	}
	for i, e := range table {
		p.Write16(hw.TLBEntryReg(i), e)
	}
	return nil
}

// Resume restores a saved context onto p and returns a Manager for the
// restored page table. The allocator and bank counts are rebuilt from
// the table, and banks it does not use are gated.
func Resume(p hw.Platform, cfg Config, src snapshot.Source) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := RestoreContext(p, cfg.Layout, src, cfg.budget()); err != nil {
		return nil, errors.Wrap(err, "restoring context")
	}
	m := newManager(p, cfg)
	if err := m.rebuild(); err != nil {
		return nil, err
	}
	m.stats.Restores++
	m.log.Info("context restored", "mapped", m.tlb.pages.Used(), "powered", m.stats.PoweredBanks)
	return m, nil
}

// rebuild derives the allocator and bank counts from the live table.
func (m *Manager) rebuild() error {
	t := m.tlb
	l := m.layout
	counts := make([]mem.Pages, l.Banks())
	for i, e := range t.table() {
		pa, _, enabled := t.decode(e)
		if !enabled || !l.InSRAM(pa) {
			continue
		}
		if err := t.pages.MarkAllocated(pa, 1); err != nil {
			return errors.Wrapf(snapshot.ErrCorrupt, "entry %d: %v", i, err)
		}
		counts[l.BankIndex(pa)]++
	}
	for b, n := range counts {
		t.banks.Reset(b, n)
		if err := t.ctl.Set(b, n != 0, n == 0); err != nil {
			return errors.Wrapf(err, "setting power of bank %d", b)
		}
	}
	m.recount()
	return nil
}
