package sramtlb

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb/hw"
	"github.com/mknyszek/sramtlb/hw/sim"
	"github.com/mknyszek/sramtlb/mem"
	"github.com/mknyszek/sramtlb/snapshot"
)

func entries(p *sim.Machine) []uint16 {
	e := make([]uint16, p.Layout().TableEntries())
	for i := range e {
		e[i] = p.Entry(i)
	}
	return e
}

func equalEntries(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// populate builds a mapping where some pages are identity mapped, some
// are not, and one identity address is taken by another page.
func populate(t *testing.T, m *Manager, p *sim.Machine) {
	t.Helper()
	maps := []struct {
		va    mem.VirtAddr
		pa    mem.PhysAddr
		flags Flags
		fill  byte
	}{
		{vp(1), pp(1), PermRW, 0x01},
		{vp(4), pp(5), PermRW, 0x04},
		{vp(9), pp(2), PermRW | PermExec, 0x09},
		{vp(2), pp(6), PermRW, 0x02},
	}
	for _, mp := range maps {
		if err := m.MapPage(mp.va, mp.pa, mp.flags); err != nil {
			t.Fatal(err)
		}
		store(t, p, mp.va, mp.fill)
	}
}

func TestStorageSizeRequired(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	want := mem.Bytes(8*4096 + 16*2 + 8*4 + 4)
	if got := m.StorageSizeRequired(); got != want {
		t.Fatalf("expected %d bytes; got %d", want, got)
	}
}

func TestSaveContext(t *testing.T) {
	m, p := newTestManager(t, Config{ReservedSize: pageSize})
	populate(t, m, p)
	before := entries(p)

	buf := snapshot.NewBuffer(int64(m.StorageSizeRequired()))
	n, err := m.SaveContext(buf)
	if err != nil {
		t.Fatal(err)
	}
	// P0 (reserved), P1, P2, P5 and P6.
	if want := snapshot.LayoutOf(m.Layout()).Size(5); n != want {
		t.Fatalf("expected %d bytes written; got %d", want, n)
	}
	recs, err := snapshot.Index(buf, snapshot.LayoutOf(m.Layout()))
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []mem.PhysAddr{pp(0), pp(1), pp(2), pp(5), pp(6)} {
		if recs[i].Phys != want {
			t.Errorf("expected record %d for %v; got %v", i, want, recs[i].Phys)
		}
	}
	page := make([]byte, pageSize)
	if _, err := buf.ReadAt(page, recs[2].Offset); err != nil || !bytes.Equal(page, fillPage(0x09)) {
		t.Fatalf("expected P2's record to hold what was written through V9: %v", err)
	}

	// The live mapping is unchanged and not shadowed by lines cached
	// while saving.
	if !equalEntries(before, entries(p)) {
		t.Fatal("expected the page table restored after saving")
	}
	if !bytes.Equal(load(t, p, vp(2)), fillPage(0x02)) {
		t.Fatal("expected V2 to still read P6's contents")
	}
	check(t, m)
}

func TestSaveContextShortStorage(t *testing.T) {
	m, p := newTestManager(t, Config{})
	populate(t, m, p)
	before := entries(p)
	if _, err := m.SaveContext(snapshot.NewBuffer(100)); errors.Cause(err) != snapshot.ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer; got %v", err)
	}
	if _, err := m.SaveContext(snapshot.NewBuffer(int64(snapshot.LayoutOf(m.Layout()).Size(2)))); errors.Cause(err) != snapshot.ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer; got %v", err)
	}
	if !equalEntries(before, entries(p)) {
		t.Fatal("expected the page table restored after a failed save")
	}
	check(t, m)
}

func TestSaveRestoreIdentity(t *testing.T) {
	cfg := Config{Layout: hw.Presets["tiny"], ReservedSize: pageSize}
	m, p := newTestManager(t, cfg)
	populate(t, m, p)

	buf := snapshot.NewBuffer(int64(m.StorageSizeRequired()))
	if _, err := m.SaveContext(buf); err != nil {
		t.Fatal(err)
	}
	table := entries(p)
	used := m.UsedPages()

	// A cold machine: every bank gated, SRAM full of junk.
	cold := newMachine(t, sim.Config{Gated: true, PowerLatency: 2})
	r, err := Resume(cold, cfg, buf)
	if err != nil {
		t.Fatal(err)
	}
	if !equalEntries(table, entries(cold)) {
		t.Fatal("expected the page table restored byte for byte")
	}
	got := r.UsedPages()
	if len(got) != len(used) {
		t.Fatalf("expected used pages %v; got %v", used, got)
	}
	want := make([]byte, pageSize)
	have := make([]byte, pageSize)
	for i, pa := range used {
		if got[i] != pa {
			t.Fatalf("expected used pages %v; got %v", used, got)
		}
		p.Peek(pa, want)
		cold.Peek(pa, have)
		if !bytes.Equal(want, have) {
			t.Errorf("page %v differs after restore", pa)
		}
	}
	if !bytes.Equal(load(t, cold, vp(9)), fillPage(0x09)) {
		t.Fatal("expected V9 readable through the restored mapping")
	}
	for b := 0; b < 2; b++ {
		want, _ := m.BankStats(b)
		have, _ := r.BankStats(b)
		if want.Mapped != have.Mapped {
			t.Errorf("bank %d: expected %d mapped; got %d", b, want.Mapped, have.Mapped)
		}
	}
	if s := r.Stats(); s.Restores != 1 || s.MappedPages != uint64(len(used)) {
		t.Fatalf("unexpected stats %+v", s)
	}
	check(t, r)

	// The resumed manager carries on as usual.
	if err := r.UnmapPage(vp(4)); err != nil {
		t.Fatal(err)
	}
	check(t, r)
}

func TestResumeGatesUnusedBanks(t *testing.T) {
	cfg := Config{Layout: hw.Presets["tiny"]}
	m, _ := newTestManager(t, cfg)
	if err := m.MapPage(vp(3), pp(4), PermRW); err != nil {
		t.Fatal(err)
	}
	buf := snapshot.NewBuffer(int64(m.StorageSizeRequired()))
	if _, err := m.SaveContext(buf); err != nil {
		t.Fatal(err)
	}

	warm := newMachine(t, sim.Config{})
	r, err := Resume(warm, cfg, buf)
	if err != nil {
		t.Fatal(err)
	}
	if warm.Powered(0) || !warm.Powered(1) {
		t.Fatal("expected only bank 1 powered after resume")
	}
	check(t, r)
}

func TestRestoreContextTimeout(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	if err := m.MapPage(vp(0), pp(0), PermRW); err != nil {
		t.Fatal(err)
	}
	buf := snapshot.NewBuffer(int64(m.StorageSizeRequired()))
	if _, err := m.SaveContext(buf); err != nil {
		t.Fatal(err)
	}

	cold := newMachine(t, sim.Config{Gated: true})
	cold.SetStuck(0, true)
	if err := RestoreContext(cold, cold.Layout(), buf, 16); errors.Cause(err) != ErrTimeout {
		t.Fatalf("expected ErrTimeout; got %v", err)
	}
	if cold.Entry(0) != 0 {
		t.Fatal("expected the page table left alone after a failed restore")
	}
}

func TestRestoreContextRejectsForeignPages(t *testing.T) {
	l := hw.Presets["tiny"]
	sl := snapshot.LayoutOf(l)
	buf := snapshot.NewBuffer(sl.Size(1))
	w := snapshot.NewWriter(buf, sl)
	if err := w.WriteTable(make([]uint16, sl.TableEntries)); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteRecord(l.SRAMEnd(), fillPage(0)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Close(); err != nil {
		t.Fatal(err)
	}
	cold := newMachine(t, sim.Config{Gated: true})
	if err := RestoreContext(cold, l, buf, 16); errors.Cause(err) != snapshot.ErrCorrupt {
		t.Fatalf("expected ErrCorrupt; got %v", err)
	}
}
