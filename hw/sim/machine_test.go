package sim

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb/hw"
)

func newTiny(t *testing.T, cfg Config) *Machine {
	t.Helper()
	cfg.Layout = hw.Presets["tiny"]
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error creating machine: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// mapIdentity enables entry i as an identity mapping of physical page i.
func mapIdentity(m *Machine, i int) {
	l := m.Layout()
	m.Write16(hw.TLBEntryReg(i), uint16(i)|l.EnableBit())
}

func TestLoadStoreThroughTLB(t *testing.T) {
	m := newTiny(t, Config{})
	l := m.Layout()

	va := l.VirtBase.Add(2 * l.PageSize).Cached()
	if err := m.Load(va, make([]byte, 4)); errors.Cause(err) != ErrPageFault {
		t.Fatalf("expected ErrPageFault for unmapped load; got %v", err)
	}

	// Map virtual page 2 to physical page 5.
	m.Write16(hw.TLBEntryReg(2), 5|l.EnableBit())
	data := []byte("hello, sram")
	if err := m.Store(va.Add(100), data); err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if resident, dirty := m.Resident(va.Add(100)); !resident || !dirty {
		t.Fatalf("expected a dirty resident line; got resident=%t dirty=%t", resident, dirty)
	}

	got := make([]byte, len(data))
	m.Peek(l.SRAMBase.Add(5*l.PageSize+100), got)
	if bytes.Equal(got, data) {
		t.Fatal("expected store to stay in the cache before a flush")
	}

	m.Flush(va, l.PageSize)
	m.Peek(l.SRAMBase.Add(5*l.PageSize+100), got)
	if !bytes.Equal(got, data) {
		t.Fatalf("expected flushed data %q in SRAM; got %q", data, got)
	}
}

func TestInvalidateDiscardsDirtyLines(t *testing.T) {
	m := newTiny(t, Config{})
	l := m.Layout()
	mapIdentity(m, 0)

	va := l.VirtBase.Cached()
	if err := m.Store(va, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	m.Invalidate(va, 3)
	if resident, _ := m.Resident(va); resident {
		t.Fatal("expected line to be gone after invalidate")
	}
	got := make([]byte, 3)
	if err := m.Load(va, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0, 0, 0}) {
		t.Fatalf("expected invalidated store to be lost; got %v", got)
	}
}

func TestUncachedAccess(t *testing.T) {
	m := newTiny(t, Config{})
	l := m.Layout()
	ua := l.Aliases().UncachedPhys(l.SRAMBase.Add(3 * l.PageSize))

	if err := m.StoreUncached(ua, []byte{9, 9}); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 2)
	m.Peek(l.SRAMBase.Add(3*l.PageSize), got)
	if !bytes.Equal(got, []byte{9, 9}) {
		t.Fatalf("expected uncached store to reach SRAM; got %v", got)
	}

	past := l.Aliases().UncachedPhys(l.SRAMBase).Add(l.SRAMSize)
	if err := m.LoadUncached(past, got); errors.Cause(err) != ErrBusError {
		t.Fatalf("expected ErrBusError past SRAM; got %v", err)
	}
}

func TestPowerGating(t *testing.T) {
	m := newTiny(t, Config{PowerLatency: 3})
	l := m.Layout()

	if !m.Powered(1) {
		t.Fatal("expected bank 1 to start powered")
	}
	m.Write32(hw.PowerCtlReg(1), 1)
	for i := 0; i < 2; i++ {
		if m.Read32(hw.PowerStatusReg(1)) != 0 {
			t.Fatalf("expected status to lag on read %d", i)
		}
	}
	if m.Read32(hw.PowerStatusReg(1)) != 1 {
		t.Fatal("expected bank 1 to report gated after the latency")
	}

	got := make([]byte, 1)
	m.Peek(l.SRAMBase.Add(l.BankSize), got)
	if got[0] != GatedFill {
		t.Fatalf("expected gated bank contents to decay to %#x; got %#x", GatedFill, got[0])
	}

	ua := l.Aliases().UncachedPhys(l.SRAMBase.Add(l.BankSize))
	if err := m.LoadUncached(ua, got); errors.Cause(err) != ErrBankGated {
		t.Fatalf("expected ErrBankGated; got %v", err)
	}
	if ons, offs := m.Transitions(1); ons != 0 || offs != 1 {
		t.Fatalf("expected 0 ons and 1 off; got %d and %d", ons, offs)
	}
}

func TestStuckBank(t *testing.T) {
	m := newTiny(t, Config{Gated: true})
	m.SetStuck(0, true)
	m.Write32(hw.PowerCtlReg(0), 0)
	for i := 0; i < 10; i++ {
		if m.Read32(hw.PowerStatusReg(0)) != 1 {
			t.Fatal("expected a stuck bank to stay gated")
		}
	}
	m.SetStuck(0, false)
	m.Write32(hw.PowerCtlReg(0), 0)
	if m.Read32(hw.PowerStatusReg(0)) != 0 {
		t.Fatal("expected bank to power on once unstuck")
	}
}

func TestFlushToGatedBankIsLost(t *testing.T) {
	m := newTiny(t, Config{})
	l := m.Layout()
	mapIdentity(m, 0)

	va := l.VirtBase.Cached()
	if err := m.Store(va, []byte{7}); err != nil {
		t.Fatal(err)
	}
	m.Write32(hw.PowerCtlReg(0), 1)
	m.FlushAll()

	got := make([]byte, 1)
	m.Peek(l.SRAMBase, got)
	if got[0] != GatedFill {
		t.Fatalf("expected write back to a gated bank to be dropped; got %#x", got[0])
	}
}
