package power

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb/hw"
	"github.com/mknyszek/sramtlb/hw/sim"
)

func newMachine(t *testing.T, latency int) *sim.Machine {
	t.Helper()
	m, err := sim.New(sim.Config{Layout: hw.Presets["tiny"], PowerLatency: latency})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestControllerSet(t *testing.T) {
	m := newMachine(t, 5)
	delays := 0
	c := &Controller{Regs: m, Banks: 2, Delay: func() { delays++ }}

	if err := c.Set(1, false, false); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if m.Powered(1) || c.IsOn(1) {
		t.Fatal("expected bank 1 to be off after a blocking Set")
	}
	if delays != 4 {
		t.Fatalf("expected 4 delays for 5 polls; got %d", delays)
	}

	if err := c.Set(1, true, true); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if m.Powered(1) || c.IsOn(1) {
		t.Fatal("expected a non-blocking request to leave the status pending")
	}
	if !c.Requested(1) {
		t.Fatal("expected the request for power to be visible")
	}

	if err := c.Set(2, true, false); err == nil {
		t.Fatal("expected out of range bank to fail")
	}
}

func TestControllerTimeout(t *testing.T) {
	m := newMachine(t, 0)
	m.SetStuck(0, true)
	c := &Controller{Regs: m, Banks: 2, Budget: 10}
	if err := c.Set(0, false, false); errors.Cause(err) != ErrTimeout {
		t.Fatalf("expected ErrTimeout; got %v", err)
	}
	if !c.IsOn(0) || c.Requested(0) {
		t.Fatal("expected a stuck bank to stay on with power off requested")
	}
}

func TestTrackerTransitions(t *testing.T) {
	m := newMachine(t, 0)
	c := &Controller{Regs: m, Banks: 2}
	tr := NewTracker(c, 4)

	for i := 0; i < 4; i++ {
		if err := tr.PageUnmapped(0); err != nil {
			t.Fatal(err)
		}
	}
	if m.Powered(0) {
		t.Fatal("expected bank 0 off after its last page was unmapped")
	}
	if got := tr.Bank(0); got.Mapped != 0 || got.Unmapped != 4 || got.MaxMapped != 4 {
		t.Fatalf("unexpected counters %+v", got)
	}

	if err := tr.PageMapped(0); err != nil {
		t.Fatal(err)
	}
	if !m.Powered(0) {
		t.Fatal("expected bank 0 on after its first page was mapped")
	}
	if err := tr.PageMapped(0); err != nil {
		t.Fatal(err)
	}
	if ons, offs := m.Transitions(0); ons != 1 || offs != 1 {
		t.Fatalf("expected a single on and off transition; got %d and %d", ons, offs)
	}

	tr.ResetMax()
	if got := tr.Bank(0).MaxMapped; got != 2 {
		t.Fatalf("expected high-water mark 2 after reset; got %d", got)
	}
}

func TestTrackerRollsBackOnTimeout(t *testing.T) {
	m := newMachine(t, 0)
	c := &Controller{Regs: m, Banks: 2, Budget: 4}
	tr := NewTracker(c, 4)
	tr.Reset(1, 0)
	c.Set(1, false, false)

	m.SetStuck(1, true)
	if err := tr.PageMapped(1); errors.Cause(err) != ErrTimeout {
		t.Fatalf("expected ErrTimeout; got %v", err)
	}
	if got := tr.Bank(1); got.Mapped != 0 || got.Unmapped != 4 {
		t.Fatalf("expected counters rolled back; got %+v", got)
	}
}

func TestTrackerUnderflowPanics(t *testing.T) {
	m := newMachine(t, 0)
	tr := NewTracker(&Controller{Regs: m, Banks: 2}, 4)
	tr.Reset(0, 0)
	defer func() {
		if recover() == nil {
			t.Fatal("expected refcount underflow to panic")
		}
	}()
	tr.PageUnmapped(0)
}

func TestTrackerOverflowPanics(t *testing.T) {
	m := newMachine(t, 0)
	tr := NewTracker(&Controller{Regs: m, Banks: 2}, 4)
	defer func() {
		if recover() == nil {
			t.Fatal("expected refcount overflow to panic")
		}
	}()
	tr.PageMapped(0)
}

func TestTrackerRelease(t *testing.T) {
	m := newMachine(t, 0)
	c := &Controller{Regs: m, Banks: 2}
	tr := NewTracker(c, 4)
	tr.Reset(1, 2)
	if tr.Release(1) {
		t.Fatal("expected bank 1 to still hold a page")
	}
	if !tr.Release(1) {
		t.Fatal("expected bank 1 to be empty")
	}
	if !m.Powered(1) || !c.Requested(1) {
		t.Fatal("expected Release to leave the power gate alone")
	}
	if got := tr.Bank(1); got.Mapped != 0 || got.Unmapped != 4 || got.MaxMapped != 2 {
		t.Fatalf("unexpected counters %+v", got)
	}
}
