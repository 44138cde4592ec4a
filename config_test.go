package sramtlb

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb/hw"
)

func TestConfigValidate(t *testing.T) {
	tiny := hw.Presets["tiny"]
	badLayout := tiny
	badLayout.PageSize = 3000

	specs := []struct {
		cfg Config
		ok  bool
	}{
		{Config{Layout: tiny}, true},
		{Config{Layout: tiny, ReservedSize: 2 * pageSize, Cores: 2, CoreHeapSize: 4 * pageSize, SharedHeapSize: 6 * pageSize}, true},
		{Config{Layout: badLayout}, false},
		{Config{Layout: tiny, ReservedSize: 100}, false},
		{Config{Layout: tiny, Cores: 2, CoreHeapSize: 8 * pageSize, SharedHeapSize: pageSize}, false},
		{Config{Layout: tiny, Cores: -1}, false},
		{Config{Layout: tiny, PowerBudget: -1}, false},
	}
	for i, spec := range specs {
		err := spec.cfg.Validate()
		if spec.ok && err != nil {
			t.Errorf("[spec %d] unexpected error %v", i, err)
		} else if !spec.ok && err == nil {
			t.Errorf("[spec %d] expected an error", i)
		}
	}
}

func TestQueryMemoryRegions(t *testing.T) {
	m, _ := newTestManager(t, Config{
		ReservedSize:   2 * pageSize,
		Cores:          2,
		CoreHeapSize:   3 * pageSize,
		SharedHeapSize: 4 * pageSize,
	})
	want := []Region{
		{vp(2), 3 * pageSize, RegionCoreHeap, 0},
		{vp(5), 3 * pageSize, RegionCoreHeap, 1},
		{vp(8), 4 * pageSize, RegionSharedHeap, -1},
		{vp(12), 4 * pageSize, RegionOpportunistic, -1},
	}
	got := m.QueryMemoryRegions()
	if len(got) != len(want) {
		t.Fatalf("expected %v; got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("region %d: expected %v; got %v", i, want[i], got[i])
		}
	}

	// Regions are copied out.
	got[0].Size = 0
	if m.QueryMemoryRegions()[0].Size != 3*pageSize {
		t.Fatal("expected QueryMemoryRegions to return a copy")
	}

	// Mapping works across region boundaries, but not below them.
	if err := m.MapRegion(vp(4), AnyPhys, 2*pageSize, PermRW); err != nil {
		t.Fatal(err)
	}
	if err := m.MapRegion(vp(1), AnyPhys, 2*pageSize, PermRW); errors.Cause(err) != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument; got %v", err)
	}
	check(t, m)
}

func TestRegionsWithoutHeaps(t *testing.T) {
	regions := buildRegions(&Config{Layout: hw.Presets["tiny"], Cores: 4})
	if len(regions) != 1 || regions[0].Attr != RegionOpportunistic || regions[0].Size != 16*pageSize {
		t.Fatalf("expected one opportunistic region over the whole range; got %v", regions)
	}
}

func TestFlags(t *testing.T) {
	specs := []struct {
		in   string
		want Flags
		str  string
	}{
		{"", 0, "-"},
		{"-", 0, "-"},
		{"rw", PermRW, "rw"},
		{"x|rw", PermRW | PermExec, "rw|x"},
		{"rw|user|uc", PermRW | PermUser | CacheNone, "rw|user|uc"},
		{"wt|x", PermExec | CacheWT, "x|wt"},
	}
	for i, spec := range specs {
		f, err := ParseFlags(spec.in)
		if err != nil {
			t.Fatalf("[spec %d] unexpected error %v", i, err)
		}
		if f != spec.want {
			t.Errorf("[spec %d] expected %#x; got %#x", i, uint32(spec.want), uint32(f))
		}
		if f.String() != spec.str {
			t.Errorf("[spec %d] expected %q; got %q", i, spec.str, f.String())
		}
	}
	if _, err := ParseFlags("rw|nx"); err == nil {
		t.Fatal("expected an unknown flag to fail")
	}
}
