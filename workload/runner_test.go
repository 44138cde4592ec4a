package workload

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb"
	"github.com/mknyszek/sramtlb/hw"
	"github.com/mknyszek/sramtlb/hw/sim"
	"github.com/mknyszek/sramtlb/mem"
	"github.com/mknyszek/sramtlb/snapshot"
)

func newMachine(t *testing.T, gated bool) *sim.Machine {
	t.Helper()
	m, err := sim.New(sim.Config{Layout: hw.Presets["tiny"], Gated: gated, PowerLatency: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func newRunner(t *testing.T) *Runner {
	t.Helper()
	r, err := NewRunner(newMachine(t, false), sramtlb.Config{Layout: hw.Presets["tiny"]})
	if err != nil {
		t.Fatal(err)
	}
	r.PowerCycle = func() (hw.Platform, error) {
		return newMachine(t, true), nil
	}
	return r
}

func run(t *testing.T, r *Runner, text string) error {
	t.Helper()
	return r.Run(NewParser(strings.NewReader(text)))
}

func readPage(t *testing.T, r *Runner, va mem.VirtAddr) []byte {
	t.Helper()
	buf := make([]byte, hw.Presets["tiny"].PageSize)
	if err := r.Platform().Load(va.Cached(), buf); err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestRunnerSaveRestore(t *testing.T) {
	r := newRunner(t)
	r.Strict = true
	size := r.Manager().StorageSizeRequired()
	copied := snapshot.NewBuffer(int64(size))
	r.Snapshot = copied

	err := run(t, r, `
map 0xa0000000 0xa0000000 rw
write 0xa0000000 0x11
map-region 0xa0001000 0xa0005000 0x2000 rw
write 0xa0001000 0x22
move 0xa0001000 0x2000 0xa0008000 any
save
write 0xa0000000 0x33
restore
`)
	if err != nil {
		t.Fatal(err)
	}
	if r.Platform() == nil || r.Manager() == nil {
		t.Fatal("expected a platform and a manager after restore")
	}
	if !bytes.Equal(readPage(t, r, 0xa0000000), bytes.Repeat([]byte{0x11}, 4096)) {
		t.Fatal("expected the saved contents of V0 after restore")
	}
	if !bytes.Equal(readPage(t, r, 0xa0008000), bytes.Repeat([]byte{0x22}, 4096)) {
		t.Fatal("expected moved contents at the new address after restore")
	}
	if err := r.Manager().Check(); err != nil {
		t.Fatal(err)
	}

	s := r.Stats()
	if s.Saves != 1 || s.Restores != 1 || s.MappedPages != 3 {
		t.Errorf("unexpected driver stats %+v", s)
	}
	for name, want := range map[string]uint64{
		"op-map":               1,
		"op-write":             3,
		"op-move":              1,
		"op-save":              1,
		"op-restore":           1,
		"workload-failed":      0,
		"workload-write-bytes": 3 * 4096,
	} {
		if got := s.GetOther(name); got != want {
			t.Errorf("%s: expected %d; got %d", name, want, got)
		}
	}

	// The copy matches what the runner restored from.
	n := s.GetOther("workload-saved-bytes")
	if !bytes.Equal(copied.Bytes()[:n], r.Saved().Bytes()[:n]) {
		t.Fatal("expected the snapshot copy to match the saved context")
	}
	if _, err := snapshot.Index(copied, snapshot.LayoutOf(hw.Presets["tiny"])); err != nil {
		t.Fatal(err)
	}
}

func TestRunnerFailures(t *testing.T) {
	text := `
map 0xa0000000 any rw
unmap 0xa0003000
unmap 0xa0000000
`
	r := newRunner(t)
	if err := run(t, r, text); err != nil {
		t.Fatalf("unexpected error outside strict mode: %v", err)
	}
	s := r.Stats()
	if s.GetOther("workload-failed") != 1 || s.Failures != 1 || s.Unmaps != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}

	r = newRunner(t)
	r.Strict = true
	err := run(t, r, text)
	if errors.Cause(err) != sramtlb.ErrUnmapped {
		t.Fatalf("expected ErrUnmapped; got %v", err)
	}
	if !strings.Contains(err.Error(), "line 3") {
		t.Fatalf("expected the line number in %q", err)
	}
	if r.Stats().Unmaps != 0 {
		t.Fatal("expected strict mode to stop at the failure")
	}
}

func TestRunnerRestoreWithoutContext(t *testing.T) {
	r := newRunner(t)
	if err := r.Process(Op{Kind: OpRestore}); errors.Cause(err) != ErrNoContext {
		t.Fatalf("expected ErrNoContext; got %v", err)
	}
	if err := r.Process(Op{Kind: OpSave}); err != nil {
		t.Fatal(err)
	}
	r.PowerCycle = nil
	if err := r.Process(Op{Kind: OpRestore}); err == nil {
		t.Fatal("expected restore to fail without a power cycle")
	}
	if err := r.Process(Op{Kind: OpBad}); errors.Cause(err) != ErrSyntax {
		t.Fatalf("expected ErrSyntax; got %v", err)
	}
}

func TestRunnerFailedOpChangesTable(t *testing.T) {
	r := newRunner(t)
	err := run(t, r, `
map 0xa0000000 any rw
map 0xa0002000 any rw
unmap-region 0xa0000000 0x3000
`)
	if err != nil {
		t.Fatal(err)
	}
	// The region unmap fails on the hole at V1 but still unmaps V0 and V2.
	if s := r.Stats(); s.GetOther("workload-failed") != 1 || s.Unmaps != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if used := r.Manager().UsedPages(); len(used) != 0 {
		t.Fatalf("expected every page freed; got %v", used)
	}
}

func TestRunnerSnapshotFileShrinks(t *testing.T) {
	r := newRunner(t)
	r.Strict = true
	f, err := os.Create(filepath.Join(t.TempDir(), "context.snap"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r.Snapshot = snapshot.File{File: f}

	err = run(t, r, `
map-region 0xa0000000 any 0x3000 rw
save
unmap-region 0xa0001000 0x2000
save
`)
	if err != nil {
		t.Fatal(err)
	}
	sl := snapshot.LayoutOf(hw.Presets["tiny"])
	fi, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != sl.Size(1) {
		t.Fatalf("expected a %d byte snapshot file; got %d", sl.Size(1), fi.Size())
	}
	s := r.Stats()
	if got := s.GetOther("workload-last-save-bytes"); got != uint64(sl.Size(1)) {
		t.Errorf("expected last save of %d bytes; got %d", sl.Size(1), got)
	}
	if got := s.GetOther("workload-saved-bytes"); got != uint64(sl.Size(3)+sl.Size(1)) {
		t.Errorf("expected %d saved bytes in total; got %d", sl.Size(3)+sl.Size(1), got)
	}
	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, r.Saved().Bytes()[:sl.Size(1)]) {
		t.Fatal("expected the file to hold exactly the last snapshot")
	}
}
