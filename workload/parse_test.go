package workload

import (
	"io"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb"
	"github.com/mknyszek/sramtlb/mem"
)

func parseAll(t *testing.T, text string) []Op {
	t.Helper()
	p := NewParser(strings.NewReader(text))
	var ops []Op
	for {
		op, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		ops = append(ops, op)
	}
	if p.Progress() != 1 {
		t.Errorf("expected progress 1 at EOF; got %f", p.Progress())
	}
	return ops
}

func equalOps(a, b Op) bool {
	if len(a.PhysList) != len(b.PhysList) {
		return false
	}
	for i := range a.PhysList {
		if a.PhysList[i] != b.PhysList[i] {
			return false
		}
	}
	return a.Kind == b.Kind && a.Virt == b.Virt && a.Dst == b.Dst &&
		a.Phys == b.Phys && a.Size == b.Size && a.Flags == b.Flags &&
		a.Fill == b.Fill && a.Line == b.Line
}

func TestParse(t *testing.T) {
	ops := parseAll(t, `
# A comment on its own.
map 0xa0001000 any rw|x
unmap 0xa0001000   # trailing comment
map-region 0xa0002000 0xa0005000 0x2000
map-array 0xa0008000 0xa0003000,0xa0001000 rw|uc
unmap-region 0xa0002000 8192
remap 0xa0008000 0x2000 0xa000a000
move 0xa000a000 0x2000 0xa0004000 any
move-array 0xa0004000 0x2000 0xa0008000 0xa0006000,0xa0007000

flags 0xa0008000 0x1000 -
write 0xa0008000 0x7f
save
restore
`)
	want := []Op{
		{Kind: OpMap, Virt: 0xa0001000, Phys: sramtlb.AnyPhys, Flags: sramtlb.PermRW | sramtlb.PermExec, Line: 3},
		{Kind: OpUnmap, Virt: 0xa0001000, Line: 4},
		{Kind: OpMapRegion, Virt: 0xa0002000, Phys: 0xa0005000, Size: 0x2000, Line: 5},
		{Kind: OpMapArray, Virt: 0xa0008000, PhysList: []mem.PhysAddr{0xa0003000, 0xa0001000}, Flags: sramtlb.PermRW | sramtlb.CacheNone, Line: 6},
		{Kind: OpUnmapRegion, Virt: 0xa0002000, Size: 0x2000, Line: 7},
		{Kind: OpRemap, Virt: 0xa0008000, Size: 0x2000, Dst: 0xa000a000, Line: 8},
		{Kind: OpMove, Virt: 0xa000a000, Size: 0x2000, Dst: 0xa0004000, Phys: sramtlb.AnyPhys, Line: 9},
		{Kind: OpMoveArray, Virt: 0xa0004000, Size: 0x2000, Dst: 0xa0008000, PhysList: []mem.PhysAddr{0xa0006000, 0xa0007000}, Line: 10},
		{Kind: OpFlags, Virt: 0xa0008000, Size: 0x1000, Line: 12},
		{Kind: OpWrite, Virt: 0xa0008000, Fill: 0x7f, Line: 13},
		{Kind: OpSave, Line: 14},
		{Kind: OpRestore, Line: 15},
	}
	if len(ops) != len(want) {
		t.Fatalf("expected %d ops; got %d: %v", len(want), len(ops), ops)
	}
	for i := range want {
		if !equalOps(ops[i], want[i]) {
			t.Errorf("[spec %d] expected %+v; got %+v", i, want[i], ops[i])
		}
	}

	// Formatting an op yields a line that parses back to it.
	var lines []string
	for _, op := range ops {
		lines = append(lines, op.String())
	}
	again := parseAll(t, strings.Join(lines, "\n"))
	for i := range ops {
		ops[i].Line = i + 1
		if !equalOps(ops[i], again[i]) {
			t.Errorf("[spec %d] %q parsed as %+v", i, lines[i], again[i])
		}
	}
}

func TestParseErrors(t *testing.T) {
	specs := []string{
		"mop 0xa0000000",
		"map 0xa0000000",
		"map 0xa0000000 any rw extra",
		"unmap nowhere",
		"map 0xa0000000 0x100000000",
		"map 0xa0000000 any rw|nx",
		"map-array 0xa0000000 0xa0001000,,0xa0002000",
		"write 0xa0000000 256",
		"save now",
	}
	for i, spec := range specs {
		p := NewParser(strings.NewReader("save\n\n" + spec + "\n"))
		if _, err := p.Next(); err != nil {
			t.Fatalf("[spec %d] unexpected error on first line: %v", i, err)
		}
		_, err := p.Next()
		if errors.Cause(err) != ErrSyntax {
			t.Errorf("[spec %d] expected ErrSyntax; got %v", i, err)
			continue
		}
		if !strings.Contains(err.Error(), "line 3") {
			t.Errorf("[spec %d] expected the line number in %q", i, err)
		}
	}
}

func TestProgress(t *testing.T) {
	text := "save\nsave\n"
	p := NewParser(strings.NewReader(text))
	if p.Progress() != 0 {
		t.Fatalf("expected no progress; got %f", p.Progress())
	}
	if _, err := p.Next(); err != nil {
		t.Fatal(err)
	}
	if got := p.Progress(); got != 0.5 {
		t.Fatalf("expected progress 0.5; got %f", got)
	}
	if _, err := p.Next(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF; got %v", err)
	}
	if p.Progress() != 1 {
		t.Fatalf("expected progress 1; got %f", p.Progress())
	}
}
