// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package workload

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb"
	"github.com/mknyszek/sramtlb/mem"
)

// ErrSyntax is returned for a malformed workload line.
var ErrSyntax = errors.New("syntax error")

// Source is a workload source.
type Source interface {
	io.ReaderAt

	// Len returns the size of the workload in bytes.
	Len() int
}

// Parser reads operations from a workload, one per line.
//
// Fields are separated by spaces. Text after a '#' is ignored, as
// are blank lines. Numbers may be written in any base strconv
// accepts with a prefix, and a physical page may be written as
// "any" to let the driver choose one.
//
//	map <virt> <phys> [flags]
//	unmap <virt>
//	map-region <virt> <phys> <size> [flags]
//	map-array <virt> <phys>,<phys>,... [flags]
//	unmap-region <virt> <size>
//	remap <src> <size> <dst>
//	move <src> <size> <dst> [phys]
//	move-array <src> <size> <dst> <phys>,<phys>,...
//	flags <virt> <size> <flags>
//	write <virt> <byte>
//	save
//	restore
type Parser struct {
	src  Source
	sc   *bufio.Scanner
	line int
	read int
}

// NewParser returns a Parser reading src from the start.
func NewParser(src Source) *Parser {
	return &Parser{
		src: src,
		sc:  bufio.NewScanner(io.NewSectionReader(src, 0, int64(src.Len()))),
	}
}

// Progress returns a float64 value between 0 and 1 indicating the
// approximate progress of parsing through the workload.
func (p *Parser) Progress() float64 {
	n := p.src.Len()
	if n == 0 || p.read >= n {
		return 1
	}
	return float64(p.read) / float64(n)
}

// Next returns the next operation in the workload, or io.EOF at the end.
func (p *Parser) Next() (Op, error) {
	for p.sc.Scan() {
		p.line++
		p.read += len(p.sc.Bytes()) + 1
		text := p.sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		op, err := parseOp(fields)
		if err != nil {
			return Op{}, errors.Wrapf(err, "line %d", p.line)
		}
		op.Line = p.line
		return op, nil
	}
	if err := p.sc.Err(); err != nil {
		return Op{}, errors.Wrapf(err, "reading line %d", p.line+1)
	}
	return Op{}, io.EOF
}

type syntax struct {
	kind      OpKind
	args      string
	min, max  int
	parseArgs func(op *Op, args []string) error
}

var syntaxes map[string]syntax

func init() {
	syntaxes = map[string]syntax{
		"map": {OpMap, "<virt> <phys> [flags]", 2, 3, func(op *Op, a []string) (err error) {
			if op.Virt, err = parseVirt(a[0]); err != nil {
				return err
			}
			if op.Phys, err = parsePhys(a[1]); err != nil {
				return err
			}
			op.Flags, err = parseFlags(a, 2)
			return err
		}},
		"unmap": {OpUnmap, "<virt>", 1, 1, func(op *Op, a []string) (err error) {
			op.Virt, err = parseVirt(a[0])
			return err
		}},
		"map-region": {OpMapRegion, "<virt> <phys> <size> [flags]", 3, 4, func(op *Op, a []string) (err error) {
			if op.Virt, err = parseVirt(a[0]); err != nil {
				return err
			}
			if op.Phys, err = parsePhys(a[1]); err != nil {
				return err
			}
			if op.Size, err = parseSize(a[2]); err != nil {
				return err
			}
			op.Flags, err = parseFlags(a, 3)
			return err
		}},
		"map-array": {OpMapArray, "<virt> <phys>,... [flags]", 2, 3, func(op *Op, a []string) (err error) {
			if op.Virt, err = parseVirt(a[0]); err != nil {
				return err
			}
			if op.PhysList, err = parseList(a[1]); err != nil {
				return err
			}
			op.Flags, err = parseFlags(a, 2)
			return err
		}},
		"unmap-region": {OpUnmapRegion, "<virt> <size>", 2, 2, func(op *Op, a []string) (err error) {
			if op.Virt, err = parseVirt(a[0]); err != nil {
				return err
			}
			op.Size, err = parseSize(a[1])
			return err
		}},
		"remap": {OpRemap, "<src> <size> <dst>", 3, 3, func(op *Op, a []string) error {
			return parseMove(op, a)
		}},
		"move": {OpMove, "<src> <size> <dst> [phys]", 3, 4, func(op *Op, a []string) (err error) {
			if err := parseMove(op, a); err != nil {
				return err
			}
			if len(a) > 3 {
				op.Phys, err = parsePhys(a[3])
			}
			return err
		}},
		"move-array": {OpMoveArray, "<src> <size> <dst> <phys>,...", 4, 4, func(op *Op, a []string) (err error) {
			if err := parseMove(op, a); err != nil {
				return err
			}
			op.PhysList, err = parseList(a[3])
			return err
		}},
		"flags": {OpFlags, "<virt> <size> <flags>", 3, 3, func(op *Op, a []string) (err error) {
			if op.Virt, err = parseVirt(a[0]); err != nil {
				return err
			}
			if op.Size, err = parseSize(a[1]); err != nil {
				return err
			}
			op.Flags, err = parseFlags(a, 2)
			return err
		}},
		"write": {OpWrite, "<virt> <byte>", 2, 2, func(op *Op, a []string) error {
			va, err := parseVirt(a[0])
			if err != nil {
				return err
			}
			b, err := strconv.ParseUint(a[1], 0, 8)
			if err != nil {
				return errors.Wrapf(ErrSyntax, "bad fill byte %q", a[1])
			}
			op.Virt, op.Fill = va, byte(b)
			return nil
		}},
		"save":    {OpSave, "", 0, 0, nil},
		"restore": {OpRestore, "", 0, 0, nil},
	}
}

func parseOp(fields []string) (Op, error) {
	name, args := fields[0], fields[1:]
	s, ok := syntaxes[name]
	if !ok {
		return Op{}, errors.Wrapf(ErrSyntax, "unknown operation %q", name)
	}
	if len(args) < s.min || len(args) > s.max {
		return Op{}, errors.Wrapf(ErrSyntax, "usage: %s %s", name, s.args)
	}
	op := Op{Kind: s.kind}
	if s.parseArgs != nil {
		if err := s.parseArgs(&op, args); err != nil {
			return Op{}, errors.Wrap(err, name)
		}
	}
	return op, nil
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrSyntax, "bad address %q", s)
	}
	return uint32(v), nil
}

func parseVirt(s string) (mem.VirtAddr, error) {
	a, err := parseAddr(s)
	return mem.VirtAddr(a), err
}

func parsePhys(s string) (mem.PhysAddr, error) {
	if s == "any" {
		return sramtlb.AnyPhys, nil
	}
	a, err := parseAddr(s)
	return mem.PhysAddr(a), err
}

func parseList(s string) ([]mem.PhysAddr, error) {
	parts := strings.Split(s, ",")
	list := make([]mem.PhysAddr, 0, len(parts))
	for _, part := range parts {
		a, err := parseAddr(part)
		if err != nil {
			return nil, err
		}
		list = append(list, mem.PhysAddr(a))
	}
	return list, nil
}

func parseSize(s string) (mem.Bytes, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrSyntax, "bad size %q", s)
	}
	return mem.Bytes(v), nil
}

func parseFlags(args []string, i int) (sramtlb.Flags, error) {
	if i >= len(args) {
		return 0, nil
	}
	f, err := sramtlb.ParseFlags(args[i])
	if err != nil {
		return 0, errors.Wrapf(ErrSyntax, "%v", err)
	}
	return f, nil
}

func parseMove(op *Op, a []string) (err error) {
	if op.Virt, err = parseVirt(a[0]); err != nil {
		return err
	}
	if op.Size, err = parseSize(a[1]); err != nil {
		return err
	}
	op.Dst, err = parseVirt(a[2])
	return err
}
