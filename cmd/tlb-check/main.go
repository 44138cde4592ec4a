// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mknyszek/sramtlb"
	"github.com/mknyszek/sramtlb/cmd/internal/spinner"
	"github.com/mknyszek/sramtlb/hw"
	"github.com/mknyszek/sramtlb/hw/sim"
	"github.com/mknyszek/sramtlb/mem"
	"github.com/mknyszek/sramtlb/snapshot"

	"golang.org/x/exp/mmap"
)

var printFlag *bool = flag.Bool("print", false, "print entries and records as they're seen")
var platform *string = flag.String("platform", "lnl", "the platform the snapshot was taken on: "+strings.Join(hw.PresetNames(), ", "))

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that sanity-checks TLB context snapshots\n")
		fmt.Fprintf(flag.CommandLine.Output(), "and prints some statistics.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <snapshot-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func handleError(err error, usage bool) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if usage {
		flag.Usage()
	}
	os.Exit(1)
}

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		handleError(errors.New("incorrect number of arguments"), true)
	}
	layout, ok := hw.Presets[*platform]
	if !ok {
		handleError(fmt.Errorf("unknown platform %q", *platform), true)
	}
	r, err := mmap.Open(flag.Arg(0))
	if err != nil {
		handleError(fmt.Errorf("failed to map snapshot: %v", err), false)
	}
	defer r.Close()
	sl := snapshot.LayoutOf(layout)

	fmt.Println("Reading page table...")
	rd, err := snapshot.NewReader(r, sl)
	if err != nil {
		handleError(err, false)
	}
	table, err := rd.Table()
	if err != nil {
		handleError(err, false)
	}

	var problems []string
	refs := make(map[mem.PhysAddr]int)
	mapped := 0
	for i, e := range table {
		pa, flags, enabled := sramtlb.DecodeEntry(layout, e)
		if !enabled {
			continue
		}
		mapped++
		va := layout.VirtBase.Add(mem.Bytes(i) * layout.PageSize)
		if *printFlag {
			fmt.Printf("[entry %d] %v -> %v %v\n", i, va, pa, flags)
		}
		if !layout.InSRAM(pa) {
			problems = append(problems, fmt.Sprintf("%v maps %v outside SRAM", va, pa))
			continue
		}
		if refs[pa]++; refs[pa] == 2 {
			problems = append(problems, fmt.Sprintf("%v mapped more than once", pa))
		}
	}

	fmt.Println("Indexing records...")
	recs, err := snapshot.Index(r, sl)
	if err != nil {
		handleError(err, false)
	}
	var checked atomic.Int64
	spinner.Start(func() float64 {
		if len(recs) == 0 {
			return 1
		}
		return float64(checked.Load()) / float64(len(recs))
	}, spinner.Format("Checking pages... %.4f%%"))

	var mu sync.Mutex
	saved := make(map[mem.PhysAddr]bool)
	perBank := make([]int, layout.Banks())
	decayed := 0
	err = snapshot.Verify(r, sl, func(rec snapshot.Record, page []byte) error {
		defer checked.Add(1)
		gated := bytes.Count(page, []byte{sim.GatedFill}) == len(page)
		mu.Lock()
		defer mu.Unlock()
		if *printFlag {
			fmt.Printf("[record @%d] %v\n", rec.Offset, rec.Phys)
		}
		saved[rec.Phys] = true
		if !layout.InSRAM(rec.Phys) {
			problems = append(problems, fmt.Sprintf("record for %v outside SRAM", rec.Phys))
			return nil
		}
		perBank[layout.BankIndex(rec.Phys)]++
		if refs[rec.Phys] == 0 {
			problems = append(problems, fmt.Sprintf("record for %v is not mapped", rec.Phys))
		}
		if gated {
			decayed++
		}
		return nil
	})
	spinner.Stop()
	if err != nil {
		handleError(fmt.Errorf("checking records: %v", err), false)
	}
	for pa := range refs {
		if !saved[pa] {
			problems = append(problems, fmt.Sprintf("mapped page %v not saved", pa))
		}
	}

	const maxErrors = 20
	if len(problems) != 0 {
		sort.Strings(problems)
		fmt.Fprintf(os.Stderr, "found %d errors in snapshot:\n", len(problems))
		for i, p := range problems {
			if i == maxErrors {
				fmt.Fprintf(os.Stderr, "too many errors\n")
				break
			}
			fmt.Fprintf(os.Stderr, "  %s\n", p)
		}
	}
	fmt.Printf("Entries: %d of %d mapped\n", mapped, len(table))
	fmt.Printf("Records: %d (%d bytes)\n", len(recs), sl.Size(mem.Pages(len(recs))))
	fmt.Printf("Decayed: %d\n", decayed)
	for b, n := range perBank {
		fmt.Printf("Bank %d:  %d of %d pages\n", b, n, layout.BankPages())
	}
	if len(problems) != 0 {
		os.Exit(2)
	}
}
