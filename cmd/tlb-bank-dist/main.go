// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mknyszek/sramtlb"
	"github.com/mknyszek/sramtlb/cmd/internal/spinner"
	"github.com/mknyszek/sramtlb/hw"
	"github.com/mknyszek/sramtlb/hw/sim"
	"github.com/mknyszek/sramtlb/workload"

	"golang.org/x/exp/mmap"
)

var (
	outputFile string
	platform   string
	period     uint64
	cumulative bool
	highWater  bool
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that generates a bank occupancy\n")
		fmt.Fprintf(flag.CommandLine.Output(), "distribution from a page table workload.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <workload-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.StringVar(&outputFile, "o", "./banks.data", "location to write output file")
	flag.StringVar(&platform, "platform", "lnl", "the platform to simulate: "+strings.Join(hw.PresetNames(), ", "))
	flag.Uint64Var(&period, "period", 1000, "the period in operations to capture a distribution")
	flag.BoolVar(&cumulative, "cum", false, "instead of snapshotting the distribution at a given point in time, accumulate a total distribution")
	flag.BoolVar(&highWater, "max", false, "sample each bank's high-water mark over the period instead of its current occupancy")
}

func checkFlags() error {
	if flag.NArg() != 1 {
		return errors.New("incorrect number of arguments")
	}
	if _, ok := hw.Presets[platform]; !ok {
		return fmt.Errorf("-platform must be one of: %s", strings.Join(hw.PresetNames(), ", "))
	}
	if period == 0 {
		return errors.New("-period must be positive")
	}
	return nil
}

// sample returns the occupancy of every bank.
func sample(m *sramtlb.Manager, banks int) ([]int, error) {
	occ := make([]int, banks)
	for b := range occ {
		s, err := m.BankStats(b)
		if err != nil {
			return nil, err
		}
		if highWater {
			occ[b] = int(s.MaxMapped)
		} else {
			occ[b] = int(s.Mapped)
		}
	}
	if highWater {
		m.ResetMaxStats()
	}
	return occ, nil
}

func run() error {
	layout := hw.Presets[platform]
	r, err := mmap.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to map workload: %v", err)
	}
	defer r.Close()
	p := workload.NewParser(r)

	m, err := sim.New(sim.Config{Layout: layout})
	if err != nil {
		return fmt.Errorf("creating machine: %v", err)
	}
	defer m.Close()
	runner, err := workload.NewRunner(m, sramtlb.Config{Layout: layout})
	if err != nil {
		return fmt.Errorf("initializing driver: %v", err)
	}
	cycled := []*sim.Machine{}
	defer func() {
		for _, m := range cycled {
			m.Close()
		}
	}()
	runner.PowerCycle = func() (hw.Platform, error) {
		m, err := sim.New(sim.Config{Layout: layout, Gated: true})
		if err != nil {
			return nil, err
		}
		cycled = append(cycled, m)
		return m, nil
	}

	out, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("creating data file: %v", err)
	}
	defer out.Close()

	var pMu sync.Mutex
	spinner.Start(func() float64 {
		pMu.Lock()
		prog := p.Progress()
		pMu.Unlock()
		return prog
	}, spinner.Format("Processing... %.4f%%"))
	defer spinner.Stop()

	hist := NewOccupancyHist(int(layout.BankPages()))
	prev := make([]int, layout.Banks())
	if !cumulative {
		for range prev {
			hist.Add(0)
		}
	}
	emit := func(ops uint64) error {
		occ, err := sample(runner.Manager(), layout.Banks())
		if err != nil {
			return err
		}
		for b, n := range occ {
			if cumulative {
				hist.Add(n)
				continue
			}
			hist.Sub(prev[b])
			hist.Add(n)
		}
		prev = occ
		fmt.Fprintf(out, ">%d\n", ops)
		hist.ForEach(func(mapped int, count uint64) {
			fmt.Fprintf(out, "%d:%d\n", mapped, count)
		})
		return out.Sync()
	}

	var ops, failed uint64
	for {
		pMu.Lock()
		op, err := p.Next()
		pMu.Unlock()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("parsing workload: %v", err)
		}
		// Failed operations may still have changed the page table, so
		// they count towards the period like any other.
		if err := runner.Process(op); err != nil {
			failed++
		}
		ops++
		if ops%period == 0 {
			if err := emit(ops); err != nil {
				return err
			}
		}
	}
	if ops%period != 0 {
		if err := emit(ops); err != nil {
			return err
		}
	}
	spinner.Stop()
	fmt.Printf("Operations: %d (%d failed)\n", ops, failed)
	return nil
}

func main() {
	flag.Parse()
	if err := checkFlags(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}
