// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mknyszek/sramtlb"
	"github.com/mknyszek/sramtlb/cmd/internal/spinner"
	"github.com/mknyszek/sramtlb/hw"
	"github.com/mknyszek/sramtlb/hw/sim"
	"github.com/mknyszek/sramtlb/mem"
	"github.com/mknyszek/sramtlb/snapshot"
	"github.com/mknyszek/sramtlb/stats"
	"github.com/mknyszek/sramtlb/workload"

	"golang.org/x/exp/mmap"
)

var (
	platform     string
	period       uint64
	outFile      string
	implFile     string
	snapshotFile string
	strict       bool
	checkEvery   bool
	verbose      bool
	latency      int
	reserved     uint64
	cores        int
	coreHeap     uint64
	sharedHeap   uint64
	layout       hw.Layout
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that runs a page table workload on a simulated\n")
		fmt.Fprintf(flag.CommandLine.Output(), "DSP and generates a CSV of driver statistics.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <workload-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.StringVar(&platform, "platform", "lnl", "the platform to simulate: "+strings.Join(hw.PresetNames(), ", "))
	flag.StringVar(&outFile, "o", "./out.csv", "output file for the driver statistics")
	flag.StringVar(&implFile, "oimpl", "./out-impl.csv", "output file for workload-specific statistics")
	flag.StringVar(&snapshotFile, "snapshot", "", "if set, also write every saved context to this file")
	flag.Uint64Var(&period, "period", 1000, "the period in operations to capture stats")
	flag.BoolVar(&strict, "strict", false, "stop at the first failed operation")
	flag.BoolVar(&checkEvery, "check", false, "check driver consistency at every period")
	flag.BoolVar(&verbose, "v", false, "log driver activity to standard error")
	flag.IntVar(&latency, "latency", 0, "status register reads before a bank power change shows")
	flag.Uint64Var(&reserved, "reserved", 0, "bytes at the start of the virtual range left mapped at boot")
	flag.IntVar(&cores, "cores", 0, "number of cores with a private heap")
	flag.Uint64Var(&coreHeap, "core-heap", 0, "bytes of each core's heap")
	flag.Uint64Var(&sharedHeap, "shared-heap", 0, "bytes of the shared heap")
}

func checkFlags() error {
	if flag.NArg() != 1 {
		return errors.New("incorrect number of arguments")
	}
	l, ok := hw.Presets[platform]
	if !ok {
		return fmt.Errorf("-platform must be one of: %s", strings.Join(hw.PresetNames(), ", "))
	}
	layout = l
	if period == 0 {
		return errors.New("-period must be positive")
	}
	return nil
}

func config() sramtlb.Config {
	cfg := sramtlb.Config{
		Layout:         layout,
		ReservedSize:   mem.Bytes(reserved),
		Cores:          cores,
		CoreHeapSize:   mem.Bytes(coreHeap),
		SharedHeapSize: mem.Bytes(sharedHeap),
	}
	if verbose {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return cfg
}

func writeRow(out, outImpl *os.File, ops uint64, s *stats.Stats) {
	// Generate standard stats line.
	fmt.Fprintf(out, "%d", ops)
	for _, v := range s.Row() {
		fmt.Fprintf(out, ",%d", v)
	}
	fmt.Fprintln(out)
	out.Sync()

	// Generate impl-specific stats line.
	fmt.Fprintf(outImpl, "%d", ops)
	for _, name := range s.OtherStats() {
		fmt.Fprintf(outImpl, ",%d", s.GetOther(name))
	}
	fmt.Fprintln(outImpl)
	outImpl.Sync()
}

func run() error {
	r, err := mmap.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to map workload: %v", err)
	}
	defer r.Close()
	p := workload.NewParser(r)

	var machines []*sim.Machine
	defer func() {
		for _, m := range machines {
			m.Close()
		}
	}()
	newMachine := func(gated bool) (*sim.Machine, error) {
		m, err := sim.New(sim.Config{Layout: layout, PowerLatency: latency, Gated: gated})
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
		return m, nil
	}

	fmt.Println("Booting driver...")
	m, err := newMachine(false)
	if err != nil {
		return fmt.Errorf("creating machine: %v", err)
	}
	runner, err := workload.NewRunner(m, config())
	if err != nil {
		return fmt.Errorf("initializing driver: %v", err)
	}
	runner.PowerCycle = func() (hw.Platform, error) {
		return newMachine(true)
	}
	if snapshotFile != "" {
		f, err := os.Create(snapshotFile)
		if err != nil {
			return fmt.Errorf("creating snapshot file: %v", err)
		}
		defer f.Close()
		runner.Snapshot = snapshot.File{File: f}
	}

	out, err := os.Create(outFile)
	if err != nil {
		return fmt.Errorf("creating simulation data file: %v", err)
	}
	defer out.Close()

	outImpl, err := os.Create(implFile)
	if err != nil {
		return fmt.Errorf("creating workload-specific data file: %v", err)
	}
	defer outImpl.Close()

	fmt.Fprintf(out, "Line,%s\n", stats.Header())
	fmt.Fprintf(outImpl, "Line")
	for _, name := range runner.Stats().OtherStats() {
		fmt.Fprintf(outImpl, ",%s", name)
	}
	fmt.Fprintln(outImpl)

	var pMu sync.Mutex
	spinner.Start(func() float64 {
		pMu.Lock()
		prog := p.Progress()
		pMu.Unlock()
		return prog
	}, spinner.Format("Processing... %.4f%%"))
	defer spinner.Stop()

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
		if err := runner.Process(op); err != nil {
			if strict {
				return err
			}
			failed++
		}
		ops++
		if ops%period == 0 {
			if checkEvery {
				if err := runner.Manager().Check(); err != nil {
					return fmt.Errorf("after line %d: %v", op.Line, err)
				}
			}
			writeRow(out, outImpl, ops, runner.Stats())
		}
	}
	if ops%period != 0 {
		writeRow(out, outImpl, ops, runner.Stats())
	}
	if err := runner.Manager().Check(); err != nil {
		return fmt.Errorf("at end of workload: %v", err)
	}
	spinner.Stop()

	s := runner.Stats()
	fmt.Printf("Operations: %d (%d failed)\n", ops, failed)
	fmt.Printf("Mapped:     %d of %d pages\n", s.MappedPages, layout.Pages())
	fmt.Printf("Powered:    %d of %d banks\n", s.PoweredBanks, layout.Banks())
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
