// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sramtlb

import (
	"io"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb/hw"
	"github.com/mknyszek/sramtlb/mem"
	"github.com/mknyszek/sramtlb/power"
	"github.com/mknyszek/sramtlb/stats"
)

// Config configures a Manager.
type Config struct {
	// Layout is the platform's memory layout.
	Layout hw.Layout

	// ReservedSize is the size of the statically reserved prefix of
	// the virtual range, holding program code and data. Its pages
	// keep their boot mapping and cannot be mapped or unmapped.
	ReservedSize mem.Bytes

	// Cores is the number of per-core heap regions, each
	// CoreHeapSize bytes.
	Cores        int
	CoreHeapSize mem.Bytes

	// SharedHeapSize is the size of the shared heap region. The rest
	// of the virtual range becomes the opportunistic pool.
	SharedHeapSize mem.Bytes

	// PowerBudget is the number of status register polls allowed per
	// bank power transition. Zero means power.DefaultBudget.
	PowerBudget int

	// PowerDelay, if not nil, is called between status register polls
	// while mapping and unmapping. Context restore never calls it.
	PowerDelay func()

	// Logger receives driver log records. Nil discards them.
	Logger *slog.Logger

	// Stats receives the driver's counters. Nil allocates a fresh set.
	Stats *stats.Stats
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Layout.Validate(); err != nil {
		return errors.Wrap(err, "invalid layout")
	}
	l := c.Layout
	for _, s := range []struct {
		name string
		size mem.Bytes
	}{
		{"reserved size", c.ReservedSize},
		{"core heap size", c.CoreHeapSize},
		{"shared heap size", c.SharedHeapSize},
	} {
		if !s.size.Aligned(l.PageSize) {
			return errors.Errorf("%s %#x is not page aligned", s.name, s.size)
		}
	}
	if c.Cores < 0 {
		return errors.Errorf("negative core count %d", c.Cores)
	}
	total := c.ReservedSize + mem.Bytes(c.Cores)*c.CoreHeapSize + c.SharedHeapSize
	if total > l.VirtSize {
		return errors.Errorf("reserved prefix and heaps need %#x bytes; virtual range has %#x", total, l.VirtSize)
	}
	if c.PowerBudget < 0 {
		return errors.Errorf("negative power budget %d", c.PowerBudget)
	}
	return nil
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (c *Config) budget() int {
	if c.PowerBudget == 0 {
		return power.DefaultBudget
	}
	return c.PowerBudget
}
