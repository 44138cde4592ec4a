// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package power drives the SRAM bank power gates and tracks how many
// pages of each bank are in use, so a bank is powered exactly while it
// holds at least one mapped page.
package power

import (
	"log/slog"

	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb/hw"
)

// ErrTimeout is returned when a bank's status register did not reach
// the requested state within the poll budget.
var ErrTimeout = errors.New("bank power transition timed out")

// DefaultBudget is the default number of status reads allowed per
// power transition.
const DefaultBudget = 1 << 16

// Controller issues power gate requests for SRAM banks.
type Controller struct {
	// Regs is the register file holding the power gate registers.
	Regs hw.Registers

	// Banks is the number of banks.
	Banks int

	// Budget is the maximum number of status reads per blocking
	// transition. Zero means DefaultBudget.
	Budget int

	// Delay, if not nil, is called between status reads.
	Delay func()

	// Logger receives transition and timeout records. May be nil.
	Logger *slog.Logger
}

// Set requests bank be powered on or off. Unless nonBlocking is set, it
// then polls the bank's status register until it reflects the request,
// giving up with ErrTimeout after the poll budget.
func (c *Controller) Set(bank int, on, nonBlocking bool) error {
	if bank < 0 || bank >= c.Banks {
		return errors.Errorf("bank %d out of range [0, %d)", bank, c.Banks)
	}
	var ctl uint32
	if !on {
		ctl = 1
	}
	c.Regs.Write32(hw.PowerCtlReg(bank), ctl)
	if nonBlocking {
		return nil
	}
	budget := c.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	for i := 0; i < budget; i++ {
		if c.Regs.Read32(hw.PowerStatusReg(bank)) == ctl {
			if c.Logger != nil {
				c.Logger.Debug("bank power transition", "bank", bank, "on", on, "polls", i+1)
			}
			return nil
		}
		if c.Delay != nil {
			c.Delay()
		}
	}
	if c.Logger != nil {
		c.Logger.Warn("bank power transition timed out", "bank", bank, "on", on, "polls", budget)
	}
	return errors.Wrapf(ErrTimeout, "bank %d power on=%t after %d polls", bank, on, budget)
}

// IsOn reports whether bank's status register reads powered.
func (c *Controller) IsOn(bank int) bool {
	return c.Regs.Read32(hw.PowerStatusReg(bank)) == 0
}

// Requested reports whether the last request written for bank asked
// for power. Unlike IsOn it does not read the status register, so it
// does not disturb a transition in flight.
func (c *Controller) Requested(bank int) bool {
	return c.Regs.Read32(hw.PowerCtlReg(bank)) == 0
}
