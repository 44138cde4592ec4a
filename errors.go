// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sramtlb

import (
	"github.com/pkg/errors"

	"github.com/mknyszek/sramtlb/power"
)

var (
	// ErrInvalidArgument is returned for a misaligned or out of range
	// address or size, a physical page already in use, or a region in
	// the wrong mapping state for the operation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOutOfMemory is returned when no free physical page, or no
	// contiguous run of free pages, is available.
	ErrOutOfMemory = errors.New("out of physical memory")

	// ErrUnmapped is returned for an operation on a virtual page with
	// no active mapping.
	ErrUnmapped = errors.New("virtual page not mapped")

	// ErrOverlap is returned when the destination of a remap or move
	// overlaps its source.
	ErrOverlap = errors.New("source and destination overlap")

	// ErrTimeout is returned when a bank power transition did not
	// complete within the poll budget.
	ErrTimeout = power.ErrTimeout

	// ErrInconsistent is returned by Check when the page table, the
	// allocator and the bank counts disagree.
	ErrInconsistent = errors.New("inconsistent mapping state")
)
