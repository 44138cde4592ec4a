// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stats holds the counters the TLB driver maintains.
package stats

import "sort"

// Stats is a sample of counters produced by the driver.
type Stats struct {
	// Ops is the number of mapping operations processed, successful
	// or not.
	Ops uint64

	// Failures is the number of operations that returned an error.
	Failures uint64

	// Maps is the total number of pages mapped.
	Maps uint64

	// Unmaps is the total number of pages unmapped.
	Unmaps uint64

	// MappedPages is the number of physical pages currently mapped.
	MappedPages uint64

	// PoweredBanks is the number of banks currently powered.
	PoweredBanks uint64

	// PowerOns and PowerOffs count bank power transitions requested.
	PowerOns  uint64
	PowerOffs uint64

	// Saves and Restores count context snapshots taken and restored.
	Saves    uint64
	Restores uint64

	// other represents statistics which are unique to the
	// workload or platform, usually representing a breakdown of
	// other statistics, or something else entirely.
	other map[string]uint64
}

// New creates a new valid Stats object.
//
// Must be used instead of constructing a Stats object directly,
// since there are unexported fields which may need to be initialized.
func New() *Stats {
	return &Stats{
		other: make(map[string]uint64),
	}
}

// Clone returns a deep copy of s.
func (s *Stats) Clone() *Stats {
	c := *s
	c.other = make(map[string]uint64, len(s.other))
	for name, v := range s.other {
		c.other[name] = v
	}
	return &c
}

// OtherStats returns a list of registered additional statistics.
func (s *Stats) OtherStats() []string {
	names := make([]string, 0, len(s.other))
	for name := range s.other {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetOther returns the value for an additional statistic
// by name. Returns 0 if the statistic is not registered.
func (s *Stats) GetOther(name string) uint64 {
	return s.other[name]
}

// RegisterOther registers a new additional statistic.
//
// This operation is idempotent and safe to perform again, even after
// a statistic has been modified.
func (s *Stats) RegisterOther(name string) {
	if _, ok := s.other[name]; !ok {
		s.other[name] = 0
	}
}

// SetOther sets the value of an additional statistic.
// Panics if the statistic has not been registered.
func (s *Stats) SetOther(name string, v uint64) {
	if _, ok := s.other[name]; !ok {
		panic("attempted to set non-existing stat")
	}
	s.other[name] = v
}

// AddOther adds an amount to the value of an additional statistic.
// Panics if the statistic has not been registered.
func (s *Stats) AddOther(name string, amount uint64) {
	if val, ok := s.other[name]; ok {
		s.other[name] = val + amount
	} else {
		panic("attempted to add to non-existing stat")
	}
}

// Header returns the CSV header matching Row.
func Header() string {
	return "Ops,Failures,Maps,Unmaps,MappedPages,PoweredBanks,PowerOns,PowerOffs,Saves,Restores"
}

// Row returns the standard counters as a CSV row.
func (s *Stats) Row() []uint64 {
	return []uint64{
		s.Ops, s.Failures, s.Maps, s.Unmaps, s.MappedPages,
		s.PoweredBanks, s.PowerOns, s.PowerOffs, s.Saves, s.Restores,
	}
}
