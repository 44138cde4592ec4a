// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

// OccupancyHist counts banks by how many of their pages are mapped.
type OccupancyHist struct {
	counts []uint64
}

func NewOccupancyHist(bankPages int) *OccupancyHist {
	return &OccupancyHist{
		counts: make([]uint64, bankPages+1),
	}
}

func (h *OccupancyHist) Add(mapped int) {
	h.counts[mapped] += 1
}

func (h *OccupancyHist) Sub(mapped int) {
	if h.counts[mapped] == 0 {
		panic("subtraction below zero")
	}
	h.counts[mapped] -= 1
}

// ForEach calls f for every occupancy with a non-zero count, in
// increasing order of occupancy.
func (h *OccupancyHist) ForEach(f func(mapped int, count uint64)) {
	for i, count := range h.counts {
		if count != 0 {
			f(i, count)
		}
	}
}
