package power

import "github.com/mknyszek/sramtlb/mem"

// Bank holds the page usage counters of one SRAM bank.
type Bank struct {
	// Mapped is the number of pages in the bank currently mapped.
	Mapped uint32

	// Unmapped is the number of pages in the bank currently free.
	Unmapped uint32

	// MaxMapped is the high-water mark of Mapped since the last reset.
	MaxMapped uint32
}

// Tracker reference counts mapped pages per bank and powers banks on
// their first mapped page and off after their last.
//
// Tracker is not safe for concurrent use.
type Tracker struct {
	ctl   *Controller
	pages uint32
	banks []Bank
}

// NewTracker returns a tracker for ctl.Banks banks of pagesPerBank
// pages each. Every bank starts fully mapped, matching the linear
// mapping the boot ROM leaves behind.
func NewTracker(ctl *Controller, pagesPerBank mem.Pages) *Tracker {
	t := &Tracker{
		ctl:   ctl,
		pages: uint32(pagesPerBank),
		banks: make([]Bank, ctl.Banks),
	}
	for i := range t.banks {
		t.Reset(i, pagesPerBank)
	}
	return t
}

// Len returns the number of banks.
func (t *Tracker) Len() int {
	return len(t.banks)
}

// Bank returns the counters of bank i.
func (t *Tracker) Bank(i int) Bank {
	return t.banks[i]
}

// Reset sets bank i's counters to mapped pages in use, without touching
// the power gate.
func (t *Tracker) Reset(i int, mapped mem.Pages) {
	if uint32(mapped) > t.pages {
		panic("bank refcount overflow")
	}
	t.banks[i] = Bank{
		Mapped:    uint32(mapped),
		Unmapped:  t.pages - uint32(mapped),
		MaxMapped: uint32(mapped),
	}
}

// ResetMax resets every bank's high-water mark to its current count.
func (t *Tracker) ResetMax() {
	for i := range t.banks {
		t.banks[i].MaxMapped = t.banks[i].Mapped
	}
}

// PageMapped records a newly mapped page in bank i, powering the bank
// on if it was empty. If power on fails the count is rolled back.
func (t *Tracker) PageMapped(i int) error {
	b := &t.banks[i]
	if b.Mapped == t.pages {
		panic("bank refcount overflow")
	}
	b.Mapped++
	b.Unmapped--
	if b.Mapped > b.MaxMapped {
		b.MaxMapped = b.Mapped
	}
	if b.Mapped != 1 {
		return nil
	}
	if err := t.ctl.Set(i, true, false); err != nil {
		b.Mapped--
		b.Unmapped++
		// Withdraw the request so the gate agrees with the count.
		t.ctl.Set(i, false, true)
		return err
	}
	return nil
}

// PageUnmapped records an unmapped page in bank i, powering the bank
// off if it became empty. The count is updated even if the power off
// times out.
func (t *Tracker) PageUnmapped(i int) error {
	b := &t.banks[i]
	if b.Mapped == 0 {
		panic("bank refcount underflow")
	}
	b.Mapped--
	b.Unmapped++
	if b.Mapped != 0 {
		return nil
	}
	return t.ctl.Set(i, false, false)
}

// Release drops a page from bank i's count without touching the power
// gate, and reports whether the bank is now empty. It is for callers
// that batch power requests themselves.
func (t *Tracker) Release(i int) (empty bool) {
	b := &t.banks[i]
	if b.Mapped == 0 {
		panic("bank refcount underflow")
	}
	b.Mapped--
	b.Unmapped++
	return b.Mapped == 0
}
