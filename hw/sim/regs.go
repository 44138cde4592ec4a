package sim

import (
	"fmt"

	"github.com/mknyszek/sramtlb/hw"
	"github.com/mknyszek/sramtlb/mem"
)

func (m *Machine) tlbIndex(off uint32) int {
	if off < hw.TLBRegBase || off%2 != 0 {
		panic(fmt.Sprintf("bad TLB register offset %#x", off))
	}
	i := int(off-hw.TLBRegBase) / 2
	if i >= len(m.tlb) {
		panic(fmt.Sprintf("bad TLB register offset %#x", off))
	}
	return i
}

func (m *Machine) powerReg(off uint32) (int, uint32) {
	if off < hw.PowerRegBase || off%4 != 0 {
		panic(fmt.Sprintf("bad power register offset %#x", off))
	}
	i := int((off - hw.PowerRegBase) / hw.PowerRegStride)
	if i >= len(m.banks) {
		panic(fmt.Sprintf("bad power register offset %#x", off))
	}
	return i, (off - hw.PowerRegBase) % hw.PowerRegStride
}

// Read16 implements hw.Registers. Only page table entries are 16 bits
// wide.
func (m *Machine) Read16(off uint32) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tlb[m.tlbIndex(off)]
}

// Write16 implements hw.Registers.
func (m *Machine) Write16(off uint32, v uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tlb[m.tlbIndex(off)] = v
}

// Read32 implements hw.Registers. Reading a status register advances a
// pending power transition.
func (m *Machine) Read32(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, reg := m.powerReg(off)
	b := &m.banks[i]
	switch reg {
	case hw.PowerCtlOffset:
		return b.ctl
	case hw.PowerStatusOffset:
		if b.pending > 0 && !b.stuck {
			b.pending--
			if b.pending == 0 {
				m.settle(i)
			}
		}
		return b.status
	}
	panic(fmt.Sprintf("bad power register offset %#x", off))
}

// Write32 implements hw.Registers.
func (m *Machine) Write32(off uint32, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, reg := m.powerReg(off)
	b := &m.banks[i]
	if reg != hw.PowerCtlOffset {
		panic(fmt.Sprintf("write to read-only register %#x", off))
	}
	b.ctl = v & 1
	if b.stuck {
		return
	}
	if m.latency == 0 {
		m.settle(i)
		return
	}
	b.pending = m.latency
}

func (m *Machine) settle(i int) {
	b := &m.banks[i]
	if b.status == b.ctl {
		return
	}
	b.status = b.ctl
	if b.status != 0 {
		b.offs++
		m.fillBank(i)
		return
	}
	b.ons++
}

// Entry returns page table entry i.
func (m *Machine) Entry(i int) uint16 {
	return m.Read16(hw.TLBEntryReg(i))
}

// Powered reports whether bank i currently has power.
func (m *Machine) Powered(i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banks[i].status == 0
}

// Transitions returns how many times bank i was powered on and off.
func (m *Machine) Transitions(i int) (ons, offs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banks[i].ons, m.banks[i].offs
}

// SetStuck freezes bank i's power gate: control writes are ignored and
// the status register never changes.
func (m *Machine) SetStuck(i int, stuck bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.banks[i].stuck = stuck
}

// Peek copies SRAM contents at pa into p, ignoring the cache and bank
// power state.
func (m *Machine) Peek(pa mem.PhysAddr, p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(p, m.sramSlice(pa, mem.Bytes(len(p))))
}
