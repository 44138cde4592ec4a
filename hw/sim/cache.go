package sim

import "github.com/mknyszek/sramtlb/mem"

// lineRange calls f for every cached line overlapping [addr, addr+size).
func (m *Machine) lineRange(addr mem.CachedAddress, size mem.Bytes, f func(base mem.CachedAddress, l *line)) {
	if size == 0 {
		return
	}
	start := mem.Bytes(addr).AlignDown(m.lineSize)
	end := (mem.Bytes(addr) + size).AlignUp(m.lineSize)
	if mem.Bytes(len(m.lines))*m.lineSize < end-start {
		// Fewer resident lines than the range covers; walk the lines.
		for base, l := range m.lines {
			if mem.Bytes(base) >= start && mem.Bytes(base) < end {
				f(base, l)
			}
		}
		return
	}
	for a := start; a < end; a += m.lineSize {
		if l, ok := m.lines[mem.CachedAddress(a)]; ok {
			f(mem.CachedAddress(a), l)
		}
	}
}

func (m *Machine) writeBack(l *line) {
	if !l.dirty {
		return
	}
	l.dirty = false
	if m.gated(l.phys) {
		// The write lands in a bank without power and is lost.
		return
	}
	copy(m.sramSlice(l.phys, m.lineSize), l.data)
}

// Invalidate implements hw.Cache.
func (m *Machine) Invalidate(addr mem.CachedAddress, size mem.Bytes) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineRange(addr, size, func(base mem.CachedAddress, _ *line) {
		delete(m.lines, base)
	})
}

// Flush implements hw.Cache.
func (m *Machine) Flush(addr mem.CachedAddress, size mem.Bytes) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineRange(addr, size, func(_ mem.CachedAddress, l *line) {
		m.writeBack(l)
	})
}

// FlushInvalidate implements hw.Cache.
func (m *Machine) FlushInvalidate(addr mem.CachedAddress, size mem.Bytes) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineRange(addr, size, func(base mem.CachedAddress, l *line) {
		m.writeBack(l)
		delete(m.lines, base)
	})
}

// FlushAll writes back and discards every line in the cache.
func (m *Machine) FlushAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for base, l := range m.lines {
		m.writeBack(l)
		delete(m.lines, base)
	}
}

// Resident reports whether the line holding addr is in the cache, and
// whether it is dirty.
func (m *Machine) Resident(addr mem.CachedAddress) (resident, dirty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[mem.CachedAddress(mem.Bytes(addr).AlignDown(m.lineSize))]
	if !ok {
		return false, false
	}
	return true, l.dirty
}
