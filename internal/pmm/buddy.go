package pmm

// insertFree links pfn onto the head of zone free list `order`. Caller must
// hold m.mu.
func (m *Manager) insertFree(pfn uint64, order int) {
	z := m.zoneOf(pfn)
	if z == nil {
		return
	}
	head := z.free[order]
	p := m.page(pfn)
	p.Flags = PageFree
	p.Order = int8(order)
	p.prev = -1
	p.next = head
	if head >= 0 {
		m.page(uint64(head)).prev = int64(pfn)
	}
	z.free[order] = int64(pfn)
	z.freeCnt += 1 << uint(order)
}

// removeFree unlinks pfn from its zone's free list at `order`. Caller must
// hold m.mu.
func (m *Manager) removeFree(pfn uint64, order int) {
	z := m.zoneOf(pfn)
	if z == nil {
		return
	}
	p := m.page(pfn)
	if p.prev >= 0 {
		m.page(uint64(p.prev)).next = p.next
	} else {
		z.free[order] = p.next
	}
	if p.next >= 0 {
		m.page(uint64(p.next)).prev = p.prev
	}
	p.prev, p.next = -1, -1
	z.freeCnt -= 1 << uint(order)
}

func (m *Manager) page(pfn uint64) *Page {
	return &m.pages[pfn-m.basePFN]
}

// popFree removes and returns the head of the free list at `order` in zone
// z, or ok=false if empty.
func (m *Manager) popFree(z *zone, order int) (pfn uint64, ok bool) {
	head := z.free[order]
	if head < 0 {
		return 0, false
	}
	m.removeFree(uint64(head), order)
	return uint64(head), true
}

// AllocPages returns a PAGE_SIZE<<order aligned physical address for a run
// of 1<<order pages, preferring NORMAL and falling back to DMA. Returns
// ErrOutOfMemory if no zone can satisfy it.
func (m *Manager) AllocPages(order int) (uint64, error) {
	if order < 0 || order > MaxOrder {
		return 0, ErrInvalidOrder
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, zi := range [...]ZoneKind{ZoneNormal, ZoneDMA, ZoneHigh} {
		if pfn, ok := m.allocFromZone(&m.zones[zi], order); ok {
			m.freeTot -= 1 << uint(order)
			return pfn * PageSize, nil
		}
	}
	m.log.Warn("pmm: allocation failed", "order", order)
	return 0, ErrOutOfMemory
}

// allocFromZone implements the search-up/split allocation algorithm
// within a single zone. Caller holds m.mu.
func (m *Manager) allocFromZone(z *zone, order int) (uint64, bool) {
	found := -1
	for o := order; o <= MaxOrder; o++ {
		if z.free[o] >= 0 {
			found = o
			break
		}
	}
	if found < 0 {
		return 0, false
	}

	pfn, _ := m.popFree(z, found)

	for found > order {
		found--
		buddy := pfn ^ (1 << uint(found))
		m.insertFree(buddy, found)
	}

	p := m.page(pfn)
	p.Flags = PagePresent
	p.Order = int8(order)
	p.RefCount = 1
	return pfn, true
}

// FreePages returns a run previously obtained from AllocPages at the same
// order, coalescing with its buddy repeatedly.
// Double free and out-of-range frees are logged and ignored.
func (m *Manager) FreePages(addr uint64, order int) {
	if order < 0 || order > MaxOrder {
		m.log.Warn("pmm: free with invalid order", "order", order)
		return
	}
	if addr%(PageSize<<uint(order)) != 0 {
		m.log.Warn("pmm: free with misaligned address", "addr", addr, "order", order)
		return
	}

	pfn := addr / PageSize

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ownsPFN(pfn) {
		m.log.Warn("pmm: free of out-of-range address", "addr", addr)
		return
	}
	p := m.page(pfn)
	if p.Flags&PageFree != 0 {
		m.log.Warn("pmm: double free detected", "addr", addr, "order", order)
		return
	}

	m.freeTot += 1 << uint(order)

	for order < MaxOrder {
		buddy := pfn ^ (1 << uint(order))
		if !m.ownsPFN(buddy) {
			break
		}
		bz := m.zoneOf(buddy)
		z := m.zoneOf(pfn)
		if bz == nil || z == nil || bz.kind != z.kind {
			break
		}
		bp := m.page(buddy)
		if bp.Flags&PageFree == 0 || bp.Order != int8(order) {
			break
		}
		// Buddy is free at the same order: merge, keep the lower address.
		m.removeFree(buddy, order)
		if buddy < pfn {
			pfn = buddy
		}
		order++
	}

	m.insertFree(pfn, order)
}

// GetPage returns a copy of the page descriptor for addr.
func (m *Manager) GetPage(addr uint64) (Page, bool) {
	pfn := addr / PageSize
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ownsPFN(pfn) {
		return Page{}, false
	}
	return *m.page(pfn), true
}

// TotalPages returns the number of pages under management.
func (m *Manager) TotalPages() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// FreePageCount returns the current number of free pages across all zones.
// (Named FreePageCount to avoid colliding with the FreePages(addr,order)
// release operation above.)
func (m *Manager) FreePageCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeTot
}

// Stats snapshots allocator-wide and per-zone counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{TotalPages: m.total, FreePages: m.freeTot}
	for i := range m.zones {
		z := &m.zones[i]
		s.Zones[i] = ZoneStats{
			Kind:       z.kind,
			TotalPages: z.endPFN - z.startPFN,
			FreePages:  z.freeCnt,
		}
	}
	return s
}
