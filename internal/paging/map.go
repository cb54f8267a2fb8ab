package paging

import "fmt"

// walkOrCreate returns the physical address of the table one level below
// `tablePhys` for `index`, allocating and linking a fresh table if the
// entry is not present. The fresh entry carries write+present (full
// permission) on the parent; the real permission is enforced at the leaf.
func (m *Manager) walkOrCreate(tablePhys uint64, index int) (uint64, error) {
	off := tablePhys + uint64(index*entrySize)
	entry, err := m.ram.ReadUint64(off)
	if err != nil {
		return 0, err
	}
	if entry&entryPresent != 0 {
		return entry & entryAddrMask, nil
	}

	childPhys, err := m.alloc.AllocPages(0)
	if err != nil {
		return 0, fmt.Errorf("paging: allocate intermediate table: %w", err)
	}
	if err := m.ram.Zero(childPhys, PageSize4K); err != nil {
		return 0, err
	}
	if err := m.ram.WriteUint64(off, childPhys|entryPresent|entryWrite|entryUser); err != nil {
		return 0, err
	}
	return childPhys, nil
}

// Map maps a byte range [virt, virt+size) to [phys, phys+size) using the
// given page granularity (PageSize4K/2M/1G) and permission flags. Mapping
// an already-mapped range is undefined behavior and is not guarded
// against here.
func (c *Context) Map(virt, phys, size uint64, pageSize uint64, flags Flags) error {
	m := c.manager
	if size%pageSize != 0 || virt%pageSize != 0 || phys%pageSize != 0 {
		return fmt.Errorf("paging: map range not aligned to page size %#x", pageSize)
	}

	for off := uint64(0); off < size; off += pageSize {
		if err := m.mapOne(c.root, virt+off, phys+off, pageSize, flags); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) mapOne(root, virt, phys, pageSize uint64, flags Flags) error {
	pml4i, pdpti, pdi, pti := indices(virt)

	pdptPhys, err := m.walkOrCreate(root, pml4i)
	if err != nil {
		return err
	}

	switch pageSize {
	case PageSize1G:
		off := pdptPhys + uint64(pdpti*entrySize)
		return m.ram.WriteUint64(off, phys|flags.encode()|entryHuge)
	case PageSize2M:
		pdPhys, err := m.walkOrCreate(pdptPhys, pdpti)
		if err != nil {
			return err
		}
		off := pdPhys + uint64(pdi*entrySize)
		return m.ram.WriteUint64(off, phys|flags.encode()|entryHuge)
	case PageSize4K:
		pdPhys, err := m.walkOrCreate(pdptPhys, pdpti)
		if err != nil {
			return err
		}
		ptPhys, err := m.walkOrCreate(pdPhys, pdi)
		if err != nil {
			return err
		}
		off := ptPhys + uint64(pti*entrySize)
		return m.ram.WriteUint64(off, phys|flags.encode())
	default:
		return ErrUnsupportedPageSize
	}
}

// Unmap clears the mapping covering [virt, virt+size). Intermediate tables
// are left in place (lazy pruning), matching the EPT unmap policy. TLB
// invalidation per page (`invlpg`) is the caller's responsibility on real
// hardware; here Unmap is the authoritative state change since Translate
// always re-walks the tables.
func (c *Context) Unmap(virt, size uint64) error {
	m := c.manager
	for off := uint64(0); off < size; off += PageSize4K {
		if err := m.unmapOne(c.root, virt+off); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) unmapOne(root, virt uint64) error {
	pml4i, pdpti, pdi, pti := indices(virt)

	pdptOff := root + uint64(pml4i*entrySize)
	pdptEntry, err := m.ram.ReadUint64(pdptOff)
	if err != nil || pdptEntry&entryPresent == 0 {
		return err
	}
	pdptPhys := pdptEntry & entryAddrMask

	pdOff := pdptPhys + uint64(pdpti*entrySize)
	pdEntry, err := m.ram.ReadUint64(pdOff)
	if err != nil || pdEntry&entryPresent == 0 {
		return err
	}
	if pdEntry&entryHuge != 0 {
		return m.ram.WriteUint64(pdOff, 0)
	}
	pdPhys := pdEntry & entryAddrMask

	ptOff := pdPhys + uint64(pdi*entrySize)
	ptEntry, err := m.ram.ReadUint64(ptOff)
	if err != nil || ptEntry&entryPresent == 0 {
		return err
	}
	if ptEntry&entryHuge != 0 {
		return m.ram.WriteUint64(ptOff, 0)
	}
	ptPhys := ptEntry & entryAddrMask

	leafOff := ptPhys + uint64(pti*entrySize)
	return m.ram.WriteUint64(leafOff, 0)
}

// Translate walks the context's tables and returns the host-physical
// address corresponding to virt, or 0 if unmapped.
func (c *Context) Translate(virt uint64) uint64 {
	m := c.manager
	pml4i, pdpti, pdi, pti := indices(virt)

	pdptOff := c.root + uint64(pml4i*entrySize)
	pdptEntry, err := m.ram.ReadUint64(pdptOff)
	if err != nil || pdptEntry&entryPresent == 0 {
		return 0
	}
	pdptPhys := pdptEntry & entryAddrMask

	pdOff := pdptPhys + uint64(pdpti*entrySize)
	pdEntry, err := m.ram.ReadUint64(pdOff)
	if err != nil || pdEntry&entryPresent == 0 {
		return 0
	}
	if pdEntry&entryHuge != 0 {
		return (pdEntry & entryAddrMask) + (virt & (PageSize1G - 1))
	}
	pdPhys := pdEntry & entryAddrMask

	ptOff := pdPhys + uint64(pdi*entrySize)
	ptEntry, err := m.ram.ReadUint64(ptOff)
	if err != nil || ptEntry&entryPresent == 0 {
		return 0
	}
	if ptEntry&entryHuge != 0 {
		return (ptEntry & entryAddrMask) + (virt & (PageSize2M - 1))
	}
	ptPhys := ptEntry & entryAddrMask

	leafOff := ptPhys + uint64(pti*entrySize)
	leafEntry, err := m.ram.ReadUint64(leafOff)
	if err != nil || leafEntry&entryPresent == 0 {
		return 0
	}
	return (leafEntry & entryAddrMask) + (virt & (PageSize4K - 1))
}

// ActiveContext tracks which Context is currently loaded into the
// (simulated) address-space register; SwitchContext is the software
// analogue of writing CR3.
type ActiveContext struct {
	Current *Context
}

// SwitchContext writes ctx's root-table physical address into the
// address-space register.
func (a *ActiveContext) SwitchContext(ctx *Context) {
	a.Current = ctx
}
