package ept

import "fmt"

func alignedTo(v, align uint64) bool { return v&(align-1) == 0 }

// Map4K creates or updates a single 4KiB guest-physical -> host-physical
// mapping.
func (c *Context) Map4K(gpa, hpa uint64, perm Perm, memtype uint8) error {
	if !alignedTo(gpa, Page4K) || !alignedTo(hpa, Page4K) {
		return fmt.Errorf("ept: unaligned 4K mapping gpa=%#x hpa=%#x", gpa, hpa)
	}
	l4, l3, l2, l1 := indices(gpa)
	l3phys, err := c.walkOrCreate(c.root, l4)
	if err != nil {
		return err
	}
	l2phys, err := c.walkOrCreate(l3phys, l3)
	if err != nil {
		return err
	}
	l1phys, err := c.walkOrCreate(l2phys, l2)
	if err != nil {
		return err
	}
	entry := (hpa & entryAddrMask) | perm.encode() | (uint64(memtype) << 3)
	off := l1phys + uint64(l1*entrySize)
	return c.ram.WriteUint64(off, entry)
}

// Map2M creates or updates a 2MiB huge mapping at the PD level.
func (c *Context) Map2M(gpa, hpa uint64, perm Perm, memtype uint8) error {
	if !alignedTo(gpa, Page2M) || !alignedTo(hpa, Page2M) {
		return fmt.Errorf("ept: unaligned 2M mapping gpa=%#x hpa=%#x", gpa, hpa)
	}
	l4, l3, l2, _ := indices(gpa)
	l3phys, err := c.walkOrCreate(c.root, l4)
	if err != nil {
		return err
	}
	l2phys, err := c.walkOrCreate(l3phys, l3)
	if err != nil {
		return err
	}
	entry := (hpa & entryAddrMask) | perm.encode() | entryHuge | (uint64(memtype) << 3)
	off := l2phys + uint64(l2*entrySize)
	return c.ram.WriteUint64(off, entry)
}

// Map1G creates or updates a 1GiB huge mapping at the PDPT level.
func (c *Context) Map1G(gpa, hpa uint64, perm Perm, memtype uint8) error {
	if !alignedTo(gpa, Page1G) || !alignedTo(hpa, Page1G) {
		return fmt.Errorf("ept: unaligned 1G mapping gpa=%#x hpa=%#x", gpa, hpa)
	}
	l4, l3, _, _ := indices(gpa)
	l3phys, err := c.walkOrCreate(c.root, l4)
	if err != nil {
		return err
	}
	entry := (hpa & entryAddrMask) | perm.encode() | entryHuge | (uint64(memtype) << 3)
	off := l3phys + uint64(l3*entrySize)
	return c.ram.WriteUint64(off, entry)
}

// MapRange maps a contiguous guest-physical range, preferring 2MiB pages
// for aligned sub-ranges and falling back to 4KiB pages for the
// remainder.
func (c *Context) MapRange(gpa, hpa, size uint64, perm Perm, memtype uint8) error {
	if !alignedTo(gpa, Page4K) || !alignedTo(hpa, Page4K) || !alignedTo(size, Page4K) {
		return fmt.Errorf("ept: unaligned range gpa=%#x hpa=%#x size=%#x", gpa, hpa, size)
	}
	g, h, remaining := gpa, hpa, size
	for remaining > 0 {
		if remaining >= Page2M && alignedTo(g, Page2M) && alignedTo(h, Page2M) {
			if err := c.Map2M(g, h, perm, memtype); err != nil {
				return err
			}
			g += Page2M
			h += Page2M
			remaining -= Page2M
			continue
		}
		if err := c.Map4K(g, h, perm, memtype); err != nil {
			return err
		}
		g += Page4K
		h += Page4K
		remaining -= Page4K
	}
	return nil
}

// Unmap clears the leaf entry for gpa. Intermediate tables are left in
// place (lazy pruning).
func (c *Context) Unmap(gpa uint64) error {
	l4, l3, l2, l1 := indices(gpa)

	l3phys, ok, err := c.readChild(c.root, l4)
	if err != nil || !ok {
		return err
	}
	l3off := l3phys + uint64(l3*entrySize)
	l3entry, err := c.ram.ReadUint64(l3off)
	if err != nil {
		return err
	}
	if l3entry == 0 {
		return nil
	}
	if l3entry&entryHuge != 0 {
		return c.ram.WriteUint64(l3off, 0)
	}
	l2phys := l3entry & entryAddrMask
	l2off := l2phys + uint64(l2*entrySize)
	l2entry, err := c.ram.ReadUint64(l2off)
	if err != nil {
		return err
	}
	if l2entry == 0 {
		return nil
	}
	if l2entry&entryHuge != 0 {
		return c.ram.WriteUint64(l2off, 0)
	}

	l1phys := l2entry & entryAddrMask
	l1off := l1phys + uint64(l1*entrySize)
	return c.ram.WriteUint64(l1off, 0)
}

// readChild returns the child table physical address for tablePhys[index],
// treating non-present or huge entries as "not found".
func (c *Context) readChild(tablePhys uint64, index int) (uint64, bool, error) {
	off := tablePhys + uint64(index*entrySize)
	entry, err := c.ram.ReadUint64(off)
	if err != nil {
		return 0, false, err
	}
	if entry == 0 || entry&entryHuge != 0 {
		return 0, false, nil
	}
	return entry & entryAddrMask, true, nil
}

// Translate walks the EPT for gpa, returning the mapped host-physical
// address or ErrUnresolved if no mapping exists at any level.
func (c *Context) Translate(gpa uint64) (uint64, error) {
	l4, l3, l2, l1 := indices(gpa)

	l3phys, ok, err := c.readChild(c.root, l4)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrUnresolved
	}

	l3off := l3phys + uint64(l3*entrySize)
	l3entry, err := c.ram.ReadUint64(l3off)
	if err != nil {
		return 0, err
	}
	if l3entry == 0 {
		return 0, ErrUnresolved
	}
	if l3entry&entryHuge != 0 {
		return (l3entry & entryAddrMask) + (gpa & (Page1G - 1)), nil
	}

	l2phys := l3entry & entryAddrMask
	l2off := l2phys + uint64(l2*entrySize)
	l2entry, err := c.ram.ReadUint64(l2off)
	if err != nil {
		return 0, err
	}
	if l2entry == 0 {
		return 0, ErrUnresolved
	}
	if l2entry&entryHuge != 0 {
		return (l2entry & entryAddrMask) + (gpa & (Page2M - 1)), nil
	}

	l1phys := l2entry & entryAddrMask
	l1off := l1phys + uint64(l1*entrySize)
	l1entry, err := c.ram.ReadUint64(l1off)
	if err != nil {
		return 0, err
	}
	if l1entry == 0 {
		return 0, ErrUnresolved
	}
	return (l1entry & entryAddrMask) + (gpa & (Page4K - 1)), nil
}

// Invalidate stands in for INVEPT single-context invalidation. The
// software model has no TLB to flush; this is a hook point for a future
// real-mode backend and a counter for test observability.
func (c *Context) Invalidate() {
	c.invalidations++
}

// Invalidations reports how many times Invalidate has been called.
func (c *Context) Invalidations() uint64 { return c.invalidations }

// Destroy walks and frees every intermediate table plus the root,
// matching paging.Context's teardown completeness.
func (c *Context) Destroy() error {
	if err := c.freeTable(c.root, 3); err != nil {
		return err
	}
	return nil
}

func (c *Context) freeTable(tablePhys uint64, depth int) error {
	if depth > 0 {
		for i := 0; i < entriesPerTable; i++ {
			off := tablePhys + uint64(i*entrySize)
			entry, err := c.ram.ReadUint64(off)
			if err != nil {
				return err
			}
			if entry == 0 || entry&entryHuge != 0 {
				continue
			}
			if err := c.freeTable(entry&entryAddrMask, depth-1); err != nil {
				return err
			}
		}
	}
	c.alloc.FreePages(tablePhys, 0)
	return nil
}
