// Package ept implements Extended Page Tables: the second-level
// translation from guest-physical to host-physical addresses.
// Structurally this mirrors internal/paging's four-level walk and
// allocate-and-link idiom, but with EPT's own permission/memtype
// encoding instead of x86 PTE bits, kept as a separate package because
// the entry encodings and violation semantics differ.
package ept

import (
	"errors"
	"fmt"

	"github.com/purevisor/purevisor/internal/physmem"
	"github.com/purevisor/purevisor/internal/pvlog"
)

const (
	Page4K = 1 << 12
	Page2M = 1 << 21
	Page1G = 1 << 30

	entriesPerTable = 512
	entrySize       = 8

	entryReadable = 1 << 0
	entryWritable = 1 << 1
	entryExec     = 1 << 2
	entryHuge     = 1 << 7
	entryAddrMask = 0x000F_FFFF_FFFF_F000

	// MemtypeWriteBack is the standard EPT memory type.
	MemtypeWriteBack = 6

	eptpMemtypeShift = 0
	eptpWalkShift    = 3
	walkLength4      = 3 // EPTP walk-length field encodes (levels-1); 4 levels -> 3
)

// Perm is the guest-visible permission set for an EPT leaf entry.
type Perm struct {
	Read, Write, Exec bool
}

func (p Perm) encode() uint64 {
	var e uint64
	if p.Read {
		e |= entryReadable
	}
	if p.Write {
		e |= entryWritable
	}
	if p.Exec {
		e |= entryExec
	}
	return e
}

// FrameAllocator is the subset of pmm.Manager's contract ept needs.
type FrameAllocator interface {
	AllocPages(order int) (uint64, error)
	FreePages(addr uint64, order int)
}

// Context is one guest's EPT root plus the EPTP value derived from it.
type Context struct {
	ram   *physmem.RAM
	alloc FrameAllocator
	log   *pvlog.Logger

	root          uint64
	invalidations uint64
}

// ErrUnresolved is returned by Translate when the guest-physical address
// has no mapping; callers treat this as an EPT violation.
var ErrUnresolved = errors.New("ept: translation unresolved")

// NewContext allocates a fresh, all-zero root table.
func NewContext(ram *physmem.RAM, alloc FrameAllocator, log *pvlog.Logger) (*Context, error) {
	if log == nil {
		log = pvlog.Discard()
	}
	root, err := alloc.AllocPages(0)
	if err != nil {
		return nil, fmt.Errorf("ept: allocate root table: %w", err)
	}
	if err := ram.Zero(root, Page4K); err != nil {
		return nil, err
	}
	return &Context{ram: ram, alloc: alloc, log: log, root: root}, nil
}

// RootPhys returns the physical address of the EPT root (PML4-equivalent)
// table.
func (c *Context) RootPhys() uint64 { return c.root }

// EPTP returns the VMCS EPT-pointer value: root | memtype | walk-length.
func (c *Context) EPTP() uint64 {
	return c.root | (uint64(MemtypeWriteBack) << eptpMemtypeShift) | (uint64(walkLength4) << eptpWalkShift)
}

func indices(gpa uint64) (l4, l3, l2, l1 int) {
	l4 = int((gpa >> 39) & 0x1FF)
	l3 = int((gpa >> 30) & 0x1FF)
	l2 = int((gpa >> 21) & 0x1FF)
	l1 = int((gpa >> 12) & 0x1FF)
	return
}

func (c *Context) walkOrCreate(tablePhys uint64, index int) (uint64, error) {
	off := tablePhys + uint64(index*entrySize)
	entry, err := c.ram.ReadUint64(off)
	if err != nil {
		return 0, err
	}
	// present intermediate entries always carry all of R/W/X and never the
	// huge bit.
	if entry != 0 && entry&entryHuge == 0 {
		return entry & entryAddrMask, nil
	}

	childPhys, err := c.alloc.AllocPages(0)
	if err != nil {
		return 0, fmt.Errorf("ept: allocate intermediate table: %w", err)
	}
	if err := c.ram.Zero(childPhys, Page4K); err != nil {
		return 0, err
	}
	if err := c.ram.WriteUint64(off, childPhys|entryReadable|entryWritable|entryExec); err != nil {
		return 0, err
	}
	return childPhys, nil
}
