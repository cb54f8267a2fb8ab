// Package paging manages the host's four-level (PML4 -> PDPT -> PD -> PT)
// x86_64 page tables over internal/physmem's byte-addressable RAM model.
// It supports 4 KiB, 2 MiB, and 1 GiB page sizes.
package paging

import (
	"errors"
	"fmt"

	"github.com/purevisor/purevisor/internal/physmem"
	"github.com/purevisor/purevisor/internal/pvlog"
)

const (
	PageSize4K = 1 << 12
	PageSize2M = 1 << 21
	PageSize1G = 1 << 30

	entriesPerTable = 512
	entrySize       = 8

	// KernelOffset is the direct-map base: physical address p is
	// accessible at virtual p+KernelOffset.
	KernelOffset = uint64(0xFFFF800000000000)
)

// Entry bit layout, standard x86_64 PTE/PDE/PDPTE/PML4E.
const (
	entryPresent  = 1 << 0
	entryWrite    = 1 << 1
	entryUser     = 1 << 2
	entryNoCache  = 1 << 4
	entryHuge     = 1 << 7 // PS bit at PDPT/PD level
	entryGlobal   = 1 << 8
	entryNoExec   = 1 << 63
	entryAddrMask = 0x000F_FFFF_FFFF_F000
)

// Flags describes the permissions and cache attributes a caller requests
// for a mapping.
type Flags struct {
	Write   bool
	Exec    bool
	User    bool
	Global  bool
	NoCache bool
}

func (f Flags) encode() uint64 {
	e := uint64(entryPresent)
	if f.Write {
		e |= entryWrite
	}
	if f.User {
		e |= entryUser
	}
	if f.Global {
		e |= entryGlobal
	}
	if f.NoCache {
		e |= entryNoCache
	}
	if !f.Exec {
		e |= entryNoExec
	}
	return e
}

// FrameAllocator is the subset of pmm.Manager's contract paging needs: a
// page-granularity physical allocator. Declared here (not imported from
// pmm) so paging has no compile-time dependency on the allocator's
// internals.
type FrameAllocator interface {
	AllocPages(order int) (uint64, error)
	FreePages(addr uint64, order int)
}

// Manager owns the RAM backing store all page tables are built in, and the
// frame allocator new tables are carved from.
type Manager struct {
	ram   *physmem.RAM
	alloc FrameAllocator
	log   *pvlog.Logger

	kernel *Context
}

// NewManager builds a paging manager. The kernel context is created
// immediately: its lower half is empty and its upper half is the "shared
// kernel mapping" every later context copies.
func NewManager(ram *physmem.RAM, alloc FrameAllocator, log *pvlog.Logger) (*Manager, error) {
	if log == nil {
		log = pvlog.Discard()
	}
	m := &Manager{ram: ram, alloc: alloc, log: log}

	rootPhys, err := alloc.AllocPages(0)
	if err != nil {
		return nil, fmt.Errorf("paging: allocate kernel PML4: %w", err)
	}
	if err := ram.Zero(rootPhys, PageSize4K); err != nil {
		return nil, err
	}
	m.kernel = &Context{root: rootPhys, manager: m}
	return m, nil
}

// Kernel returns the shared kernel context whose upper half every other
// context copies at creation.
func (m *Manager) Kernel() *Context { return m.kernel }

// Context is one virtual-address space: the physical address of a top-level
// (PML4) table plus bookkeeping. The upper half (indices 256-511) is shared
// with the kernel context across all contexts; the lower half (0-255) is
// per-context.
type Context struct {
	root    uint64
	manager *Manager
}

// RootPhys returns the physical address of the PML4 table.
func (c *Context) RootPhys() uint64 { return c.root }

// CreateContext allocates a new top-level table, copies the kernel's upper
// half into it, and leaves the lower half empty.
func (m *Manager) CreateContext() (*Context, error) {
	rootPhys, err := m.alloc.AllocPages(0)
	if err != nil {
		return nil, fmt.Errorf("paging: allocate PML4: %w", err)
	}
	if err := m.ram.Zero(rootPhys, PageSize4K); err != nil {
		return nil, err
	}

	for i := entriesPerTable / 2; i < entriesPerTable; i++ {
		v, err := m.ram.ReadUint64(m.kernel.root + uint64(i*entrySize))
		if err != nil {
			return nil, err
		}
		if err := m.ram.WriteUint64(rootPhys+uint64(i*entrySize), v); err != nil {
			return nil, err
		}
	}

	return &Context{root: rootPhys, manager: m}, nil
}

// DestroyContext walks only the lower half (user) recursively, freeing
// every non-huge intermediate table, then releases the top table itself.
func (m *Manager) DestroyContext(c *Context) error {
	for i := 0; i < entriesPerTable/2; i++ {
		entry, err := m.ram.ReadUint64(c.root + uint64(i*entrySize))
		if err != nil {
			return err
		}
		if entry&entryPresent == 0 {
			continue
		}
		if err := m.freeTable(entry&entryAddrMask, 3); err != nil {
			return err
		}
	}
	m.alloc.FreePages(c.root, 0)
	return nil
}

// freeTable recursively frees intermediate tables at the given depth
// (3=PDPT, 2=PD, 1=PT); huge-page leaf entries terminate recursion without
// freeing (they address guest/kernel RAM frames the caller owns).
func (m *Manager) freeTable(tablePhys uint64, depth int) error {
	if depth > 1 {
		for i := 0; i < entriesPerTable; i++ {
			entry, err := m.ram.ReadUint64(tablePhys + uint64(i*entrySize))
			if err != nil {
				return err
			}
			if entry&entryPresent == 0 {
				continue
			}
			if entry&entryHuge != 0 {
				continue // leaf: addresses a frame, not a table
			}
			if err := m.freeTable(entry&entryAddrMask, depth-1); err != nil {
				return err
			}
		}
	}
	m.alloc.FreePages(tablePhys, 0)
	return nil
}

// indices decomposes a canonical virtual address into its PML4/PDPT/PD/PT
// table indices (bits 39:47, 30:38, 21:29, 12:20).
func indices(virt uint64) (pml4, pdpt, pd, pt int) {
	pml4 = int((virt >> 39) & 0x1FF)
	pdpt = int((virt >> 30) & 0x1FF)
	pd = int((virt >> 21) & 0x1FF)
	pt = int((virt >> 12) & 0x1FF)
	return
}

var ErrUnsupportedPageSize = errors.New("paging: unsupported page size")
