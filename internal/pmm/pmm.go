// Package pmm implements the physical memory manager: a per-zone buddy
// allocator handing out power-of-two runs of physical pages up to order
// 11 (8 MiB), as a single-mutex-guarded struct with explicit alignment
// helpers performing full buddy split/merge over real RAM.
package pmm

import (
	"errors"
	"fmt"

	gsync "gvisor.dev/gvisor/pkg/sync"

	"github.com/purevisor/purevisor/internal/pvlog"
)

const (
	// PageSize is the base unit of allocation, 4 KiB.
	PageSize = 4096
	// MaxOrder is the highest buddy order served (order 11 == 8 MiB).
	MaxOrder = 11

	dmaZoneLimit    = 16 * 1024 * 1024       // < 16 MiB
	normalZoneLimit = 4 * 1024 * 1024 * 1024 // 16 MiB .. 4 GiB
)

// ZoneKind identifies one of the three physical zones RAM is split into.
type ZoneKind int

const (
	ZoneDMA ZoneKind = iota
	ZoneNormal
	ZoneHigh
	zoneCount
)

func (z ZoneKind) String() string {
	switch z {
	case ZoneDMA:
		return "DMA"
	case ZoneNormal:
		return "NORMAL"
	case ZoneHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// PageFlags describes the state of one physical page descriptor.
type PageFlags uint32

const (
	PageFree PageFlags = 1 << iota
	PagePresent
	PageKernel
	PageUser
	PageReserved
	PageDMA
)

// Page is the physical page descriptor, one per frame, indexed by PFN.
type Page struct {
	Flags    PageFlags
	Order    int8
	RefCount int32

	// prev/next implement the intrusive doubly-linked free-list slot for
	// this page when it is the head of a buddy block; -1 means unlinked.
	prev, next int64
}

// Stats reports allocator-wide counters, consumed by the management API.
type Stats struct {
	TotalPages uint64
	FreePages  uint64
	Zones      [int(zoneCount)]ZoneStats
}

// ZoneStats reports per-zone counters.
type ZoneStats struct {
	Kind       ZoneKind
	TotalPages uint64
	FreePages  uint64
}

type zone struct {
	kind     ZoneKind
	startPFN uint64
	endPFN   uint64               // exclusive
	free     [MaxOrder + 1]int64  // head PFN of the free list at each order, -1 if empty
	freeCnt  uint64
}

// MemoryMapEntry is one range reported by the boot memory map (see
// internal/bootinfo); type 1 == available RAM, anything else is reserved.
type MemoryMapEntry struct {
	Addr uint64
	Len  uint64
	Type uint32
}

const MemoryAvailable = 1

// Manager owns all RAM known to the hypervisor at page granularity.
type Manager struct {
	mu gsync.Mutex

	log *pvlog.Logger

	pages    []Page // indexed by PFN, covers [basePFN, basePFN+len)
	basePFN  uint64
	zones    [zoneCount]zone
	total    uint64
	freeTot  uint64
}

var (
	// ErrInvalidOrder is returned when order is outside [0, MaxOrder].
	ErrInvalidOrder = errors.New("pmm: order out of range")
	// ErrOutOfMemory is returned by AllocPages when no zone can satisfy
	// the request.
	ErrOutOfMemory = errors.New("pmm: out of memory")
)

// New builds a Manager by walking a boot memory map: the pages of every
// entry of MemoryAvailable type are filed as free in the largest
// naturally aligned buddy blocks that fit, after carving
// out [reserveStart, reserveEnd) for the kernel image and the descriptor
// array itself.
func New(log *pvlog.Logger, entries []MemoryMapEntry, reserveStart, reserveEnd uint64) (*Manager, error) {
	if log == nil {
		log = pvlog.Discard()
	}

	var lo, hi uint64 = ^uint64(0), 0
	for _, e := range entries {
		if e.Type != MemoryAvailable {
			continue
		}
		if e.Addr < lo {
			lo = e.Addr
		}
		if e.Addr+e.Len > hi {
			hi = e.Addr + e.Len
		}
	}
	if hi <= lo {
		return nil, fmt.Errorf("pmm: no available memory in map")
	}

	basePFN := lo / PageSize
	endPFN := (hi + PageSize - 1) / PageSize
	numPages := endPFN - basePFN

	m := &Manager{
		log:     log,
		pages:   make([]Page, numPages),
		basePFN: basePFN,
	}
	for i := range m.pages {
		m.pages[i] = Page{Flags: PageReserved, prev: -1, next: -1}
	}

	m.zones[ZoneDMA] = clampedZone(ZoneDMA, basePFN, min64(endPFN, dmaZoneLimit/PageSize))
	m.zones[ZoneNormal] = clampedZone(ZoneNormal,
		max64(basePFN, dmaZoneLimit/PageSize),
		min64(endPFN, normalZoneLimit/PageSize))
	m.zones[ZoneHigh] = clampedZone(ZoneHigh,
		max64(basePFN, normalZoneLimit/PageSize),
		endPFN)
	for i := range m.zones {
		for o := range m.zones[i].free {
			m.zones[i].free[o] = -1
		}
	}

	reserveStartPFN := reserveStart / PageSize
	reserveEndPFN := (reserveEnd + PageSize - 1) / PageSize

	for _, e := range entries {
		if e.Type != MemoryAvailable {
			continue
		}
		startPFN := e.Addr / PageSize
		endPFN := (e.Addr + e.Len) / PageSize
		run := uint64(0) // first PFN of the current insertable run, 0 == none
		runLen := uint64(0)
		flush := func() {
			m.insertRun(run, runLen)
			runLen = 0
		}
		for pfn := startPFN; pfn < endPFN; pfn++ {
			usable := m.ownsPFN(pfn) && !(pfn >= reserveStartPFN && pfn < reserveEndPFN)
			if !usable {
				flush()
				continue
			}
			m.pages[pfn-m.basePFN] = Page{Flags: PageFree, prev: -1, next: -1}
			m.total++
			m.freeTot++
			if runLen == 0 {
				run = pfn
			}
			runLen++
		}
		flush()
	}

	log.Info("pmm initialized", "total_pages", m.total, "base_pfn", m.basePFN)
	return m, nil
}

// insertRun files a contiguous run of free PFNs onto the free lists as
// maximal naturally-aligned buddy blocks, so a fresh manager can serve
// high-order allocations without waiting for coalescing on free. A
// block's natural alignment also keeps it from straddling a zone
// boundary, since every boundary is itself block-aligned.
func (m *Manager) insertRun(start, length uint64) {
	for length > 0 {
		order := MaxOrder
		for order > 0 && (start%(1<<uint(order)) != 0 || uint64(1)<<uint(order) > length) {
			order--
		}
		m.insertFree(start, order)
		start += 1 << uint(order)
		length -= 1 << uint(order)
	}
}

func (m *Manager) ownsPFN(pfn uint64) bool {
	return pfn >= m.basePFN && pfn-m.basePFN < uint64(len(m.pages))
}

func (m *Manager) zoneOf(pfn uint64) *zone {
	for i := range m.zones {
		if pfn >= m.zones[i].startPFN && pfn < m.zones[i].endPFN {
			return &m.zones[i]
		}
	}
	return nil
}

func clampedZone(kind ZoneKind, start, end uint64) zone {
	if start > end {
		start = end
	}
	return zone{kind: kind, startPFN: start, endPFN: end}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
