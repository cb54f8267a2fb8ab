package main

import (
	"fmt"

	"github.com/purevisor/purevisor/internal/bootinfo"
	"github.com/purevisor/purevisor/internal/kheap"
	"github.com/purevisor/purevisor/internal/paging"
	"github.com/purevisor/purevisor/internal/physmem"
	"github.com/purevisor/purevisor/internal/pmm"
	"github.com/purevisor/purevisor/internal/pvlog"
)

// hostMemory is the node's bring-up state: the RAM model, the physical
// page allocator built over it, the kernel address-space manager with
// its direct map installed, and the kernel heap. On bare metal the same
// sequence runs against the bootloader's real info block; here the agent
// synthesizes an equivalent block so both paths walk the same bytes.
type hostMemory struct {
	ram     *physmem.RAM
	alloc   *pmm.Manager
	paging  *paging.Manager
	heap    *kheap.Heap
	cmdline uint64 // kernel-heap address of the saved boot command line
}

// lowReserved is the sub-1MiB legacy region (real-mode IVT, EBDA, VGA,
// BIOS ROM shadow) withheld from the allocator the way a bare-metal
// memory map would.
const lowReserved = 1 << 20

func bootHost(log *pvlog.Logger, ramBytes uint64, cmdline string) (*hostMemory, error) {
	if ramBytes < 64<<20 {
		return nil, fmt.Errorf("boot host: ram size %d too small, need at least 64 MiB", ramBytes)
	}
	ram := physmem.New(ramBytes)

	block := bootinfo.Build(bootinfo.Info{
		CommandLine:    cmdline,
		BootLoaderName: "purevisord",
		MemoryMap: []pmm.MemoryMapEntry{
			{Addr: 0, Len: lowReserved, Type: 0},
			{Addr: lowReserved, Len: ramBytes - lowReserved, Type: pmm.MemoryAvailable},
		},
	})
	info, err := bootinfo.Parse(bootinfo.Magic, block)
	if err != nil {
		ram.Close()
		return nil, fmt.Errorf("parse boot info: %w", err)
	}

	alloc, err := pmm.New(log, info.MemoryMap, 0, 0)
	if err != nil {
		ram.Close()
		return nil, fmt.Errorf("init physical memory manager: %w", err)
	}

	pg, err := paging.NewManager(ram, alloc, log)
	if err != nil {
		ram.Close()
		return nil, fmt.Errorf("init paging: %w", err)
	}
	directMapped := ramBytes &^ (paging.PageSize2M - 1)
	if err := pg.Kernel().Map(paging.KernelOffset, 0, directMapped, paging.PageSize2M,
		paging.Flags{Write: true, Global: true}); err != nil {
		ram.Close()
		return nil, fmt.Errorf("map kernel direct map: %w", err)
	}

	heap := kheap.New(ram, alloc, log)
	cmdlinePtr, err := heap.Kstrdup(info.CommandLine)
	if err != nil {
		ram.Close()
		return nil, fmt.Errorf("save boot command line: %w", err)
	}

	log.Info("host memory online",
		"ram", ramBytes,
		"pages", alloc.TotalPages(),
		"free", alloc.FreePageCount(),
		"cmdline", info.CommandLine)

	return &hostMemory{
		ram:     ram,
		alloc:   alloc,
		paging:  pg,
		heap:    heap,
		cmdline: cmdlinePtr,
	}, nil
}

func (h *hostMemory) Close() error {
	return h.ram.Close()
}
