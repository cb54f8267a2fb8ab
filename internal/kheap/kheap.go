// Package kheap implements the kernel heap: a variable-size, best-fit
// allocator with boundary-tag coalescing, built atop internal/pmm page
// allocations and internal/physmem's byte-addressable RAM, using the
// same allocator-over-backing-store shape as internal/paging.
package kheap

import (
	"encoding/binary"
	"errors"
	"fmt"

	gsync "gvisor.dev/gvisor/pkg/sync"

	"github.com/purevisor/purevisor/internal/physmem"
	"github.com/purevisor/purevisor/internal/pvlog"
)

const (
	blockMagic = uint32(0x4B484541) // "KHEA"

	// HeaderSize/FooterSize bracket every block (free or allocated).
	// Header carries bookkeeping; the footer is a boundary tag holding a
	// duplicate of size+flags so a block can find and inspect its left
	// neighbor in O(1) without a doubly linked address list.
	HeaderSize = 32
	FooterSize = 16

	// MinPayload is the minimum usable payload size.
	MinPayload = 16
	// PayloadAlign is the minimum payload alignment.
	PayloadAlign = 16

	overhead     = HeaderSize + FooterSize
	minBlockSize = overhead + MinPayload

	growthPages = 4 // allocate at least 4 pages from the frame allocator per growth
	pageSize    = 4096

	flagFree = uint32(1)
)

// AllocFlags mirrors the flag set passed to an allocation call.
type AllocFlags uint32

const (
	FlagZero AllocFlags = 1 << iota
	FlagDMA
	FlagAtomic
)

// FrameAllocator is the subset of pmm.Manager's contract kheap needs.
type FrameAllocator interface {
	AllocPages(order int) (uint64, error)
	FreePages(addr uint64, order int)
}

type chunk struct {
	base, size uint64
}

// Heap is a single-spinlock-guarded allocator instance.
type Heap struct {
	mu gsync.Mutex

	ram   *physmem.RAM
	alloc FrameAllocator
	log   *pvlog.Logger

	freeHead uint64 // phys addr of first free block, 0 == empty
	chunks   []chunk
}

var (
	ErrOutOfMemory    = errors.New("kheap: out of memory")
	ErrInvalidPointer = errors.New("kheap: invalid or already-freed pointer")
)

// New builds an empty heap; its first growth happens on the first kmalloc
// call that finds no fitting free block.
func New(ram *physmem.RAM, alloc FrameAllocator, log *pvlog.Logger) *Heap {
	if log == nil {
		log = pvlog.Discard()
	}
	return &Heap{ram: ram, alloc: alloc, log: log}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func orderForPages(pages uint64) int {
	order := 0
	for uint64(1)<<uint(order) < pages {
		order++
	}
	return order
}

// block is an in-memory read view of a block's header.
type block struct {
	addr  uint64
	magic uint32
	flags uint32
	size  uint64 // total size including header+footer
	next  uint64
}

func (h *Heap) readBlock(addr uint64) (block, error) {
	var hdr [HeaderSize]byte
	if _, err := h.ram.ReadAt(hdr[:], int64(addr)); err != nil {
		return block{}, err
	}
	b := block{
		addr:  addr,
		magic: binary.LittleEndian.Uint32(hdr[0:4]),
		flags: binary.LittleEndian.Uint32(hdr[4:8]),
		size:  binary.LittleEndian.Uint64(hdr[8:16]),
		next:  binary.LittleEndian.Uint64(hdr[16:24]),
	}
	return b, nil
}

func (h *Heap) writeBlock(b block) error {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], blockMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], b.flags)
	binary.LittleEndian.PutUint64(hdr[8:16], b.size)
	binary.LittleEndian.PutUint64(hdr[16:24], b.next)
	if _, err := h.ram.WriteAt(hdr[:], int64(b.addr)); err != nil {
		return err
	}

	var ftr [FooterSize]byte
	binary.LittleEndian.PutUint64(ftr[0:8], b.size)
	binary.LittleEndian.PutUint64(ftr[8:16], uint64(b.flags))
	return writeAt(h.ram, b.addr+b.size-FooterSize, ftr[:])
}

func writeAt(ram *physmem.RAM, addr uint64, p []byte) error {
	_, err := ram.WriteAt(p, int64(addr))
	return err
}

// footerBefore reads the footer immediately preceding addr, returning the size
// and flags of the block ending there (used to find a left neighbor).
func (h *Heap) footerBefore(addr uint64) (size uint64, flags uint32, ok bool) {
	if addr < FooterSize {
		return 0, 0, false
	}
	var ftr [FooterSize]byte
	if _, err := h.ram.ReadAt(ftr[:], int64(addr-FooterSize)); err != nil {
		return 0, 0, false
	}
	size = binary.LittleEndian.Uint64(ftr[0:8])
	flags = uint32(binary.LittleEndian.Uint64(ftr[8:16]))
	if size == 0 || size > addr {
		return 0, 0, false
	}
	return size, flags, true
}

func (h *Heap) chunkOf(addr uint64) *chunk {
	for i := range h.chunks {
		if addr >= h.chunks[i].base && addr < h.chunks[i].base+h.chunks[i].size {
			return &h.chunks[i]
		}
	}
	return nil
}

func (h *Heap) inSameChunk(a, b uint64) bool {
	ca := h.chunkOf(a)
	return ca != nil && b >= ca.base && b < ca.base+ca.size
}

// grow obtains at least `need` bytes (rounded up to whole pages, at least
// growthPages) from the frame allocator and adds it as one new free block.
func (h *Heap) grow(need uint64) error {
	pages := alignUp(need, pageSize) / pageSize
	if pages < growthPages {
		pages = growthPages
	}
	order := orderForPages(pages)
	allocPages := uint64(1) << uint(order)

	addr, err := h.alloc.AllocPages(order)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	size := allocPages * pageSize

	h.chunks = append(h.chunks, chunk{base: addr, size: size})
	h.pushFree(block{addr: addr, flags: flagFree, size: size})
	return nil
}

// pushFree writes b as free and links it at the head of the free list.
// A metadata write that fails means the backing store is gone out from
// under the allocator; there is no state to continue from.
func (h *Heap) pushFree(b block) {
	b.flags = flagFree
	b.next = h.freeHead
	if err := h.writeBlock(b); err != nil {
		pvlog.Fatal(h.log, "kheap: free-block metadata write failed", "addr", b.addr, "err", err)
	}
	h.freeHead = b.addr
}

// removeFree unlinks addr from the free list (singly linked, so this walks
// from the head; free lists are short relative to heap operations in a
// hypervisor kernel, and the allocator is spinlock-serialized rather than
// lock-free).
func (h *Heap) removeFree(addr uint64) error {
	if h.freeHead == addr {
		b, err := h.readBlock(addr)
		if err != nil {
			return err
		}
		h.freeHead = b.next
		return nil
	}
	cur := h.freeHead
	for cur != 0 {
		b, err := h.readBlock(cur)
		if err != nil {
			return err
		}
		if b.next == addr {
			next, err := h.readBlock(addr)
			if err != nil {
				return err
			}
			b.next = next.next
			return h.writeBlock(b)
		}
		cur = b.next
	}
	return fmt.Errorf("kheap: block %#x not found in free list", addr)
}
