// Package physmem models the flat physical address space that the paging,
// EPT, and VMX packages all read and write page-table entries and guest
// memory into. It is the software stand-in for what would, on real
// hardware, simply be "memory at this physical address": an io.ReaderAt +
// io.WriterAt + Size contract over a backing store that, on linux, is
// an anonymous unix.Mmap region
// rather than a plain Go slice, so it can eventually be handed to
// KVM/VT-x ioctls by address.
package physmem

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// RAM is a byte-addressable physical memory backing. It is safe for
// concurrent use; it gives no atomicity across multiple accesses, and
// paging.Context and ept.Context add no locking of their own.
type RAM struct {
	mu      sync.RWMutex
	data    []byte
	release func() error
}

// New allocates a zero-filled RAM region of size bytes, addressed starting
// at physical address 0. On linux the backing store is an anonymous mmap
// region (a heap slice if the mmap fails); elsewhere it is a plain
// heap-backed slice.
func New(size uint64) *RAM {
	data, release := allocBacking(size)
	return &RAM{data: data, release: release}
}

// Close releases the backing store. Safe to call on a RAM whose backing
// required no explicit release (the no-op fallback).
func (r *RAM) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.release == nil {
		return nil
	}
	err := r.release()
	r.release = nil
	return err
}

func (r *RAM) Size() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.data))
}

func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if off < 0 || uint64(off) >= uint64(len(r.data)) {
		return 0, fmt.Errorf("physmem: read at %#x out of range", off)
	}
	n := copy(p, r.data[off:])
	return n, nil
}

func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(r.data)) {
		return 0, fmt.Errorf("physmem: write at %#x out of range", off)
	}
	n := copy(r.data[off:], p)
	return n, nil
}

// ReadUint64 reads a little-endian u64 at phys, the unit page-table entries
// and EPT entries are read and written in.
func (r *RAM) ReadUint64(phys uint64) (uint64, error) {
	var buf [8]byte
	if _, err := r.ReadAt(buf[:], int64(phys)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes a little-endian u64 at phys.
func (r *RAM) WriteUint64(phys uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := r.WriteAt(buf[:], int64(phys))
	return err
}

// Zero clears size bytes starting at phys.
func (r *RAM) Zero(phys, size uint64) error {
	zeros := make([]byte, size)
	_, err := r.WriteAt(zeros, int64(phys))
	return err
}
