//go:build !linux

package physmem

// allocBacking falls back to a plain heap-backed slice on every
// non-linux platform (KVM itself is linux-only, hence the build-tag
// split).
func allocBacking(size uint64) ([]byte, func() error) {
	return make([]byte, size), func() error { return nil }
}
