package ept

import (
	"testing"

	"github.com/purevisor/purevisor/internal/physmem"
	"github.com/purevisor/purevisor/internal/pmm"
)

func newTestContext(t *testing.T) (*Context, *pmm.Manager, *physmem.RAM) {
	t.Helper()
	ram := physmem.New(64 * 1024 * 1024)
	entries := []pmm.MemoryMapEntry{{Addr: 0, Len: 64 * 1024 * 1024, Type: pmm.MemoryAvailable}}
	alloc, err := pmm.New(nil, entries, 0, 0)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	ctx, err := NewContext(ram, alloc, nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return ctx, alloc, ram
}

func TestMap4KTranslate(t *testing.T) {
	ctx, _, _ := newTestContext(t)
	const gpa = uint64(0x3000)
	const hpa = uint64(16 * 1024 * 1024)

	if err := ctx.Map4K(gpa, hpa, Perm{Read: true, Write: true}, MemtypeWriteBack); err != nil {
		t.Fatalf("Map4K: %v", err)
	}
	got, err := ctx.Translate(gpa + 0x10)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != hpa+0x10 {
		t.Fatalf("Translate = %#x, want %#x", got, hpa+0x10)
	}
}

// TestMap4KIdempotent checks that mapping the same gpa/hpa/perm twice
// leaves the translation and underlying intermediate table count
// unchanged (no leaked tables, no inconsistent state).
func TestMap4KIdempotent(t *testing.T) {
	ctx, alloc, _ := newTestContext(t)
	const gpa = uint64(0x200000)
	const hpa = uint64(8 * 1024 * 1024)
	perm := Perm{Read: true, Write: true, Exec: false}

	if err := ctx.Map4K(gpa, hpa, perm, MemtypeWriteBack); err != nil {
		t.Fatalf("Map4K first: %v", err)
	}
	afterFirst := alloc.FreePageCount()

	if err := ctx.Map4K(gpa, hpa, perm, MemtypeWriteBack); err != nil {
		t.Fatalf("Map4K second: %v", err)
	}
	afterSecond := alloc.FreePageCount()

	if afterFirst != afterSecond {
		t.Fatalf("re-mapping allocated new tables: afterFirst=%d afterSecond=%d", afterFirst, afterSecond)
	}

	got, err := ctx.Translate(gpa)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != hpa {
		t.Fatalf("Translate = %#x, want %#x", got, hpa)
	}
}

func TestMap2MAnd1G(t *testing.T) {
	ctx, _, _ := newTestContext(t)

	const gpa2m = uint64(0)
	const hpa2m = uint64(2 * 1024 * 1024)
	if err := ctx.Map2M(gpa2m, hpa2m, Perm{Read: true, Write: true, Exec: true}, MemtypeWriteBack); err != nil {
		t.Fatalf("Map2M: %v", err)
	}
	if got, err := ctx.Translate(gpa2m + 0x123); err != nil || got != hpa2m+0x123 {
		t.Fatalf("Translate 2M = %#x, %v", got, err)
	}

	const gpa1g = uint64(1) << 32
	const hpa1g = uint64(0)
	if err := ctx.Map1G(gpa1g, hpa1g, Perm{Read: true, Write: true}, MemtypeWriteBack); err != nil {
		t.Fatalf("Map1G: %v", err)
	}
	if got, err := ctx.Translate(gpa1g + 0x456); err != nil || got != hpa1g+0x456 {
		t.Fatalf("Translate 1G = %#x, %v", got, err)
	}
}

func TestUnmapLeavesIntermediateTables(t *testing.T) {
	ctx, alloc, _ := newTestContext(t)
	const gpa = uint64(0x500000)
	const hpa = uint64(4 * 1024 * 1024)

	if err := ctx.Map4K(gpa, hpa, Perm{Read: true}, MemtypeWriteBack); err != nil {
		t.Fatalf("Map4K: %v", err)
	}
	afterMap := alloc.FreePageCount()

	if err := ctx.Unmap(gpa); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	afterUnmap := alloc.FreePageCount()

	if afterUnmap != afterMap {
		t.Fatalf("lazy unmap should not free intermediate tables: afterMap=%d afterUnmap=%d", afterMap, afterUnmap)
	}
	if _, err := ctx.Translate(gpa); err != ErrUnresolved {
		t.Fatalf("Translate after unmap = %v, want ErrUnresolved", err)
	}
}

func TestMapRangePrefers2M(t *testing.T) {
	ctx, _, _ := newTestContext(t)
	const gpa = uint64(0)
	const hpa = uint64(32 * 1024 * 1024)
	const size = 3 * Page2M

	if err := ctx.MapRange(gpa, hpa, size, Perm{Read: true, Write: true}, MemtypeWriteBack); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	for off := uint64(0); off < size; off += 0x1000 {
		got, err := ctx.Translate(gpa + off)
		if err != nil {
			t.Fatalf("Translate(%#x): %v", gpa+off, err)
		}
		if got != hpa+off {
			t.Fatalf("Translate(%#x) = %#x, want %#x", gpa+off, got, hpa+off)
		}
	}
}

func TestDestroyFreesAllTables(t *testing.T) {
	ctx, alloc, _ := newTestContext(t)
	before := alloc.FreePageCount()

	if err := ctx.MapRange(0, 16*1024*1024, 2*Page2M, Perm{Read: true, Write: true}, MemtypeWriteBack); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	if err := ctx.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	// Destroy also frees the root table, which NewContext allocated before
	// the baseline was taken, so exactly one page more is free afterwards.
	after := alloc.FreePageCount()
	if after != before+1 {
		t.Fatalf("Destroy leaked pages: before=%d after=%d, want after=before+1", before, after)
	}
}

func TestInvalidateCounter(t *testing.T) {
	ctx, _, _ := newTestContext(t)
	if ctx.Invalidations() != 0 {
		t.Fatalf("expected 0 invalidations initially")
	}
	ctx.Invalidate()
	ctx.Invalidate()
	if ctx.Invalidations() != 2 {
		t.Fatalf("expected 2 invalidations, got %d", ctx.Invalidations())
	}
}
