package paging

import (
	"testing"

	"github.com/purevisor/purevisor/internal/physmem"
	"github.com/purevisor/purevisor/internal/pmm"
)

func newTestManager(t *testing.T) (*Manager, *pmm.Manager) {
	t.Helper()
	ram := physmem.New(64 * 1024 * 1024)
	entries := []pmm.MemoryMapEntry{{Addr: 0, Len: 64 * 1024 * 1024, Type: pmm.MemoryAvailable}}
	alloc, err := pmm.New(nil, entries, 0, 1<<20) // reserve first MiB as "kernel image"
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	m, err := NewManager(ram, alloc, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, alloc
}

func TestTranslateAfterMap(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, err := m.CreateContext()
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	const virt = uint64(0x0000_1234_0000_0000) &^ (PageSize4K - 1)
	const phys = uint64(4 * 1024 * 1024)
	const size = 4 * PageSize4K

	if err := ctx.Map(virt, phys, size, PageSize4K, Flags{Write: true, Exec: false}); err != nil {
		t.Fatalf("Map: %v", err)
	}

	for k := uint64(0); k < size; k += 1024 {
		if got := ctx.Translate(virt + k); got != phys+k {
			t.Fatalf("Translate(%#x) = %#x, want %#x", virt+k, got, phys+k)
		}
	}

	if err := ctx.Unmap(virt, size); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	for k := uint64(0); k < size; k += PageSize4K {
		if got := ctx.Translate(virt + k); got != 0 {
			t.Fatalf("Translate(%#x) after unmap = %#x, want 0", virt+k, got)
		}
	}
}

func TestHugePageTranslate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx, err := m.CreateContext()
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	const virt = uint64(0x0000_2000_0000_0000)
	const phys = uint64(2 * 1024 * 1024)

	if err := ctx.Map(virt, phys, PageSize2M, PageSize2M, Flags{Write: true}); err != nil {
		t.Fatalf("Map 2M: %v", err)
	}
	if got := ctx.Translate(virt + 0x1000); got != phys+0x1000 {
		t.Fatalf("Translate = %#x, want %#x", got, phys+0x1000)
	}
}

func TestUpperHalfSharedAcrossContexts(t *testing.T) {
	m, _ := newTestManager(t)

	a, err := m.CreateContext()
	if err != nil {
		t.Fatalf("CreateContext a: %v", err)
	}
	b, err := m.CreateContext()
	if err != nil {
		t.Fatalf("CreateContext b: %v", err)
	}

	// A context created after a kernel-context mapping copies the kernel
	// PML4 upper half, so it resolves the same translation; contexts
	// created before the kernel PML4 entry existed do not.
	const kphys = uint64(8 * 1024 * 1024)
	if err := m.Kernel().Map(KernelOffset, kphys, PageSize4K, PageSize4K, Flags{Write: true}); err != nil {
		t.Fatalf("map kernel direct map: %v", err)
	}

	after, err := m.CreateContext()
	if err != nil {
		t.Fatalf("CreateContext after kernel map: %v", err)
	}
	if got := after.Translate(KernelOffset); got != kphys {
		t.Fatalf("new context should inherit kernel upper half mapping, got %#x want %#x", got, kphys)
	}
	if got := a.Translate(KernelOffset); got != 0 {
		t.Fatalf("pre-existing context should not see a later kernel PML4 entry, got %#x", got)
	}
	_ = b
}

func TestDestroyContextFreesLowerHalf(t *testing.T) {
	m, alloc := newTestManager(t)
	before := alloc.FreePageCount()

	ctx, err := m.CreateContext()
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	if err := ctx.Map(0x1000, 8*1024*1024, 4*PageSize4K, PageSize4K, Flags{Write: true}); err != nil {
		t.Fatalf("Map: %v", err)
	}

	afterMap := alloc.FreePageCount()
	if afterMap >= before {
		t.Fatalf("expected pages consumed by mapping, before=%d after=%d", before, afterMap)
	}

	if err := m.DestroyContext(ctx); err != nil {
		t.Fatalf("DestroyContext: %v", err)
	}
	afterDestroy := alloc.FreePageCount()
	if afterDestroy <= afterMap {
		t.Fatalf("expected pages reclaimed by destroy, afterMap=%d afterDestroy=%d", afterMap, afterDestroy)
	}
}
