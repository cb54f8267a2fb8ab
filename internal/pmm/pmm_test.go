package pmm

import "testing"

func newTestManager(t *testing.T, sizeBytes uint64) *Manager {
	t.Helper()
	entries := []MemoryMapEntry{{Addr: 0, Len: sizeBytes, Type: MemoryAvailable}}
	m, err := New(nil, entries, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestAllocFreeRoundTrip(t *testing.T) {
	m := newTestManager(t, 1<<30) // 1 GiB

	before := m.FreePageCount()
	for order := 0; order <= MaxOrder; order++ {
		addr, err := m.AllocPages(order)
		if err != nil {
			t.Fatalf("AllocPages(%d): %v", order, err)
		}
		if addr%(PageSize<<uint(order)) != 0 {
			t.Fatalf("AllocPages(%d) returned misaligned addr %#x", order, addr)
		}
		m.FreePages(addr, order)
	}
	after := m.FreePageCount()
	if before != after {
		t.Fatalf("free page count changed: before=%d after=%d", before, after)
	}
}

func TestBuddySplitAndMerge(t *testing.T) {
	m := newTestManager(t, 1<<30)
	initial := m.FreePageCount()

	a, err := m.AllocPages(0)
	if err != nil {
		t.Fatalf("alloc a: %v", err)
	}
	b, err := m.AllocPages(2)
	if err != nil {
		t.Fatalf("alloc b: %v", err)
	}
	c, err := m.AllocPages(0)
	if err != nil {
		t.Fatalf("alloc c: %v", err)
	}

	if a == b || b == c || a == c {
		t.Fatalf("allocations not disjoint: a=%#x b=%#x c=%#x", a, b, c)
	}
	if b%(16*1024) != 0 {
		t.Fatalf("b not aligned to 16KiB: %#x", b)
	}

	m.FreePages(b, 2)
	m.FreePages(a, 0)
	m.FreePages(c, 0)

	if got := m.FreePageCount(); got != initial {
		t.Fatalf("free count after merge = %d, want %d", got, initial)
	}
}

func TestDoubleFreeIsNoop(t *testing.T) {
	m := newTestManager(t, 1<<20)
	addr, err := m.AllocPages(0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	before := m.FreePageCount()
	m.FreePages(addr, 0)
	afterFirst := m.FreePageCount()
	m.FreePages(addr, 0) // double free
	afterSecond := m.FreePageCount()

	if afterFirst != before+1 {
		t.Fatalf("first free did not increase count: before=%d after=%d", before, afterFirst)
	}
	if afterSecond != afterFirst {
		t.Fatalf("double free changed free count: %d -> %d", afterFirst, afterSecond)
	}
}

func TestInvalidOrderRejected(t *testing.T) {
	m := newTestManager(t, 1<<20)
	if _, err := m.AllocPages(-1); err != ErrInvalidOrder {
		t.Fatalf("AllocPages(-1) = %v, want ErrInvalidOrder", err)
	}
	if _, err := m.AllocPages(MaxOrder + 1); err != ErrInvalidOrder {
		t.Fatalf("AllocPages(MaxOrder+1) = %v, want ErrInvalidOrder", err)
	}
}

func TestOutOfMemory(t *testing.T) {
	m := newTestManager(t, 4*PageSize)
	var allocated []uint64
	for {
		addr, err := m.AllocPages(0)
		if err != nil {
			break
		}
		allocated = append(allocated, addr)
	}
	if len(allocated) == 0 {
		t.Fatalf("expected at least one successful allocation")
	}
	if _, err := m.AllocPages(0); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestReservedRangeExcluded(t *testing.T) {
	entries := []MemoryMapEntry{{Addr: 0, Len: 1 << 20, Type: MemoryAvailable}}
	m, err := New(nil, entries, 0, 64*1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := uint64((1<<20)-64*1024) / PageSize
	if got := m.TotalPages(); got != want {
		t.Fatalf("total pages = %d, want %d", got, want)
	}
}
