package physmem

import "testing"

func TestReadWriteRoundTrip(t *testing.T) {
	r := New(4096)
	defer r.Close()

	if err := r.WriteUint64(8, 0xdeadbeefcafebabe); err != nil {
		t.Fatalf("WriteUint64: %v", err)
	}
	got, err := r.ReadUint64(8)
	if err != nil {
		t.Fatalf("ReadUint64: %v", err)
	}
	if got != 0xdeadbeefcafebabe {
		t.Fatalf("got %#x, want %#x", got, uint64(0xdeadbeefcafebabe))
	}
}

func TestZeroClears(t *testing.T) {
	r := New(64)
	defer r.Close()

	if _, err := r.WriteAt([]byte{1, 2, 3, 4}, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := r.Zero(0, 4); err != nil {
		t.Fatalf("Zero: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := r.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
}

func TestOutOfRangeAccessFails(t *testing.T) {
	r := New(16)
	defer r.Close()

	if _, err := r.ReadAt(make([]byte, 1), 16); err == nil {
		t.Fatalf("ReadAt past end: want error, got nil")
	}
	if _, err := r.WriteAt(make([]byte, 1), 16); err == nil {
		t.Fatalf("WriteAt past end: want error, got nil")
	}
}

// TestCloseIsIdempotent checks that closing twice does not panic or
// double-free the backing store.
func TestCloseIsIdempotent(t *testing.T) {
	r := New(4096)
	if err := r.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
