package blockdev

import (
	"os"
	"path/filepath"
	"testing"
)

func makeFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()
	return path
}

func TestReadWriteRoundTrip(t *testing.T) {
	path := makeFile(t, 4096)
	dev, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	want := []byte("HELLO")
	if n, err := WriteAt(dev, want, 0); err != nil || n != len(want) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}

	got := make([]byte, len(want))
	if n, err := ReadAt(dev, got, 0); err != nil || n != len(got) {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if string(got) != "HELLO" {
		t.Fatalf("got %q, want HELLO", got)
	}
}

func TestReadOnlyRejectsWrite(t *testing.T) {
	path := makeFile(t, 4096)
	dev, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	if !dev.Info().ReadOnly {
		t.Fatalf("Info().ReadOnly = false")
	}
	_, err = WriteAt(dev, []byte("x"), 0)
	if err != ErrReadOnly {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
}

func TestOutOfRangeRejected(t *testing.T) {
	path := makeFile(t, 4096)
	dev, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	_, err = ReadAt(dev, make([]byte, 16), 4090)
	if err != ErrOutOfRange {
		t.Fatalf("err = %v, want ErrOutOfRange", err)
	}
}

func TestClosedDeviceRejectsSubmit(t *testing.T) {
	path := makeFile(t, 4096)
	dev, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := dev.Flush(); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestWriteZeroesClearsRange(t *testing.T) {
	path := makeFile(t, 4096)
	dev, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	if _, err := WriteAt(dev, []byte{1, 2, 3, 4}, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := dev.Submit(&Request{Op: OpWriteZeroes, Offset: 0, Length: 4, Flags: FlagFUA}); err != nil {
		t.Fatalf("Submit write-zeroes: %v", err)
	}
	got := make([]byte, 4)
	if _, err := ReadAt(dev, got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0 after write-zeroes", i, b)
		}
	}
}

func TestDiscardSucceeds(t *testing.T) {
	path := makeFile(t, 4096)
	dev, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	if err := dev.Submit(&Request{Op: OpDiscard, Offset: 0, Length: 512}); err != nil {
		t.Fatalf("Submit discard: %v", err)
	}
}

func TestMemDeviceReadWriteRoundTrip(t *testing.T) {
	dev := NewMemDevice(4096, false)
	defer dev.Close()

	want := []byte("HELLO")
	if n, err := WriteAt(dev, want, 128); err != nil || n != len(want) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}
	got := make([]byte, len(want))
	if n, err := ReadAt(dev, got, 128); err != nil || n != len(got) {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if string(got) != "HELLO" {
		t.Fatalf("got %q, want HELLO", got)
	}

	if err := dev.Submit(&Request{Op: OpWriteZeroes, Offset: 128, Length: 5}); err != nil {
		t.Fatalf("Submit write-zeroes: %v", err)
	}
	if _, err := ReadAt(dev, got, 128); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0 after write-zeroes", i, b)
		}
	}
}

func TestMemDeviceBounds(t *testing.T) {
	dev := NewMemDevice(512, false)
	defer dev.Close()

	if _, err := ReadAt(dev, make([]byte, 16), 500); err != ErrOutOfRange {
		t.Fatalf("err = %v, want ErrOutOfRange", err)
	}
	ro := NewMemDevice(512, true)
	defer ro.Close()
	if _, err := WriteAt(ro, []byte("x"), 0); err != ErrReadOnly {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
}

func TestInfoReportsCapacity(t *testing.T) {
	path := makeFile(t, 8192)
	dev, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	if dev.Info().Capacity != 8192 {
		t.Fatalf("Capacity = %d, want 8192", dev.Info().Capacity)
	}
}
