// Package blockdev implements the block device abstraction storage pools
// sit on top of: open/close/submit/flush/info against an os.File-backed
// store guarded by a mutex, bounds-checked against a reported capacity,
// rejecting writes when opened read-only.
package blockdev

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Op is a block device request operation.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpDiscard
	OpWriteZeroes
)

// Flags qualify how a request is serviced.
type Flags uint32

const (
	// FlagFUA forces the written data to stable storage before completion.
	FlagFUA Flags = 1 << iota
	// FlagPreflush flushes the device before servicing the request.
	FlagPreflush
	// FlagSync flushes after servicing the request.
	FlagSync
)

// ErrReadOnly is returned by Submit when a write is attempted against a
// device opened read-only, mirroring virtio-blk's VIRTIO_BLK_S_IOERR on
// a write to a readonly-backed device.
var ErrReadOnly = errors.New("blockdev: device is read-only")

// ErrOutOfRange is returned when a request's [offset, offset+length)
// range falls outside the device's reported capacity.
var ErrOutOfRange = errors.New("blockdev: request out of range")

// ErrClosed is returned by Submit/Flush after Close.
var ErrClosed = errors.New("blockdev: device closed")

func errUnknownOp(op Op) error {
	return fmt.Errorf("blockdev: unknown op %d", op)
}

// Request is one block device operation. Callback is invoked exactly
// once for every request Submit accepts (a closed device returns
// ErrClosed without invoking it), synchronously from within Submit in
// this software model; a
// real backend would complete it from an I/O thread or interrupt
// handler, which is why it exists as a callback rather than a direct
// return value. Next links requests into the device's pending queue,
// mirroring a virtqueue's descriptor-chain linkage.
type Request struct {
	Op       Op
	Offset   int64
	Length   int
	Data     []byte // write source or read destination, len == Length
	Flags    Flags
	Callback func(n int, err error)

	Next *Request
}

// Info describes a device's static properties.
type Info struct {
	Capacity  int64 // bytes
	ReadOnly  bool
	BlockSize int
}

// Device is the block device contract storage pool extents submit
// requests against.
type Device interface {
	Submit(req *Request) error
	Flush() error
	Info() Info
	Close() error
}

const defaultBlockSize = 512

// FileDevice is a Device backed by an *os.File.
type FileDevice struct {
	mu       sync.Mutex
	file     *os.File
	readonly bool
	capacity int64
	closed   bool
}

// Open opens path as a block device. If readonly is false the file is
// opened for read/write; the caller is responsible for the file
// already existing with its final size (block devices do not grow).
func Open(path string, readonly bool) (*FileDevice, error) {
	flag := os.O_RDWR
	if readonly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: stat %s: %w", path, err)
	}
	return &FileDevice{file: f, readonly: readonly, capacity: fi.Size()}, nil
}

// Info implements Device.
func (d *FileDevice) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Info{Capacity: d.capacity, ReadOnly: d.readonly, BlockSize: defaultBlockSize}
}

// Submit services req synchronously against the backing file, bounds
// checking and rejecting writes against a read-only device before
// touching the file.
func (d *FileDevice) Submit(req *Request) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if req.Offset < 0 || req.Length < 0 || req.Offset+int64(req.Length) > d.capacity {
		d.mu.Unlock()
		err := ErrOutOfRange
		if req.Callback != nil {
			req.Callback(0, err)
		}
		return err
	}

	if req.Flags&FlagPreflush != 0 {
		if err := d.file.Sync(); err != nil {
			d.mu.Unlock()
			if req.Callback != nil {
				req.Callback(0, err)
			}
			return err
		}
	}

	var n int
	var err error
	switch req.Op {
	case OpRead:
		n, err = d.file.ReadAt(req.Data[:req.Length], req.Offset)
	case OpWrite:
		if d.readonly {
			err = ErrReadOnly
			break
		}
		n, err = d.file.WriteAt(req.Data[:req.Length], req.Offset)
	case OpWriteZeroes:
		if d.readonly {
			err = ErrReadOnly
			break
		}
		n, err = d.file.WriteAt(make([]byte, req.Length), req.Offset)
	case OpDiscard:
		// A sparse backing file has nothing to reclaim per-range; the
		// range simply becomes undefined to the caller.
	case OpFlush:
		err = d.file.Sync()
	default:
		err = errUnknownOp(req.Op)
	}

	if err == nil && req.Flags&(FlagFUA|FlagSync) != 0 {
		err = d.file.Sync()
	}
	d.mu.Unlock()
	if req.Callback != nil {
		req.Callback(n, err)
	}
	return err
}

// Flush submits a synchronous flush request.
func (d *FileDevice) Flush() error {
	return d.Submit(&Request{Op: OpFlush})
}

// Close closes the backing file. Further Submit calls return
// ErrClosed.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.file.Close()
}

var _ Device = (*FileDevice)(nil)

// ReadAt and WriteAt are synchronous convenience wrappers: they build a
// Request, submit it, and wait on a completion flag set by the callback.
// In this software model Submit
// already runs synchronously, but the wrapper still goes through the
// callback-based completion protocol so the same Device implementation
// works unmodified against a future asynchronous backend.
func ReadAt(d Device, p []byte, off int64) (int, error) {
	return syncSubmit(d, OpRead, off, p)
}

func WriteAt(d Device, p []byte, off int64) (int, error) {
	return syncSubmit(d, OpWrite, off, p)
}

func syncSubmit(d Device, op Op, off int64, p []byte) (int, error) {
	done := make(chan struct{})
	var n int
	var rerr error
	req := &Request{
		Op:     op,
		Offset: off,
		Length: len(p),
		Data:   p,
		Callback: func(gotN int, err error) {
			n, rerr = gotN, err
			close(done)
		},
	}
	if err := d.Submit(req); err != nil && rerr == nil {
		// Submit returned synchronously before invoking Callback (e.g.
		// ErrClosed raised before the switch), so the channel was never
		// closed.
		return 0, err
	}
	<-done
	return n, rerr
}
