package blockdev

import "sync"

// MemDevice is a Device backed by an in-memory byte slice. The storage
// pool's tests submit extent I/O against it instead of a real disk, and
// it doubles as a scratch target for bring-up before any physical
// device is attached.
type MemDevice struct {
	mu       sync.Mutex
	data     []byte
	readonly bool
	closed   bool
}

// NewMemDevice allocates a zero-filled in-memory device of size bytes.
func NewMemDevice(size int64, readonly bool) *MemDevice {
	return &MemDevice{data: make([]byte, size), readonly: readonly}
}

// Info implements Device.
func (d *MemDevice) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Info{Capacity: int64(len(d.data)), ReadOnly: d.readonly, BlockSize: defaultBlockSize}
}

// Submit services req against the backing slice. Flushes are no-ops:
// memory is as stable as this device gets.
func (d *MemDevice) Submit(req *Request) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if req.Offset < 0 || req.Length < 0 || req.Offset+int64(req.Length) > int64(len(d.data)) {
		d.mu.Unlock()
		if req.Callback != nil {
			req.Callback(0, ErrOutOfRange)
		}
		return ErrOutOfRange
	}

	var n int
	var err error
	switch req.Op {
	case OpRead:
		n = copy(req.Data[:req.Length], d.data[req.Offset:])
	case OpWrite:
		if d.readonly {
			err = ErrReadOnly
			break
		}
		n = copy(d.data[req.Offset:], req.Data[:req.Length])
	case OpWriteZeroes:
		if d.readonly {
			err = ErrReadOnly
			break
		}
		for i := int64(0); i < int64(req.Length); i++ {
			d.data[req.Offset+i] = 0
		}
		n = req.Length
	case OpDiscard, OpFlush:
		// nothing to reclaim or sync
	default:
		err = errUnknownOp(req.Op)
	}
	d.mu.Unlock()
	if req.Callback != nil {
		req.Callback(n, err)
	}
	return err
}

// Flush implements Device; a memory device has no volatile cache.
func (d *MemDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

// Close releases the backing slice. Further Submit calls return
// ErrClosed.
func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.data = nil
	return nil
}

var _ Device = (*MemDevice)(nil)
