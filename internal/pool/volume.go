package pool

import (
	"fmt"

	"github.com/purevisor/purevisor/internal/blockdev"
)

// Info implements blockdev.Device.
func (v *Volume) Info() blockdev.Info {
	return blockdev.Info{Capacity: int64(v.size), ReadOnly: false, BlockSize: 512}
}

// Close is a no-op: the volume does not own its underlying devices.
func (v *Volume) Close() error { return nil }

// Flush propagates a flush to every device in the pool.
func (v *Volume) Flush() error {
	v.pool.mu.Lock()
	devices := append([]blockdev.Device(nil), v.pool.devices...)
	v.pool.mu.Unlock()

	for _, d := range devices {
		if err := d.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Submit routes a request against the volume's extent map: bounds
// check, on-demand thin allocation, zero-fill reads of unmapped
// extents, and write-through replication with Degraded downgrade on
// replica failure.
func (v *Volume) Submit(req *blockdev.Request) error {
	extentIdx := int(uint64(req.Offset) / ExtentSize)
	extentOffset := uint64(req.Offset) % ExtentSize
	if extentIdx >= v.numExtents {
		err := fmt.Errorf("pool: volume %s: %w", v.Name, ErrExtentOutOfRange)
		if req.Callback != nil {
			req.Callback(0, err)
		}
		return err
	}
	if uint64(req.Length) > ExtentSize-extentOffset {
		err := fmt.Errorf("pool: volume %s: request crosses extent boundary", v.Name)
		if req.Callback != nil {
			req.Callback(0, err)
		}
		return err
	}

	v.pool.mu.Lock()
	entry := v.extentMap[extentIdx]
	v.pool.mu.Unlock()

	if entry == 0 {
		switch req.Op {
		case blockdev.OpRead:
			for i := range req.Data[:req.Length] {
				req.Data[i] = 0
			}
			if req.Callback != nil {
				req.Callback(req.Length, nil)
			}
			return nil
		case blockdev.OpWrite:
			id, err := v.pool.AllocReplicatedExtent(v.replicas)
			if err != nil {
				if req.Callback != nil {
					req.Callback(0, err)
				}
				return err
			}
			v.pool.mu.Lock()
			v.extentMap[extentIdx] = id + 1
			v.allocated++
			entry = id + 1
			v.pool.mu.Unlock()
		default:
			if req.Callback != nil {
				req.Callback(0, nil)
			}
			return nil
		}
	}

	extentID := entry - 1
	return v.submitToExtent(extentID, extentOffset, req)
}

func (v *Volume) submitToExtent(extentID int, extentOffset uint64, req *blockdev.Request) error {
	v.pool.mu.Lock()
	dev, devOffset, err := v.pool.extentDevice(extentID)
	replicas := append([]int(nil), v.pool.extents[extentID].Replicas...)
	v.pool.mu.Unlock()
	if err != nil {
		if req.Callback != nil {
			req.Callback(0, err)
		}
		return err
	}

	primary := &blockdev.Request{
		Op:     req.Op,
		Offset: int64(devOffset + extentOffset),
		Length: req.Length,
		Data:   req.Data,
		Flags:  req.Flags,
	}
	var n int
	var primaryErr error
	done := make(chan struct{})
	primary.Callback = func(gotN int, err error) {
		n, primaryErr = gotN, err
		close(done)
	}
	if err := dev.Submit(primary); err != nil && primaryErr == nil {
		if req.Callback != nil {
			req.Callback(0, err)
		}
		return err
	}
	<-done
	if primaryErr != nil {
		if req.Callback != nil {
			req.Callback(n, primaryErr)
		}
		return primaryErr
	}

	// For writes (zeroing included), replicate the same payload to every
	// replica extent. Replica failures downgrade the pool to Degraded but
	// do not fail the write.
	if req.Op == blockdev.OpWrite || req.Op == blockdev.OpWriteZeroes {
		for _, replicaID := range replicas {
			v.pool.mu.Lock()
			rdev, rOffset, rerr := v.pool.extentDevice(replicaID)
			v.pool.mu.Unlock()
			if rerr != nil {
				v.pool.markDegraded()
				continue
			}
			rreq := &blockdev.Request{
				Op:     req.Op,
				Offset: int64(rOffset + extentOffset),
				Length: req.Length,
				Data:   req.Data,
				Flags:  req.Flags,
			}
			if werr := rdev.Submit(rreq); werr != nil {
				v.pool.markDegraded()
			}
		}
	}

	if req.Callback != nil {
		req.Callback(n, nil)
	}
	return nil
}

// Snapshot produces a thin volume whose extent map is a copy of the
// source's. Extents are not marked shared and there is no copy-on-write,
// so writes through either volume reach the same extents.
func (v *Volume) Snapshot(name string) (*Volume, error) {
	v.pool.mu.Lock()
	mapCopy := append([]int(nil), v.extentMap...)
	v.pool.mu.Unlock()

	snap := &Volume{
		ID:         fmt.Sprintf("%s-snap", v.ID),
		Name:       name,
		pool:       v.pool,
		size:       v.size,
		numExtents: v.numExtents,
		extentMap:  mapCopy,
		thin:       true,
		replMode:   v.replMode,
		replicas:   v.replicas,
	}
	for _, e := range mapCopy {
		if e != 0 {
			snap.allocated++
		}
	}

	v.pool.mu.Lock()
	v.pool.volumes[snap.ID] = snap
	v.pool.mu.Unlock()
	return snap, nil
}

// Resize grows the extent-map vector to match a new, larger size.
// Shrinking is rejected.
func (v *Volume) Resize(newSize uint64) error {
	if newSize < v.size {
		return ErrVolumeShrink
	}
	newNumExtents := numExtentsFor(newSize)

	v.pool.mu.Lock()
	defer v.pool.mu.Unlock()
	for v.numExtents < newNumExtents {
		v.extentMap = append(v.extentMap, 0)
		v.numExtents++
	}
	v.size = newSize
	return nil
}

var _ blockdev.Device = (*Volume)(nil)
