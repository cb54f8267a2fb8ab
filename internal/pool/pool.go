// Package pool implements the storage pool and volume layer: a pool of
// block devices carved into fixed-size extents, and thin/thick volumes
// that map logical extents onto pool extents with replication and
// on-demand allocation. The extent allocator scans the extent table
// forward from a rotating cursor and wraps, and internal/blockdev
// provides the underlying device I/O.
package pool

import (
	"errors"
	"fmt"

	gsync "gvisor.dev/gvisor/pkg/sync"

	"github.com/purevisor/purevisor/internal/blockdev"
	"github.com/purevisor/purevisor/internal/uuidgen"
)

// ExtentSize is the fixed 4MiB allocation unit extents are carved into.
const ExtentSize = 4 * 1024 * 1024

// ExtentState is an extent's allocation state.
type ExtentState int

const (
	ExtentFree ExtentState = iota
	ExtentAllocated
	ExtentReserved
)

// ReplicationMode controls how many replica extents a volume's writes
// fan out to.
type ReplicationMode int

const (
	ReplicationNone ReplicationMode = iota
	ReplicationMirrored
)

// PoolState tracks the pool's lifecycle and replica health: a pool with
// no devices is Offline, attaching one brings it Online, and replica
// failures downgrade it to Degraded without failing the write.
// Rebuilding is entered by a future resilver pass once degraded
// replicas can be reconstructed.
type PoolState int

const (
	PoolOffline PoolState = iota
	PoolOnline
	PoolDegraded
	PoolRebuilding
)

var (
	ErrPoolFull         = errors.New("pool: no free extents")
	ErrExtentOutOfRange = errors.New("pool: extent index out of range")
	ErrVolumeShrink     = errors.New("pool: volumes cannot shrink")
	ErrUnknownDevice    = errors.New("pool: unknown device id")
)

// Extent is one 4MiB slot of a device.
type Extent struct {
	ID           int
	State        ExtentState
	Device       int    // device id within the pool
	DeviceOffset uint64 // byte offset within that device
	Replicas     []int  // ids of replica extents, empty for unreplicated
}

// Pool owns a set of block devices and the extent table carved out of
// them.
type Pool struct {
	mu gsync.Mutex

	devices   []blockdev.Device
	extents   []Extent
	freeCount int
	cursor    int
	volumes   map[string]*Volume
	state     PoolState
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{volumes: map[string]*Volume{}}
}

func (s PoolState) String() string {
	switch s {
	case PoolOffline:
		return "offline"
	case PoolOnline:
		return "online"
	case PoolDegraded:
		return "degraded"
	case PoolRebuilding:
		return "rebuilding"
	default:
		return "unknown"
	}
}

// State returns the pool's current health.
func (p *Pool) State() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats is a point-in-time summary of the pool's devices, extent table,
// and volumes.
type Stats struct {
	State        PoolState
	Devices      int
	TotalExtents int
	FreeExtents  int
	Volumes      []VolumeStats
}

// VolumeStats summarizes one volume's provisioning state.
type VolumeStats struct {
	ID        string
	Name      string
	Size      uint64
	Extents   int
	Allocated int
	Thin      bool
}

// Stats snapshots the pool under its lock.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		State:        p.state,
		Devices:      len(p.devices),
		TotalExtents: len(p.extents),
		FreeExtents:  p.freeCount,
	}
	for _, v := range p.volumes {
		s.Volumes = append(s.Volumes, VolumeStats{
			ID:        v.ID,
			Name:      v.Name,
			Size:      v.size,
			Extents:   v.numExtents,
			Allocated: v.allocated,
			Thin:      v.thin,
		})
	}
	return s
}

// AddDevice registers dev with the pool and grows the extents table by
// `size / ExtentSize` fresh Free extents labeled with the new device's
// id and sequential device offsets.
func (p *Pool) AddDevice(dev blockdev.Device) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	deviceID := len(p.devices)
	p.devices = append(p.devices, dev)
	if p.state == PoolOffline {
		p.state = PoolOnline
	}

	info := dev.Info()
	count := int(info.Capacity / ExtentSize)
	for i := 0; i < count; i++ {
		p.extents = append(p.extents, Extent{
			ID:           len(p.extents),
			State:        ExtentFree,
			Device:       deviceID,
			DeviceOffset: uint64(i) * ExtentSize,
		})
	}
	p.freeCount += count
	return deviceID
}

// allocExtent scans from the rotating cursor forward, then wraps,
// returning the first Free extent's id. Caller must hold p.mu.
func (p *Pool) allocExtent() (int, error) {
	return p.allocExtentAvoiding(nil)
}

// allocExtentAvoiding scans from the rotating cursor forward, then
// wraps, preferring a Free extent whose device id is not in avoid; if
// every Free extent lives on an already-used device it falls back to
// the first Free extent found so allocation still succeeds once
// distinct devices are exhausted. Caller must hold p.mu.
func (p *Pool) allocExtentAvoiding(avoid map[int]bool) (int, error) {
	n := len(p.extents)
	if n == 0 {
		return -1, ErrPoolFull
	}
	fallback := -1
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		if p.extents[idx].State != ExtentFree {
			continue
		}
		if !avoid[p.extents[idx].Device] {
			p.takeExtentLocked(idx)
			return idx, nil
		}
		if fallback == -1 {
			fallback = idx
		}
	}
	if fallback == -1 {
		return -1, ErrPoolFull
	}
	p.takeExtentLocked(fallback)
	return fallback, nil
}

func (p *Pool) takeExtentLocked(idx int) {
	p.extents[idx].State = ExtentAllocated
	p.freeCount--
	p.cursor = (idx + 1) % len(p.extents)
}

// AllocExtent is the exported, locked form of allocExtent.
func (p *Pool) AllocExtent() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocExtent()
}

// AllocReplicatedExtent allocates one primary extent plus k replicas,
// linking their ids, and rolls every allocation back if any step
// fails. Each replica prefers a device not already holding the primary
// or an earlier replica, so the primary ends up backed by k+1 physical
// extents on the maximum number of distinct devices the pool actually
// has, falling back to sharing a device only when the pool has fewer
// devices than replicas requested.
func (p *Pool) AllocReplicatedExtent(k int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	primary, err := p.allocExtent()
	if err != nil {
		return -1, err
	}
	used := map[int]bool{p.extents[primary].Device: true}
	replicas := make([]int, 0, k)
	for i := 0; i < k; i++ {
		r, err := p.allocExtentAvoiding(used)
		if err != nil {
			// roll back everything allocated so far, including primary
			p.freeExtentLocked(primary)
			for _, done := range replicas {
				p.freeExtentLocked(done)
			}
			return -1, fmt.Errorf("pool: allocate replica %d/%d: %w", i+1, k, err)
		}
		replicas = append(replicas, r)
		used[p.extents[r].Device] = true
	}
	p.extents[primary].Replicas = replicas
	return primary, nil
}

func (p *Pool) freeExtentLocked(id int) {
	if p.extents[id].State == ExtentFree {
		return
	}
	p.extents[id] = Extent{ID: id, State: ExtentFree, Device: p.extents[id].Device, DeviceOffset: p.extents[id].DeviceOffset}
	p.freeCount++
}

// extentDevice resolves an extent id to its backing device and byte
// offset. Caller must hold p.mu.
func (p *Pool) extentDevice(id int) (blockdev.Device, uint64, error) {
	if id < 0 || id >= len(p.extents) {
		return nil, 0, ErrExtentOutOfRange
	}
	e := p.extents[id]
	if e.Device < 0 || e.Device >= len(p.devices) {
		return nil, 0, ErrUnknownDevice
	}
	return p.devices[e.Device], e.DeviceOffset, nil
}

func (p *Pool) markDegraded() {
	p.mu.Lock()
	p.state = PoolDegraded
	p.mu.Unlock()
}

// FindVolume looks a volume up by name.
func (p *Pool) FindVolume(name string) (*Volume, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.volumes {
		if v.Name == name {
			return v, true
		}
	}
	return nil, false
}

// Volume is a logical block device mapped onto pool extents.
type Volume struct {
	ID         string
	Name       string
	pool       *Pool
	size       uint64
	numExtents int
	extentMap  []int // 0 = unallocated, else 1+extent id
	thin       bool
	replMode   ReplicationMode
	replicas   int
	allocated  int
}

func numExtentsFor(size uint64) int {
	return int((size + ExtentSize - 1) / ExtentSize)
}

// CreateVolume computes num_extents = ceil(size / ExtentSize) and
// builds the volume's extent map: all-zero for a thin volume, or fully
// populated via replicated allocation for a thick volume.
func (p *Pool) CreateVolume(name string, size uint64, thin bool, replicas int) (*Volume, error) {
	numExtents := numExtentsFor(size)
	v := &Volume{
		ID:         uuidgen.New(),
		Name:       name,
		pool:       p,
		size:       size,
		numExtents: numExtents,
		extentMap:  make([]int, numExtents),
		thin:       thin,
		replicas:   replicas,
	}
	if replicas > 0 {
		v.replMode = ReplicationMirrored
	}

	if !thin {
		for i := 0; i < numExtents; i++ {
			id, err := p.AllocReplicatedExtent(replicas)
			if err != nil {
				v.rollback(i)
				return nil, fmt.Errorf("pool: create thick volume %q: %w", name, err)
			}
			v.extentMap[i] = id + 1
			v.allocated++
		}
	}

	p.mu.Lock()
	p.volumes[v.ID] = v
	p.mu.Unlock()
	return v, nil
}

func (v *Volume) rollback(upTo int) {
	v.pool.mu.Lock()
	defer v.pool.mu.Unlock()
	for i := 0; i < upTo; i++ {
		if v.extentMap[i] == 0 {
			continue
		}
		id := v.extentMap[i] - 1
		v.pool.freeExtentLocked(id)
		for _, r := range v.pool.extents[id].Replicas {
			v.pool.freeExtentLocked(r)
		}
	}
}

// Size returns the volume's logical size in bytes.
func (v *Volume) Size() uint64 { return v.size }

// NumExtents returns the number of logical extents in the volume.
func (v *Volume) NumExtents() int { return v.numExtents }

// Allocated returns the number of logical extents currently mapped.
func (v *Volume) Allocated() int {
	v.pool.mu.Lock()
	defer v.pool.mu.Unlock()
	return v.allocated
}
