// Package vcpu implements the VCPU/VM objects: owned-resource allocation,
// VM construction around a shared EPT context, and the launch/resume loop
// wrapping internal/vmx. It also carries the per-VCPU trace buffer and
// migration snapshot support.
package vcpu

import (
	"context"
	"fmt"

	"github.com/purevisor/purevisor/internal/ept"
	"github.com/purevisor/purevisor/internal/hvcap"
	"github.com/purevisor/purevisor/internal/physmem"
	"github.com/purevisor/purevisor/internal/pvlog"
	"github.com/purevisor/purevisor/internal/vmx"
)

// FrameAllocator is the subset of pmm.Manager's contract vcpu needs.
type FrameAllocator interface {
	AllocPages(order int) (uint64, error)
	FreePages(addr uint64, order int)
}

const pageSize = 4096

// Resources are the page-aligned, unique per-VCPU allocations: a VMXON
// region, a VMCS region, two I/O bitmap pages, and an MSR bitmap page.
// In this software model the physical and "virtual" addresses are the
// same offset into the shared physmem.RAM arena, since there is no
// separate host virtual address space layered on top of it.
type Resources struct {
	VMXONRegion uint64
	VMCSRegion  uint64
	IOBitmap    uint64 // two contiguous 4KiB pages
	MSRBitmap   uint64
}

func allocPage(alloc FrameAllocator, ram *physmem.RAM) (uint64, error) {
	addr, err := alloc.AllocPages(0)
	if err != nil {
		return 0, err
	}
	if err := ram.Zero(addr, pageSize); err != nil {
		return 0, err
	}
	return addr, nil
}

// allocateResources performs the constructor-time allocation of a VCPU's
// owned pages.
func allocateResources(alloc FrameAllocator, ram *physmem.RAM) (Resources, error) {
	vmxon, err := allocPage(alloc, ram)
	if err != nil {
		return Resources{}, fmt.Errorf("vcpu: allocate VMXON region: %w", err)
	}
	vmcs, err := allocPage(alloc, ram)
	if err != nil {
		return Resources{}, fmt.Errorf("vcpu: allocate VMCS region: %w", err)
	}
	// The two I/O bitmap pages must be contiguous, so they come from one
	// order-1 allocation rather than two order-0 calls.
	ioBitmapOrder1, err := alloc.AllocPages(1)
	if err != nil {
		return Resources{}, fmt.Errorf("vcpu: allocate I/O bitmap: %w", err)
	}
	if err := ram.Zero(ioBitmapOrder1, 2*pageSize); err != nil {
		return Resources{}, err
	}
	msrBitmap, err := allocPage(alloc, ram)
	if err != nil {
		return Resources{}, fmt.Errorf("vcpu: allocate MSR bitmap: %w", err)
	}
	return Resources{
		VMXONRegion: vmxon,
		VMCSRegion:  vmcs,
		IOBitmap:    ioBitmapOrder1,
		MSRBitmap:   msrBitmap,
	}, nil
}

// release returns a VCPU's owned resources to the allocator.
func (r Resources) release(alloc FrameAllocator) {
	alloc.FreePages(r.VMXONRegion, 0)
	alloc.FreePages(r.VMCSRegion, 0)
	alloc.FreePages(r.IOBitmap, 1)
	alloc.FreePages(r.MSRBitmap, 0)
}

// VCPU wraps a vmx.VCPU with its owned per-VCPU resources and an optional
// trace ring buffer.
type VCPU struct {
	id        int
	resources Resources
	core      *vmx.VCPU
	trace     *pvlog.Trace

	alloc FrameAllocator
}

// ID returns the VCPU's index within its VM.
func (v *VCPU) ID() int { return v.id }

// Core exposes the underlying VMX core for direct register access.
func (v *VCPU) Core() *vmx.VCPU { return v.core }

// EnableTrace installs a fixed-capacity trace ring for this VCPU.
func (v *VCPU) EnableTrace(maxEntries int) error {
	v.trace = pvlog.NewTrace(maxEntries)
	return nil
}

// GetTraceBuffer returns the rendered trace lines, oldest first.
func (v *VCPU) GetTraceBuffer() ([]string, error) {
	if v.trace == nil {
		return nil, fmt.Errorf("vcpu: tracing not enabled")
	}
	return v.trace.Lines(), nil
}

// Run drives the VCPU's entry/exit loop until halt, error, or ctx
// cancellation. If tracing is enabled, every run is recorded.
func (v *VCPU) Run(ctx context.Context) error {
	if v.trace != nil {
		v.trace.Writef("vcpu", "run start, exit_count=%d", v.core.ExitCount())
	}
	err := v.core.Run(ctx)
	if v.trace != nil {
		v.trace.Writef("vcpu", "run end, state=%s exit_count=%d", v.core.State(), v.core.ExitCount())
	}
	return err
}

// VM is a virtual machine: a shared EPT context plus its VCPUs.
type VM struct {
	id    uint64
	log   *pvlog.Logger
	ram   *physmem.RAM
	alloc FrameAllocator
	cap   hvcap.Capability

	eptCtx *ept.Context
	vcpus  []*VCPU
}

// Config bundles VM construction-time dependencies.
type Config struct {
	ID    uint64
	Log   *pvlog.Logger
	RAM   *physmem.RAM
	Alloc FrameAllocator
	Cap   hvcap.Capability
}

// New allocates an EPT context and constructs an empty VM, assigning it
// a VM id and an (initially empty) vector of VCPUs.
func New(cfg Config) (*VM, error) {
	if cfg.Log == nil {
		cfg.Log = pvlog.Discard()
	}
	eptCtx, err := ept.NewContext(cfg.RAM, cfg.Alloc, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("vcpu: allocate EPT context: %w", err)
	}
	return &VM{
		id:     cfg.ID,
		log:    cfg.Log,
		ram:    cfg.RAM,
		alloc:  cfg.Alloc,
		cap:    cfg.Cap,
		eptCtx: eptCtx,
	}, nil
}

// ID returns the VM's identifier.
func (vm *VM) ID() uint64 { return vm.id }

// EPT returns the VM's shared extended page table context.
func (vm *VM) EPT() *ept.Context { return vm.eptCtx }

// VCPUCount returns the number of VCPUs attached to this VM.
func (vm *VM) VCPUCount() int { return len(vm.vcpus) }

// VCPUs returns the VM's attached VCPUs.
func (vm *VM) VCPUs() []*VCPU { return vm.vcpus }

// AddVCPU allocates owned VMX resources for a new VCPU, binds it to this
// VM, and stamps its EPTP from the VM's EPT context.
func (vm *VM) AddVCPU(hostRSP uint64, cpuidFunc func(leaf, subleaf uint32) vmx.CPUIDResult, exec vmx.Executor) (*VCPU, error) {
	resources, err := allocateResources(vm.alloc, vm.ram)
	if err != nil {
		return nil, err
	}

	id := len(vm.vcpus)
	core, err := vmx.New(vmx.Config{
		ID:         id,
		Log:        vm.log,
		Exec:       exec,
		Cap:        vm.cap,
		Memory:     vm.ram,
		EPT:        vm.eptCtx,
		HostRSP:    hostRSP,
		EPTPointer: vm.eptCtx.EPTP(),
		CPUIDFunc:  cpuidFunc,
	})
	if err != nil {
		resources.release(vm.alloc)
		return nil, fmt.Errorf("vcpu: construct VMX core: %w", err)
	}

	v := &VCPU{id: id, resources: resources, core: core, alloc: vm.alloc}
	vm.vcpus = append(vm.vcpus, v)
	return v, nil
}

// RemoveVCPU releases a VCPU's owned resources. The caller is
// responsible for having already stopped it.
func (vm *VM) RemoveVCPU(v *VCPU) {
	v.resources.release(vm.alloc)
	for i, existing := range vm.vcpus {
		if existing == v {
			vm.vcpus = append(vm.vcpus[:i], vm.vcpus[i+1:]...)
			return
		}
	}
}

// Snapshot is a register-file capture plus dirty-EPT-page list, with no
// wire transport of its own (no live migration protocol in scope).
type Snapshot struct {
	VCPUStates []vmx.GuestState
	DirtyEPT   []uint64
}

// Snapshot captures every VCPU's register file. Dirty-EPT-page tracking
// is left empty: this software model does not yet track dirty pages,
// which a future incremental-migration extension would add.
func (vm *VM) Snapshot() (Snapshot, error) {
	states := make([]vmx.GuestState, 0, len(vm.vcpus))
	for _, v := range vm.vcpus {
		g, err := v.core.GuestState()
		if err != nil {
			return Snapshot{}, fmt.Errorf("vcpu: snapshot vcpu %d: %w", v.id, err)
		}
		states = append(states, g)
	}
	return Snapshot{VCPUStates: states}, nil
}
