package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/purevisor/purevisor/internal/cluster"
	"github.com/purevisor/purevisor/internal/hvcap"
	"github.com/purevisor/purevisor/internal/physmem"
	"github.com/purevisor/purevisor/internal/pmm"
	"github.com/purevisor/purevisor/internal/pvlog"
	"github.com/purevisor/purevisor/internal/vcpu"
	"github.com/purevisor/purevisor/internal/vmx"
)

// softwareExecutor is a software model of the privileged VMX instructions:
// it holds guest/host state in memory and, on every Launch/Resume, reports
// the guest immediately executing HLT. A real backend would replace this
// with one that issues actual VMXON/VMLAUNCH/VMRESUME; this module's
// Executor boundary exists precisely so purevisord can run end to end
// without one.
type softwareExecutor struct {
	mu     sync.Mutex
	guest  vmx.GuestState
	host   vmx.HostState
	ctrl   vmx.Controls
	eptp   uint64
	onVM   bool
}

func (e *softwareExecutor) VMXOn(uint64) error   { e.onVM = true; return nil }
func (e *softwareExecutor) VMXOff() error        { e.onVM = false; return nil }
func (e *softwareExecutor) VMClear(uint64) error { return nil }
func (e *softwareExecutor) VMPtrld(uint64) error { return nil }

func (e *softwareExecutor) WriteHostState(h vmx.HostState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.host = h
	return nil
}

func (e *softwareExecutor) WriteGuestState(g vmx.GuestState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guest = g
	return nil
}

func (e *softwareExecutor) ReadGuestState() (vmx.GuestState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guest, nil
}

func (e *softwareExecutor) WriteControls(c vmx.Controls) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctrl = c
	return nil
}

func (e *softwareExecutor) WriteIOBitmap([]byte) error  { return nil }
func (e *softwareExecutor) WriteMSRBitmap([]byte) error { return nil }

func (e *softwareExecutor) WriteEPTPointer(eptp uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.eptp = eptp
	return nil
}

func (e *softwareExecutor) exit() (vmx.ExitInfo, error) {
	return vmx.ExitInfo{Reason: vmx.ExitHLT}, nil
}

func (e *softwareExecutor) Launch() (vmx.ExitInfo, error) { return e.exit() }
func (e *softwareExecutor) Resume() (vmx.ExitInfo, error) { return e.exit() }

// permissiveCapability stands in for a real internal/hvcap.Probe result
// when no Prober backed by real CPUID/MSR access is available, mirroring
// vmx_test.go's fullCapability helper: every control bit the guest
// requests is allowed.
func permissiveCapability() hvcap.Capability {
	allowAll := hvcap.ControlMask{Allowed0: 0, Allowed1: ^uint32(0)}
	return hvcap.Capability{
		RevisionID:    1,
		Pinbased:      allowAll,
		Procbased:     allowAll,
		Secondary:     allowAll,
		ExitControls:  allowAll,
		EntryControls: allowAll,
		EPTAvailable:  true,
	}
}

func cpuidStub(leaf, subleaf uint32) vmx.CPUIDResult { return vmx.CPUIDResult{} }

// vmLauncher implements cluster.Launcher by constructing a real
// internal/vcpu.VM against this node's physical memory and allocator:
// it allocates the requested VCPUs and builds the VM's EPT context.
// Loading a guest boot image is left to the caller; the VM starts with
// its VCPUs parked at reset state.
type vmLauncher struct {
	log   *pvlog.Logger
	ram   *physmem.RAM
	alloc *pmm.Manager

	mu   sync.Mutex
	next uint64
}

// vcpuTraceDepth is the per-VCPU trace ring capacity: enough to hold
// the recent exit history purectl's trace dump shows without growing
// with guest runtime.
const vcpuTraceDepth = 64

func newVMLauncher(log *pvlog.Logger, ram *physmem.RAM, alloc *pmm.Manager) *vmLauncher {
	return &vmLauncher{log: log, ram: ram, alloc: alloc, next: 1}
}

func (l *vmLauncher) Launch(cvm *cluster.VM) (*vcpu.VM, error) {
	l.mu.Lock()
	id := l.next
	l.next++
	l.mu.Unlock()

	core, err := vcpu.New(vcpu.Config{
		ID:    id,
		Log:   l.log,
		RAM:   l.ram,
		Alloc: l.alloc,
		Cap:   permissiveCapability(),
	})
	if err != nil {
		return nil, fmt.Errorf("purevisord: construct vm %d: %w", cvm.ID, err)
	}

	for i := 0; i < cvm.VCPUsRequested; i++ {
		v, err := core.AddVCPU(0, cpuidStub, &softwareExecutor{})
		if err != nil {
			return nil, fmt.Errorf("purevisord: add vcpu %d to vm %d: %w", i, cvm.ID, err)
		}
		if err := v.EnableTrace(vcpuTraceDepth); err != nil {
			return nil, fmt.Errorf("purevisord: enable trace on vcpu %d: %w", i, err)
		}
	}
	return core, nil
}

func (l *vmLauncher) Shutdown(core *vcpu.VM, force bool) error {
	ctx := context.Background()
	for _, v := range core.VCPUs() {
		if err := v.Run(ctx); err != nil && !force {
			return fmt.Errorf("purevisord: shut down vcpu %d: %w", v.ID(), err)
		}
	}
	for _, v := range append([]*vcpu.VCPU(nil), core.VCPUs()...) {
		core.RemoveVCPU(v)
	}
	if err := core.EPT().Destroy(); err != nil && !force {
		return fmt.Errorf("purevisord: tear down vm %d EPT: %w", core.ID(), err)
	}
	return nil
}
