package vcpu

import (
	"context"
	"testing"

	"github.com/purevisor/purevisor/internal/hvcap"
	"github.com/purevisor/purevisor/internal/physmem"
	"github.com/purevisor/purevisor/internal/pmm"
	"github.com/purevisor/purevisor/internal/vmx"
)

// fakeExecutor mirrors vmx's own test fake: a software model of the VMCS
// that replays a scripted exit sequence.
type fakeExecutor struct {
	guest vmx.GuestState
	exits []vmx.ExitInfo
	next  int
}

func (f *fakeExecutor) VMXOn(uint64) error   { return nil }
func (f *fakeExecutor) VMXOff() error        { return nil }
func (f *fakeExecutor) VMClear(uint64) error { return nil }
func (f *fakeExecutor) VMPtrld(uint64) error { return nil }

func (f *fakeExecutor) WriteHostState(vmx.HostState) error    { return nil }
func (f *fakeExecutor) WriteGuestState(g vmx.GuestState) error { f.guest = g; return nil }
func (f *fakeExecutor) ReadGuestState() (vmx.GuestState, error) { return f.guest, nil }
func (f *fakeExecutor) WriteControls(vmx.Controls) error       { return nil }
func (f *fakeExecutor) WriteIOBitmap([]byte) error             { return nil }
func (f *fakeExecutor) WriteMSRBitmap([]byte) error            { return nil }
func (f *fakeExecutor) WriteEPTPointer(uint64) error           { return nil }

func (f *fakeExecutor) Launch() (vmx.ExitInfo, error) {
	e := f.exits[f.next]
	f.next++
	return e, nil
}
func (f *fakeExecutor) Resume() (vmx.ExitInfo, error) { return f.Launch() }

func newTestVM(t *testing.T) *VM {
	t.Helper()
	ram := physmem.New(32 * 1024 * 1024)
	entries := []pmm.MemoryMapEntry{{Addr: 0, Len: 32 * 1024 * 1024, Type: pmm.MemoryAvailable}}
	alloc, err := pmm.New(nil, entries, 0, 0)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	allowAll := hvcap.ControlMask{Allowed0: 0, Allowed1: ^uint32(0)}
	cap := hvcap.Capability{
		Pinbased: allowAll, Procbased: allowAll, Secondary: allowAll,
		ExitControls: allowAll, EntryControls: allowAll, EPTAvailable: true,
	}
	vm, err := New(Config{ID: 1, RAM: ram, Alloc: alloc, Cap: cap})
	if err != nil {
		t.Fatalf("New VM: %v", err)
	}
	return vm
}

// TestLaunchExitPreservesRegisters checks that the first run launches
// and the guest register file carries over across the exit unchanged for
// fields the exit handler does not touch.
func TestLaunchExitPreservesRegisters(t *testing.T) {
	vm := newTestVM(t)
	exec := &fakeExecutor{}
	v, err := vm.AddVCPU(0x9000, nil, exec)
	if err != nil {
		t.Fatalf("AddVCPU: %v", err)
	}

	exec.guest.RBX = 0x1234
	exec.exits = []vmx.ExitInfo{{Reason: vmx.ExitHLT, InstructionLength: 1}}

	if err := v.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.guest.RBX != 0x1234 {
		t.Fatalf("RBX clobbered by HLT handling: %#x", exec.guest.RBX)
	}
	if v.Core().State() != vmx.StateHalted {
		t.Fatalf("state = %v, want halted", v.Core().State())
	}
}

func TestTraceRecordsRunBoundaries(t *testing.T) {
	vm := newTestVM(t)
	exec := &fakeExecutor{}
	v, err := vm.AddVCPU(0x9000, nil, exec)
	if err != nil {
		t.Fatalf("AddVCPU: %v", err)
	}
	if err := v.EnableTrace(8); err != nil {
		t.Fatalf("EnableTrace: %v", err)
	}

	exec.exits = []vmx.ExitInfo{{Reason: vmx.ExitHLT, InstructionLength: 1}}
	if err := v.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines, err := v.GetTraceBuffer()
	if err != nil {
		t.Fatalf("GetTraceBuffer: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 trace lines (start+end), got %d", len(lines))
	}
}

func TestAddVCPUAssignsFirstID(t *testing.T) {
	vm := newTestVM(t)
	exec := &fakeExecutor{}
	exec.exits = []vmx.ExitInfo{{Reason: vmx.ExitHLT, InstructionLength: 1}}

	v, err := vm.AddVCPU(0x9000, nil, exec)
	if err != nil {
		t.Fatalf("AddVCPU: %v", err)
	}
	if v.ID() != 0 {
		t.Fatalf("first VCPU id = %d, want 0", v.ID())
	}
	if vm.VCPUCount() != 1 {
		t.Fatalf("VCPUCount = %d, want 1", vm.VCPUCount())
	}
}

func TestSnapshotCapturesGuestState(t *testing.T) {
	vm := newTestVM(t)
	exec := &fakeExecutor{}
	v, err := vm.AddVCPU(0x9000, nil, exec)
	if err != nil {
		t.Fatalf("AddVCPU: %v", err)
	}
	exec.guest.RAX = 0xAAAA

	snap, err := vm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.VCPUStates) != 1 || snap.VCPUStates[0].RAX != 0xAAAA {
		t.Fatalf("snapshot did not capture guest state: %+v", snap)
	}
	_ = v
}
