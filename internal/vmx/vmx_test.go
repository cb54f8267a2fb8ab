package vmx

import (
	"context"
	"testing"

	"github.com/purevisor/purevisor/internal/hvcap"
)

// fakeExecutor is a software model of the privileged VMX instructions:
// it holds guest/host state and controls in memory and replays a
// scripted sequence of exits, the way a test replaces hardware with a
// fake Prober in internal/hvcap.
type fakeExecutor struct {
	guest GuestState
	host  HostState
	ctrl  Controls

	ioBitmap, msrBitmap []byte
	eptp                uint64

	exits []ExitInfo
	next  int
}

func (f *fakeExecutor) VMXOn(uint64) error  { return nil }
func (f *fakeExecutor) VMXOff() error       { return nil }
func (f *fakeExecutor) VMClear(uint64) error { return nil }
func (f *fakeExecutor) VMPtrld(uint64) error { return nil }

func (f *fakeExecutor) WriteHostState(h HostState) error { f.host = h; return nil }
func (f *fakeExecutor) WriteGuestState(g GuestState) error { f.guest = g; return nil }
func (f *fakeExecutor) ReadGuestState() (GuestState, error) { return f.guest, nil }
func (f *fakeExecutor) WriteControls(c Controls) error { f.ctrl = c; return nil }
func (f *fakeExecutor) WriteIOBitmap(b []byte) error  { f.ioBitmap = b; return nil }
func (f *fakeExecutor) WriteMSRBitmap(b []byte) error { f.msrBitmap = b; return nil }
func (f *fakeExecutor) WriteEPTPointer(e uint64) error { f.eptp = e; return nil }

func (f *fakeExecutor) popExit() ExitInfo {
	e := f.exits[f.next]
	f.next++
	return e
}

func (f *fakeExecutor) Launch() (ExitInfo, error)  { return f.popExit(), nil }
func (f *fakeExecutor) Resume() (ExitInfo, error) { return f.popExit(), nil }

func fullCapability() hvcap.Capability {
	allowAll := hvcap.ControlMask{Allowed0: 0, Allowed1: ^uint32(0)}
	return hvcap.Capability{
		RevisionID: 1,
		Pinbased:   allowAll,
		Procbased:  allowAll,
		Secondary:  allowAll,
		ExitControls: allowAll,
		EntryControls: allowAll,
		EPTAvailable: true,
	}
}

func newTestVCPU(t *testing.T, exec *fakeExecutor, cpuid func(leaf, subleaf uint32) CPUIDResult) *VCPU {
	t.Helper()
	v, err := New(Config{
		ID:        0,
		Exec:      exec,
		Cap:       fullCapability(),
		CPUIDFunc: cpuid,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

// TestCPUIDLeaf1Masking checks that guest CPUID leaf 1 has the
// VMX-present and hypervisor-present bits stripped.
func TestCPUIDLeaf1Masking(t *testing.T) {
	exec := &fakeExecutor{}
	cpuid := func(leaf, subleaf uint32) CPUIDResult {
		if leaf == 1 {
			return CPUIDResult{ECX: cpuidECXVMXBit | cpuidECXHypervisorBit | 0x1}
		}
		return CPUIDResult{}
	}
	v := newTestVCPU(t, exec, cpuid)

	exec.guest.RAX = 1
	exec.exits = []ExitInfo{
		{Reason: ExitCPUID, InstructionLength: 2},
		{Reason: ExitHLT, InstructionLength: 1},
	}

	if err := v.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if exec.guest.RCX&cpuidECXVMXBit != 0 {
		t.Fatalf("VMX bit not stripped: ecx=%#x", exec.guest.RCX)
	}
	if exec.guest.RCX&cpuidECXHypervisorBit != 0 {
		t.Fatalf("hypervisor-present bit not stripped: ecx=%#x", exec.guest.RCX)
	}
	if exec.guest.RCX&0x1 == 0 {
		t.Fatalf("unrelated bits should be preserved: ecx=%#x", exec.guest.RCX)
	}
	if exec.guest.RIP != bootEntryRIP+2+1 {
		t.Fatalf("RIP = %#x, want advance by 2 then 1", exec.guest.RIP)
	}
}

func TestHypervisorCPUIDLeaf(t *testing.T) {
	exec := &fakeExecutor{}
	v := newTestVCPU(t, exec, func(leaf, subleaf uint32) CPUIDResult { return CPUIDResult{} })

	exec.guest.RAX = hypervisorCPUIDLeaf
	exec.exits = []ExitInfo{
		{Reason: ExitCPUID, InstructionLength: 2},
		{Reason: ExitHLT, InstructionLength: 1},
	}
	if err := v.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.guest.RAX != hypervisorMaxLeaf {
		t.Fatalf("EAX = %#x, want max leaf", exec.guest.RAX)
	}
	sig := make([]byte, 9)
	for i := 0; i < 4; i++ {
		sig[i] = byte(exec.guest.RBX >> (8 * i))
		sig[4+i] = byte(exec.guest.RCX >> (8 * i))
	}
	sig[8] = byte(exec.guest.RDX)
	if string(sig) != hypervisorSignature {
		t.Fatalf("signature = %q, want %q", sig, hypervisorSignature)
	}
	if exec.guest.RDX>>8 != 0 {
		t.Fatalf("EDX upper bytes must be zero padding: %#x", exec.guest.RDX)
	}
}

func TestVMCALLIdentify(t *testing.T) {
	exec := &fakeExecutor{}
	v := newTestVCPU(t, exec, nil)
	exec.guest.RAX = vmcallIdentify
	exec.exits = []ExitInfo{
		{Reason: ExitVMCALL, InstructionLength: 3},
		{Reason: ExitHLT, InstructionLength: 1},
	}
	if err := v.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.guest.RAX != vmcallMagic {
		t.Fatalf("RAX = %#x, want %#x", exec.guest.RAX, uint64(vmcallMagic))
	}
}

func TestVMCALLUnknown(t *testing.T) {
	exec := &fakeExecutor{}
	v := newTestVCPU(t, exec, nil)
	exec.guest.RAX = 999
	exec.exits = []ExitInfo{
		{Reason: ExitVMCALL, InstructionLength: 3},
		{Reason: ExitHLT, InstructionLength: 1},
	}
	if err := v.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.guest.RAX != vmcallUnknownRet {
		t.Fatalf("RAX = %#x, want -1", exec.guest.RAX)
	}
}

func TestIOInPortSynthesis(t *testing.T) {
	exec := &fakeExecutor{}
	v := newTestVCPU(t, exec, nil)

	// IN from an unknown port, width 1, direction in: qualification
	// encodes size=0 (1 byte), dir=in, port in bits 16-31.
	const unknownPort = 0x1234
	q := uint64(0) | ioQualDirIn | (uint64(unknownPort) << ioQualPortShift)
	exec.exits = []ExitInfo{
		{Reason: ExitIOInstruction, Qualification: q, InstructionLength: 1},
		{Reason: ExitHLT, InstructionLength: 1},
	}
	if err := v.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.guest.RAX&0xFF != 0xFF {
		t.Fatalf("unknown port IN should return all-ones in low byte: rax=%#x", exec.guest.RAX)
	}
}

func TestIOOutRoutedToPortHandler(t *testing.T) {
	exec := &fakeExecutor{}
	v := newTestVCPU(t, exec, nil)

	var got byte
	v.RegisterPort(PortDevice{Port: portCOM1Data, WriteByte: func(b byte) { got = b }})

	exec.guest.RAX = 'A'
	q := uint64(0) | (uint64(portCOM1Data) << ioQualPortShift) // dir bit clear == OUT
	exec.exits = []ExitInfo{
		{Reason: ExitIOInstruction, Qualification: q, InstructionLength: 1},
		{Reason: ExitHLT, InstructionLength: 1},
	}
	if err := v.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != 'A' {
		t.Fatalf("port handler got %q, want 'A'", got)
	}
}

func TestUnknownMSRReadReturnsZero(t *testing.T) {
	exec := &fakeExecutor{}
	v := newTestVCPU(t, exec, nil)
	exec.guest.RCX = 0xDEAD_BEEF
	exec.exits = []ExitInfo{
		{Reason: ExitRDMSR, InstructionLength: 2},
		{Reason: ExitHLT, InstructionLength: 1},
	}
	if err := v.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.guest.RAX != 0 || exec.guest.RDX != 0 {
		t.Fatalf("unknown MSR read should return 0, got rax=%#x rdx=%#x", exec.guest.RAX, exec.guest.RDX)
	}
}

func TestHLTSetsHaltedState(t *testing.T) {
	exec := &fakeExecutor{}
	v := newTestVCPU(t, exec, nil)
	exec.exits = []ExitInfo{{Reason: ExitHLT, InstructionLength: 1}}
	if err := v.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v.State() != StateHalted {
		t.Fatalf("state = %v, want halted", v.State())
	}
	if v.ExitCount() != 1 {
		t.Fatalf("exit count = %d, want 1", v.ExitCount())
	}
}

func TestCRAccessMovToCR0(t *testing.T) {
	exec := &fakeExecutor{}
	v := newTestVCPU(t, exec, nil)

	exec.guest.RAX = 0x8000_0031 // arbitrary CR0 value in GPR index 0 (RAX)
	qTo := uint64(0) | (0 << crQualAccessShift) | (0 << crQualGPRShift) // crNum=0, movToCR, gpr=0(RAX)
	exec.exits = []ExitInfo{
		{Reason: ExitCRAccess, Qualification: qTo, InstructionLength: 3},
		{Reason: ExitHLT, InstructionLength: 1},
	}
	if err := v.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exec.guest.CR0 != 0x8000_0031 {
		t.Fatalf("CR0 = %#x, want 0x8000_0031", exec.guest.CR0)
	}
}
