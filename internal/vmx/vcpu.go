package vmx

import (
	"context"
	"fmt"

	"github.com/purevisor/purevisor/internal/hvcap"
	"github.com/purevisor/purevisor/internal/pvlog"
)

// State is a VCPU's run state. The HLT handler sets it to Halted;
// resumption comes from an externally injected interrupt.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateHalted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// hypervisorSignature is the CPUID leaf 0x40000000 vendor string
// presented to guests for hypervisor detection.
const (
	hypervisorCPUIDLeaf = 0x4000_0000
	hypervisorMaxLeaf   = 0x4000_0001
	hypervisorSignature = "PureVisor"

	cpuidECXHypervisorBit = 1 << 31
	cpuidECXVMXBit        = 1 << 5

	// VMCALL ABI.
	vmcallDebugPrint = 0
	vmcallIdentify   = 1
	vmcallUnknownRet = ^uint64(0) // -1

	vmcallMagic = uint64(0x5055_5245) // "PURE"
	hvMajor     = 1
	hvMinor     = 0
)

// MSRs the RDMSR/WRMSR dispatcher handles explicitly; everything else
// reads as 0 with a warning.
const (
	MSREFER     = 0xC000_0080
	MSRAPICBase = 0x1B
	MSRFSBase   = 0xC000_0100
	MSRGSBase   = 0xC000_0101
)

// GuestMemory is the minimal memory access contract the exit dispatcher
// needs: reading the debug-print string argument for VMCALL 0.
type GuestMemory interface {
	ReadAt(p []byte, off int64) (int, error)
}

// EPT is the subset of ept.Context the VCPU exit dispatcher uses to
// attempt to lazily resolve an EPT violation via a mapping hook; if
// unresolved, the violation is fatal to the guest.
type EPT interface {
	Translate(gpa uint64) (uint64, error)
}

// VCPU is one virtual CPU: VMXON/VMCS state plus the exit dispatcher.
type VCPU struct {
	id  int
	log *pvlog.Logger

	exec Executor
	cap  hvcap.Capability
	ctrl Controls

	mem GuestMemory
	ept EPT

	ports map[uint16]PortDevice

	cpuidFunc func(leaf, subleaf uint32) CPUIDResult

	state     State
	launched  bool
	exitCount uint64
}

// Config bundles the construction-time dependencies for a VCPU.
type Config struct {
	ID  int
	Log *pvlog.Logger

	Exec Executor
	Cap  hvcap.Capability

	Memory GuestMemory
	EPT    EPT

	HostRSP    uint64
	EntryRIP   uint64
	EPTPointer uint64

	// CPUIDFunc executes the host CPUID instruction; required for the
	// CPUID exit handler's leaf-rewriting behavior.
	CPUIDFunc func(leaf, subleaf uint32) CPUIDResult
}

// New builds and initializes a VCPU: computes controls, populates
// host/guest state, installs trap-everything I/O and MSR bitmaps, and
// records the EPT pointer.
func New(cfg Config) (*VCPU, error) {
	if cfg.Log == nil {
		cfg.Log = pvlog.Discard()
	}
	v := &VCPU{
		id:        cfg.ID,
		log:       cfg.Log,
		exec:      cfg.Exec,
		cap:       cfg.Cap,
		mem:       cfg.Memory,
		ept:       cfg.EPT,
		ports:     map[uint16]PortDevice{},
		cpuidFunc: cfg.CPUIDFunc,
		state:     StateCreated,
	}

	v.ctrl = ComputeControls(cfg.Cap)

	host := HostState{EntryRIP: cfg.EntryRIP, RSP: cfg.HostRSP}
	if err := v.exec.WriteHostState(host); err != nil {
		return nil, fmt.Errorf("vmx: write host state: %w", err)
	}
	if err := v.exec.WriteGuestState(NewGuestState()); err != nil {
		return nil, fmt.Errorf("vmx: write guest state: %w", err)
	}
	if err := v.exec.WriteControls(v.ctrl); err != nil {
		return nil, fmt.Errorf("vmx: write controls: %w", err)
	}
	if err := v.exec.WriteIOBitmap(TrapAllIOBitmap()); err != nil {
		return nil, fmt.Errorf("vmx: write I/O bitmap: %w", err)
	}
	if err := v.exec.WriteMSRBitmap(TrapAllMSRBitmap()); err != nil {
		return nil, fmt.Errorf("vmx: write MSR bitmap: %w", err)
	}
	if err := v.exec.WriteEPTPointer(cfg.EPTPointer); err != nil {
		return nil, fmt.Errorf("vmx: write EPT pointer: %w", err)
	}

	return v, nil
}

// RegisterPort installs an OUT handler for a specific I/O port.
func (v *VCPU) RegisterPort(d PortDevice) { v.ports[d.Port] = d }

// State returns the VCPU's current run state.
func (v *VCPU) State() State { return v.state }

// ExitCount returns the number of VM exits handled so far.
func (v *VCPU) ExitCount() uint64 { return v.exitCount }

// GuestState returns the VCPU's current guest-state area, used by
// internal/vcpu's migration Snapshot support.
func (v *VCPU) GuestState() (GuestState, error) { return v.exec.ReadGuestState() }

// Run drives the VM-entry/VM-exit loop until the guest halts, errors, or
// ctx is cancelled. First entry uses VMLAUNCH; subsequent entries use
// VMRESUME.
func (v *VCPU) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if v.state == StateHalted {
			return nil
		}

		var (
			exit ExitInfo
			err  error
		)
		if !v.launched {
			exit, err = v.exec.Launch()
			v.launched = true
		} else {
			exit, err = v.exec.Resume()
		}
		if err != nil {
			v.state = StateErrored
			return fmt.Errorf("vmx: VM entry failed: %w", err)
		}
		v.exitCount++
		v.state = StateRunning

		if err := v.dispatch(exit); err != nil {
			v.state = StateErrored
			return err
		}

		if v.state == StateHalted {
			return nil
		}
	}
}

// advanceRIP reads the current guest RIP and the exit's instruction
// length from the VMCS and writes back the sum.
func (v *VCPU) advanceRIP(exit ExitInfo) error {
	g, err := v.exec.ReadGuestState()
	if err != nil {
		return err
	}
	g.RIP += uint64(exit.InstructionLength)
	return v.exec.WriteGuestState(g)
}
