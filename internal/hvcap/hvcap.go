// Package hvcap probes and records the VT-x capabilities the VMX core
// needs at init time.
// Reading real CPUID leaves and MSRs is architecture- and privilege-
// specific; this package depends only on a small Prober interface so the
// probe sequence itself, and the allowed0/allowed1 masking rules, can be
// exercised without hardware access, the same way the VMX/EPT packages are
// built against duck-typed frame allocators instead of a concrete pmm
// import.
package hvcap

import "fmt"

// MSR addresses used by VMX capability probing.
const (
	MSRFeatureControl  = 0x3A
	MSRVMXBasic        = 0x480
	MSRVMXPinbased     = 0x481
	MSRVMXProcbased    = 0x482
	MSRVMXExit         = 0x483
	MSRVMXEntry        = 0x484
	MSRVMXMisc         = 0x485
	MSRVMXProcbased2   = 0x48B
	MSRVMXTruePinbased = 0x48D
	MSRVMXTrueProcbase = 0x48E
	MSRVMXTrueExit     = 0x48F
	MSRVMXTrueEntry    = 0x490

	featureControlLock   = 1 << 0
	featureControlVMXOut = 1 << 2 // VMX outside SMX

	vmxBasicTrueControlsBit = 1 << 55
	vmxBasicRevisionMask    = 0xFFFF_FFFF

	cpuidLeafFeatures  = 1
	cpuidECXVMXBit     = 1 << 5
	cpuidECXVMXBitMask = cpuidECXVMXBit
)

// CPUIDResult mirrors the four general-purpose outputs of the CPUID
// instruction.
type CPUIDResult struct {
	EAX, EBX, ECX, EDX uint32
}

// Prober is the minimal hardware-access surface hvcap needs: raw CPUID
// and MSR reads, plus the ability to lock+enable IA32_FEATURE_CONTROL.
// A real backend issues the actual instructions; tests supply a fake.
type Prober interface {
	CPUID(leaf, subleaf uint32) CPUIDResult
	ReadMSR(addr uint32) uint64
	WriteMSR(addr uint32, value uint64)
}

// ControlMask is a pair of allowed0/allowed1 bit masks for one VMCS
// control field.
type ControlMask struct {
	Allowed0, Allowed1 uint32
}

// Adjust computes (requested | allowed0) & allowed1, the rule applied to
// every VMCS control field.
func (m ControlMask) Adjust(requested uint32) uint32 {
	return (requested | m.Allowed0) & m.Allowed1
}

// Capability is the one-time VMX capability snapshot collected at init.
type Capability struct {
	RevisionID        uint32
	TrueControls      bool
	Pinbased          ControlMask
	Procbased         ControlMask
	Secondary         ControlMask
	ExitControls      ControlMask
	EntryControls     ControlMask
	EPTAvailable      bool
	VPIDAvailable     bool
	UnrestrictedGuest bool
}

const (
	secondaryEPT       = 1 << 1
	secondaryVPID      = 1 << 5
	secondaryUnrestrct = 1 << 7
)

var errVMXUnsupported = fmt.Errorf("hvcap: CPUID.1:ECX.VMX not set")

// Probe performs the full VMX capability-read sequence against p.
func Probe(p Prober) (Capability, error) {
	feat := p.CPUID(cpuidLeafFeatures, 0)
	if feat.ECX&cpuidECXVMXBitMask == 0 {
		return Capability{}, errVMXUnsupported
	}

	fc := p.ReadMSR(MSRFeatureControl)
	if fc&featureControlLock == 0 {
		fc |= featureControlLock | featureControlVMXOut
		p.WriteMSR(MSRFeatureControl, fc)
	}

	basic := p.ReadMSR(MSRVMXBasic)
	cap := Capability{
		RevisionID:   uint32(basic & vmxBasicRevisionMask),
		TrueControls: basic&vmxBasicTrueControlsBit != 0,
	}

	pinAddr, procAddr, exitAddr, entryAddr := uint32(MSRVMXPinbased), uint32(MSRVMXProcbased), uint32(MSRVMXExit), uint32(MSRVMXEntry)
	if cap.TrueControls {
		pinAddr, procAddr, exitAddr, entryAddr = MSRVMXTruePinbased, MSRVMXTrueProcbase, MSRVMXTrueExit, MSRVMXTrueEntry
	}

	cap.Pinbased = readControlMask(p, pinAddr)
	cap.Procbased = readControlMask(p, procAddr)
	cap.ExitControls = readControlMask(p, exitAddr)
	cap.EntryControls = readControlMask(p, entryAddr)

	if cap.Procbased.Allowed1&secondaryControlsActive != 0 {
		cap.Secondary = readControlMask(p, MSRVMXProcbased2)
		cap.EPTAvailable = cap.Secondary.Allowed1&secondaryEPT != 0
		cap.VPIDAvailable = cap.Secondary.Allowed1&secondaryVPID != 0
		cap.UnrestrictedGuest = cap.Secondary.Allowed1&secondaryUnrestrct != 0
	}

	return cap, nil
}

// secondaryControlsActive is the "activate secondary controls" bit in the
// primary processor-based control MSR.
const secondaryControlsActive = 1 << 31

func readControlMask(p Prober, addr uint32) ControlMask {
	v := p.ReadMSR(addr)
	return ControlMask{
		Allowed0: uint32(v),
		Allowed1: uint32(v >> 32),
	}
}
