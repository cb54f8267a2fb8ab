package vmx

import "github.com/purevisor/purevisor/internal/ept"

// dispatch routes one VM exit to its handler by reason.
func (v *VCPU) dispatch(exit ExitInfo) error {
	switch exit.Reason {
	case ExitCPUID:
		return v.handleCPUID(exit)
	case ExitHLT:
		return v.handleHLT(exit)
	case ExitIOInstruction:
		return v.handleIO(exit)
	case ExitRDMSR:
		return v.handleRDMSR(exit)
	case ExitWRMSR:
		return v.handleWRMSR(exit)
	case ExitCRAccess:
		return v.handleCRAccess(exit)
	case ExitEPTViolation:
		return v.handleEPTViolation(exit)
	case ExitVMCALL:
		return v.handleVMCALL(exit)
	case ExitExternalInterrupt:
		return nil // host handles it; no guest progress needed
	case ExitTripleFault:
		v.state = StateErrored
		v.log.Error("vmx: triple fault", "vcpu", v.id)
		return nil
	default:
		v.state = StateErrored
		v.log.Error("vmx: unhandled exit reason", "vcpu", v.id, "reason", exit.Reason)
		return nil
	}
}

// handleCPUID executes the guest's requested leaf/subleaf physically,
// then rewrites specific leaves.
func (v *VCPU) handleCPUID(exit ExitInfo) error {
	g, err := v.exec.ReadGuestState()
	if err != nil {
		return err
	}
	leaf := uint32(g.RAX)
	subleaf := uint32(g.RCX)

	result := v.physicalCPUID(leaf, subleaf)

	switch leaf {
	case 1:
		// Strip the VMX-present and hypervisor-present bits so the guest
		// cannot detect virtualization through raw CPUID leaf 1.
		result.ECX &^= cpuidECXVMXBit
		result.ECX &^= cpuidECXHypervisorBit
	case hypervisorCPUIDLeaf:
		// hypervisorSignature is 9 bytes ("PureVisor"); EBX/ECX each carry
		// a full 4-byte word and EDX carries the trailing 'r' plus three
		// zero bytes, so a guest reading all three in order sees the full
		// signature followed by NUL padding.
		result = CPUIDResult{
			EAX: hypervisorMaxLeaf,
			EBX: signatureWord(hypervisorSignature[0:4]),
			ECX: signatureWord(hypervisorSignature[4:8]),
			EDX: uint32(hypervisorSignature[8]),
		}
	case hypervisorMaxLeaf:
		result = CPUIDResult{}
	}

	g.RAX = uint64(result.EAX)
	g.RBX = uint64(result.EBX)
	g.RCX = uint64(result.ECX)
	g.RDX = uint64(result.EDX)
	if err := v.exec.WriteGuestState(g); err != nil {
		return err
	}
	return v.advanceRIP(exit)
}

// CPUIDResult mirrors the four CPUID general-purpose outputs; vmx keeps
// its own copy so the dispatcher doesn't need to import hvcap for a
// four-field struct.
type CPUIDResult struct{ EAX, EBX, ECX, EDX uint32 }

// physicalCPUID executes the host CPUID instruction for (leaf, subleaf).
// Production wiring plugs in a real backend (e.g. hvcap.Prober.CPUID);
// tests supply a fake.
func (v *VCPU) physicalCPUID(leaf, subleaf uint32) CPUIDResult {
	if v.cpuidFunc == nil {
		return CPUIDResult{}
	}
	return v.cpuidFunc(leaf, subleaf)
}

func signatureWord(s string) uint32 {
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24
}

// handleHLT sets the VCPU to Halted and advances RIP; resumption is
// triggered by interrupt injection from outside.
func (v *VCPU) handleHLT(exit ExitInfo) error {
	if err := v.advanceRIP(exit); err != nil {
		return err
	}
	v.state = StateHalted
	return nil
}

const (
	ioQualSizeMask  = 0x7
	ioQualDirIn     = 1 << 3
	ioQualString    = 1 << 4
	ioQualRep       = 1 << 5
	ioQualPortShift = 16
)

// handleIO decodes the I/O exit qualification and either synthesizes an
// IN value or routes an OUT byte to a registered port handler.
func (v *VCPU) handleIO(exit ExitInfo) error {
	q := exit.Qualification
	width := int(q&ioQualSizeMask) + 1
	isIn := q&ioQualDirIn != 0
	port := uint16(q >> ioQualPortShift)

	g, err := v.exec.ReadGuestState()
	if err != nil {
		return err
	}

	if isIn {
		val := defaultPortIn(port, width)
		mask := uint64(1)<<(uint(width)*8) - 1
		g.RAX = (g.RAX &^ mask) | (val & mask)
		if err := v.exec.WriteGuestState(g); err != nil {
			return err
		}
	} else if dev, ok := v.ports[port]; ok && dev.WriteByte != nil {
		dev.WriteByte(byte(g.RAX))
	}

	return v.advanceRIP(exit)
}

// handleRDMSR and handleWRMSR implement per-MSR switch.
func (v *VCPU) handleRDMSR(exit ExitInfo) error {
	g, err := v.exec.ReadGuestState()
	if err != nil {
		return err
	}
	msr := uint32(g.RCX)

	var val uint64
	switch msr {
	case MSREFER:
		val = 0
	case MSRAPICBase:
		val = 0xFEE0_0900 // BSP + enabled, base address
	case MSRFSBase:
		val = g.FS.Base
	case MSRGSBase:
		val = g.GS.Base
	default:
		v.log.Warn("vmx: unknown MSR read", "vcpu", v.id, "msr", msr)
		val = 0
	}

	g.RAX = uint64(uint32(val))
	g.RDX = uint64(uint32(val >> 32))
	if err := v.exec.WriteGuestState(g); err != nil {
		return err
	}
	return v.advanceRIP(exit)
}

func (v *VCPU) handleWRMSR(exit ExitInfo) error {
	g, err := v.exec.ReadGuestState()
	if err != nil {
		return err
	}
	msr := uint32(g.RCX)
	val := (g.RDX << 32) | uint64(uint32(g.RAX))

	switch msr {
	case MSRFSBase:
		g.FS.Base = val
	case MSRGSBase:
		g.GS.Base = val
	case MSREFER:
		// accepted, not otherwise modeled
	default:
		v.log.Warn("vmx: unknown MSR write", "vcpu", v.id, "msr", msr)
	}

	if err := v.exec.WriteGuestState(g); err != nil {
		return err
	}
	return v.advanceRIP(exit)
}

const (
	crQualRegMask     = 0xF
	crQualAccessShift = 4
	crQualAccessMask  = 0x3
	crQualGPRShift    = 8
	crQualGPRMask     = 0xF

	crAccessMovToCR   = 0
	crAccessMovFromCR = 1
)

// gprValue/setGPR map a VMCS GPR index (per Intel's fixed encoding) to a
// GuestState field.
func gprValue(g GuestState, idx uint64) uint64 {
	switch idx {
	case 0:
		return g.RAX
	case 1:
		return g.RCX
	case 2:
		return g.RDX
	case 3:
		return g.RBX
	case 4:
		return g.RSP
	case 5:
		return g.RBP
	case 6:
		return g.RSI
	case 7:
		return g.RDI
	case 8:
		return g.R8
	case 9:
		return g.R9
	case 10:
		return g.R10
	case 11:
		return g.R11
	case 12:
		return g.R12
	case 13:
		return g.R13
	case 14:
		return g.R14
	case 15:
		return g.R15
	default:
		return 0
	}
}

func setGPR(g *GuestState, idx uint64, val uint64) {
	switch idx {
	case 0:
		g.RAX = val
	case 1:
		g.RCX = val
	case 2:
		g.RDX = val
	case 3:
		g.RBX = val
	case 4:
		g.RSP = val
	case 5:
		g.RBP = val
	case 6:
		g.RSI = val
	case 7:
		g.RDI = val
	case 8:
		g.R8 = val
	case 9:
		g.R9 = val
	case 10:
		g.R10 = val
	case 11:
		g.R11 = val
	case 12:
		g.R12 = val
	case 13:
		g.R13 = val
	case 14:
		g.R14 = val
	case 15:
		g.R15 = val
	}
}

// handleCRAccess implements CR-access exit: MOV-to-CR
// updates the guest value; MOV-from-CR returns the VMCS-held value.
func (v *VCPU) handleCRAccess(exit ExitInfo) error {
	q := exit.Qualification
	crNum := q & crQualRegMask
	accessType := (q >> crQualAccessShift) & crQualAccessMask
	gpr := (q >> crQualGPRShift) & crQualGPRMask

	g, err := v.exec.ReadGuestState()
	if err != nil {
		return err
	}

	switch accessType {
	case crAccessMovToCR:
		val := gprValue(g, gpr)
		switch crNum {
		case 0:
			g.CR0 = val
		case 3:
			g.CR3 = val
		case 4:
			g.CR4 = val
		}
	case crAccessMovFromCR:
		var val uint64
		switch crNum {
		case 0:
			val = g.CR0
		case 3:
			val = g.CR3
		case 4:
			val = g.CR4
		}
		setGPR(&g, gpr, val)
	}

	if err := v.exec.WriteGuestState(g); err != nil {
		return err
	}
	return v.advanceRIP(exit)
}

const (
	eptQualRead  = 1 << 0
	eptQualWrite = 1 << 1
	eptQualExec  = 1 << 2
)

// handleEPTViolation gives the EPT context a chance to lazily satisfy
// the faulting translation; if the guest-physical address still does not
// resolve, the violation is treated as fatal to the guest.
func (v *VCPU) handleEPTViolation(exit ExitInfo) error {
	if v.ept != nil {
		if _, err := v.ept.Translate(exit.GuestPhysical); err == nil {
			return nil // resolved by whatever lazily populated it
		} else if err != ept.ErrUnresolved {
			return err
		}
	}
	v.state = StateErrored
	v.log.Error("vmx: unresolved EPT violation, guest fatal",
		"vcpu", v.id, "gpa", exit.GuestPhysical, "qualification", exit.Qualification)
	return nil
}

// handleVMCALL implements the hypercall ABI: call 0 is
// a debug print, call 1 returns a magic + version, unknown calls return
// -1.
func (v *VCPU) handleVMCALL(exit ExitInfo) error {
	g, err := v.exec.ReadGuestState()
	if err != nil {
		return err
	}

	switch g.RAX {
	case vmcallDebugPrint:
		v.debugPrint(g.RBX)
		g.RAX = 0
	case vmcallIdentify:
		g.RAX = vmcallMagic
		g.RBX = uint64(hvMajor)<<16 | uint64(hvMinor)
	default:
		g.RAX = vmcallUnknownRet
	}

	if err := v.exec.WriteGuestState(g); err != nil {
		return err
	}
	return v.advanceRIP(exit)
}

// debugPrint reads a NUL-terminated string from guest physical memory at
// addr and logs it, backing VMCALL 0 (arg1 = guest phys of string).
func (v *VCPU) debugPrint(addr uint64) {
	if v.mem == nil {
		return
	}
	const maxLen = 256
	buf := make([]byte, maxLen)
	n, _ := v.mem.ReadAt(buf, int64(addr))
	end := n
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			end = i
			break
		}
	}
	v.log.Info("vmx: guest debug print", "vcpu", v.id, "message", string(buf[:end]))
}
