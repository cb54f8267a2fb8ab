// Package vmx implements the VMX core: per-VCPU VMXON/VMCS construction,
// the VM-entry/VM-exit run loop, and the full exit dispatcher. It
// depends on internal/hvcap for the one-time capability probe and on an
// Executor interface for the actual privileged instructions: a real
// backend issues VMXON/VMLAUNCH/VMRESUME/VMREAD/VMWRITE; tests supply a
// software model.
package vmx

import "github.com/purevisor/purevisor/internal/hvcap"

// Segment mirrors one VMCS segment-register field group (selector, base,
// limit, access rights), needed for both host- and guest-state areas.
type Segment struct {
	Selector     uint16
	Base         uint64
	Limit        uint32
	AccessRights uint32
}

// HostState is the VMCS host-state area populated from current processor
// state.
type HostState struct {
	CR0, CR3, CR4              uint64
	CS, SS, DS, ES, FS, GS, TR Segment
	FSBase, GSBase             uint64
	GDTRBase, IDTRBase         uint64
	SysenterCS                 uint32
	SysenterESP, SysenterEIP   uint64
	EFER                       uint64
	EntryRIP                   uint64
	RSP                        uint64 // per-VCPU stack top
}

// GuestState is the VMCS guest-state area. New VCPUs start in the flat,
// 16-bit real-mode-style BIOS entry state.
type GuestState struct {
	CR0, CR3, CR4                        uint64
	CS, SS, DS, ES, FS, GS, TR           Segment
	DR7                                  uint64
	RFLAGS                               uint64
	RIP                                  uint64
	RSP                                  uint64
	RAX, RBX, RCX, RDX, RSI, RDI, RBP    uint64
	R8, R9, R10, R11, R12, R13, R14, R15 uint64
	VMCSLinkPointer                      uint64
}

const (
	cr0ProtectionEnable = 1 << 0

	defaultDR7    = 0x400
	defaultRFlags = 1 << 1 // reserved bit 1 is always set
	bootEntryRIP  = 0x7C00
	bootEntryRSP  = 0x7000

	flatLimit = 0xFFFF
	// AccessRights for a flat 16-bit real-mode-style code/data segment:
	// present, type data/code, S=1.
	flatCodeAccess = 0x9B
	flatDataAccess = 0x93
)

// NewGuestState returns the initial guest-state area: protected mode
// enabled but flat 16-bit real-mode-style segments so BIOS code at
// 0x7C00 executes.
func NewGuestState() GuestState {
	flat := func(access uint32) Segment {
		return Segment{Selector: 0, Base: 0, Limit: flatLimit, AccessRights: access}
	}
	return GuestState{
		CR0:             cr0ProtectionEnable,
		CS:              flat(flatCodeAccess),
		SS:              flat(flatDataAccess),
		DS:              flat(flatDataAccess),
		ES:              flat(flatDataAccess),
		FS:              flat(flatDataAccess),
		GS:              flat(flatDataAccess),
		TR:              Segment{},
		DR7:             defaultDR7,
		RFLAGS:          defaultRFlags,
		RIP:             bootEntryRIP,
		RSP:             bootEntryRSP,
		VMCSLinkPointer: ^uint64(0),
	}
}

// Controls holds the computed VMCS control fields, each computed as
// `(requested | allowed0) & allowed1`.
type Controls struct {
	PinBased      uint32
	ProcBased     uint32
	Secondary     uint32
	ExitControls  uint32
	EntryControls uint32
}

// Requested control bits for the computed VMCS control fields.
const (
	pinExternalIntExit = 1 << 0
	pinNMIExit         = 1 << 3

	procHLTExit           = 1 << 7
	procUseIOBitmaps      = 1 << 25
	procUseMSRBitmaps     = 1 << 28
	procActivateSecondary = 1 << 31

	secondaryEnableEPT     = 1 << 1
	secondaryUnrestrictGst = 1 << 7

	exitHostAddrSpace64    = 1 << 9
	exitAckInterruptOnExit = 1 << 15
	exitSaveEFER           = 1 << 20
	exitLoadEFER           = 1 << 21

	entryLoadEFER = 1 << 15
)

// ComputeControls derives the VMCS control fields from a probed
// capability set, applying every adjust rule and availability check.
func ComputeControls(cap hvcap.Capability) Controls {
	c := Controls{
		PinBased:      cap.Pinbased.Adjust(pinExternalIntExit | pinNMIExit),
		ExitControls:  cap.ExitControls.Adjust(exitHostAddrSpace64 | exitSaveEFER | exitLoadEFER | exitAckInterruptOnExit),
		EntryControls: cap.EntryControls.Adjust(entryLoadEFER),
	}

	proc := uint32(procHLTExit | procUseIOBitmaps | procUseMSRBitmaps)
	if cap.EPTAvailable || cap.UnrestrictedGuest {
		proc |= procActivateSecondary
	}
	c.ProcBased = cap.Procbased.Adjust(proc)

	if c.ProcBased&procActivateSecondary != 0 {
		var secReq uint32
		if cap.EPTAvailable {
			secReq |= secondaryEnableEPT
		}
		if cap.UnrestrictedGuest {
			secReq |= secondaryUnrestrictGst
		}
		c.Secondary = cap.Secondary.Adjust(secReq)
	}

	return c
}
