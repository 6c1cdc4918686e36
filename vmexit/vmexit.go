// Package vmexit decodes the VM-exit reason and its exit-qualification
// payload into the same enum-shaped surface original_source's vmexit.rs
// exposes to VCpu::handle_vmexit. It is a pure decode layer: it reads VMCS
// exit-qualification fields only and never touches guest GPRs, so it has
// no dependency on package vcpu (which instead depends on vmexit to get
// Info and then performs the actual CR-access/CPUID/port-IO/MMIO emulation
// against its own Registers). Grounded on
// original_source/mythril/src/vmexit.rs.
package vmexit

import (
	"fmt"

	"github.com/mythril-go/hypervisor/errs"
	"github.com/mythril-go/hypervisor/memory"
	"github.com/mythril-go/hypervisor/vcpu/inject"
	"github.com/mythril-go/hypervisor/vmx"
)

// Reason is the basic exit reason from Table C-1, every variant the
// architecture defines (not just the ones this hypervisor handles), so
// the dispatcher's default arm is genuinely "an exit reason the SDM
// defines but this hypervisor never expected" rather than "a gap in an
// incomplete enum".
type Reason uint32

const (
	ReasonNonMaskableInterrupt Reason = 0
	ReasonExternalInterrupt    Reason = 1
	ReasonTripleFault          Reason = 2
	ReasonInitSignal           Reason = 3
	ReasonStartUpIpi           Reason = 4
	ReasonIoSmi                Reason = 5
	ReasonOtherSmi             Reason = 6
	ReasonInterruptWindow      Reason = 7
	ReasonNmiWindow            Reason = 8
	ReasonTaskSwitch           Reason = 9
	ReasonCpuId                Reason = 10
	ReasonGetSec               Reason = 11
	ReasonHlt                  Reason = 12
	ReasonInvd                 Reason = 13
	ReasonInvlpg               Reason = 14
	ReasonRdpmc                Reason = 15
	ReasonRdtsc                Reason = 16
	ReasonRsm                  Reason = 17
	ReasonVmCall               Reason = 18
	ReasonVmClear              Reason = 19
	ReasonVmLaunch             Reason = 20
	ReasonVmPtrLd              Reason = 21
	ReasonVmPtrRst             Reason = 22
	ReasonVmRead               Reason = 23
	ReasonVmResume             Reason = 24
	ReasonVmWrite              Reason = 25
	ReasonVmxOff               Reason = 26
	ReasonVmxOn                Reason = 27
	ReasonCrAccess             Reason = 28
	ReasonMovDr                Reason = 29
	ReasonIoInstruction        Reason = 30
	ReasonRdMsr                Reason = 31
	ReasonWrMsr                Reason = 32
	ReasonVmEntryInvalidState  Reason = 33
	ReasonVmEntryMsrLoad       Reason = 34
	// 35 unused by the architecture.
	ReasonMwait                  Reason = 36
	ReasonMonitorTrapFlag        Reason = 37
	// 38 unused.
	ReasonMonitor                Reason = 39
	ReasonPause                  Reason = 40
	ReasonVmEntryMachineCheck    Reason = 41
	// 42 unused.
	ReasonTprBelowThreshold      Reason = 43
	ReasonApicAccess             Reason = 44
	ReasonVirtualEoi             Reason = 45
	ReasonAccessGdtrIdtr         Reason = 46
	ReasonAccessLdtrTr           Reason = 47
	ReasonEptViolation           Reason = 48
	ReasonEptMisconfigure        Reason = 49
	ReasonInvEpt                 Reason = 50
	ReasonRdtscp                 Reason = 51
	ReasonVmxPreemptionExpired   Reason = 52
	ReasonInvVpid                Reason = 53
	ReasonWbinvd                 Reason = 54
	ReasonXsetbv                 Reason = 55
	ReasonApicWrite              Reason = 56
	ReasonRdRand                 Reason = 57
	ReasonInvpcid                Reason = 58
	ReasonVmFunc                 Reason = 59
	ReasonEncls                  Reason = 60
	ReasonRdSeed                 Reason = 61
	ReasonPageModLogFull         Reason = 62
	ReasonXsaves                 Reason = 63
	ReasonXrstors                Reason = 64
)

var reasonNames = map[Reason]string{
	ReasonNonMaskableInterrupt: "NonMaskableInterrupt", ReasonExternalInterrupt: "ExternalInterrupt",
	ReasonTripleFault: "TripleFault", ReasonInitSignal: "InitSignal", ReasonStartUpIpi: "StartUpIpi",
	ReasonIoSmi: "IoSystemManagementInterrupt", ReasonOtherSmi: "OtherSystemManagementInterrupt",
	ReasonInterruptWindow: "InterruptWindow", ReasonNmiWindow: "NonMaskableInterruptWindow",
	ReasonTaskSwitch: "TaskSwitch", ReasonCpuId: "CpuId", ReasonGetSec: "GetSec", ReasonHlt: "Hlt",
	ReasonInvd: "Invd", ReasonInvlpg: "InvlPg", ReasonRdpmc: "Rdpmc", ReasonRdtsc: "Rdtsc", ReasonRsm: "Rsm",
	ReasonVmCall: "VmCall", ReasonVmClear: "VmClear", ReasonVmLaunch: "VmLaunch", ReasonVmPtrLd: "VmPtrLd",
	ReasonVmPtrRst: "VmPtrRst", ReasonVmRead: "VmRead", ReasonVmResume: "VmResume", ReasonVmWrite: "VmWrite",
	ReasonVmxOff: "VmxOff", ReasonVmxOn: "VmxOn", ReasonCrAccess: "CrAccess", ReasonMovDr: "MovDr",
	ReasonIoInstruction: "IoInstruction", ReasonRdMsr: "RdMsr", ReasonWrMsr: "WrMsr",
	ReasonVmEntryInvalidState: "VmEntryInvalidGuestState", ReasonVmEntryMsrLoad: "VmEntryMsrLoad",
	ReasonMwait: "Mwait", ReasonMonitorTrapFlag: "MonitorTrapFlag", ReasonMonitor: "Monitor",
	ReasonPause: "Pause", ReasonVmEntryMachineCheck: "VmEntryMachineCheck",
	ReasonTprBelowThreshold: "TprBelowThreshold", ReasonApicAccess: "ApicAccess", ReasonVirtualEoi: "VirtualEoi",
	ReasonAccessGdtrIdtr: "AccessGdtridtr", ReasonAccessLdtrTr: "AccessLdtrTr",
	ReasonEptViolation: "EptViolation", ReasonEptMisconfigure: "EptMisconfigure", ReasonInvEpt: "InvEpt",
	ReasonRdtscp: "Rdtscp", ReasonVmxPreemptionExpired: "VmxPreemptionTimerExpired", ReasonInvVpid: "Invvpid",
	ReasonWbinvd: "Wbinvd", ReasonXsetbv: "Xsetbv", ReasonApicWrite: "ApicWrite", ReasonRdRand: "RdRand",
	ReasonInvpcid: "Invpcid", ReasonVmFunc: "VmFunc", ReasonEncls: "Encls", ReasonRdSeed: "RdSeed",
	ReasonPageModLogFull: "PageModificationLogFull", ReasonXsaves: "Xsaves", ReasonXrstors: "Xrstors",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}

	return fmt.Sprintf("UnknownReason(%d)", uint32(r))
}

// Flags are the high bits of VmExitReason alongside the basic reason.
type Flags uint64

const (
	FlagEnclaveMode    Flags = 1 << 27
	FlagPendingMtfExit Flags = 1 << 28
	FlagExitFromRoot   Flags = 1 << 29
	FlagVmEntryFailed  Flags = 1 << 31
)

// Info is the read-once snapshot of why the guest exited, reading the
// exit-qualification-derived payload only for reasons that carry one.
type Info struct {
	Reason Reason
	Flags  Flags

	Vectored *VectoredEventInformation // NonMaskableInterrupt, ExternalInterrupt
	Cr       *CrInformation            // CrAccess
	Io       *IoInstructionInformation // IoInstruction
	Ept      *EptInformation           // EptViolation
	Apic     *ApicAccessInformation    // ApicAccess
}

// FromActiveVmcs reads VmExitReason and, for reasons that carry one,
// decodes the exit-qualification payload too.
func FromActiveVmcs(active *vmx.ActiveVmcs) (Info, error) {
	raw, err := active.ReadField(vmx.VmExitReason)
	if err != nil {
		return Info{}, err
	}

	info := Info{
		Reason: Reason(raw & 0x7fff),
		Flags:  Flags(raw),
	}

	var decodeErr error

	switch info.Reason {
	case ReasonNonMaskableInterrupt, ReasonExternalInterrupt:
		v, e := readVectoredEventInformation(active)
		info.Vectored, decodeErr = &v, e
	case ReasonCrAccess:
		v, e := readCrInformation(active)
		info.Cr, decodeErr = &v, e
	case ReasonIoInstruction:
		v, e := readIoInstructionInformation(active)
		info.Io, decodeErr = &v, e
	case ReasonEptViolation:
		v, e := readEptInformation(active)
		info.Ept, decodeErr = &v, e
	case ReasonApicAccess:
		v, e := readApicAccessInformation(active)
		info.Apic, decodeErr = &v, e
	}

	if decodeErr != nil {
		return Info{}, decodeErr
	}

	return info, nil
}

// InterruptType is the vectored-event delivery type carried in
// VmExitIntrInfo/IDT-vectoring fields, a narrower set than inject.Type
// since only these four ever appear as an *exit* reason's own vector info.
type InterruptType uint8

const (
	InterruptTypeExternal         InterruptType = 0
	InterruptTypeNmi              InterruptType = 2
	InterruptTypeHardwareExcept   InterruptType = 3
	InterruptTypeSoftwareExcept   InterruptType = 6
)

// VectoredEventInformation decodes VmExitIntrInfo/VmExitIntrErrorCode,
// populated for NMI and ExternalInterrupt exits.
type VectoredEventInformation struct {
	Vector            uint8
	Type              InterruptType
	ErrorCode         *uint32
	NmiUnblockingIret bool
	Valid             bool
}

func readVectoredEventInformation(active *vmx.ActiveVmcs) (VectoredEventInformation, error) {
	interInfo, err := active.ReadField(vmx.VmExitIntrInfo)
	if err != nil {
		return VectoredEventInformation{}, err
	}

	interErr, err := active.ReadField(vmx.VmExitIntrErrorCode)
	if err != nil {
		return VectoredEventInformation{}, err
	}

	var errorCode *uint32
	if interInfo&(1<<11) != 0 {
		v := uint32(interErr)
		errorCode = &v
	}

	return VectoredEventInformation{
		Vector:            uint8(interInfo & 0xff),
		Type:              InterruptType((interInfo & 0x700) >> 8),
		ErrorCode:         errorCode,
		NmiUnblockingIret: interInfo&(1<<12) != 0,
		Valid:             interInfo&(1<<31) != 0,
	}, nil
}

// CrAccessType is the kind of control-register access that caused the
// exit, the low two bits of the access-type subfield.
type CrAccessType uint8

const (
	CrAccessMovToCr  CrAccessType = 0
	CrAccessMovFromCr CrAccessType = 1
	CrAccessClts     CrAccessType = 2
	CrAccessLmsw     CrAccessType = 3
)

// CrInformation decodes ExitQualification for a CrAccess exit.
type CrInformation struct {
	CrNum             uint8
	AccessType        CrAccessType
	LmswMemoryOperand bool
	Register          *uint8 // general-register number, MovToCr/MovFromCr only
	LmswData          *uint16
}

func readCrInformation(active *vmx.ActiveVmcs) (CrInformation, error) {
	qualifier, err := active.ReadField(vmx.ExitQualification)
	if err != nil {
		return CrInformation{}, err
	}

	accessType := CrAccessType((qualifier & 0b110000) >> 4)
	reg := uint8((qualifier & 0xf00) >> 8)
	crNum := uint8(qualifier & 0b1111)

	info := CrInformation{AccessType: accessType, LmswMemoryOperand: qualifier&(1<<6) != 0}

	switch accessType {
	case CrAccessMovToCr, CrAccessMovFromCr:
		info.CrNum = crNum
		info.Register = &reg
	default:
		lmsw := uint16((qualifier & 0xffff0000) >> 16)
		info.LmswData = &lmsw
	}

	return info, nil
}

// IoInstructionInformation decodes ExitQualification for an IoInstruction
// exit.
type IoInstructionInformation struct {
	Size      uint8 // bytes: 1, 2, or 4
	Input     bool
	String    bool
	Rep       bool
	Immediate bool
	Port      uint16
}

func readIoInstructionInformation(active *vmx.ActiveVmcs) (IoInstructionInformation, error) {
	qualifier, err := active.ReadField(vmx.ExitQualification)
	if err != nil {
		return IoInstructionInformation{}, err
	}

	return IoInstructionInformation{
		Size:      uint8(qualifier&7) + 1,
		Input:     qualifier&(1<<3) != 0,
		String:    qualifier&(1<<4) != 0,
		Rep:       qualifier&(1<<5) != 0,
		Immediate: qualifier&(1<<6) != 0,
		Port:      uint16((qualifier & 0xffff0000) >> 16),
	}, nil
}

// EptInformation decodes ExitQualification/GuestLinearAddress/
// GuestPhysicalAddress for an EptViolation exit.
type EptInformation struct {
	Read, Write, Exec                            bool
	ReadAllowed, WriteAllowed, PrivExecAllowed    bool
	UserExecAllowed                               bool
	GuestLinearAddr                               *memory.GuestPhysAddr
	AfterPageTranslation, UserModeAddress         bool
	ReadWritePage, NxPage, NmiUnblockingIret       bool
	GuestPhysAddr                                 memory.GuestPhysAddr
}

func readEptInformation(active *vmx.ActiveVmcs) (EptInformation, error) {
	qualifier, err := active.ReadField(vmx.ExitQualification)
	if err != nil {
		return EptInformation{}, err
	}

	var guestLinear *memory.GuestPhysAddr

	if qualifier&(1<<7) != 0 {
		raw, err := active.ReadField(vmx.GuestLinearAddress)
		if err != nil {
			return EptInformation{}, err
		}

		addr := memory.NewGuestPhysAddr(raw)
		guestLinear = &addr
	}

	physRaw, err := active.ReadField(vmx.GuestPhysicalAddress)
	if err != nil {
		return EptInformation{}, err
	}

	return EptInformation{
		Read:                 qualifier&(1<<0) != 0,
		Write:                qualifier&(1<<1) != 0,
		Exec:                 qualifier&(1<<2) != 0,
		ReadAllowed:          qualifier&(1<<3) != 0,
		WriteAllowed:         qualifier&(1<<4) != 0,
		PrivExecAllowed:      qualifier&(1<<5) != 0,
		UserExecAllowed:      qualifier&(1<<6) != 0,
		GuestLinearAddr:      guestLinear,
		AfterPageTranslation: qualifier&(1<<8) != 0,
		UserModeAddress:      qualifier&(1<<9) != 0,
		ReadWritePage:        qualifier&(1<<10) != 0,
		NxPage:               qualifier&(1<<11) != 0,
		NmiUnblockingIret:    qualifier&(1<<12) != 0,
		GuestPhysAddr:        memory.NewGuestPhysAddr(physRaw),
	}, nil
}

// ApicAccessKind is the access-type subfield of an ApicAccess exit's
// qualification.
type ApicAccessKind uint8

const (
	ApicAccessLinearRead          ApicAccessKind = 0
	ApicAccessLinearWrite         ApicAccessKind = 1
	ApicAccessLinearFetch         ApicAccessKind = 2
	ApicAccessLinearEventDelivery ApicAccessKind = 3
	ApicAccessPhysicalDuringEvent ApicAccessKind = 10
	ApicAccessPhysicalDuringFetch ApicAccessKind = 15
)

// ApicAccessInformation decodes ExitQualification for an ApicAccess exit.
type ApicAccessInformation struct {
	Offset         *uint16
	Kind           ApicAccessKind
	AsyncInstrExec bool
}

func readApicAccessInformation(active *vmx.ActiveVmcs) (ApicAccessInformation, error) {
	qualifier, err := active.ReadField(vmx.ExitQualification)
	if err != nil {
		return ApicAccessInformation{}, err
	}

	kind := ApicAccessKind((qualifier >> 12) & 0b1111)

	var offset *uint16

	switch kind {
	case ApicAccessLinearRead, ApicAccessLinearWrite, ApicAccessLinearFetch, ApicAccessLinearEventDelivery:
		o := uint16(qualifier & 0xfff)
		offset = &o
	}

	return ApicAccessInformation{
		Kind:           kind,
		AsyncInstrExec: qualifier&(1<<16) != 0,
		Offset:         offset,
	}, nil
}

// InjectInterruptType converts a VectoredEventInformation's delivery type
// into the wider inject.Type taxonomy used for VM-entry injection.
func (v VectoredEventInformation) InjectInterruptType() (inject.Type, error) {
	switch v.Type {
	case InterruptTypeExternal:
		return inject.ExternalInterrupt, nil
	case InterruptTypeNmi:
		return inject.NonMaskableInterrupt, nil
	case InterruptTypeHardwareExcept:
		return inject.HardwareException, nil
	case InterruptTypeSoftwareExcept:
		return inject.SoftwareException, nil
	default:
		return 0, fmt.Errorf("%w: unexpected vectored interrupt type %d", errs.ErrInvalidValue, v.Type)
	}
}
