// Package errs is the error taxonomy shared by every layer of the
// hypervisor, from the VMX primitives up through device emulation.
package errs

import "errors"

// Sentinel errors for the hypervisor-wide taxonomy (spec §7). Every
// operation in this module returns one of these, wrapped with %w for
// context, never a bare string.
var (
	// ErrVmFailInvalid means the VMX instruction failed with CF=1: there is
	// no current VMCS, or VMX is not enabled on this core.
	ErrVmFailInvalid = errors.New("vmx: VMfailInvalid")

	// ErrVmFailValid means the instruction failed with ZF=1; the concrete
	// reason is an InstructionError value carried alongside this error.
	ErrVmFailValid = errors.New("vmx: VMfailValid")

	// ErrDuplicateMapping means an EPT leaf was already mapped.
	ErrDuplicateMapping = errors.New("memory: duplicate EPT mapping")

	// ErrAllocExhausted means a bump allocator ran out of backing pages.
	ErrAllocExhausted = errors.New("memory: allocator exhausted")

	// ErrMissingDevice means no emulated device claims a port or MMIO
	// address that a VMEXIT needs serviced. Per spec this is always fatal.
	ErrMissingDevice = errors.New("virtdev: no device registered for address")

	// ErrMissingFile means a named boot module (kernel/initrd/bios) was not
	// found among the modules the boot loader handed us.
	ErrMissingFile = errors.New("boot: missing module")

	// ErrInvalidValue is the catch-all for malformed input: bad ACPI bytes,
	// bad decoder state, a write of the wrong width, an unaligned frame.
	ErrInvalidValue = errors.New("invalid value")

	// ErrInvalidDevice means device registration found an overlapping
	// range in the device map.
	ErrInvalidDevice = errors.New("virtdev: overlapping device registration")

	// ErrNotSupported means the host CPU lacks a required feature (VMX,
	// x2APIC, EPT).
	ErrNotSupported = errors.New("not supported by this CPU")

	// ErrNotFound is a generic absence (a VM for an APIC ID, an I/O APIC for
	// a GSI, an ACPI table, an AP that never reported ready).
	ErrNotFound = errors.New("not found")

	// ErrNotImplemented covers unknown device behavior or an unsupported
	// decode/exit case; always fatal, per spec §7.
	ErrNotImplemented = errors.New("not implemented")
)

// InstructionError carries the decoded VmInstructionError VMCS field value
// alongside ErrVmFailValid, so callers can format a precise panic message.
type InstructionError struct {
	Code    uint32
	Message string
}

func (e *InstructionError) Error() string {
	if name, ok := instructionErrorNames[e.Code]; ok {
		return name + ": " + e.Message
	}

	return "unknown VM instruction error " + itoa(e.Code) + ": " + e.Message
}

func (e *InstructionError) Unwrap() error { return ErrVmFailValid }

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}

	var buf [10]byte

	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}

	return string(buf[i:])
}

// instructionErrorNames is the full VmInstructionError taxonomy from the VMX
// architecture: codes 0 through 28, 26 named values, with the deliberate
// gaps at 14, 21, and 27 preserved (those codes are reserved/unused by the
// architecture and must never be assigned a name).
var instructionErrorNames = map[uint32]string{
	0:  "UnknownError",
	1:  "VmCallInRoot",
	2:  "VmClearInvalidAddress",
	3:  "VmClearRoot",
	4:  "VmLaunchNonClearVmcs",
	5:  "VmResumeNonLaunchedVmcs",
	6:  "VmResumeAfterVmxoff",
	7:  "VmEntryInvalidControlField",
	8:  "VmEntryInvalidHostStateField",
	9:  "VmPtrLdInvalidAddress",
	10: "VmPtrLdRootVmcs",
	11: "VmPtrLdReportedVmcsRevisionMismatch",
	12: "VmReadWriteUnsupportedField",
	13: "VmWriteReadOnlyField",
	// 14 reserved
	15: "VmxonRoot",
	16: "VmEntryInvalidExecutiveVmcsPointer",
	17: "VmEntryNonLaunchedExecutiveVmcs",
	18: "VmEntryExecutiveVmcsPointerNotVmxonPointer",
	19: "VmCallNonClearVmcs",
	20: "VmCallInvalidVmExitControlFields",
	// 21 reserved
	22: "VmCallIncorrectMsegRevisionId",
	23: "VmxoffDualMonitor",
	24: "VmCallInvalidSmmMonitorFeatures",
	25: "VmEntryInvalidVmExecuteControlFieldsInExecutiveVmcs",
	26: "VmEntryEventsBlockedByMovSs",
	// 27 reserved
	28: "InvalidOperandToInveptInvvpid",
}
