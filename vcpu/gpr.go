// Package vcpu is the per-core vCPU object: VMCS bring-up, the VMEXIT
// handling loop, and the general-purpose register save area the hand-
// written trampoline captures/restores around VMLAUNCH/VMRESUME. Grounded
// on original_source/mythril/src/vcpu.rs.
package vcpu

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/mythril-go/hypervisor/errs"
)

// Registers is the guest general-purpose register save area the trampoline
// (C14) reads before VMEXIT dispatch and writes back before VMRESUME. RSP
// and RIP are deliberately absent: both live in the VMCS (GuestRsp/
// GuestRip) rather than this array, matching the original's vcpu.rs and
// spec §4.6's note that RSP "lives in the VMCS, not the GPR save area".
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

// toArray copies r into the flat layout the launchOrResume trampoline
// expects (C14): RAX,RBX,RCX,RDX,RSI,RDI,RBP,R8..R15, matching
// vmx/asm_amd64.s's 0,8,16,24,32,40,48,56..112 byte offsets exactly.
func (r *Registers) toArray() [15]uint64 {
	return [15]uint64{
		r.RAX, r.RBX, r.RCX, r.RDX, r.RSI, r.RDI, r.RBP,
		r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15,
	}
}

// fromArray is toArray's inverse, applied after every LaunchOrResume call.
func (r *Registers) fromArray(a [15]uint64) {
	r.RAX, r.RBX, r.RCX, r.RDX = a[0], a[1], a[2], a[3]
	r.RSI, r.RDI, r.RBP = a[4], a[5], a[6]
	r.R8, r.R9, r.R10, r.R11 = a[7], a[8], a[9], a[10]
	r.R12, r.R13, r.R14, r.R15 = a[11], a[12], a[13], a[14]
}

// regPtr returns a pointer to the 64-bit slot backing reg, regardless of
// which width variant of it the decoder reported, mirroring
// machine.GetReg's dispatch but covering every width of each register
// instead of only the 64-bit names. The SPL/SP/ESP/RSP family has no slot
// here and is rejected, since RSP lives in the VMCS.
func (r *Registers) regPtr(reg x86asm.Reg) (*uint64, error) {
	switch reg {
	case x86asm.AL, x86asm.AX, x86asm.EAX, x86asm.RAX:
		return &r.RAX, nil
	case x86asm.BL, x86asm.BX, x86asm.EBX, x86asm.RBX:
		return &r.RBX, nil
	case x86asm.CL, x86asm.CX, x86asm.ECX, x86asm.RCX:
		return &r.RCX, nil
	case x86asm.DL, x86asm.DX, x86asm.EDX, x86asm.RDX:
		return &r.RDX, nil
	case x86asm.SIB, x86asm.SI, x86asm.ESI, x86asm.RSI:
		return &r.RSI, nil
	case x86asm.DIB, x86asm.DI, x86asm.EDI, x86asm.RDI:
		return &r.RDI, nil
	case x86asm.BPB, x86asm.BP, x86asm.EBP, x86asm.RBP:
		return &r.RBP, nil
	case x86asm.R8B, x86asm.R8W, x86asm.R8L, x86asm.R8:
		return &r.R8, nil
	case x86asm.R9B, x86asm.R9W, x86asm.R9L, x86asm.R9:
		return &r.R9, nil
	case x86asm.R10B, x86asm.R10W, x86asm.R10L, x86asm.R10:
		return &r.R10, nil
	case x86asm.R11B, x86asm.R11W, x86asm.R11L, x86asm.R11:
		return &r.R11, nil
	case x86asm.R12B, x86asm.R12W, x86asm.R12L, x86asm.R12:
		return &r.R12, nil
	case x86asm.R13B, x86asm.R13W, x86asm.R13L, x86asm.R13:
		return &r.R13, nil
	case x86asm.R14B, x86asm.R14W, x86asm.R14L, x86asm.R14:
		return &r.R14, nil
	case x86asm.R15B, x86asm.R15W, x86asm.R15L, x86asm.R15:
		return &r.R15, nil
	default:
		return nil, fmt.Errorf("%w: unsupported GPR operand %v", errs.ErrNotImplemented, reg)
	}
}

// regWidth reports reg's operand width in bits, used to decide the
// read/write merge semantics below.
func regWidth(reg x86asm.Reg) int {
	switch reg {
	case x86asm.AL, x86asm.BL, x86asm.CL, x86asm.DL, x86asm.SIB, x86asm.DIB, x86asm.BPB,
		x86asm.R8B, x86asm.R9B, x86asm.R10B, x86asm.R11B, x86asm.R12B, x86asm.R13B, x86asm.R14B, x86asm.R15B:
		return 8
	case x86asm.AX, x86asm.BX, x86asm.CX, x86asm.DX, x86asm.SI, x86asm.DI, x86asm.BP,
		x86asm.R8W, x86asm.R9W, x86asm.R10W, x86asm.R11W, x86asm.R12W, x86asm.R13W, x86asm.R14W, x86asm.R15W:
		return 16
	case x86asm.EAX, x86asm.EBX, x86asm.ECX, x86asm.EDX, x86asm.ESI, x86asm.EDI, x86asm.EBP,
		x86asm.R8L, x86asm.R9L, x86asm.R10L, x86asm.R11L, x86asm.R12L, x86asm.R13L, x86asm.R14L, x86asm.R15L:
		return 32
	default:
		return 64
	}
}

// ReadReg returns reg's value truncated to its own width, the low bytes of
// the backing 64-bit slot.
func (r *Registers) ReadReg(reg x86asm.Reg) (uint64, error) {
	ptr, err := r.regPtr(reg)
	if err != nil {
		return 0, err
	}

	switch regWidth(reg) {
	case 8:
		return *ptr & 0xff, nil
	case 16:
		return *ptr & 0xffff, nil
	case 32:
		return *ptr & 0xffffffff, nil
	default:
		return *ptr, nil
	}
}

// WriteReg stores val into reg, applying the width-dependent merge rule
// spec §4.6 requires: 8/16-bit destinations preserve the untouched upper
// bits of the backing register, 32-bit destinations zero-extend into the
// full 64-bit register (standard x86-64 behavior), and 64-bit destinations
// overwrite outright.
func (r *Registers) WriteReg(reg x86asm.Reg, val uint64) error {
	ptr, err := r.regPtr(reg)
	if err != nil {
		return err
	}

	switch regWidth(reg) {
	case 8:
		*ptr = (*ptr &^ 0xff) | (val & 0xff)
	case 16:
		*ptr = (*ptr &^ 0xffff) | (val & 0xffff)
	case 32:
		*ptr = val & 0xffffffff
	default:
		*ptr = val
	}

	return nil
}
