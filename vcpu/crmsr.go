package vcpu

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/mythril-go/hypervisor/errs"
	"github.com/mythril-go/hypervisor/vmexit"
	"github.com/mythril-go/hypervisor/vmx"
)

// gprByEncoding maps the x86 general-register encoding a CR-access exit
// qualification carries (Rax=0..R15=15) to its 64-bit x86asm.Reg, the
// table x86-64 ModRM/REX.B decoding uses everywhere. Rsp(4) is included
// for completeness even though callers must special-case it: it never
// lives in Registers, only in the VMCS's GuestRsp field.
var gprByEncoding = [16]x86asm.Reg{
	x86asm.RAX, x86asm.RCX, x86asm.RDX, x86asm.RBX,
	x86asm.RSP, x86asm.RBP, x86asm.RSI, x86asm.RDI,
	x86asm.R8, x86asm.R9, x86asm.R10, x86asm.R11,
	x86asm.R12, x86asm.R13, x86asm.R14, x86asm.R15,
}

// readCrOperand returns the value of the general register a CR-access exit
// names, reading GuestRsp out of the VMCS for encoding 4 since RSP has no
// slot in Registers.
func readCrOperand(active *vmx.ActiveVmcs, regs *Registers, encoding uint8) (uint64, error) {
	if encoding == 4 {
		return active.ReadField(vmx.GuestRsp)
	}

	return regs.ReadReg(gprByEncoding[encoding])
}

// writeCrOperand is readCrOperand's counterpart for MovFromCr.
func writeCrOperand(active *vmx.ActiveVmcs, regs *Registers, encoding uint8, val uint64) error {
	if encoding == 4 {
		return active.WriteField(vmx.GuestRsp, val)
	}

	return regs.WriteReg(gprByEncoding[encoding], val)
}

// EmulateCrAccess performs a CR0/CR3 access a CrAccess exit reported,
// grounded on original_source/mythril/src/emulate/controlreg.rs's
// emulate_access. Only CR0 and CR3 are implemented; any other cr_num is
// rejected the way spec §4.9 requires every other reason be treated as
// fatal.
func EmulateCrAccess(active *vmx.ActiveVmcs, regs *Registers, info vmexit.CrInformation) error {
	switch info.CrNum {
	case 0:
		return emulateCr0Access(active, regs, info)
	case 3:
		return emulateCr3Access(active, regs, info)
	default:
		return fmt.Errorf("%w: unsupported CR%d access", errs.ErrInvalidValue, info.CrNum)
	}
}

func emulateCr0Access(active *vmx.ActiveVmcs, regs *Registers, info vmexit.CrInformation) error {
	switch info.AccessType {
	case vmexit.CrAccessClts:
		cr0, err := active.ReadField(vmx.GuestCr0)
		if err != nil {
			return err
		}

		return active.WriteField(vmx.GuestCr0, cr0&^0b1000)
	case vmexit.CrAccessMovToCr:
		val, err := readCrOperand(active, regs, *info.Register)
		if err != nil {
			return err
		}

		return active.WriteField(vmx.GuestCr0, val)
	default:
		return fmt.Errorf("%w: unsupported CR0 access type %v", errs.ErrInvalidValue, info.AccessType)
	}
}

func emulateCr3Access(active *vmx.ActiveVmcs, regs *Registers, info vmexit.CrInformation) error {
	switch info.AccessType {
	case vmexit.CrAccessMovToCr:
		val, err := readCrOperand(active, regs, *info.Register)
		if err != nil {
			return err
		}

		// Bit 63 of the MOV-to-CR3 source operand selects whether this
		// write invalidates TLB/paging-structure-cache entries (0) or
		// leaves them alone (1, the PCID-preserving form); bit 63 of CR3
		// itself is reserved and always reads as 0.
		if val&(1<<63) == 0 {
			vpid, err := active.ReadField(vmx.VirtualProcessorID)
			if err != nil {
				return err
			}

			if err := active.Vmx().InvVpid(vmx.InvVpidSingleContextRetainGlobal, uint16(vpid), 0); err != nil {
				return err
			}
		} else {
			val &^= 1 << 63
		}

		return active.WriteField(vmx.GuestCr3, val)
	case vmexit.CrAccessMovFromCr:
		val, err := active.ReadField(vmx.GuestCr3)
		if err != nil {
			return err
		}

		return writeCrOperand(active, regs, *info.Register, val)
	default:
		return fmt.Errorf("%w: unsupported CR3 access type %v", errs.ErrInvalidValue, info.AccessType)
	}
}
