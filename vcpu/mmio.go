package vcpu

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/mythril-go/hypervisor/errs"
	"github.com/mythril-go/hypervisor/memory"
	"github.com/mythril-go/hypervisor/virtdev"
	"github.com/mythril-go/hypervisor/vmx"
)

// dispatchMemWrite sends a size-byte, big-endian-encoded write to the
// device claiming addr.
func dispatchMemWrite(devices *virtdev.DeviceMap, addr memory.GuestPhysAddr, val uint64, size int) error {
	dev, ok := devices.FindMem(addr)
	if !ok {
		return fmt.Errorf("%w: address %s", errs.ErrMissingDevice, addr)
	}

	data := make([]byte, size)
	for i := size - 1; i >= 0; i-- {
		data[i] = byte(val)
		val >>= 8
	}

	req, err := virtdev.NewPortWriteRequest(data)
	if err != nil {
		return err
	}

	return dev.OnEvent(virtdev.Event{Kind: virtdev.MemWrite{Addr: addr, Req: req}})
}

// dispatchMemRead reads size bytes from the device claiming addr, decoding
// them big-endian.
func dispatchMemRead(devices *virtdev.DeviceMap, addr memory.GuestPhysAddr, size int) (uint64, error) {
	dev, ok := devices.FindMem(addr)
	if !ok {
		return 0, fmt.Errorf("%w: address %s", errs.ErrMissingDevice, addr)
	}

	buf := make([]byte, size)

	req, err := virtdev.NewPortReadRequest(buf)
	if err != nil {
		return 0, err
	}

	if err := dev.OnEvent(virtdev.Event{Kind: virtdev.MemRead{Addr: addr, Req: req}}); err != nil {
		return 0, err
	}

	var val uint64
	for _, b := range buf {
		val = val<<8 | uint64(b)
	}

	return val, nil
}

// EmulateEptViolation answers an EptViolation exit caused by an MMIO
// access, grounded on original_source/mythril/src/emulate/memio.rs's
// handle_ept_violation. It fetches and decodes the faulting instruction
// directly (using golang.org/x/arch/x86/x86asm in place of the original's
// iced_x86) rather than trusting the exit qualification's access-kind
// bits, and like the original only understands a MOV-shaped instruction
// with exactly one memory operand; anything else is reported as
// unsupported rather than silently misemulated.
func EmulateEptViolation(active *vmx.ActiveVmcs, regs *Registers, devices *virtdev.DeviceMap, view *memory.GuestAddressSpaceView, physAddr memory.GuestPhysAddr) error {
	length, err := active.ReadField(vmx.VmExitInstructionLen)
	if err != nil {
		return err
	}

	rip, err := active.ReadField(vmx.GuestRip)
	if err != nil {
		return err
	}

	cr0, err := active.ReadField(vmx.GuestCr0)
	if err != nil {
		return err
	}

	ripAddr := memory.NewGuestVirtAddr(rip, cr0&(1<<31) != 0)

	bytes, err := view.ReadBytes(ripAddr, int(length), memory.GuestAccess{Kind: memory.AccessFetch, Level: memory.PrivilegeLevel(0)})
	if err != nil {
		return err
	}

	efer, err := active.ReadField(vmx.GuestIa32Efer)
	if err != nil {
		return err
	}

	mode := 32
	if efer&0x100 != 0 {
		mode = 64
	}

	inst, err := x86asm.Decode(bytes, mode)
	if err != nil {
		return fmt.Errorf("%w: decoding mmio instruction at rip=%#x: %v", errs.ErrInvalidValue, rip, err)
	}

	if inst.Op != x86asm.MOV {
		return fmt.Errorf("%w: unsupported mmio instruction %v", errs.ErrInvalidValue, inst.Op)
	}

	if _, ok := inst.Args[0].(x86asm.Mem); ok {
		return emulateMmioWrite(regs, devices, physAddr, inst)
	}

	if _, ok := inst.Args[1].(x86asm.Mem); ok {
		return emulateMmioRead(regs, devices, physAddr, inst)
	}

	return fmt.Errorf("%w: mmio instruction %v has no memory operand", errs.ErrInvalidValue, inst.Op)
}

func emulateMmioWrite(regs *Registers, devices *virtdev.DeviceMap, addr memory.GuestPhysAddr, inst x86asm.Inst) error {
	size := inst.MemBytes

	switch src := inst.Args[1].(type) {
	case x86asm.Reg:
		val, err := regs.ReadReg(src)
		if err != nil {
			return err
		}

		return dispatchMemWrite(devices, addr, val, size)
	case x86asm.Imm:
		return dispatchMemWrite(devices, addr, uint64(src), size)
	default:
		return fmt.Errorf("%w: unsupported mmio write source %v", errs.ErrInvalidValue, inst.Args[1])
	}
}

func emulateMmioRead(regs *Registers, devices *virtdev.DeviceMap, addr memory.GuestPhysAddr, inst x86asm.Inst) error {
	dst, ok := inst.Args[0].(x86asm.Reg)
	if !ok {
		return fmt.Errorf("%w: unsupported mmio read destination %v", errs.ErrInvalidValue, inst.Args[0])
	}

	val, err := dispatchMemRead(devices, addr, inst.MemBytes)
	if err != nil {
		return err
	}

	return regs.WriteReg(dst, val)
}
