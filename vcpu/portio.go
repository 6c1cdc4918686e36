package vcpu

import (
	"fmt"

	"github.com/mythril-go/hypervisor/errs"
	"github.com/mythril-go/hypervisor/memory"
	"github.com/mythril-go/hypervisor/virtdev"
	"github.com/mythril-go/hypervisor/vmexit"
	"github.com/mythril-go/hypervisor/vmx"
)

// dispatchPortWrite sends a single write of data to the device claiming
// port, returning the GSIs the device asked to be raised as a result
// (uart.go's transmit-holding-register-empty interrupt, raised when the
// guest has enabled it in IER, is the only device that currently does this).
func dispatchPortWrite(devices *virtdev.DeviceMap, port virtdev.Port, data []byte) ([]uint32, error) {
	dev, ok := devices.FindPort(port)
	if !ok {
		return nil, fmt.Errorf("%w: port %#x", errs.ErrMissingDevice, port)
	}

	req, err := virtdev.NewPortWriteRequest(data)
	if err != nil {
		return nil, err
	}

	var responses []virtdev.DeviceEventResponse
	if err := dev.OnEvent(virtdev.Event{Kind: virtdev.PortWrite{Port: port, Req: req}, Responses: &responses}); err != nil {
		return nil, err
	}

	return gsisOf(responses), nil
}

// dispatchPortRead reads size bytes from the device claiming port into buf.
func dispatchPortRead(devices *virtdev.DeviceMap, port virtdev.Port, buf []byte) ([]uint32, error) {
	dev, ok := devices.FindPort(port)
	if !ok {
		return nil, fmt.Errorf("%w: port %#x", errs.ErrMissingDevice, port)
	}

	req, err := virtdev.NewPortReadRequest(buf)
	if err != nil {
		return nil, err
	}

	var responses []virtdev.DeviceEventResponse
	if err := dev.OnEvent(virtdev.Event{Kind: virtdev.PortRead{Port: port, Req: req}, Responses: &responses}); err != nil {
		return nil, err
	}

	return gsisOf(responses), nil
}

func gsisOf(responses []virtdev.DeviceEventResponse) []uint32 {
	var out []uint32

	for _, r := range responses {
		if g, ok := r.(virtdev.GSI); ok {
			out = append(out, g.Vector)
		}
	}

	return out
}

// mergeLowBytes replaces the low size bytes (1, 2, or 4) of orig with val,
// zero-extending the full 64 bits for a 4-byte access (ordinary x86-64
// 32-bit-write semantics) and preserving the untouched upper bits
// otherwise. This is the IN-instruction destination merge that
// original_source/mythril/src/emulate/portio.rs's emulate_portio gets
// wrong (its `guest_cpu.rax &= (!guest_cpu.rax) << (size * 8)` does not
// clear the low bits of rax at all; it ANDs rax against a shift of its own
// bitwise complement, which cannot produce "clear the low N bits").
func mergeLowBytes(orig uint64, val uint32, size uint8) uint64 {
	if size == 4 {
		return uint64(val)
	}

	mask := uint64(1)<<(size*8) - 1

	return (orig &^ mask) | (uint64(val) & mask)
}

// EmulatePortIO answers an IoInstruction exit, grounded on
// original_source/mythril/src/emulate/portio.rs's emulate_portio/
// emulate_outs/emulate_ins. It returns the GSIs any device asked to be
// raised as a side effect of the access; the caller is responsible for
// actually injecting them.
func EmulatePortIO(active *vmx.ActiveVmcs, regs *Registers, devices *virtdev.DeviceMap, view *memory.GuestAddressSpaceView, info vmexit.IoInstructionInformation) ([]uint32, error) {
	port := virtdev.Port(info.Port)

	if !info.String {
		return emulateNonStringPortIO(regs, devices, port, info)
	}

	if info.Input {
		return emulateIns(active, regs, devices, view, port, info)
	}

	return emulateOuts(active, regs, devices, view, port, info)
}

func emulateNonStringPortIO(regs *Registers, devices *virtdev.DeviceMap, port virtdev.Port, info vmexit.IoInstructionInformation) ([]uint32, error) {
	if !info.Input {
		arr := [4]byte{
			byte(regs.RAX >> 24), byte(regs.RAX >> 16), byte(regs.RAX >> 8), byte(regs.RAX),
		}

		return dispatchPortWrite(devices, port, arr[4-info.Size:])
	}

	var arr [4]byte

	gsis, err := dispatchPortRead(devices, port, arr[4-info.Size:])
	if err != nil {
		return nil, err
	}

	val := uint32(arr[0])<<24 | uint32(arr[1])<<16 | uint32(arr[2])<<8 | uint32(arr[3])
	regs.RAX = mergeLowBytes(regs.RAX, val, info.Size)

	return gsis, nil
}

// stringIOAddr resolves the guest-linear address an INS/OUTS targets and
// whether guest paging is currently enabled, shared by emulateIns/emulateOuts.
func stringIOAddr(active *vmx.ActiveVmcs) (memory.GuestVirtAddr, error) {
	linear, err := active.ReadField(vmx.GuestLinearAddress)
	if err != nil {
		return nil, err
	}

	cr0, err := active.ReadField(vmx.GuestCr0)
	if err != nil {
		return nil, err
	}

	return memory.NewGuestVirtAddr(linear, cr0&(1<<31) != 0), nil
}

func emulateOuts(active *vmx.ActiveVmcs, regs *Registers, devices *virtdev.DeviceMap, view *memory.GuestAddressSpaceView, port virtdev.Port, info vmexit.IoInstructionInformation) ([]uint32, error) {
	addr, err := stringIOAddr(active)
	if err != nil {
		return nil, err
	}

	// IOPL could in principle make this a user-mode access, but every
	// guest this hypervisor targets runs its device drivers at CPL 0.
	access := memory.GuestAccess{Kind: memory.AccessRead, Level: memory.PrivilegeLevel(0)}

	bytes, err := view.ReadBytes(addr, int(regs.RCX*uint64(info.Size)), access)
	if err != nil {
		return nil, err
	}

	var gsis []uint32

	for off := 0; off+int(info.Size) <= len(bytes); off += int(info.Size) {
		g, err := dispatchPortWrite(devices, port, bytes[off:off+int(info.Size)])
		if err != nil {
			return nil, err
		}

		gsis = g
	}

	regs.RSI += uint64(len(bytes))
	regs.RCX = 0

	return gsis, nil
}

func emulateIns(active *vmx.ActiveVmcs, regs *Registers, devices *virtdev.DeviceMap, view *memory.GuestAddressSpaceView, port virtdev.Port, info vmexit.IoInstructionInformation) ([]uint32, error) {
	addr, err := stringIOAddr(active)
	if err != nil {
		return nil, err
	}

	bytes := make([]byte, regs.RCX*uint64(info.Size))

	var gsis []uint32

	for off := 0; off+int(info.Size) <= len(bytes); off += int(info.Size) {
		g, err := dispatchPortRead(devices, port, bytes[off:off+int(info.Size)])
		if err != nil {
			return nil, err
		}

		gsis = g
	}

	access := memory.GuestAccess{Kind: memory.AccessWrite, Level: memory.PrivilegeLevel(0)}
	if err := view.WriteBytes(addr, bytes, access); err != nil {
		return nil, err
	}

	regs.RDI += uint64(len(bytes))
	regs.RCX = 0

	return gsis, nil
}
