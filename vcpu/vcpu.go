package vcpu

import (
	"fmt"

	"github.com/mythril-go/hypervisor/apic"
	"github.com/mythril-go/hypervisor/errs"
	"github.com/mythril-go/hypervisor/memory"
	"github.com/mythril-go/hypervisor/percpu"
	"github.com/mythril-go/hypervisor/timer"
	"github.com/mythril-go/hypervisor/vcpu/inject"
	"github.com/mythril-go/hypervisor/virtdev"
	"github.com/mythril-go/hypervisor/vmexit"
	"github.com/mythril-go/hypervisor/vmx"
)

// HostConsoleReader supplies the next pending host keypress, if any. This is
// the Go counterpart of the original's optional
// config.physical_devices().serial: a real terminal wired to one guest
// UART, read on each ExternalInterrupt exit with vector 0x24 rather than on
// its own thread,
// so the same core that owns the vCPU is the only one ever touching the
// guest's address space.
type HostConsoleReader interface {
	ReadKey() (byte, bool)
}

// VCpu is one virtual CPU: its VMCS, its guest GPR save area, and the
// pending-interrupt state the VMEXIT loop drains on every iteration.
// Grounded on original_source/mythril/src/vcpu.rs's VCpu, minus the fields
// that exist there only to work around freestanding-kernel constraints
// this hosted port doesn't have (the pinned host stack, the raw self
// pointer pushed onto it for the assembly trampoline to recover).
type VCpu struct {
	core      percpu.Handle
	vmx       *vmx.Vmx
	vmcs      *vmx.Vmcs
	active    *vmx.ActiveVmcs
	regs      Registers
	space     *memory.GuestAddressSpace
	devices   *virtdev.DeviceMap
	localApic *apic.LocalApic
	wheel     *timer.TimerWheel
	msrBitmap *[4096]byte

	pending map[uint8]inject.Type

	console     HostConsoleReader
	consolePort virtdev.Port

	launched bool
}

// NewVCpu builds and activates a fresh VMCS for core, wiring it to the VM's
// shared EPT-backed address space and device map and the core's own local
// APIC and timer wheel. Mirrors VCpu::new: allocate a VMCS, activate it,
// write the shared EPT pointer, then run the three bring-up passes.
func NewVCpu(
	vmxHandle *vmx.Vmx,
	core percpu.Handle,
	space *memory.GuestAddressSpace,
	devices *virtdev.DeviceMap,
	localApic *apic.LocalApic,
	wheel *timer.TimerWheel,
) (*VCpu, error) {
	vmcs := vmx.New()

	active, err := vmcs.Activate(vmxHandle)
	if err != nil {
		return nil, err
	}

	v := &VCpu{
		core:      core,
		vmx:       vmxHandle,
		vmcs:      vmcs,
		active:    active,
		space:     space,
		devices:   devices,
		localApic: localApic,
		wheel:     wheel,
		pending:   make(map[uint8]inject.Type),
	}

	if err := active.WriteField(vmx.EptPointer, space.Eptp()); err != nil {
		return nil, err
	}

	coreIdx := uint32(core.ID())

	if err := v.initializeHostVmcs(coreIdx); err != nil {
		return nil, err
	}

	if err := v.initializeGuestVmcs(); err != nil {
		return nil, err
	}

	if err := v.initializeCtrlVmcs(coreIdx); err != nil {
		return nil, err
	}

	return v, nil
}

// SetConsole wires a host console to the given guest UART port, so
// ExternalInterrupt vector 0x24 (the keyboard-interrupt vector this
// hypervisor reuses for host keypresses) delivers typed bytes into the
// guest. Optional: a VCpu with no console configured simply never raises
// that path's interrupt.
func (v *VCpu) SetConsole(r HostConsoleReader, port virtdev.Port) {
	v.console = r
	v.consolePort = port
}

// initializeHostVmcs mirrors initialize_host_vmcs. HostRsp/HostRip are
// deliberately not written here: the launchOrResume trampoline installs
// both itself on every entry, pointed at its own VM-exit re-entry site, so
// there is nothing durable to stamp into them at bring-up time. HostFSSelector
// uses a synthetic per-core selector (core_index << 3, skipping the RPL/TI
// bits) rather than whatever FS happens to hold in this host process, since
// nothing in this hosted port's address space actually backs a real GDT
// entry at the live FS selector's index.
func (v *VCpu) initializeHostVmcs(coreIdx uint32) error {
	hs := vmx.CaptureHostState()

	writes := []struct {
		field vmx.VmcsField
		value uint64
	}{
		{vmx.HostCr0, hs.Cr0},
		{vmx.HostCr3, hs.Cr3},
		{vmx.HostCr4, hs.Cr4},
		{vmx.HostESSelector, uint64(hs.ES)},
		{vmx.HostCSSelector, uint64(hs.CS)},
		{vmx.HostSSSelector, uint64(hs.SS)},
		{vmx.HostDSSelector, uint64(hs.DS)},
		{vmx.HostGSSelector, uint64(hs.GS)},
		{vmx.HostTRSelector, uint64(hs.TR)},
		{vmx.HostIa32SysenterCs, 0x00},
		{vmx.HostIa32SysenterEsp, 0x00},
		{vmx.HostIa32SysenterEip, 0x00},
		{vmx.HostIdtrBase, hs.IdtrBase},
		{vmx.HostGdtrBase, hs.GdtrBase},
		{vmx.HostFSSelector, uint64(coreIdx) << 3},
		{vmx.HostFSBase, hs.FSBase},
		{vmx.HostGSBase, hs.GSBase},
		{vmx.HostIa32Efer, hs.Efer},
	}

	for _, w := range writes {
		if err := v.active.WriteField(w.field, w.value); err != nil {
			return err
		}
	}

	return nil
}

// initializeGuestVmcs mirrors initialize_guest_vmcs: the guest starts at
// the real-mode reset vector, f000:fff0, with flat 64 KiB segments and
// guest CR0/CR4 pinned to whatever bits IA32_VMX_CR{0,4}_FIXED0 requires
// (with PE/PG cleared in CR0 so the guest actually starts unpaged,
// protection disabled).
func (v *VCpu) initializeGuestVmcs() error {
	writes := []struct {
		field vmx.VmcsField
		value uint64
	}{
		{vmx.GuestESSelector, 0x00},
		{vmx.GuestCSSelector, 0xf000},
		{vmx.GuestSSSelector, 0x00},
		{vmx.GuestDSSelector, 0x00},
		{vmx.GuestFSSelector, 0x00},
		{vmx.GuestGSSelector, 0x00},
		{vmx.GuestTRSelector, 0x00},
		{vmx.GuestLDTRSelector, 0x00},
		{vmx.GuestESBase, 0x00},
		{vmx.GuestCSBase, 0xffff0000},
		{vmx.GuestSSBase, 0x00},
		{vmx.GuestDSBase, 0x00},
		{vmx.GuestFSBase, 0x00},
		{vmx.GuestGSBase, 0x00},
		{vmx.GuestTRBase, 0x00},
		{vmx.GuestLDTRBase, 0x00},
		{vmx.GuestIdtrBase, 0x00},
		{vmx.GuestGdtrBase, 0x00},
		{vmx.GuestESLimit, 0xffff},
		{vmx.GuestCSLimit, 0xffff},
		{vmx.GuestSSLimit, 0xffff},
		{vmx.GuestDSLimit, 0xffff},
		{vmx.GuestFSLimit, 0xffff},
		{vmx.GuestGSLimit, 0xffff},
		{vmx.GuestTRLimit, 0xffff},
		{vmx.GuestLDTRLimit, 0xffff},
		{vmx.GuestIdtrLimit, 0xffff},
		{vmx.GuestGdtrLimit, 0xffff},
		{vmx.GuestESArBytes, 0x0093},
		{vmx.GuestSSArBytes, 0x0093},
		{vmx.GuestDSArBytes, 0x0093},
		{vmx.GuestFSArBytes, 0x0093},
		{vmx.GuestGSArBytes, 0x0093},
		{vmx.GuestCSArBytes, 0x009b},
		{vmx.GuestLDTRArBytes, 0x0082},
		{vmx.GuestTRArBytes, 0x008b},
		{vmx.GuestInterruptibilityInfo, 0x00},
		{vmx.GuestActivityState, uint64(vmx.ActivityActive)},
		{vmx.GuestDr7, 0x00},
		{vmx.GuestRsp, 0x00},
		{vmx.GuestRflags, 1 << 1},
		{vmx.VmcsLinkPointer, 0xffffffffffffffff},
		{vmx.GuestIa32Efer, 0x00},
		{vmx.GuestCr3, 0x00},
		{vmx.GuestRip, 0xfff0},
	}

	for _, w := range writes {
		if err := v.active.WriteField(w.field, w.value); err != nil {
			return err
		}
	}

	cr0Fixed0 := vmx.Rdmsr(vmx.MsrIa32VmxCr0Fixed0)
	cr0Fixed0 &^= 1 << 0  // clear PE: guest starts in real mode
	cr0Fixed0 &^= 1 << 31 // clear PG: guest starts unpaged
	cr4Fixed0 := vmx.Rdmsr(vmx.MsrIa32VmxCr4Fixed0)

	if err := v.active.WriteField(vmx.Cr0GuestHostMask, cr0Fixed0&0xffffffff); err != nil {
		return err
	}

	if err := v.active.WriteField(vmx.Cr4GuestHostMask, cr4Fixed0&0xffffffff); err != nil {
		return err
	}

	if err := v.active.WriteField(vmx.GuestCr0, cr0Fixed0); err != nil {
		return err
	}

	if err := v.active.WriteField(vmx.GuestCr4, cr4Fixed0); err != nil {
		return err
	}

	if err := v.active.WriteField(vmx.Cr0ReadShadow, 0x00); err != nil {
		return err
	}

	return v.active.WriteField(vmx.Cr4ReadShadow, 0x00)
}

// initializeCtrlVmcs mirrors initialize_ctrl_vmcs: unconditional I/O
// exiting (every port access is emulated), the MSR bitmap activated and
// left all-zero (so RDMSR/WRMSR of an MSR the bitmap covers does not exit;
// only MSRs outside the bitmap's ranges do), EPT/VPID/unrestricted-guest/
// APIC-access virtualization, external-interrupt exiting, and the EFER
// save-on-exit/load-on-entry pair this port's 64-bit host requires.
func (v *VCpu) initializeCtrlVmcs(coreIdx uint32) error {
	cpuFlags := uint32(vmx.CpuUnconditionalIoExiting | vmx.CpuActivateMsrBitmap | vmx.CpuActivateSecondary)
	if err := v.active.WriteWithFixed(vmx.CpuBasedVmExecControl, cpuFlags, vmx.MsrIa32VmxProcbasedCtls); err != nil {
		return err
	}

	secFlags := uint32(vmx.SecVirtualizeApicAccesses | vmx.SecEnableEpt | vmx.SecEnableVpid |
		vmx.SecEnableInvpcid | vmx.SecUnrestrictedGuest)
	if err := v.active.WriteWithFixed(vmx.SecondaryVmExecControl, secFlags, vmx.MsrIa32VmxProcbasedCtls2); err != nil {
		return err
	}

	// VPID 0 is reserved for the host; every vCPU uses its 1-based core
	// index instead.
	if err := v.active.WriteField(vmx.VirtualProcessorID, uint64(coreIdx)+1); err != nil {
		return err
	}

	if err := v.active.WriteWithFixed(vmx.PinBasedVmExecControl, uint32(vmx.PinExtIntrExiting), vmx.MsrIa32VmxPinbasedCtls); err != nil {
		return err
	}

	exitFlags := uint32(vmx.ExitIa32eMode | vmx.ExitLoadHostEfer | vmx.ExitSaveGuestEfer | vmx.ExitAckIntrOnExit)
	if err := v.active.WriteWithFixed(vmx.VmExitControls, exitFlags, vmx.MsrIa32VmxExitCtls); err != nil {
		return err
	}

	if err := v.active.WriteWithFixed(vmx.VmEntryControls, uint32(vmx.EntryLoadGuestEfer), vmx.MsrIa32VmxEntryCtls); err != nil {
		return err
	}

	v.msrBitmap = &[4096]byte{}
	if err := v.active.WriteField(vmx.MsrBitmap, vmx.HostAddr(v.msrBitmap)); err != nil {
		return err
	}

	if err := v.active.WriteField(vmx.ExceptionBitmap, 0x00); err != nil {
		return err
	}

	if err := v.active.WriteField(vmx.Cr3TargetCount, 0); err != nil {
		return err
	}

	return v.active.WriteField(vmx.TprThreshold, 0)
}

// skipEmulatedInstruction advances GuestRip past the instruction that
// caused the current exit, per VmExitInstructionLen. Only valid for
// instruction-caused exits; external events (interrupts, NMIs, EPT
// violations on instructions that will be re-executed) must not call this.
func (v *VCpu) skipEmulatedInstruction() error {
	rip, err := v.active.ReadField(vmx.GuestRip)
	if err != nil {
		return err
	}

	length, err := v.active.ReadField(vmx.VmExitInstructionLen)
	if err != nil {
		return err
	}

	return v.active.WriteField(vmx.GuestRip, rip+length)
}

// addressView resolves the view over this vCPU's shared address space
// bound to the guest's current CR3, the scope every EPT-violation/
// string-IO emulation path needs to translate guest-linear addresses.
func (v *VCpu) addressView() (*memory.GuestAddressSpaceView, error) {
	cr3, err := v.active.ReadField(vmx.GuestCr3)
	if err != nil {
		return nil, err
	}

	return memory.NewGuestAddressSpaceView(memory.NewGuestPhysAddr(cr3), v.space), nil
}

// Run enters the guest and handles VM-exits until one returns an error,
// the Go shape of VCpu::launch/handle_vmexit's blocking loop (this port has
// no freestanding vmlaunch_wrapper that never returns; LaunchOrResume
// returns to Go on every single exit instead).
func (v *VCpu) Run() error {
	for {
		array := v.regs.toArray()

		if err := v.active.LaunchOrResume(&array, v.launched); err != nil {
			return err
		}

		v.regs.fromArray(array)
		v.launched = true

		if err := v.handleVMExit(); err != nil {
			return err
		}
	}
}

// handleVMExit is handle_vmexit_impl plus the timer-drain/injection tail of
// handle_vmexit, folded into one call since this port has no separate
// "always run after the impl" wrapper to split them across.
func (v *VCpu) handleVMExit() error {
	info, err := vmexit.FromActiveVmcs(v.active)
	if err != nil {
		return err
	}

	var gsis []uint32

	switch info.Reason {
	case vmexit.ReasonCrAccess:
		if err := EmulateCrAccess(v.active, &v.regs, *info.Cr); err != nil {
			return err
		}

		if err := v.skipEmulatedInstruction(); err != nil {
			return err
		}

	case vmexit.ReasonCpuId:
		EmulateCPUID(&v.regs, uint32(v.core.ID()))

		if err := v.skipEmulatedInstruction(); err != nil {
			return err
		}

	case vmexit.ReasonIoInstruction:
		view, err := v.addressView()
		if err != nil {
			return err
		}

		g, err := EmulatePortIO(v.active, &v.regs, v.devices, view, *info.Io)
		if err != nil {
			return err
		}

		gsis = g

		if err := v.skipEmulatedInstruction(); err != nil {
			return err
		}

	case vmexit.ReasonEptViolation:
		view, err := v.addressView()
		if err != nil {
			return err
		}

		if err := EmulateEptViolation(v.active, &v.regs, v.devices, view, info.Ept.GuestPhysAddr); err != nil {
			return err
		}

		if err := v.skipEmulatedInstruction(); err != nil {
			return err
		}

	case vmexit.ReasonWrMsr:
		// The original logs and returns here without skipping, which leaves
		// GuestRip pointed at the WRMSR it just emulated away and the guest
		// re-executes it forever. Every other instruction-caused exit in
		// this switch advances past itself; WRMSR gets the same treatment.
		if err := v.skipEmulatedInstruction(); err != nil {
			return err
		}

	case vmexit.ReasonInterruptWindow:
		// No-op: this exit exists only to give the tail below a chance to
		// inject a pending interrupt once the guest can accept one.

	case vmexit.ReasonExternalInterrupt:
		vector := info.Vectored.Vector

		if vector == 0x24 {
			g, err := v.handleUARTKeypress()
			if err != nil {
				return err
			}

			gsis = append(gsis, g...)
		}

		if vector < 48 {
			// TODO: this should go through a virtualized PIC instead of the
			// physical one directly.
			vmx.Outb(0x20, 0x20)
		} else {
			v.localApic.EOI()
		}

	default:
		return fmt.Errorf("%w: no handler for exit reason %s", errs.ErrNotImplemented, info.Reason)
	}

	for _, gsi := range gsis {
		v.pending[uint8(gsi)] = inject.ExternalInterrupt
	}

	return v.deliverPendingInterrupts()
}

// handleUARTKeypress is handle_uart_keypress: if a host console is wired to
// a guest UART port, forward its next pending byte, returning any GSIs the
// UART raises as a result (its receive-buffer-full interrupt).
func (v *VCpu) handleUARTKeypress() ([]uint32, error) {
	if v.console == nil {
		return nil, nil
	}

	key, ok := v.console.ReadKey()
	if !ok {
		return nil, nil
	}

	dev, ok := v.devices.FindPort(v.consolePort)
	if !ok {
		return nil, nil
	}

	var responses []virtdev.DeviceEventResponse
	if err := dev.OnEvent(virtdev.Event{Kind: virtdev.HostUartReceived{Byte: key}, Responses: &responses}); err != nil {
		return nil, err
	}

	return gsisOf(responses), nil
}

const rflagsIF = 1 << 9

// deliverPendingInterrupts is the tail of handle_vmexit: drain any timers
// that expired this iteration into the pending set, then either arm
// interrupt-window exiting (guest can't currently accept an interrupt) or
// inject the lowest-numbered pending vector and leave the window armed only
// if more are still waiting.
func (v *VCpu) deliverPendingInterrupts() error {
	for _, kind := range v.wheel.ExpireElapsedTimers() {
		switch {
		case kind.Direct != nil:
			v.pending[kind.Direct.Vector] = kind.Direct.Kind
		case kind.GSI != nil:
			v.pending[uint8(*kind.GSI)] = inject.ExternalInterrupt
		}
	}

	if len(v.pending) == 0 {
		return nil
	}

	interruptibility, err := v.active.ReadField(vmx.GuestInterruptibilityInfo)
	if err != nil {
		return err
	}

	rflags, err := v.active.ReadField(vmx.GuestRflags)
	if err != nil {
		return err
	}

	ctrl, err := v.active.ReadField(vmx.CpuBasedVmExecControl)
	if err != nil {
		return err
	}

	if interruptibility != 0 || rflags&rflagsIF == 0 {
		return v.active.WriteField(vmx.CpuBasedVmExecControl, ctrl|uint64(vmx.CpuInterruptWindowExiting))
	}

	ctrl &^= uint64(vmx.CpuInterruptWindowExiting)

	vector, kind := v.popLowestPending()

	entry := uint64(1<<31) | uint64(vector) | (uint64(kind) << 8)
	if err := v.active.WriteField(vmx.VmEntryIntrInfoField, entry); err != nil {
		return err
	}

	if len(v.pending) > 0 {
		ctrl |= uint64(vmx.CpuInterruptWindowExiting)
	}

	return v.active.WriteField(vmx.CpuBasedVmExecControl, ctrl)
}

// popLowestPending removes and returns the lowest-numbered pending vector,
// matching BTreeMap::pop_first's ordering guarantee on pending_interrupts.
func (v *VCpu) popLowestPending() (uint8, inject.Type) {
	first := true

	var lowest uint8

	for vec := range v.pending {
		if first || vec < lowest {
			lowest = vec
			first = false
		}
	}

	kind := v.pending[lowest]
	delete(v.pending, lowest)

	return lowest, kind
}
