// Package vm is the virtual-machine container (C15): the guest-physical
// address space, the emulated-device map every vCPU on the VM shares, and
// the configuration (images, BIOS, memory size) used to build both.
// Grounded on original_source/mythril/src/vm.rs's VirtualMachineConfig and
// VirtualMachine.
package vm

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/mythril-go/hypervisor/apic"
	"github.com/mythril-go/hypervisor/errs"
	"github.com/mythril-go/hypervisor/memory"
	"github.com/mythril-go/hypervisor/percpu"
	"github.com/mythril-go/hypervisor/timer"
	"github.com/mythril-go/hypervisor/vcpu"
	"github.com/mythril-go/hypervisor/virtdev"
	"github.com/mythril-go/hypervisor/vmx"
)

// consolePort is the I/O port the virtual UART every VM gets listens on,
// the standard COM1 address original_source/mythril/src/vm.rs registers its
// virt_uart device at.
const consolePort = virtdev.Port(0x3f8)

// Image places one guest module's bytes at a guest-physical address, the
// Go counterpart of VirtualMachineConfig::map_image's (data, addr) pair.
type Image struct {
	Data []byte
	Addr memory.GuestPhysAddr
}

// Config is a VirtualMachine's static configuration, grounded on
// VirtualMachineConfig: the cores it will run on, its guest memory size,
// and the images/BIOS/devices to map in before any vCPU enters it.
type Config struct {
	CoreIDs  []uint8
	MemoryMB uint64
	Bios     []byte
	Images   []Image
	Devices  *virtdev.DeviceMap
}

// NewConfig builds an empty configuration for the given cores and guest
// memory size in MiB, with a fresh device map ready for RegisterDevice
// calls.
func NewConfig(coreIDs []uint8, memoryMB uint64) *Config {
	return &Config{CoreIDs: coreIDs, MemoryMB: memoryMB, Devices: virtdev.NewDeviceMap()}
}

// MapImage schedules data to be mapped at addr when the VM is built.
func (c *Config) MapImage(data []byte, addr memory.GuestPhysAddr) {
	c.Images = append(c.Images, Image{Data: data, Addr: addr})
}

// MapBios schedules bios to be mapped at its two legacy reset-vector
// aliases (the top of the first megabyte, and the top of the 4 GiB address
// space) when the VM is built, mirroring VirtualMachine::map_bios.
func (c *Config) MapBios(bios []byte) {
	c.Bios = bios
}

// VirtualMachine owns the guest-physical address space and the device map
// every vCPU constructed against it shares, grounded on VirtualMachine.
// Unlike the original, which holds a physdev::com::Uart8250 handle onto the
// real serial port the freestanding kernel boots on, this hosted port has
// no such physical UART: New instead accepts an optional console reader
// that every vCPU built from this VM is wired to via vcpu.SetConsole.
type VirtualMachine struct {
	Config *Config
	Space  *memory.GuestAddressSpace

	console vcpu.HostConsoleReader
}

// New builds config's guest-physical address space: maps the BIOS (if
// any) at both reset-vector aliases, every configured image, then
// zero-fills the remainder of guest memory up to MemoryMB, tolerating
// ErrDuplicateMapping on any page an image or the BIOS already claimed
// (mirroring setup_ept's "Ok(_) | Err(DuplicateMapping) => continue" loop
// over the trailing zero-fill). It also registers the VM's virtual UART
// (COM1) into config's device map, wiring console to it if one is given.
func New(config *Config, console vcpu.HostConsoleReader) (*VirtualMachine, error) {
	space := memory.NewGuestAddressSpace()

	if config.Bios != nil {
		size := uint64(len(config.Bios))

		if err := mapData(config.Bios, memory.NewGuestPhysAddr((1<<20)-size), space); err != nil {
			return nil, fmt.Errorf("mapping bios at 1M alias: %w", err)
		}

		if err := mapData(config.Bios, memory.NewGuestPhysAddr((4<<30)-size), space); err != nil {
			return nil, fmt.Errorf("mapping bios at 4G alias: %w", err)
		}
	}

	for _, img := range config.Images {
		if err := mapData(img.Data, img.Addr, space); err != nil {
			return nil, fmt.Errorf("mapping image at %s: %w", img.Addr, err)
		}
	}

	pages := config.MemoryMB << 8 // 256 4 KiB pages per MiB

	for i := uint64(0); i < pages; i++ {
		err := space.MapNewFrame(memory.NewGuestPhysAddr(i*memory.BasePageSize), false)
		if err != nil && !errors.Is(err, errs.ErrDuplicateMapping) {
			return nil, fmt.Errorf("zero-filling guest memory: %w", err)
		}
	}

	uart := virtdev.NewUart8250(0, consolePort)
	if err := config.Devices.RegisterDevice(uart); err != nil {
		return nil, err
	}

	return &VirtualMachine{Config: config, Space: space, console: console}, nil
}

// mapData copies data into freshly allocated host pages and maps them into
// space starting at addr, page by page, mirroring VirtualMachine::map_data.
func mapData(data []byte, addr memory.GuestPhysAddr, space *memory.GuestAddressSpace) error {
	for off := 0; off < len(data); off += memory.BasePageSize {
		end := off + memory.BasePageSize
		if end > len(data) {
			end = len(data)
		}

		page := &[memory.BasePageSize]byte{}
		copy(page[:], data[off:end])

		frame, err := memory.FrameFromStartAddress(memory.NewHostPhysAddr(uint64(uintptr(unsafe.Pointer(page)))))
		if err != nil {
			return err
		}

		if err := space.MapFrame(addr.Add(uint64(off)), frame, false); err != nil {
			return err
		}
	}

	return nil
}

// NewVCpu builds a vCPU bound to core against this VM's shared address
// space and device map, wiring the VM's console to it if one was given.
// This is the Go counterpart of the per-core VCpu::new call sites in
// original_source/mythril/src/vcpu.rs's mp_entry_point, parameterized over
// whichever VMX/APIC/timer instance the caller (the control package)
// already brought up for core.
func (vm *VirtualMachine) NewVCpu(vmxHandle *vmx.Vmx, core percpu.Handle, localApic *apic.LocalApic, wheel *timer.TimerWheel) (*vcpu.VCpu, error) {
	v, err := vcpu.NewVCpu(vmxHandle, core, vm.Space, vm.Config.Devices, localApic, wheel)
	if err != nil {
		return nil, err
	}

	if vm.console != nil {
		v.SetConsole(vm.console, consolePort)
	}

	return v, nil
}
