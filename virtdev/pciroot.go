package virtdev

import (
	"fmt"

	"github.com/mythril-go/hypervisor/errs"
)

const (
	pciVendorIntel uint16 = 0x8086

	// pciDeviceP35Mch is referred to as "Q35" by QEMU, but that name is not
	// correct: the Q35 chipset has integrated graphics among other
	// differences this emulation doesn't provide. P35 is the correct name.
	pciDeviceP35Mch uint16 = 0x29c0
	pciDeviceIch9   uint16 = 0x2918
)

const (
	pciConfigAddress Port = 0xcf8
	pciConfigType    Port = 0xcfb
	pciConfigData    Port = 0xcfc
	pciConfigDataMax Port = pciConfigData + 3
)

const pciConfigRegisters = 64

// pciBdf is a PCI bus/device/function address packed the way
// PCI_CONFIG_ADDRESS carries it: bus in bits [15:8], device in bits [7:3],
// function in bits [2:0].
type pciBdf uint16

func newPciBdf(bus, device, function uint8) pciBdf {
	return pciBdf(uint16(bus)<<8 | uint16(device&0x1f)<<3 | uint16(function&0x7))
}

// pciConfigSpace is a device's 256-byte configuration space, addressed as
// 64 little-endian dwords the way a packed C struct header would be.
type pciConfigSpace struct {
	registers [pciConfigRegisters]uint32
}

func newNonBridgeConfigSpace(vendor, device uint16) pciConfigSpace {
	var c pciConfigSpace
	c.registers[0] = uint32(vendor) | uint32(device)<<16

	return c
}

func (c pciConfigSpace) readRegister(register uint8) uint32 {
	return c.registers[register%pciConfigRegisters]
}

type pciDevice struct {
	bdf    pciBdf
	config pciConfigSpace
}

// PciRootComplex emulates just enough of a PCI host bridge for a guest's
// config-space scan to find a P35 host bridge and an ICH9 LPC bridge and
// stop there — no functional PCI device behind either BDF, grounded on
// original_source/mythril/src/virtdev/pci.rs.
type PciRootComplex struct {
	currentAddress uint32
	devices        map[pciBdf]pciDevice
}

// NewPciRootComplex constructs a root complex pre-populated with the host
// bridge at BDF 00:00.0 and the ICH9 LPC bridge at BDF 00:01.0.
func NewPciRootComplex() *PciRootComplex {
	devices := make(map[pciBdf]pciDevice)

	hostBridge := pciDevice{
		bdf:    newPciBdf(0, 0, 0),
		config: newNonBridgeConfigSpace(pciVendorIntel, pciDeviceP35Mch),
	}
	devices[hostBridge.bdf] = hostBridge

	ich9 := pciDevice{
		bdf:    newPciBdf(0, 1, 0),
		config: newNonBridgeConfigSpace(pciVendorIntel, pciDeviceIch9),
	}
	devices[ich9.bdf] = ich9

	return &PciRootComplex{devices: devices}
}

// Services implements EmulatedDevice.
func (c *PciRootComplex) Services() []DeviceRegion {
	return []DeviceRegion{
		PortIoRegion(pciConfigAddress, pciConfigAddress),
		PortIoRegion(pciConfigData, pciConfigDataMax),
		PortIoRegion(pciConfigType, pciConfigType),
	}
}

// OnEvent implements EmulatedDevice.
func (c *PciRootComplex) OnEvent(ev Event) error {
	switch e := ev.Kind.(type) {
	case PortRead:
		return c.onPortRead(e.Port, e.Req)
	case PortWrite:
		return c.onPortWrite(e.Port, e.Req)
	}

	return nil
}

func (c *PciRootComplex) onPortRead(port Port, val *PortReadRequest) error {
	switch {
	case port == pciConfigAddress:
		val.CopyFromU32(0x80000000 | c.currentAddress)
	case port >= pciConfigData && port <= pciConfigDataMax:
		bdf := pciBdf((c.currentAddress & 0xffff00) >> 8)
		register := uint8((c.currentAddress >> 2) & 0x3f)
		offset := uint8(port - pciConfigData)

		if dev, ok := c.devices[bdf]; ok {
			res := dev.config.readRegister(register) >> (offset * 8)
			val.CopyFromU32(res)
		} else {
			val.CopyFromU32(0xffffffff)
		}
	default:
		return fmt.Errorf("%w: invalid PCI port read %#x", errs.ErrInvalidValue, port)
	}

	return nil
}

func (c *PciRootComplex) onPortWrite(port Port, val PortWriteRequest) error {
	if port == pciConfigAddress {
		c.currentAddress = val.AsU32() & 0x7fffffff
	}

	return nil
}
