package virtdev

import (
	"fmt"

	"github.com/mythril-go/hypervisor/errs"
)

// cmosRegister names the CMOS/RTC register last selected through the
// address port, grounded on mythril_core's device/rtc.rs CmosRegister.
type cmosRegister uint8

const (
	cmosSeconds             cmosRegister = 0x00
	cmosSecondsAlarm        cmosRegister = 0x01
	cmosMinutes             cmosRegister = 0x02
	cmosMinutesAlarm        cmosRegister = 0x03
	cmosHours               cmosRegister = 0x04
	cmosHoursAlarm          cmosRegister = 0x05
	cmosDayOfWeek           cmosRegister = 0x06
	cmosDayOfMonth          cmosRegister = 0x07
	cmosMonth               cmosRegister = 0x08
	cmosYear                cmosRegister = 0x09
	cmosStatusRegisterA     cmosRegister = 0x0a
	cmosStatusRegisterB     cmosRegister = 0x0b
	cmosStatusRegisterC     cmosRegister = 0x0c
	cmosStatusRegisterD     cmosRegister = 0x0d
	cmosDiagnosticStatus    cmosRegister = 0x0e
	cmosShutdownStatus      cmosRegister = 0x0f
	cmosDisketteDriveType   cmosRegister = 0x10
	cmosFixedDiskDriveType  cmosRegister = 0x12
	cmosEquipment           cmosRegister = 0x14
	cmosBaseMemLsb          cmosRegister = 0x15
	cmosBaseMemMsb          cmosRegister = 0x16
	cmosExtMemLsb           cmosRegister = 0x17
	cmosExtMemMsb           cmosRegister = 0x18
	cmosDriveCExtension     cmosRegister = 0x19
	cmosDriveDExtension     cmosRegister = 0x1a
	cmosChecksumMsb         cmosRegister = 0x2e
	cmosChecksumLsb         cmosRegister = 0x2f
	cmosExtendedPostMemLsb  cmosRegister = 0x30
	cmosExtendedPostMemMsb  cmosRegister = 0x31
	cmosBcdCenturyDate      cmosRegister = 0x32
	cmosInfoFlags           cmosRegister = 0x33
	cmosUnknown             cmosRegister = 0xff
)

func cmosRegisterFromByte(b byte) cmosRegister {
	switch cmosRegister(b) {
	case cmosSeconds, cmosSecondsAlarm, cmosMinutes, cmosMinutesAlarm, cmosHours, cmosHoursAlarm,
		cmosDayOfWeek, cmosDayOfMonth, cmosMonth, cmosYear, cmosStatusRegisterA, cmosStatusRegisterB,
		cmosStatusRegisterC, cmosStatusRegisterD, cmosDiagnosticStatus, cmosShutdownStatus,
		cmosDisketteDriveType, cmosFixedDiskDriveType, cmosEquipment, cmosBaseMemLsb, cmosBaseMemMsb,
		cmosExtMemLsb, cmosExtMemMsb, cmosDriveCExtension, cmosDriveDExtension, cmosChecksumMsb,
		cmosChecksumLsb, cmosExtendedPostMemLsb, cmosExtendedPostMemMsb, cmosBcdCenturyDate, cmosInfoFlags:
		return cmosRegister(b)
	default:
		return cmosUnknown
	}
}

const (
	rtcAddress Port = 0x0070
	rtcData    Port = 0x0071
)

// CmosRtc stubs the legacy CMOS/RTC address-then-data port pair firmware
// uses both for wall-clock time and a grab-bag of BIOS-era configuration
// bytes. Supplemented from mythril_core/src/device/rtc.rs (not present in
// the mythril crate's own virtdev tree) since OVMF-class firmware probes
// this unconditionally and a missing device would be a fatal unhandled
// exit rather than the harmless always-zero reads real firmware tolerates.
type CmosRtc struct {
	addr cmosRegister
}

// NewCmosRtc constructs a CmosRtc with its selected register defaulted to
// Seconds, matching the original.
func NewCmosRtc() *CmosRtc {
	return &CmosRtc{addr: cmosSeconds}
}

// Services implements EmulatedDevice.
func (c *CmosRtc) Services() []DeviceRegion {
	return []DeviceRegion{PortIoRegion(rtcAddress, rtcData)}
}

// OnEvent implements EmulatedDevice.
func (c *CmosRtc) OnEvent(ev Event) error {
	switch e := ev.Kind.(type) {
	case PortRead:
		return c.onPortRead(e.Port, e.Req)
	case PortWrite:
		return c.onPortWrite(e.Port, e.Req)
	}

	return nil
}

func (c *CmosRtc) onPortRead(port Port, val *PortReadRequest) error {
	switch port {
	case rtcAddress:
		val.CopyFromU32(uint32(c.addr))
	case rtcData:
		// Every register, ShutdownStatus included, reads back zero; nothing in
		// this emulation tracks wall-clock time or BIOS configuration
		// bytes, and firmware that only probes for presence is satisfied
		// by zero.
		val.CopyFromU32(0)
	}

	return nil
}

func (c *CmosRtc) onPortWrite(port Port, val PortWriteRequest) error {
	switch port {
	case rtcAddress:
		b, err := val.AsByte()
		if err != nil {
			return err
		}

		// Firmware probes addresses outside the documented register set
		// expecting zeros back rather than a fault, so unknown codes map
		// to cmosUnknown instead of erroring.
		c.addr = cmosRegisterFromByte(b)
	case rtcData:
		if c.addr == cmosShutdownStatus {
			return nil
		}

		return fmt.Errorf("%w: write to RTC register %#x", errs.ErrNotImplemented, c.addr)
	}

	return nil
}
