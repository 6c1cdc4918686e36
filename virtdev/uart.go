package virtdev

import (
	"fmt"
	"log"
)

// serial register offsets, relative to a UART's base port. Offsets 0 and 1
// are dual-purpose: with DLAB (LCR bit 7) set they address the baud-rate
// divisor latch instead of the data/interrupt-enable registers.
const (
	serialOffsetData = 0 // DATA when DLAB=0, divisor-low when DLAB=1
	serialOffsetIER  = 1 // IER when DLAB=0, divisor-high when DLAB=1
	serialOffsetIIR  = 2
	serialOffsetLCR  = 3
	serialOffsetLSR  = 5
)

// IerFlags are the bits of the Interrupt Enable Register this port
// emulates.
type IerFlags byte

const ierThrEmptyInterrupt IerFlags = 1 << 1

// LsrFlags are the bits of the Line Status Register this port emulates.
type LsrFlags byte

const (
	lsrDataReady                 LsrFlags = 1 << 0
	lsrEmptyTransmitHoldingReg   LsrFlags = 1 << 5
	lsrEmptyDataHoldingReg       LsrFlags = 1 << 6
)

// uartGSI is the interrupt vector a COM1-class UART raises, matching the
// fixed vector original_source/mythril/src/virtdev/com.rs pushes.
const uartGSI = 52

// Uart8250 emulates a 16450-class serial port, logging transmitted guest
// output to the host console (spec §4.4/C5) and delivering host-injected
// bytes (console input) back to the guest as receive-buffer data,
// grounded on original_source/mythril/src/virtdev/com.rs. Ported from that
// file's older on_port_read/on_port_write/DeviceMessage split contract onto
// the canonical Event/OnEvent contract this package uses throughout.
type Uart8250 struct {
	id       uint64
	basePort Port

	isNewline bool
	divisor   uint16

	receiveBuffer    *byte
	ier              IerFlags
	iir              byte
	lineControlReg   byte
}

// NewUart8250 constructs a UART claiming the 8 ports starting at basePort.
// id distinguishes multiple guests' console output in a shared host log,
// matching com.rs's vmid-prefixed console lines.
func NewUart8250(id uint64, basePort Port) *Uart8250 {
	return &Uart8250{
		id:        id,
		basePort:  basePort,
		isNewline: true,
		iir:       0x01,
	}
}

func (u *Uart8250) divisorLatchSet() bool { return u.lineControlReg&(1<<7) != 0 }

// Services implements EmulatedDevice.
func (u *Uart8250) Services() []DeviceRegion {
	return []DeviceRegion{PortIoRegion(u.basePort, u.basePort+7)}
}

// ReceiveByte stages a host-injected byte for the guest to read, e.g. a
// terminal keypress forwarded to the guest's console.
func (u *Uart8250) ReceiveByte(b byte) {
	u.receiveBuffer = &b
	u.iir = 0b100
}

// OnEvent implements EmulatedDevice.
func (u *Uart8250) OnEvent(ev Event) error {
	switch e := ev.Kind.(type) {
	case HostUartReceived:
		u.ReceiveByte(e.Byte)
		*ev.Responses = append(*ev.Responses, GSI{Vector: uartGSI})
	case PortRead:
		u.onPortRead(e.Port, e.Req)
	case PortWrite:
		return u.onPortWrite(ev, e.Port, e.Req)
	}

	return nil
}

func (u *Uart8250) onPortRead(port Port, val *PortReadRequest) {
	offset := port - u.basePort

	switch {
	case offset == serialOffsetData && !u.divisorLatchSet():
		if u.receiveBuffer != nil {
			val.CopyFromU32(uint32(*u.receiveBuffer))
			u.receiveBuffer = nil
			u.iir = 1
		}
	case offset == serialOffsetData && u.divisorLatchSet():
		val.CopyFromU32(uint32(u.divisor & 0xff))
	case offset == serialOffsetIER && u.divisorLatchSet():
		val.CopyFromU32(uint32(u.divisor >> 8))
	}

	switch {
	case offset == serialOffsetIIR:
		val.CopyFromU32(uint32(u.iir))
		// Reading the IIR clears it: LSB=1 means no pending interrupt.
		u.iir = 1
	case offset == serialOffsetIER && !u.divisorLatchSet():
		val.CopyFromU32(uint32(u.ier))
	}

	if offset == serialOffsetLSR {
		flags := lsrEmptyTransmitHoldingReg | lsrEmptyDataHoldingReg
		if u.receiveBuffer != nil {
			flags |= lsrDataReady
		}

		val.CopyFromU32(uint32(flags))
	}
}

func (u *Uart8250) onPortWrite(ev Event, port Port, val PortWriteRequest) error {
	offset := port - u.basePort

	b, err := val.AsByte()
	if err != nil {
		return err
	}

	switch {
	case offset == serialOffsetData:
		if u.divisorLatchSet() {
			u.divisor = (u.divisor & 0xff00) | uint16(b)
		} else {
			if u.isNewline {
				log.Printf("GUEST%d: ", u.id)
			}

			fmt.Print(string(b))

			u.isNewline = b == '\n'

			if u.ier&ierThrEmptyInterrupt != 0 {
				*ev.Responses = append(*ev.Responses, GSI{Vector: uartGSI})
			}

			u.iir = 0b10
		}
	case offset == serialOffsetIER && u.divisorLatchSet():
		u.divisor = (u.divisor & 0xff) | uint16(b)<<8
	}

	if offset == serialOffsetIER && !u.divisorLatchSet() {
		u.ier = IerFlags(b)
	}

	if offset == serialOffsetLCR {
		u.lineControlReg = b
	}

	return nil
}
