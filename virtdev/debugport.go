package virtdev

// DebugPort emulates a QEMU/Bochs-style 0xe9 debug console: reads always
// return the magic byte 0xe9 (the standard way guest firmware probes for
// its presence) and writes are surfaced as GuestUartTransmitted responses
// rather than being handled here directly, letting the caller route them
// to whatever host sink it likes. Grounded on
// original_source/mythril/src/virtdev/debug.rs.
type DebugPort struct {
	port Port
}

// NewDebugPort constructs a debug port claiming exactly one I/O port.
func NewDebugPort(port Port) *DebugPort {
	return &DebugPort{port: port}
}

// Services implements EmulatedDevice.
func (d *DebugPort) Services() []DeviceRegion {
	return []DeviceRegion{PortIoRegion(d.port, d.port)}
}

// OnEvent implements EmulatedDevice.
func (d *DebugPort) OnEvent(ev Event) error {
	switch e := ev.Kind.(type) {
	case PortRead:
		e.Req.CopyFromU32(0xe9)
	case PortWrite:
		b, err := e.Req.AsByte()
		if err != nil {
			return err
		}

		*ev.Responses = append(*ev.Responses, GuestUartTransmitted{Byte: b})
	}

	return nil
}
