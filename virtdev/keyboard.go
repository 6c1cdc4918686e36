package virtdev

// Keyboard8042 register ports.
const (
	ps2Data   Port = 0x0060
	ps2Status Port = 0x0064
)

// Keyboard8042 is a stub PS/2 controller: it answers every read, on the
// data and the status port alike, with 0xff and ignores writes, grounded on
// original_source/mythril/src/virtdev/keyboard.rs, which carries the same
// //FIXME limitation — enough for guests that probe for a keyboard during
// boot without actually depending on one.
type Keyboard8042 struct{}

// NewKeyboard8042 constructs the stub.
func NewKeyboard8042() *Keyboard8042 { return &Keyboard8042{} }

// Services implements EmulatedDevice.
func (k *Keyboard8042) Services() []DeviceRegion {
	return []DeviceRegion{
		PortIoRegion(ps2Data, ps2Data),
		PortIoRegion(ps2Status, ps2Status),
	}
}

// OnEvent implements EmulatedDevice.
func (k *Keyboard8042) OnEvent(ev Event) error {
	if e, ok := ev.Kind.(PortRead); ok {
		_ = e
		e.Req.CopyFromU32(0xff)
	}

	return nil
}
