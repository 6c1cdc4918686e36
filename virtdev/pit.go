package virtdev

import (
	"fmt"
	"time"

	"github.com/mythril-go/hypervisor/errs"
	"github.com/mythril-go/hypervisor/timer"
)

// PIT 8254 port assignments and the fixed GSI it raises on channel 0.
const (
	pitCounter0    Port = 0x40
	pitCounter1    Port = 0x41
	pitCounter2    Port = 0x42
	pitModeControl Port = 0x43
	pitPS2CtrlB    Port = 0x61

	pitNsPerTick = 838 // ~1.193182 MHz

	pitGSI = 0
)

type pitOperatingMode int

const (
	pitModeInterruptOnTerminalCount pitOperatingMode = iota // mode 0
	pitModeRateGenerator                                     // mode 2
)

type pitAccessMode int

const (
	pitAccessLatchCount pitAccessMode = iota
	pitAccessLoByte
	pitAccessHiByte
	pitAccessWord
)

type pitChannel struct {
	operating pitOperatingMode
	access    pitAccessMode
	wordLo    *byte // staged low byte while in word access mode

	startCounter uint16
	startTime    time.Time
	hasStarted   bool
	timerID      timer.TimerID
	hasTimer     bool
}

// Pit8254 emulates the legacy 8254 programmable interval timer, channel 0
// (system tick, routed to GSI 0) and channel 2 (PC speaker / POST gate,
// read back through the PS/2 "port B" status port). Channel 1 (historically
// DRAM refresh) is unsupported, matching the original. Grounded on
// original_source/mythril/src/virtdev/pit.rs, with TimerId/TimerWheel
// replaced by this port's timer package.
type Pit8254 struct {
	wheel    *timer.TimerWheel
	channel0 pitChannel
	channel2 pitChannel
}

// NewPit8254 constructs a PIT whose timers are armed against wheel.
func NewPit8254(wheel *timer.TimerWheel) *Pit8254 {
	return &Pit8254{wheel: wheel}
}

// Services implements EmulatedDevice.
func (p *Pit8254) Services() []DeviceRegion {
	return []DeviceRegion{
		PortIoRegion(pitCounter0, pitModeControl),
		PortIoRegion(pitPS2CtrlB, pitPS2CtrlB),
	}
}

// OnEvent implements EmulatedDevice.
func (p *Pit8254) OnEvent(ev Event) error {
	switch e := ev.Kind.(type) {
	case PortRead:
		p.onPortRead(e.Port, e.Req)
	case PortWrite:
		return p.onPortWrite(e.Port, e.Req)
	}

	return nil
}

// onPortRead implements the "PS/2 port B" channel-2 gate-output readback
// hack: bit 5 reports whether the channel-2 count has run out, approximated
// here (as in the original) from elapsed wall-clock time rather than an
// actual running counter register.
func (p *Pit8254) onPortRead(port Port, val *PortReadRequest) {
	if port != pitPS2CtrlB {
		return
	}

	if p.channel2.operating != pitModeInterruptOnTerminalCount || !p.channel2.hasStarted {
		return
	}

	ticks := time.Since(p.channel2.startTime).Nanoseconds() / pitNsPerTick
	if uint64(ticks) > uint64(p.channel2.startCounter) {
		val.CopyFromU32(1 << 5)
	}
}

func (p *Pit8254) onPortWrite(port Port, val PortWriteRequest) error {
	switch {
	case port == pitModeControl:
		return p.writeModeControl(val)
	case port == pitCounter0 || port == pitCounter1 || port == pitCounter2:
		return p.writeCounter(port, val)
	}

	return nil
}

func (p *Pit8254) writeModeControl(val PortWriteRequest) error {
	b, err := val.AsByte()
	if err != nil {
		return err
	}

	if b&0b1 != 0 {
		return fmt.Errorf("%w: PIT BCD mode is not supported", errs.ErrInvalidValue)
	}

	channelSel := (b & 0b11000000) >> 6
	accessSel := (b & 0b00110000) >> 4
	operatingSel := (b & 0b00001110) >> 1

	var operating pitOperatingMode

	switch operatingSel {
	case 0b000:
		operating = pitModeInterruptOnTerminalCount
	case 0b010:
		operating = pitModeRateGenerator
	default:
		return fmt.Errorf("%w: invalid PIT operating state %#x", errs.ErrInvalidValue, operatingSel)
	}

	var access pitAccessMode

	switch accessSel {
	case 0b00:
		access = pitAccessLatchCount
	case 0b01:
		access = pitAccessLoByte
	case 0b10:
		access = pitAccessHiByte
	case 0b11:
		access = pitAccessWord
	default:
		return fmt.Errorf("%w: invalid PIT access state %#x", errs.ErrInvalidValue, accessSel)
	}

	var channel *pitChannel

	switch channelSel {
	case 0b00:
		channel = &p.channel0
	case 0b10:
		channel = &p.channel2
	default:
		return fmt.Errorf("%w: invalid PIT channel %#x", errs.ErrInvalidValue, channelSel)
	}

	if channel.hasTimer {
		p.wheel.Remove(channel.timerID)
	}

	*channel = pitChannel{operating: operating, access: access}

	return nil
}

func (p *Pit8254) writeCounter(port Port, val PortWriteRequest) error {
	b, err := val.AsByte()
	if err != nil {
		return err
	}

	if port == pitCounter1 {
		return fmt.Errorf("%w: invalid PIT port %#x", errs.ErrInvalidValue, port)
	}

	channel := &p.channel0
	if port == pitCounter2 {
		channel = &p.channel2
	}

	var counter uint16

	switch channel.access {
	case pitAccessLoByte:
		counter = uint16(b)
	case pitAccessHiByte:
		counter = uint16(b) << 8
	case pitAccessWord:
		if channel.wordLo == nil {
			lo := b
			channel.wordLo = &lo

			return nil
		}

		counter = uint16(b)<<8 | uint16(*channel.wordLo)
		channel.wordLo = nil
	default:
		return nil
	}

	if counter == 0 {
		return nil
	}

	duration := time.Duration(pitNsPerTick*uint64(counter)) * time.Nanosecond

	channel.startCounter = counter
	channel.startTime = time.Now()
	channel.hasStarted = true

	if port == pitCounter0 {
		switch channel.operating {
		case pitModeInterruptOnTerminalCount:
			channel.timerID = p.wheel.OneShot(duration, timer.NewGSIInterrupt(pitGSI))
		case pitModeRateGenerator:
			channel.timerID = p.wheel.Periodic(duration, timer.NewGSIInterrupt(pitGSI))
		}

		channel.hasTimer = true
	}

	return nil
}
