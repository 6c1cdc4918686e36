// Package apic drives the local x2APIC: per-core identification, IPI
// issuance for AP bring-up, timer calibration/scheduling, and end-of-
// interrupt acknowledgement. Grounded on original_source/mythril/src/apic.rs.
//
// The original keeps one LocalApic per core behind a declare_per_core! global
// and a pair of get_local_apic/get_local_apic_mut accessors. Go has no
// per-core storage section to hang a global off of, and package percpu
// already supplies the idiom this port uses instead: callers allocate a
// percpu.Table[LocalApic] once at boot and pass each core's slot to that
// core's own goroutine, so Init here returns a value rather than reaching
// into ambient state.
package apic

import (
	"fmt"
	"time"

	"github.com/mythril-go/hypervisor/cpuid"
	"github.com/mythril-go/hypervisor/errs"
	"github.com/mythril-go/hypervisor/vmx"
)

// x2APIC MSR addresses (SDM Vol. 3A, Table 10-1).
const (
	msrApicBase     = 0x1b
	msrX2ApicID     = 0x802
	msrX2ApicVer    = 0x803
	msrX2ApicEOI    = 0x80b
	msrX2ApicSIVR   = 0x80f
	msrX2ApicESR    = 0x828
	msrX2ApicICR    = 0x830
	msrX2ApicLVTT   = 0x832
	msrX2ApicInitCt = 0x838
	msrX2ApicCurCt  = 0x839
	msrX2ApicDivCfg = 0x83e
	msrX2ApicSelfIP = 0x83f
)

const (
	apicBaseMask = 0xffff_f000
	apicBaseEn   = 1 << 11
	apicBaseExd  = 1 << 10
	apicBaseBsp  = 1 << 8
)

// DstShorthand selects an ICR destination shorthand.
type DstShorthand uint8

const (
	DstNoShorthand      DstShorthand = 0x00
	DstSelf             DstShorthand = 0x01
	DstAllIncludingSelf DstShorthand = 0x02
	DstAllExcludingSelf DstShorthand = 0x03
)

// Level is the INIT IPI level (assert/de-assert).
type Level uint8

const (
	LevelDeAssert Level = 0x00
	LevelAssert   Level = 0x01
)

// TriggerMode is the ICR trigger mode.
type TriggerMode uint8

const (
	TriggerEdge  TriggerMode = 0x00
	TriggerLevel TriggerMode = 0x01
)

// DstMode selects whether the ICR destination field is a physical or
// logical APIC ID.
type DstMode uint8

const (
	DstModePhysical DstMode = 0x00
	DstModeLogical  DstMode = 0x01
)

// DeliveryMode is the ICR delivery mode.
type DeliveryMode uint8

const (
	DeliveryFixed   DeliveryMode = 0x00
	DeliverySMI     DeliveryMode = 0x02
	DeliveryNMI     DeliveryMode = 0x04
	DeliveryInit    DeliveryMode = 0x05
	DeliveryStartUp DeliveryMode = 0x06
)

// ID identifies one local APIC (and hence one core).
type ID uint32

// IsBSP reports whether this is the bootstrap processor's APIC ID.
//
// This is not correct for multi-socket systems, matching the original's own
// caveat.
func (id ID) IsBSP() bool { return id == 0 }

func (id ID) String() string { return fmt.Sprintf("0x%x", uint32(id)) }

// LocalApic is the interface to the current core's x2APIC.
type LocalApic struct {
	baseReg    uint64
	ticksPerMs uint64
}

// hasX2Apic reports whether CPUID advertises x2APIC support (leaf 1, ECX
// bit 21).
func hasX2Apic() bool {
	_, _, ecx, _ := cpuid.CPUIDCount(1, 0)

	return ecx&(1<<21) != 0
}

// Init brings up the x2APIC on the calling core: enables x2APIC mode if it
// isn't already, arms the spurious-interrupt vector register, clears the
// error-status register, and calibrates the timer. Must be called once per
// core, from the goroutine bound to that core.
func Init() (*LocalApic, error) {
	if !hasX2Apic() {
		return nil, fmt.Errorf("%w: CPU does not support x2APIC", errs.ErrNotSupported)
	}

	raw := vmx.Rdmsr(msrApicBase)
	if raw&apicBaseExd == 0 {
		vmx.Wrmsr(msrApicBase, raw|apicBaseEn|apicBaseExd)
	}

	a := &LocalApic{baseReg: vmx.Rdmsr(msrApicBase)}

	// Enable the APIC via the Spurious Interrupt Vector Register (vector
	// field 0; bit 8 is the software-enable bit).
	vmx.Wrmsr(msrX2ApicSIVR, 1<<8)

	// A write of any value to the ESR must precede reading it (SDM
	// §10.5.3); this only performs the write and does not read it back.
	a.ClearESR()

	if err := a.calibrateTimer(); err != nil {
		return nil, err
	}

	return a, nil
}

// LocalID is the APIC ID.
func (a *LocalApic) LocalID() ID {
	return ID(uint32(vmx.Rdmsr(msrX2ApicID)))
}

// LogicalID is the x2APIC logical destination ID (SDM §10.12.10.2):
// Logical x2APIC ID = (x2APIC ID[31:4] << 16) | (1 << x2APIC ID[3:0]).
func (a *LocalApic) LogicalID() uint32 {
	id := uint32(vmx.Rdmsr(msrX2ApicID))

	return ((id >> 4) << 16) | (1 << (id & 0xf))
}

// BSP reports whether this core is the bootstrap processor.
func (a *LocalApic) BSP() bool { return a.baseReg&apicBaseBsp != 0 }

// ClearESR clears the Error Status Register.
func (a *LocalApic) ClearESR() { vmx.Wrmsr(msrX2ApicESR, 0) }

// ESR reads the Error Status Register.
func (a *LocalApic) ESR() uint64 { return vmx.Rdmsr(msrX2ApicESR) }

// Base is the APIC base physical address.
func (a *LocalApic) Base() uint64 { return a.baseReg & apicBaseMask }

// RawBase is the unmasked IA32_APIC_BASE value.
func (a *LocalApic) RawBase() uint64 { return a.baseReg }

// Version reads the local APIC version register.
func (a *LocalApic) Version() uint32 { return uint32(vmx.Rdmsr(msrX2ApicVer)) }

// EOI sends an end-of-interrupt.
func (a *LocalApic) EOI() { vmx.Wrmsr(msrX2ApicEOI, 0) }

// ICR reads the Interrupt Command Register.
func (a *LocalApic) ICR() uint64 { return vmx.Rdmsr(msrX2ApicICR) }

// SendIPI issues an inter-processor interrupt via the Interrupt Command
// Register.
func (a *LocalApic) SendIPI(dst ID, dstShort DstShorthand, trigger TriggerMode, level Level, dstMode DstMode, delivery DeliveryMode, vector uint8) {
	icr := uint64(dst) << 32
	icr |= uint64(dstShort) << 18
	icr |= uint64(trigger) << 15
	icr |= uint64(level) << 14
	icr |= uint64(dstMode) << 11
	icr |= uint64(delivery) << 8
	icr |= uint64(vector)

	vmx.Wrmsr(msrX2ApicICR, icr)
}

// SelfIPI sends an IPI to this same core.
func (a *LocalApic) SelfIPI(vector uint8) { vmx.Wrmsr(msrX2ApicSelfIP, uint64(vector)) }

func (a *LocalApic) calibrateTimer() error {
	const startTick = 0xFFFFFFFF

	vmx.Wrmsr(msrX2ApicDivCfg, 0x3) // timer divisor = 16
	vmx.Wrmsr(msrX2ApicInitCt, startTick)
	time.Sleep(time.Millisecond)
	vmx.Wrmsr(msrX2ApicLVTT, 1<<16) // masked: stop the one-shot

	curTick := vmx.Rdmsr(msrX2ApicCurCt)
	a.ticksPerMs = startTick - curTick

	return nil
}

// ScheduleInterrupt arms the APIC timer to deliver vector at deadline by
// rewriting the divide configuration, the LVT timer entry and the initial
// count; an interrupt that is already pending is not cleared.
func (a *LocalApic) ScheduleInterrupt(deadline time.Time, vector uint8) {
	micros := time.Until(deadline).Microseconds()
	if micros < 0 {
		micros = 0
	}

	ticks := uint64(micros) * a.ticksPerMs / 1000

	vmx.Wrmsr(msrX2ApicDivCfg, 0x3)
	vmx.Wrmsr(msrX2ApicLVTT, uint64(vector))
	vmx.Wrmsr(msrX2ApicInitCt, ticks)
}
