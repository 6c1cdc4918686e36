package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mythril-go/hypervisor/errs"
)

// Interrupt Controller Structure type tags, ACPI §5.2.12 Table 5-45.
const (
	icsTypeLocalAPIC               uint8 = 0
	icsTypeIOAPIC                   uint8 = 1
	icsTypeInterruptSourceOverride uint8 = 2
)

// LocalAPIC is a Processor Local APIC Structure, ACPI §5.2.12.2.
type LocalAPIC struct {
	Type        uint8
	Length      uint8
	ProcessorID uint8
	APICId      uint8
	Flags       uint32
}

// IOAPIC is an I/O APIC Structure, ACPI §5.2.12.3.
type IOAPIC struct {
	Type        uint8
	Length      uint8
	IOAPICID    uint8
	_           uint8
	APICAddress uint32
	GSIBase     uint32
}

// InterruptSourceOverride is an Interrupt Source Override Structure,
// ACPI §5.2.12.5.
type InterruptSourceOverride struct {
	Type   uint8
	Length uint8
	Bus    uint8
	Source uint8
	GSI    uint32
	Flags  uint16
}

// MADT is a decoded Multiple APIC Description Table: every core's local
// APIC ID and every I/O APIC's MMIO address and GSI base, grounded on
// original_source/mythril/src/acpi/madt.rs's Ics enum and kmain.rs's use
// of it to enumerate apic_ids. Unlike the teacher's MADT (which built
// these structures up to serialize into a table handed to a KVM guest),
// ParseMADT decodes a table read off this host's own ACPI data.
type MADT struct {
	LocalApics               []LocalAPIC
	IOApics                  []IOAPIC
	InterruptSourceOverrides []InterruptSourceOverride
}

// ParseMADT decodes sdt's interrupt controller structures. sdt.Data begins
// with a 4-byte local-interrupt-controller address and a 4-byte flags
// field (ACPI §5.2.12 offsets), followed by a packed sequence of
// (type, length, ...) ICS entries.
func ParseMADT(sdt SDT) (MADT, error) {
	if string(sdt.Signature[:]) != "APIC" {
		return MADT{}, fmt.Errorf("%w: expected MADT signature \"APIC\", got %q", errs.ErrInvalidValue, sdt.Signature[:])
	}

	if len(sdt.Data) < 8 {
		return MADT{}, fmt.Errorf("%w: MADT data too short", errs.ErrInvalidValue)
	}

	var m MADT

	for b := sdt.Data[8:]; len(b) > 0; {
		if len(b) < 2 {
			return MADT{}, fmt.Errorf("%w: truncated ICS entry", errs.ErrInvalidValue)
		}

		icsType, length := b[0], b[1]
		if int(length) > len(b) {
			return MADT{}, fmt.Errorf("%w: ICS entry length %d exceeds remaining table", errs.ErrInvalidValue, length)
		}

		entry := b[:length]

		switch icsType {
		case icsTypeLocalAPIC:
			var e LocalAPIC
			if err := binary.Read(bytes.NewReader(entry), binary.LittleEndian, &e); err != nil {
				return MADT{}, err
			}

			m.LocalApics = append(m.LocalApics, e)

		case icsTypeIOAPIC:
			var e IOAPIC
			if err := binary.Read(bytes.NewReader(entry), binary.LittleEndian, &e); err != nil {
				return MADT{}, err
			}

			m.IOApics = append(m.IOApics, e)

		case icsTypeInterruptSourceOverride:
			var e InterruptSourceOverride
			if err := binary.Read(bytes.NewReader(entry), binary.LittleEndian, &e); err != nil {
				return MADT{}, err
			}

			m.InterruptSourceOverrides = append(m.InterruptSourceOverrides, e)
		}

		b = b[length:]
	}

	return m, nil
}
