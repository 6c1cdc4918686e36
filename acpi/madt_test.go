package acpi_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/mythril-go/hypervisor/acpi"
)

func buildMADT(t *testing.T, local acpi.LocalAPIC, io acpi.IOAPIC) acpi.SDT {
	t.Helper()

	var buf bytes.Buffer

	// Local interrupt controller address + flags, the 8 bytes ParseMADT
	// skips before the ICS entries begin.
	buf.Write([]byte{0, 0, 0, 0, 0, 0, 0, 0})

	if err := binary.Write(&buf, binary.LittleEndian, local); err != nil {
		t.Fatalf("encoding local apic entry: %v", err)
	}

	if err := binary.Write(&buf, binary.LittleEndian, io); err != nil {
		t.Fatalf("encoding io apic entry: %v", err)
	}

	return acpi.SDT{
		Header: acpi.Header{Signature: [4]byte{'A', 'P', 'I', 'C'}},
		Data:   buf.Bytes(),
	}
}

func TestParseMADT(t *testing.T) {
	t.Parallel()

	sdt := buildMADT(t,
		acpi.LocalAPIC{Type: 0, Length: 8, ProcessorID: 0, APICId: 2, Flags: 1},
		acpi.IOAPIC{Type: 1, Length: 12, IOAPICID: 1, APICAddress: 0xfec00000, GSIBase: 0},
	)

	madt, err := acpi.ParseMADT(sdt)
	if err != nil {
		t.Fatalf("ParseMADT: %v", err)
	}

	if len(madt.LocalApics) != 1 || madt.LocalApics[0].APICId != 2 {
		t.Fatalf("unexpected local apics: %+v", madt.LocalApics)
	}

	if len(madt.IOApics) != 1 || madt.IOApics[0].APICAddress != 0xfec00000 {
		t.Fatalf("unexpected io apics: %+v", madt.IOApics)
	}
}

func TestParseMADTWrongSignature(t *testing.T) {
	t.Parallel()

	sdt := acpi.SDT{Header: acpi.Header{Signature: [4]byte{'X', 'S', 'D', 'T'}}}

	if _, err := acpi.ParseMADT(sdt); err == nil {
		t.Fatalf("expected an error for a non-MADT signature")
	}
}
