// Package acpi discovers the host's ACPI tables at boot: the RSDP, the
// XSDT it points to, and (via MADT, in madt.go) the local-APIC IDs and
// I/O APICs every core and interrupt the control plane needs to know
// about. Grounded on original_source/mythril/src/acpi/rsdt.rs.
//
// This hosted port follows the same convention vmx/addr.go and
// apic/ioapic.go already establish: an address is read by converting it
// straight to an unsafe.Pointer, the same "treat this integer as the
// host's own identity-mapped physical address" model a freestanding
// kernel uses natively.
package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/mythril-go/hypervisor/errs"
)

const headerSize = 36 // unsafe.Sizeof(Header{}), spelled out: ACPI §5.2.6.

var rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}

// rsdp is the ACPI 2.0+ Root System Description Pointer, ACPI §5.2.5.3.
type rsdp struct {
	Signature   [8]byte
	Checksum    byte
	OEMID       [6]byte
	Revision    byte
	RSDTAddr    uint32
	Length      uint32
	XSDTAddr    uint64
	ExtChecksum byte
	_           [3]byte
}

func readBytesAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n) //nolint:govet
}

// FindRSDP scans the two conventional locations firmware places the RSDP
// in — the 1 KiB Extended BIOS Data Area (whose segment address is a word
// at physical 0x40e) and the 0xe0000-0xfffff BIOS read-only range — for
// the 16-byte-aligned "RSD PTR " signature, mirroring
// original_source/mythril/src/acpi/rsdp.rs's scan of the same two regions.
func FindRSDP() (uintptr, error) {
	ebda := uintptr(*(*uint16)(unsafe.Pointer(uintptr(0x40e)))) << 4

	for _, region := range [2][2]uintptr{{ebda, ebda + 1024}, {0xe0000, 0x100000}} {
		for addr := region[0]; addr+16 <= region[1]; addr += 16 {
			if bytes.Equal(readBytesAt(addr, 8), rsdpSignature[:]) {
				return addr, nil
			}
		}
	}

	return 0, fmt.Errorf("%w: no RSDP signature found", errs.ErrNotFound)
}

// SDT is a decoded System Description Table header plus the bytes that
// follow it, grounded on rsdt.rs's SDT.
type SDT struct {
	Header
	Data []byte
}

func verifyChecksum(b []byte) error {
	var sum byte
	for _, c := range b {
		sum += c
	}

	if sum != 0 {
		return fmt.Errorf("%w: ACPI table checksum mismatch", errs.ErrInvalidValue)
	}

	return nil
}

func readSDT(addr uintptr) (SDT, error) {
	var h Header
	if err := binary.Read(bytes.NewReader(readBytesAt(addr, headerSize)), binary.LittleEndian, &h); err != nil {
		return SDT{}, err
	}

	full := readBytesAt(addr, int(h.Length))
	if err := verifyChecksum(full); err != nil {
		return SDT{}, err
	}

	return SDT{Header: h, Data: full[headerSize:]}, nil
}

// FindTable reads the XSDT pointed to by the RSDP at rsdpAddr and returns
// the first entry whose 4-byte signature matches, grounded on
// RSDT::find_entry. signature is compared against the table's own header,
// e.g. "APIC" for the MADT.
func FindTable(rsdpAddr uintptr, signature string) (SDT, error) {
	r := (*rsdp)(unsafe.Pointer(rsdpAddr)) //nolint:govet

	xsdt, err := readSDT(uintptr(r.XSDTAddr))
	if err != nil {
		return SDT{}, fmt.Errorf("reading XSDT: %w", err)
	}

	for i := 0; i+8 <= len(xsdt.Data); i += 8 {
		entryAddr := uintptr(binary.LittleEndian.Uint64(xsdt.Data[i : i+8]))

		sdt, err := readSDT(entryAddr)
		if err != nil {
			continue
		}

		if string(sdt.Signature[:]) == signature {
			return sdt, nil
		}
	}

	return SDT{}, fmt.Errorf("%w: no ACPI table with signature %q", errs.ErrNotFound, signature)
}
