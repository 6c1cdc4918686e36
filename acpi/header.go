package acpi

// Header is an ACPI System Description Table header, ACPI §5.2.6 Table
// 5-29 — identical layout whether the table that follows is an XSDT, a
// MADT, or any other signature. Grounded on
// original_source/mythril/src/acpi/rsdt.rs's SDT, adapted from a
// table-builder field set into the layout read straight off physical
// memory by acpi.go's readSDT.
type Header struct {
	Signature  [4]byte
	Length     uint32
	Rev        uint8
	Checksum   uint8
	OEMId      [6]byte
	OEMTableID [8]byte
	OEMRev     uint32
	CreatorID  [4]byte
	CreatorRev uint32
}
