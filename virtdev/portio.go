package virtdev

import (
	"fmt"

	"github.com/mythril-go/hypervisor/errs"
)

// PortReadRequest is the buffer a PortRead/MemRead handler fills in,
// validated to be exactly 1, 2, or 4 bytes wide — the only widths x86 IN/OUT
// and MMIO of this size ever produce — mirroring
// original_source/mythril/src/virtdev/mod.rs's PortReadRequest enum. Go's
// slice already carries its own length, so this is a thin validated
// wrapper rather than a three-variant sum type.
type PortReadRequest struct{ buf []byte }

// NewPortReadRequest validates buf's width and wraps it.
func NewPortReadRequest(buf []byte) (*PortReadRequest, error) {
	switch len(buf) {
	case 1, 2, 4:
		return &PortReadRequest{buf: buf}, nil
	default:
		return nil, fmt.Errorf("%w: invalid port read width %d", errs.ErrInvalidValue, len(buf))
	}
}

// CopyFromU32 stores the low len(buf) bytes of val, big-endian, matching
// mod.rs's copy_from_u32 (used by every device so callers never have to
// special-case the read width).
func (r *PortReadRequest) CopyFromU32(val uint32) {
	n := len(r.buf)
	shift := uint(n-1) * 8

	for i := 0; i < n; i++ {
		r.buf[i] = byte(val >> shift)
		shift -= 8
	}
}

// Len reports the request's width in bytes.
func (r *PortReadRequest) Len() int { return len(r.buf) }

// PortWriteRequest is the buffer a PortWrite/MemWrite handler reads from,
// validated the same way as PortReadRequest.
type PortWriteRequest struct{ buf []byte }

// NewPortWriteRequest validates buf's width and wraps it.
func NewPortWriteRequest(buf []byte) (PortWriteRequest, error) {
	switch len(buf) {
	case 1, 2, 4:
		return PortWriteRequest{buf: buf}, nil
	default:
		return PortWriteRequest{}, fmt.Errorf("%w: invalid port write width %d", errs.ErrInvalidValue, len(buf))
	}
}

// AsU32 big-endian-widens the write buffer to a uint32, matching mod.rs's
// as_u32.
func (r PortWriteRequest) AsU32() uint32 {
	var val uint32
	for _, b := range r.buf {
		val = val<<8 | uint32(b)
	}

	return val
}

// AsByte returns the single byte of a 1-byte write request, failing
// otherwise — the common case for simple control registers.
func (r PortWriteRequest) AsByte() (byte, error) {
	if len(r.buf) != 1 {
		return 0, fmt.Errorf("%w: expected 1-byte write, got %d", errs.ErrInvalidValue, len(r.buf))
	}

	return r.buf[0], nil
}

// Len reports the request's width in bytes.
func (r PortWriteRequest) Len() int { return len(r.buf) }
