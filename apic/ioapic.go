package apic

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/mythril-go/hypervisor/errs"
)

// I/O APIC registers, accessed indirectly through a 2-register MMIO window
// (SDM/IO APIC spec §3.0): write the register index to IOREGSEL, then
// read/write the value through IOWIN.
const (
	regIOAPICID    = 0x00
	regIOAPICVER   = 0x01
	regIOAPICARB   = 0x02
	regIOREDTBLOff = 0x10
	ioWinOffset    = 0x10

	ioApicVersion = 0x11

	ioredtblRWMask = 0xff000000_0001afff
)

// IoApic is the raw MMIO interface to one I/O APIC, grounded on
// original_source/mythril/src/ioapic.rs. Unlike the local x2APIC (accessed
// through MSRs), the I/O APIC is a memory-mapped device: addr is the host
// virtual address its 2-register window was mapped at.
type IoApic struct {
	mu      sync.Mutex
	addr    unsafe.Pointer
	GSIBase uint32
}

// NewIoApic wraps the I/O APIC whose register window was mapped at addr,
// with the given GSI base (both taken from the MADT I/O APIC structure this
// instance was discovered from). It verifies the version register reads the
// value every I/O APIC since the original chipset's has reported (0x11);
// anything else means addr doesn't actually point at an I/O APIC window.
func NewIoApic(addr unsafe.Pointer, gsiBase uint32) (*IoApic, error) {
	a := &IoApic{addr: addr, GSIBase: gsiBase}

	if a.version() != ioApicVersion {
		return nil, fmt.Errorf("%w: unexpected I/O APIC version %#x", errs.ErrNotSupported, a.version())
	}

	return a, nil
}

func (a *IoApic) readRaw(reg uint8) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	sel := (*uint32)(a.addr)
	*sel = uint32(reg)

	win := (*uint32)(unsafe.Add(a.addr, ioWinOffset))

	return *win
}

func (a *IoApic) writeRaw(reg uint8, val uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sel := (*uint32)(a.addr)
	*sel = uint32(reg)

	win := (*uint32)(unsafe.Add(a.addr, ioWinOffset))
	*win = val
}

// ID is this I/O APIC's configured ID.
func (a *IoApic) ID() uint8 { return uint8((a.readRaw(regIOAPICID) >> 24) & 0x0f) }

func (a *IoApic) version() uint8 { return uint8(a.readRaw(regIOAPICVER) & 0xff) }

// MaxRedirectionEntry is the highest valid redirection-table index.
func (a *IoApic) MaxRedirectionEntry() uint8 {
	return uint8((a.readRaw(regIOAPICVER) >> 16) & 0xff)
}

// GSIRange reports the half-open [low, high) GSI range this I/O APIC
// services.
func (a *IoApic) GSIRange() (low, high uint32) {
	return a.GSIBase, a.GSIBase + uint32(a.MaxRedirectionEntry()) + 1
}

func (a *IoApic) readRedtblRaw(id uint8) uint64 {
	base := uint8(regIOREDTBLOff + id*2)
	lo := uint64(a.readRaw(base))
	hi := uint64(a.readRaw(base + 1))

	return lo | hi<<32
}

func (a *IoApic) writeRedtblRaw(id uint8, val uint64) {
	base := uint8(regIOREDTBLOff + id*2)
	a.writeRaw(base, uint32(val))
	a.writeRaw(base+1, uint32(val>>32))
}

// IoRedTblEntry is one decoded I/O Redirection Table entry (SDM/IO APIC
// spec §3.2.4).
type IoRedTblEntry struct {
	Vector      uint8
	Delivery    DeliveryMode
	DestMode    DstMode
	Polarity    PinPolarity
	Trigger     TriggerMode
	Masked      bool
	Destination uint8
}

// PinPolarity is the I/O APIC interrupt pin's active level.
type PinPolarity uint8

const (
	PolarityActiveHigh PinPolarity = 0x00
	PolarityActiveLow  PinPolarity = 0x01
)

func decodeIoRedTblEntry(bits uint64) IoRedTblEntry {
	return IoRedTblEntry{
		Vector:      uint8(bits),
		Delivery:    DeliveryMode((bits >> 8) & 0b111),
		DestMode:    DstMode((bits >> 11) & 0b1),
		Polarity:    PinPolarity((bits >> 13) & 0b1),
		Trigger:     TriggerMode((bits >> 15) & 0b1),
		Masked:      bits&(1<<16) != 0,
		Destination: uint8(bits >> 56),
	}
}

func (e IoRedTblEntry) encode() uint64 {
	var bits uint64

	bits |= uint64(e.Vector)
	bits |= uint64(e.Delivery) << 8
	bits |= uint64(e.DestMode) << 11
	bits |= uint64(e.Polarity) << 13
	bits |= uint64(e.Trigger) << 15

	if e.Masked {
		bits |= 1 << 16
	}

	bits |= uint64(e.Destination) << 56

	return bits
}

// ReadRedirectionEntry reads the redirection-table entry at the given index
// (0-23).
func (a *IoApic) ReadRedirectionEntry(index uint8) (IoRedTblEntry, error) {
	if index > 23 {
		return IoRedTblEntry{}, fmt.Errorf("%w: redirection table index %d out of range", errs.ErrInvalidValue, index)
	}

	return decodeIoRedTblEntry(a.readRedtblRaw(index)), nil
}

// WriteRedirectionEntry writes entry to the redirection-table index (0-23).
// Per the I/O APIC spec, several bits in the 64-bit register are read-only;
// attempting to set any of them is rejected rather than silently masked.
func (a *IoApic) WriteRedirectionEntry(index uint8, entry IoRedTblEntry) error {
	if index > 23 {
		return fmt.Errorf("%w: redirection table index %d out of range", errs.ErrInvalidValue, index)
	}

	bits := entry.encode()
	if bits&^uint64(ioredtblRWMask) != 0 {
		return fmt.Errorf("%w: read-only redirection table bits set: %#x", errs.ErrInvalidValue, bits&^uint64(ioredtblRWMask))
	}

	a.writeRedtblRaw(index, bits)

	return nil
}

// Router maps global system interrupts to the I/O APICs that service them,
// the role ioapic.rs's ioapic_for_gsi/map_gsi_vector free functions play
// against a process-wide IOAPICS singleton. A *Router is constructed once
// at boot from the MADT's I/O APIC entries and threaded explicitly to
// whichever code needs GSI routing, rather than living behind a global.
type Router struct {
	apics []*IoApic
}

// NewRouter builds a Router over the given I/O APICs.
func NewRouter(apics []*IoApic) *Router {
	return &Router{apics: apics}
}

func (r *Router) apicFor(gsi uint32) (*IoApic, uint8, error) {
	for _, a := range r.apics {
		low, high := a.GSIRange()
		if gsi >= low && gsi < high {
			return a, uint8(gsi - low), nil
		}
	}

	return nil, 0, fmt.Errorf("%w: no I/O APIC services gsi=%d", errs.ErrNotFound, gsi)
}

// MapVector routes gsi to vector, fixed delivery, physical destination
// apicID, active-high, edge-triggered, unmasked -- the configuration every
// device interrupt in this hypervisor uses (spec has no use for level-
// triggered or logical-destination routing).
func (r *Router) MapVector(gsi uint32, vector uint8, apicID uint8) error {
	a, entry, err := r.apicFor(gsi)
	if err != nil {
		return err
	}

	return a.WriteRedirectionEntry(entry, IoRedTblEntry{
		Vector:      vector,
		Delivery:    DeliveryFixed,
		DestMode:    DstModePhysical,
		Polarity:    PolarityActiveHigh,
		Trigger:     TriggerEdge,
		Masked:      false,
		Destination: apicID,
	})
}

// VectorFor looks up the vector currently routed to gsi. This hypervisor's
// own virtual devices never go through it: they inject their fixed GSI
// number as the vector directly, the same convention
// original_source/mythril/src/virtdev/com.rs's hard-coded interrupts.push(52)
// uses. VectorFor exists for whatever owns real external hardware routed
// through a physical I/O APIC (boot-time MADT-driven setup), not for the
// per-VM interrupt-injection path.
func (r *Router) VectorFor(gsi uint32) (uint8, error) {
	a, entry, err := r.apicFor(gsi)
	if err != nil {
		return 0, err
	}

	e, err := a.ReadRedirectionEntry(entry)
	if err != nil {
		return 0, err
	}

	return e.Vector, nil
}
