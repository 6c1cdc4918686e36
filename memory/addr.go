package memory

import (
	"fmt"

	"github.com/mythril-go/hypervisor/errs"
)

// BasePageSize is the smallest page size the guest-physical address space is
// mapped in, matching original_source/mythril/src/memory.rs's
// BASE_PAGE_SIZE.
const BasePageSize = 4096

func pml4Index(addr uint64) uint16 { return uint16((addr >> 39) & 0x1ff) }
func pdptIndex(addr uint64) uint16 { return uint16((addr >> 30) & 0x1ff) }
func pdIndex(addr uint64) uint16   { return uint16((addr >> 21) & 0x1ff) }
func ptIndex(addr uint64) uint16   { return uint16((addr >> 12) & 0x1ff) }
func pageOffset(addr uint64) uint64      { return addr & 0xfff }
func largePageOffset(addr uint64) uint64 { return addr & 0x1fffff }

// GuestPhysAddr is an address in the guest's physical address space, the
// space EPT translates into host physical addresses.
type GuestPhysAddr struct{ v uint64 }

func NewGuestPhysAddr(v uint64) GuestPhysAddr { return GuestPhysAddr{v} }
func (a GuestPhysAddr) Uint64() uint64        { return a.v }
func (a GuestPhysAddr) Add(n uint64) GuestPhysAddr { return GuestPhysAddr{a.v + n} }
func (a GuestPhysAddr) P4Index() uint16       { return pml4Index(a.v) }
func (a GuestPhysAddr) P3Index() uint16       { return pdptIndex(a.v) }
func (a GuestPhysAddr) P2Index() uint16       { return pdIndex(a.v) }
func (a GuestPhysAddr) P1Index() uint16       { return ptIndex(a.v) }
func (a GuestPhysAddr) Offset() uint64        { return pageOffset(a.v) }
func (a GuestPhysAddr) String() string        { return fmt.Sprintf("GuestPhysAddr(%#x)", a.v) }

// HostPhysAddr is an address in the host's physical address space, i.e. one
// the VMM's own page tables map directly.
type HostPhysAddr struct{ v uint64 }

func NewHostPhysAddr(v uint64) HostPhysAddr { return HostPhysAddr{v} }
func (a HostPhysAddr) Uint64() uint64       { return a.v }
func (a HostPhysAddr) IsFrameAligned() bool { return a.v&(BasePageSize-1) == 0 }
func (a HostPhysAddr) String() string       { return fmt.Sprintf("HostPhysAddr(%#x)", a.v) }

// HostPhysFrame is a BasePageSize-aligned HostPhysAddr: the unit EPT leaves
// map to.
type HostPhysFrame struct{ addr HostPhysAddr }

// FrameFromStartAddress validates alignment and wraps addr as a frame,
// mirroring original_source/mythril/src/memory.rs's
// HostPhysFrame::from_start_address.
func FrameFromStartAddress(addr HostPhysAddr) (HostPhysFrame, error) {
	if !addr.IsFrameAligned() {
		return HostPhysFrame{}, fmt.Errorf("%w: invalid start address for HostPhysFrame: %s", errs.ErrInvalidValue, addr)
	}

	return HostPhysFrame{addr: addr}, nil
}

func (f HostPhysFrame) StartAddress() HostPhysAddr { return f.addr }

// Guest4LevelPagingAddr is a guest-virtual address interpreted under 4-level
// paging (guest CR0.PG=1, no 5-level extension).
type Guest4LevelPagingAddr struct{ v uint64 }

func NewGuest4LevelPagingAddr(v uint64) Guest4LevelPagingAddr { return Guest4LevelPagingAddr{v} }
func (a Guest4LevelPagingAddr) Uint64() uint64                { return a.v }
func (a Guest4LevelPagingAddr) Add(n uint64) Guest4LevelPagingAddr {
	return Guest4LevelPagingAddr{a.v + n}
}
func (a Guest4LevelPagingAddr) P4Index() uint16        { return pml4Index(a.v) }
func (a Guest4LevelPagingAddr) P3Index() uint16        { return pdptIndex(a.v) }
func (a Guest4LevelPagingAddr) P2Index() uint16        { return pdIndex(a.v) }
func (a Guest4LevelPagingAddr) P1Index() uint16        { return ptIndex(a.v) }
func (a Guest4LevelPagingAddr) PageOffset() uint64      { return pageOffset(a.v) }
func (a Guest4LevelPagingAddr) LargePageOffset() uint64 { return largePageOffset(a.v) }

// GuestVirtAddr is the sum type spec §4.5 requires: a guest-virtual address
// is either identity-equal to its physical address (paging disabled) or
// subject to 4-level translation (paging enabled), selected once at
// construction time by the guest's CR0.PG bit. Go has no tagged union, so
// this is modeled the way the rest of this codebase models Rust enums: one
// exported interface plus unexported implementing types, matching the
// kvm package's use of small wrapper structs per concept.
type GuestVirtAddr interface {
	Uint64() uint64
	isGuestVirtAddr()
}

type guestVirtNoPaging struct{ addr GuestPhysAddr }

func (g guestVirtNoPaging) Uint64() uint64 { return g.addr.Uint64() }
func (guestVirtNoPaging) isGuestVirtAddr() {}

type guestVirtPaging4Level struct{ addr Guest4LevelPagingAddr }

func (g guestVirtPaging4Level) Uint64() uint64 { return g.addr.Uint64() }
func (guestVirtPaging4Level) isGuestVirtAddr()  {}

// NewGuestVirtAddr selects NoPaging or Paging4Level depending on pagingEnabled
// (the caller reads this off GuestCr0 before calling), matching
// GuestVirtAddr::new in the original.
func NewGuestVirtAddr(val uint64, pagingEnabled bool) GuestVirtAddr {
	if pagingEnabled {
		return guestVirtPaging4Level{addr: NewGuest4LevelPagingAddr(val)}
	}

	return guestVirtNoPaging{addr: NewGuestPhysAddr(val)}
}

// AddToGuestVirtAddr returns addr+n, preserving which variant addr was.
func AddToGuestVirtAddr(addr GuestVirtAddr, n uint64) GuestVirtAddr {
	switch a := addr.(type) {
	case guestVirtNoPaging:
		return guestVirtNoPaging{addr: a.addr.Add(n)}
	case guestVirtPaging4Level:
		return guestVirtPaging4Level{addr: a.addr.Add(n)}
	default:
		panic("memory: unknown GuestVirtAddr variant")
	}
}
