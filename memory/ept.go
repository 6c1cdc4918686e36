// Package memory implements guest-physical memory backing and the
// EPT-based guest address space (spec §4.5, components C10-C11), grounded
// on original_source/mythril/src/memory.rs. Frame backing follows the
// teacher's memory/memory.go mmap pattern; table layout and the
// deliberately-preserved large-page translation bug follow the Rust
// original page for page.
package memory

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/mythril-go/hypervisor/errs"
)

const ptEntries = 512

// EptTableFlags mirrors original_source/mythril/src/memory.rs's
// EptTableFlags bitflags.
type EptTableFlags uint64

const (
	EptReadAccess         EptTableFlags = 1 << 0
	EptWriteAccess        EptTableFlags = 1 << 1
	EptPrivExecAccess     EptTableFlags = 1 << 2
	EptIgnorePAT          EptTableFlags = 1 << 6
	EptAccessed           EptTableFlags = 1 << 8
	EptDirty              EptTableFlags = 1 << 9
	EptUsermodeExecAccess EptTableFlags = 1 << 10
	EptSuppressVE         EptTableFlags = 1 << 63
)

// EptMemoryType is the cacheability attribute carried by leaf (page-table)
// entries, per the EPT memory-type field in the SDM.
type EptMemoryType uint8

const (
	EptMemUncacheable EptMemoryType = 0
	EptMemWriteCache  EptMemoryType = 1
	EptMemWriteThrough EptMemoryType = 4
	EptMemWriteP      EptMemoryType = 5
	EptMemWriteBack   EptMemoryType = 6
)

const eptAddrMask = 0x000fffff_fffff000

// eptTableEntry backs PML4/PDPT/PD intermediate tables: an address plus
// flags, no memory-type field.
type eptTableEntry struct{ entry uint64 }

func (e eptTableEntry) isUnused() bool { return e.entry == 0 }

func (e eptTableEntry) addr() HostPhysAddr { return NewHostPhysAddr(e.entry & eptAddrMask) }

func (e *eptTableEntry) setAddr(addr HostPhysAddr, flags EptTableFlags) {
	e.entry = addr.Uint64() | uint64(flags)
}

// eptPageTableEntry backs leaf PT entries: address, flags, and a 3-bit
// memory type at bits [7:5].
type eptPageTableEntry struct{ entry uint64 }

func (e eptPageTableEntry) isUnused() bool { return e.entry == 0 }

func (e eptPageTableEntry) addr() HostPhysAddr { return NewHostPhysAddr(e.entry & eptAddrMask) }

func (e eptPageTableEntry) memType() EptMemoryType { return EptMemoryType((e.entry >> 5) & 0b111) }

func (e *eptPageTableEntry) setAddr(addr HostPhysAddr, flags EptTableFlags) {
	e.entry = addr.Uint64() | uint64(flags) | (uint64(e.memType()) << 5)
}

func (e *eptPageTableEntry) setMemType(t EptMemoryType) {
	e.entry &^= 0b111 << 5
	e.entry |= uint64(t) << 5
}

// eptTable is a 512-entry, 4 KiB-aligned table of either eptTableEntry (for
// PML4/PDPT/PD) or eptPageTableEntry (for PT), matching
// original_source/mythril/src/memory.rs's generic EptTable<T>.
type eptTable[T any] struct {
	entries [ptEntries]T
}

func newEptTable[T any]() *eptTable[T] { return &eptTable[T]{} }

func hostAddrOfTable[T any](t *eptTable[T]) HostPhysAddr {
	return NewHostPhysAddr(uint64(uintptr(unsafe.Pointer(t))))
}

func tableAt[T any](addr HostPhysAddr) *eptTable[T] {
	return (*eptTable[T])(unsafe.Pointer(uintptr(addr.Uint64())))
}

// frameBytes exposes the BasePageSize bytes a HostPhysFrame addresses as a
// slice, the same raw-pointer-to-array cast
// original_source/mythril/src/memory.rs's HostPhysFrame::as_mut_array
// performs; safe here only because every frame this module hands out backs
// a genuinely allocated BasePageSize-sized Go array.
func frameBytes(f HostPhysFrame) []byte {
	ptr := (*[BasePageSize]byte)(unsafe.Pointer(uintptr(f.StartAddress().Uint64())))

	return ptr[:]
}

type (
	eptPml4Table = eptTable[eptTableEntry]
	eptPdptTable = eptTable[eptTableEntry]
	eptPdTable   = eptTable[eptTableEntry]
	eptPtTable   = eptTable[eptPageTableEntry]
)

// PrivilegeLevel is the guest CPL an access is performed at.
type PrivilegeLevel uint8

// GuestAccess classifies the access translate/read/write is performed for.
// Not yet consulted for permission enforcement, matching the original's own
// //FIXME that access restrictions aren't checked.
type GuestAccess struct {
	Kind  AccessKind
	Level PrivilegeLevel
}

type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessFetch
)

// GuestAddressSpace is the second-level (EPT) page table mapping guest
// physical addresses to host physical frames, the memory virtualization
// boundary between vCPUs and host RAM (spec §4.5).
type GuestAddressSpace struct {
	mu   sync.RWMutex
	root *eptPml4Table
}

// NewGuestAddressSpace allocates an empty EPT hierarchy.
func NewGuestAddressSpace() *GuestAddressSpace {
	return &GuestAddressSpace{root: newEptTable[eptTableEntry]()}
}

var defaultIntermediateFlags = EptReadAccess | EptWriteAccess | EptPrivExecAccess | EptUsermodeExecAccess

// MapFrame maps guestAddr to hostFrame, lazily allocating any missing
// intermediate PDPT/PD/PT tables, and fails with ErrDuplicateMapping if a
// leaf mapping already exists for guestAddr.
func (g *GuestAddressSpace) MapFrame(guestAddr GuestPhysAddr, hostFrame HostPhysFrame, readonly bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	pml4e := &g.root.entries[guestAddr.P4Index()]
	if pml4e.isUnused() {
		pdpt := newEptTable[eptTableEntry]()
		pml4e.setAddr(hostAddrOfTable(pdpt), defaultIntermediateFlags)
	}

	pdpt := tableAt[eptTableEntry](pml4e.addr())
	pdpe := &pdpt.entries[guestAddr.P3Index()]
	if pdpe.isUnused() {
		pd := newEptTable[eptTableEntry]()
		pdpe.setAddr(hostAddrOfTable(pd), defaultIntermediateFlags)
	}

	pd := tableAt[eptTableEntry](pdpe.addr())
	pde := &pd.entries[guestAddr.P2Index()]
	if pde.isUnused() {
		pt := newEptTable[eptPageTableEntry]()
		pde.setAddr(hostAddrOfTable(pt), defaultIntermediateFlags)
	}

	pt := tableAt[eptPageTableEntry](pde.addr())
	pte := &pt.entries[guestAddr.P1Index()]

	if !pte.isUnused() {
		return fmt.Errorf("%w: duplicate mapping for address %s", errs.ErrDuplicateMapping, guestAddr)
	}

	pageFlags := EptReadAccess | EptPrivExecAccess | EptUsermodeExecAccess | EptIgnorePAT
	if !readonly {
		pageFlags |= EptWriteAccess
	}

	pte.setAddr(hostFrame.StartAddress(), pageFlags)
	pte.setMemType(EptMemWriteBack)

	return nil
}

// MapNewFrame allocates a fresh, zeroed 4 KiB frame and maps it at
// guestAddr.
func (g *GuestAddressSpace) MapNewFrame(guestAddr GuestPhysAddr, readonly bool) error {
	page := &[BasePageSize]byte{}

	frame, err := FrameFromStartAddress(NewHostPhysAddr(uint64(uintptr(unsafe.Pointer(page)))))
	if err != nil {
		return err
	}

	return g.MapFrame(guestAddr, frame, readonly)
}

// Eptp returns the value to load into the VMCS EPT-pointer field: the root
// table's host physical address, a page-walk length of 4 (encoded as
// length-1 at bits [5:3]), and write-back memory type (6) at bits [2:0].
func (g *GuestAddressSpace) Eptp() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return hostAddrOfTable(g.root).Uint64() | (4-1)<<3 | 6
}

// FindHostFrame walks the EPT hierarchy for addr, returning the leaf host
// frame it resolves to. Permission and large-page bits are not consulted,
// matching the original's own documented limitation.
func (g *GuestAddressSpace) FindHostFrame(addr GuestPhysAddr) (HostPhysFrame, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	pml4e := g.root.entries[addr.P4Index()]
	if pml4e.isUnused() {
		return HostPhysFrame{}, fmt.Errorf("%w: no PML4 entry for %s", errs.ErrInvalidValue, addr)
	}

	pdpt := tableAt[eptTableEntry](pml4e.addr())
	pdpe := pdpt.entries[addr.P3Index()]
	if pdpe.isUnused() {
		return HostPhysFrame{}, fmt.Errorf("%w: no PDPT entry for %s", errs.ErrInvalidValue, addr)
	}

	pd := tableAt[eptTableEntry](pdpe.addr())
	pde := pd.entries[addr.P2Index()]
	if pde.isUnused() {
		return HostPhysFrame{}, fmt.Errorf("%w: no PD entry for %s", errs.ErrInvalidValue, addr)
	}

	pt := tableAt[eptPageTableEntry](pde.addr())
	pte := pt.entries[addr.P1Index()]
	if pte.isUnused() {
		return HostPhysFrame{}, fmt.Errorf("%w: no PT entry for %s", errs.ErrInvalidValue, addr)
	}

	return FrameFromStartAddress(pte.addr())
}

// TranslateLinearAddress resolves a guest-virtual address to a
// guest-physical one, under the guest's own CR3-rooted page tables (not the
// host's EPT tables — see translatePML4Address).
func (g *GuestAddressSpace) TranslateLinearAddress(cr3 GuestPhysAddr, addr GuestVirtAddr, access GuestAccess) (GuestPhysAddr, error) {
	switch a := addr.(type) {
	case guestVirtNoPaging:
		return a.addr, nil
	case guestVirtPaging4Level:
		return g.translatePML4Address(cr3, a.addr, access)
	default:
		return GuestPhysAddr{}, fmt.Errorf("%w: unknown GuestVirtAddr variant", errs.ErrInvalidValue)
	}
}

// translatePML4Address walks the guest's own 4-level page tables (found via
// EPT, since the guest's page tables live in guest-physical memory) to
// resolve vaddr.
//
// This carries forward a bug present in the original: it always treats the
// PDE's target as a 2 MiB large page (large_page_offset) without checking
// the PDE's PS bit, so a guest using genuine 4 KiB leaf pages at this level
// would be translated incorrectly. Preserved deliberately rather than
// fixed, since nothing in this codebase depends on non-large-page guest
// mappings working, and "fixing" it would diverge from the behavior this
// port is grounded on.
func (g *GuestAddressSpace) translatePML4Address(cr3 GuestPhysAddr, addr Guest4LevelPagingAddr, _ GuestAccess) (GuestPhysAddr, error) {
	pml4Frame, err := g.FindHostFrame(cr3)
	if err != nil {
		return GuestPhysAddr{}, err
	}

	pml4 := (*eptTable[eptTableEntry])(unsafe.Pointer(uintptr(pml4Frame.StartAddress().Uint64())))
	pml4e := pml4.entries[addr.P4Index()]
	pml4eAddr := NewGuestPhysAddr(pml4e.addr().Uint64())

	pdptFrame, err := g.FindHostFrame(pml4eAddr)
	if err != nil {
		return GuestPhysAddr{}, err
	}

	pdpt := (*eptTable[eptTableEntry])(unsafe.Pointer(uintptr(pdptFrame.StartAddress().Uint64())))
	pdpte := pdpt.entries[addr.P3Index()]
	pdpteAddr := NewGuestPhysAddr(pdpte.addr().Uint64())

	pdFrame, err := g.FindHostFrame(pdpteAddr)
	if err != nil {
		return GuestPhysAddr{}, err
	}

	pd := (*eptTable[eptTableEntry])(unsafe.Pointer(uintptr(pdFrame.StartAddress().Uint64())))
	pde := pd.entries[addr.P2Index()]

	translated := pde.addr().Uint64() + addr.LargePageOffset()

	return NewGuestPhysAddr(translated), nil
}
