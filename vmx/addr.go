package vmx

import "unsafe"

// hostAddrOf returns the address backing a pinned 4 KiB page as a "host
// physical address". Real firmware would resolve a true physical address
// via the platform's identity map; this hosted Go port follows the
// teacher's own pattern in memory/memory.go, where
// slot.PhysAddr = uint64(uintptr(unsafe.Pointer(&slot.Buf[0]))) treats the
// address backing an mmap'd slice as the physical address handed to
// hardware-facing fields.
func hostAddrOf(p *page4k) uint64 {
	return uint64(uintptr(unsafe.Pointer(p)))
}

// HostAddr is hostAddrOf's exported counterpart for host-resident buffers
// this package doesn't itself own the type of, such as the MSR-bitmap page
// vcpu allocates for CpuActivateMsrBitmap. Same host-physical-identity-map
// convention as hostAddrOf.
func HostAddr(p *[4096]byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(p)))
}
