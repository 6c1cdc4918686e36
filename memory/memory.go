package memory

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

var errNotPageAligned = errors.New("size is not page aligned")

const (
	// Poison is the byte pattern stamped across unbacked high memory so a
	// guest that strays into it traps immediately and visibly instead of
	// executing whatever zero bytes happen to decode to, the same
	// diagnostic trick as the teacher's memory/memory.go:
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

	highMemBase = 0x100000
)

// GuestRAM is one mmap'd, host-backed span of guest-physical memory. Unlike
// the teacher's KVM-slot-oriented MemorySlot, a GuestRAM does not register
// itself with a hypervisor ioctl; it is mapped into a GuestAddressSpace's
// EPT tables directly, frame by frame, by MapInto.
type GuestRAM struct {
	GuestBase GuestPhysAddr
	buf       []byte
}

// NewGuestRAM mmaps a shared, anonymous region of size bytes to back guest
// RAM starting at guestBase, using golang.org/x/sys/unix.Mmap rather than
// syscall.Mmap, per the rest of the example pack's preference for x/sys
// over raw syscall.
func NewGuestRAM(guestBase GuestPhysAddr, size int) (*GuestRAM, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest ram: %w", err)
	}

	for i := highMemBase; i+len(Poison) <= len(buf); i += len(Poison) {
		copy(buf[i:], Poison)
	}

	return &GuestRAM{GuestBase: guestBase, buf: buf}, nil
}

// Size returns the number of bytes this region backs.
func (r *GuestRAM) Size() int { return len(r.buf) }

// Bytes exposes the raw backing buffer, for bulk bootloader/initrd loads
// performed before any vCPU starts running.
func (r *GuestRAM) Bytes() []byte { return r.buf }

// MapInto installs this region's frames into space's EPT tables at
// consecutive BasePageSize-aligned guest physical addresses starting at
// GuestBase, mapping host frames that point directly into this GuestRAM's
// own mmap'd buffer rather than allocating fresh copies.
func (r *GuestRAM) MapInto(space *GuestAddressSpace, readonly bool) error {
	if len(r.buf)%BasePageSize != 0 {
		return fmt.Errorf("%w: guest ram size %d is not a multiple of page size", errNotPageAligned, len(r.buf))
	}

	for off := 0; off < len(r.buf); off += BasePageSize {
		hostAddr := NewHostPhysAddr(uint64(uintptr(unsafe.Pointer(&r.buf[off]))))

		frame, err := FrameFromStartAddress(hostAddr)
		if err != nil {
			return err
		}

		guestAddr := r.GuestBase.Add(uint64(off))
		if err := space.MapFrame(guestAddr, frame, readonly); err != nil {
			return err
		}
	}

	return nil
}
