package memory_test

import (
	"errors"
	"testing"

	"github.com/mythril-go/hypervisor/errs"
	"github.com/mythril-go/hypervisor/memory"
)

func TestGuestAddressSpaceMapAndFind(t *testing.T) {
	t.Parallel()

	space := memory.NewGuestAddressSpace()

	guestAddr := memory.NewGuestPhysAddr(0x3000)
	if err := space.MapNewFrame(guestAddr, false); err != nil {
		t.Fatalf("MapNewFrame: %v", err)
	}

	frame, err := space.FindHostFrame(guestAddr)
	if err != nil {
		t.Fatalf("FindHostFrame: %v", err)
	}

	if frame.StartAddress().Uint64() == 0 {
		t.Fatalf("expected non-zero host frame address")
	}
}

func TestGuestAddressSpaceDuplicateMapping(t *testing.T) {
	t.Parallel()

	space := memory.NewGuestAddressSpace()
	guestAddr := memory.NewGuestPhysAddr(0x4000)

	if err := space.MapNewFrame(guestAddr, false); err != nil {
		t.Fatalf("first MapNewFrame: %v", err)
	}

	err := space.MapNewFrame(guestAddr, false)
	if !errors.Is(err, errs.ErrDuplicateMapping) {
		t.Fatalf("expected ErrDuplicateMapping, got %v", err)
	}
}

func TestGuestAddressSpaceMissingMapping(t *testing.T) {
	t.Parallel()

	space := memory.NewGuestAddressSpace()

	_, err := space.FindHostFrame(memory.NewGuestPhysAddr(0x5000))
	if !errors.Is(err, errs.ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}

func TestEptpEncodesWalkLengthAndMemoryType(t *testing.T) {
	t.Parallel()

	space := memory.NewGuestAddressSpace()
	eptp := space.Eptp()

	if eptp&0b111 != 6 {
		t.Fatalf("expected write-back memory type (6) in low 3 bits, got %#x", eptp&0b111)
	}

	if (eptp>>3)&0b111 != 3 {
		t.Fatalf("expected walk length 4-1=3 at bits [5:3], got %#x", (eptp>>3)&0b111)
	}
}

func TestNoPagingTranslationIsIdentity(t *testing.T) {
	t.Parallel()

	space := memory.NewGuestAddressSpace()

	addr := memory.NewGuestVirtAddr(0xabc000, false)

	got, err := space.TranslateLinearAddress(memory.NewGuestPhysAddr(0), addr, memory.GuestAccess{Kind: memory.AccessRead})
	if err != nil {
		t.Fatalf("TranslateLinearAddress: %v", err)
	}

	if got.Uint64() != 0xabc000 {
		t.Fatalf("expected identity translation, got %#x", got.Uint64())
	}
}
