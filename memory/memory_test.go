package memory_test

import (
	"testing"

	"github.com/mythril-go/hypervisor/memory"
)

func TestNewGuestRAMIsPoisonedAboveHighMemBase(t *testing.T) {
	t.Parallel()

	ram, err := memory.NewGuestRAM(memory.NewGuestPhysAddr(0), 2*1024*1024)
	if err != nil {
		t.Fatalf("NewGuestRAM: %v", err)
	}

	if ram.Size() != 2*1024*1024 {
		t.Fatalf("expected size %d, got %d", 2*1024*1024, ram.Size())
	}

	buf := ram.Bytes()
	if string(buf[0x100000:0x100000+len(memory.Poison)]) != memory.Poison {
		t.Fatalf("expected poison pattern at high mem base")
	}
}

func TestGuestRAMMapInto(t *testing.T) {
	t.Parallel()

	ram, err := memory.NewGuestRAM(memory.NewGuestPhysAddr(0), memory.BasePageSize*4)
	if err != nil {
		t.Fatalf("NewGuestRAM: %v", err)
	}

	space := memory.NewGuestAddressSpace()
	if err := ram.MapInto(space, false); err != nil {
		t.Fatalf("MapInto: %v", err)
	}

	for i := 0; i < 4; i++ {
		addr := memory.NewGuestPhysAddr(uint64(i * memory.BasePageSize))
		if _, err := space.FindHostFrame(addr); err != nil {
			t.Fatalf("frame %d not mapped: %v", i, err)
		}
	}
}
