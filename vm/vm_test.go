package vm_test

import (
	"bytes"
	"testing"

	"github.com/mythril-go/hypervisor/memory"
	"github.com/mythril-go/hypervisor/vm"
)

func TestNewZeroFillsMemoryAndRegistersUART(t *testing.T) {
	t.Parallel()

	config := vm.NewConfig([]uint8{0}, 1) // 1 MiB

	machine, err := vm.New(config, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := machine.Space.FindHostFrame(memory.NewGuestPhysAddr(0)); err != nil {
		t.Fatalf("expected page 0 to be mapped: %v", err)
	}

	if _, err := machine.Space.FindHostFrame(memory.NewGuestPhysAddr((1 << 20) - memory.BasePageSize)); err != nil {
		t.Fatalf("expected last page of configured memory to be mapped: %v", err)
	}

	if _, ok := config.Devices.FindPort(0x3f8); !ok {
		t.Fatalf("expected virtual UART registered at port 0x3f8")
	}
}

func TestNewMapsImageAndBios(t *testing.T) {
	t.Parallel()

	config := vm.NewConfig([]uint8{0}, 2)
	image := bytes.Repeat([]byte{0xAA}, memory.BasePageSize)
	config.MapImage(image, memory.NewGuestPhysAddr(0x10000))

	bios := bytes.Repeat([]byte{0x90}, memory.BasePageSize)
	config.MapBios(bios)

	machine, err := vm.New(config, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := machine.Space.FindHostFrame(memory.NewGuestPhysAddr(0x10000)); err != nil {
		t.Fatalf("expected image to be mapped: %v", err)
	}

	biosAddr := memory.NewGuestPhysAddr((1 << 20) - uint64(len(bios)))
	if _, err := machine.Space.FindHostFrame(biosAddr); err != nil {
		t.Fatalf("expected bios to be mapped at 1M alias: %v", err)
	}

	biosHighAddr := memory.NewGuestPhysAddr((4 << 30) - uint64(len(bios)))
	if _, err := machine.Space.FindHostFrame(biosHighAddr); err != nil {
		t.Fatalf("expected bios to be mapped at 4G alias: %v", err)
	}
}
