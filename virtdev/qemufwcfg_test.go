package virtdev_test

import (
	"encoding/binary"
	"testing"

	"github.com/mythril-go/hypervisor/memory"
	"github.com/mythril-go/hypervisor/virtdev"
)

func selectAndRead(t *testing.T, dev *virtdev.QemuFwCfg, selector uint16, n int) []byte {
	t.Helper()

	selBuf, err := virtdev.NewPortWriteRequest([]byte{byte(selector >> 8), byte(selector)})
	if err != nil {
		t.Fatalf("NewPortWriteRequest(selector): %v", err)
	}

	if err := dev.OnEvent(virtdev.Event{Kind: virtdev.PortWrite{Port: 0x510, Req: selBuf}}); err != nil {
		t.Fatalf("select write: %v", err)
	}

	out := make([]byte, n)

	for i := range out {
		req, err := virtdev.NewPortReadRequest(out[i : i+1])
		if err != nil {
			t.Fatalf("NewPortReadRequest: %v", err)
		}

		if err := dev.OnEvent(virtdev.Event{Kind: virtdev.PortRead{Port: 0x511, Req: req}}); err != nil {
			t.Fatalf("data read: %v", err)
		}
	}

	return out
}

func TestQemuFwCfgSignature(t *testing.T) {
	t.Parallel()

	dev := virtdev.NewQemuFwCfgBuilder().Build()

	got := selectAndRead(t, dev, virtdev.FwCfgSignature, 4)
	if string(got) != "QEMU" {
		t.Fatalf("expected QEMU signature, got %q", got)
	}
}

func TestQemuFwCfgFileDirAndFileReadback(t *testing.T) {
	t.Parallel()

	b := virtdev.NewQemuFwCfgBuilder()
	if err := b.AddFile("opt/test", []byte("hello world")); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	dev := b.Build()

	dir := selectAndRead(t, dev, virtdev.FwCfgFileDir, 4+64)

	count := binary.BigEndian.Uint32(dir[0:4])
	if count != 1 {
		t.Fatalf("expected 1 file, got %d", count)
	}

	size := binary.BigEndian.Uint32(dir[4:8])
	if size != uint32(len("hello world")) {
		t.Fatalf("expected file size %d, got %d", len("hello world"), size)
	}

	selector := binary.BigEndian.Uint16(dir[8:10])

	got := selectAndRead(t, dev, selector, len("hello world"))
	if string(got) != "hello world" {
		t.Fatalf("expected file contents round-tripped, got %q", got)
	}
}

func TestQemuFwCfgDMATransferRead(t *testing.T) {
	t.Parallel()

	b := virtdev.NewQemuFwCfgBuilder()
	if err := b.AddFile("opt/dma", []byte("dma-data")); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	dev := b.Build()

	space := memory.NewGuestAddressSpace()

	ram, err := memory.NewGuestRAM(memory.NewGuestPhysAddr(0), 4096)
	if err != nil {
		t.Fatalf("NewGuestRAM: %v", err)
	}

	if err := ram.MapInto(space, false); err != nil {
		t.Fatalf("MapInto: %v", err)
	}

	view := memory.NewGuestAddressSpaceView(memory.NewGuestPhysAddr(0), space)

	// Discover the file's selector via FILE_DIR first.
	dir := selectAndRead(t, dev, virtdev.FwCfgFileDir, 4+64)
	selector := binary.BigEndian.Uint16(dir[8:10])

	dataAddr := uint64(0x100)
	respAddr := uint64(0x200)

	req := make([]byte, 16)
	control := uint32(selector)<<16 | uint32(1<<3|1<<1) // SELECT | READ
	binary.BigEndian.PutUint32(req[0:4], control)
	binary.BigEndian.PutUint32(req[4:8], uint32(len("dma-data")))
	binary.BigEndian.PutUint64(req[8:16], dataAddr)

	if err := view.WriteBytes(memory.NewGuestVirtAddr(respAddr, false), req, memory.GuestAccess{Kind: memory.AccessWrite}); err != nil {
		t.Fatalf("seed DMA request: %v", err)
	}

	high, err := virtdev.NewPortWriteRequest([]byte{0, 0, 0, 0})
	if err != nil {
		t.Fatalf("NewPortWriteRequest(high): %v", err)
	}

	if err := dev.OnEvent(virtdev.Event{Kind: virtdev.PortWrite{Port: 0x514, Req: high}, Space: view}); err != nil {
		t.Fatalf("DMA high write: %v", err)
	}

	lowBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lowBuf, uint32(respAddr))

	low, err := virtdev.NewPortWriteRequest(lowBuf)
	if err != nil {
		t.Fatalf("NewPortWriteRequest(low): %v", err)
	}

	if err := dev.OnEvent(virtdev.Event{Kind: virtdev.PortWrite{Port: 0x518, Req: low}, Space: view}); err != nil {
		t.Fatalf("DMA low write: %v", err)
	}

	got, err := view.ReadBytes(memory.NewGuestVirtAddr(dataAddr, false), len("dma-data"), memory.GuestAccess{Kind: memory.AccessRead})
	if err != nil {
		t.Fatalf("read DMA result: %v", err)
	}

	if string(got) != "dma-data" {
		t.Fatalf("expected dma-data written to guest memory, got %q", got)
	}
}
