package virtdev_test

import (
	"testing"

	"github.com/mythril-go/hypervisor/virtdev"
)

func pciSelectRegister(t *testing.T, complex *virtdev.PciRootComplex, register uint8) {
	t.Helper()

	addr := uint32(register) << 2

	buf := make([]byte, 4)
	buf[0] = byte(addr >> 24)
	buf[1] = byte(addr >> 16)
	buf[2] = byte(addr >> 8)
	buf[3] = byte(addr)

	req, err := virtdev.NewPortWriteRequest(buf)
	if err != nil {
		t.Fatalf("NewPortWriteRequest: %v", err)
	}

	if err := complex.OnEvent(virtdev.Event{Kind: virtdev.PortWrite{Port: 0xcf8, Req: req}}); err != nil {
		t.Fatalf("select register: %v", err)
	}
}

func pciReadAt(t *testing.T, complex *virtdev.PciRootComplex, port virtdev.Port, width int) []byte {
	t.Helper()

	buf := make([]byte, width)

	req, err := virtdev.NewPortReadRequest(buf)
	if err != nil {
		t.Fatalf("NewPortReadRequest: %v", err)
	}

	if err := complex.OnEvent(virtdev.Event{Kind: virtdev.PortRead{Port: port, Req: req}}); err != nil {
		t.Fatalf("read: %v", err)
	}

	return buf
}

func beUint32(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}

	return v
}

func TestPciRootComplexFullRegisterRead(t *testing.T) {
	t.Parallel()

	complex := virtdev.NewPciRootComplex()
	pciSelectRegister(t, complex, 0)

	got := pciReadAt(t, complex, 0xcfc, 4)
	if beUint32(got) != 0x29c08086 {
		t.Fatalf("expected host bridge vendor/device 0x29c08086, got %#x", beUint32(got))
	}
}

func TestPciRootComplexHalfRegisterRead(t *testing.T) {
	t.Parallel()

	complex := virtdev.NewPciRootComplex()
	pciSelectRegister(t, complex, 0)

	low := pciReadAt(t, complex, 0xcfc, 2)
	if beUint32(low) != 0x8086 {
		t.Fatalf("expected vendor id 0x8086, got %#x", beUint32(low))
	}

	high := pciReadAt(t, complex, 0xcfc+2, 2)
	if beUint32(high) != 0x29c0 {
		t.Fatalf("expected device id 0x29c0, got %#x", beUint32(high))
	}
}

func TestPciRootComplexByteRegisterRead(t *testing.T) {
	t.Parallel()

	complex := virtdev.NewPciRootComplex()
	pciSelectRegister(t, complex, 0)

	want := []byte{0x86, 0x80, 0xc0, 0x29}
	for i, w := range want {
		got := pciReadAt(t, complex, virtdev.Port(0xcfc+i), 1)
		if got[0] != w {
			t.Fatalf("byte %d: expected %#x, got %#x", i, w, got[0])
		}
	}
}

func TestPciRootComplexUnknownDeviceReadsAllOnes(t *testing.T) {
	t.Parallel()

	complex := virtdev.NewPciRootComplex()
	pciSelectRegister(t, complex, 0)

	// BDF 00:02.0 has no device registered.
	addr := uint32(2)<<11 | 0<<2
	buf := []byte{byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}

	req, err := virtdev.NewPortWriteRequest(buf)
	if err != nil {
		t.Fatalf("NewPortWriteRequest: %v", err)
	}

	if err := complex.OnEvent(virtdev.Event{Kind: virtdev.PortWrite{Port: 0xcf8, Req: req}}); err != nil {
		t.Fatalf("select: %v", err)
	}

	got := pciReadAt(t, complex, 0xcfc, 4)
	if beUint32(got) != 0xffffffff {
		t.Fatalf("expected all-ones for unregistered device, got %#x", beUint32(got))
	}
}

func TestPciRootComplexAddressReadReflectsEnableBit(t *testing.T) {
	t.Parallel()

	complex := virtdev.NewPciRootComplex()
	pciSelectRegister(t, complex, 0)

	got := pciReadAt(t, complex, 0xcf8, 4)
	if beUint32(got)&0x80000000 == 0 {
		t.Fatalf("expected enable bit set on PCI_CONFIG_ADDRESS readback, got %#x", beUint32(got))
	}
}
