package virtdev_test

import (
	"testing"

	"github.com/mythril-go/hypervisor/virtdev"
)

func TestCmosRtcSelectAndReadbackAddress(t *testing.T) {
	t.Parallel()

	rtc := virtdev.NewCmosRtc()

	writeReq, err := virtdev.NewPortWriteRequest([]byte{0x0b})
	if err != nil {
		t.Fatalf("NewPortWriteRequest: %v", err)
	}

	if err := rtc.OnEvent(virtdev.Event{Kind: virtdev.PortWrite{Port: 0x0070, Req: writeReq}}); err != nil {
		t.Fatalf("select register: %v", err)
	}

	buf := make([]byte, 1)

	readReq, err := virtdev.NewPortReadRequest(buf)
	if err != nil {
		t.Fatalf("NewPortReadRequest: %v", err)
	}

	if err := rtc.OnEvent(virtdev.Event{Kind: virtdev.PortRead{Port: 0x0070, Req: readReq}}); err != nil {
		t.Fatalf("read address: %v", err)
	}

	if buf[0] != 0x0b {
		t.Fatalf("expected selected register 0x0b echoed back, got %#x", buf[0])
	}
}

func TestCmosRtcUnknownRegisterDataReadsZero(t *testing.T) {
	t.Parallel()

	rtc := virtdev.NewCmosRtc()

	writeReq, err := virtdev.NewPortWriteRequest([]byte{0x50})
	if err != nil {
		t.Fatalf("NewPortWriteRequest: %v", err)
	}

	if err := rtc.OnEvent(virtdev.Event{Kind: virtdev.PortWrite{Port: 0x0070, Req: writeReq}}); err != nil {
		t.Fatalf("select unknown register: %v", err)
	}

	buf := make([]byte, 1)

	readReq, err := virtdev.NewPortReadRequest(buf)
	if err != nil {
		t.Fatalf("NewPortReadRequest: %v", err)
	}

	if err := rtc.OnEvent(virtdev.Event{Kind: virtdev.PortRead{Port: 0x0071, Req: readReq}}); err != nil {
		t.Fatalf("read data: %v", err)
	}

	if buf[0] != 0 {
		t.Fatalf("expected zero for unknown register, got %#x", buf[0])
	}
}

func TestCmosRtcShutdownStatusWriteIsIgnored(t *testing.T) {
	t.Parallel()

	rtc := virtdev.NewCmosRtc()

	sel, err := virtdev.NewPortWriteRequest([]byte{0x0f})
	if err != nil {
		t.Fatalf("NewPortWriteRequest: %v", err)
	}

	if err := rtc.OnEvent(virtdev.Event{Kind: virtdev.PortWrite{Port: 0x0070, Req: sel}}); err != nil {
		t.Fatalf("select shutdown status: %v", err)
	}

	data, err := virtdev.NewPortWriteRequest([]byte{0x01})
	if err != nil {
		t.Fatalf("NewPortWriteRequest: %v", err)
	}

	if err := rtc.OnEvent(virtdev.Event{Kind: virtdev.PortWrite{Port: 0x0071, Req: data}}); err != nil {
		t.Fatalf("expected shutdown status write to be silently ignored, got %v", err)
	}
}
