package vcpu_test

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/mythril-go/hypervisor/vcpu"
)

func TestWriteReg32ZeroExtends(t *testing.T) {
	t.Parallel()

	r := &vcpu.Registers{RAX: 0xffffffffffffffff}

	if err := r.WriteReg(x86asm.EAX, 0x12345678); err != nil {
		t.Fatalf("WriteReg: %v", err)
	}

	if r.RAX != 0x12345678 {
		t.Fatalf("expected zero-extended write, got %#x", r.RAX)
	}
}

func TestWriteReg16PreservesUpperBits(t *testing.T) {
	t.Parallel()

	r := &vcpu.Registers{RAX: 0x1122334455667788}

	if err := r.WriteReg(x86asm.AX, 0xbeef); err != nil {
		t.Fatalf("WriteReg: %v", err)
	}

	if r.RAX != 0x112233445566beef {
		t.Fatalf("expected upper 48 bits preserved, got %#x", r.RAX)
	}
}

func TestWriteReg8PreservesUpperBits(t *testing.T) {
	t.Parallel()

	r := &vcpu.Registers{RBX: 0x1122334455667788}

	if err := r.WriteReg(x86asm.BL, 0xaa); err != nil {
		t.Fatalf("WriteReg: %v", err)
	}

	if r.RBX != 0x11223344556677aa {
		t.Fatalf("expected upper 56 bits preserved, got %#x", r.RBX)
	}
}

func TestReadRegTruncatesToWidth(t *testing.T) {
	t.Parallel()

	r := &vcpu.Registers{RCX: 0x1122334455667788}

	got, err := r.ReadReg(x86asm.ECX)
	if err != nil {
		t.Fatalf("ReadReg: %v", err)
	}

	if got != 0x55667788 {
		t.Fatalf("expected low 32 bits, got %#x", got)
	}
}

func TestReadReg64IsFull(t *testing.T) {
	t.Parallel()

	r := &vcpu.Registers{R15: 0xdeadbeefcafef00d}

	got, err := r.ReadReg(x86asm.R15)
	if err != nil {
		t.Fatalf("ReadReg: %v", err)
	}

	if got != 0xdeadbeefcafef00d {
		t.Fatalf("expected full 64 bits, got %#x", got)
	}
}

func TestUnsupportedRegisterErrors(t *testing.T) {
	t.Parallel()

	r := &vcpu.Registers{}

	if _, err := r.ReadReg(x86asm.RSP); err == nil {
		t.Fatalf("expected RSP (which lives in the VMCS) to be unsupported here")
	}
}
