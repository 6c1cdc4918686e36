package control_test

import (
	"errors"
	"testing"

	"github.com/mythril-go/hypervisor/apic"
	"github.com/mythril-go/hypervisor/control"
	"github.com/mythril-go/hypervisor/errs"
	"github.com/mythril-go/hypervisor/vm"
)

func TestVMMapRegisterAndLookup(t *testing.T) {
	t.Parallel()

	vms := control.NewVMMap()
	machine := &vm.VirtualMachine{}

	vms.Register(apic.ID(3), machine)

	got, err := vms.Lookup(apic.ID(3))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	if got != machine {
		t.Fatalf("Lookup returned a different *VirtualMachine than was registered")
	}
}

func TestVMMapLookupMissing(t *testing.T) {
	t.Parallel()

	vms := control.NewVMMap()

	if _, err := vms.Lookup(apic.ID(9)); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
