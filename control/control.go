// Package control is the control plane (C17): it maps local-APIC IDs to
// the VirtualMachine each one runs, brings additional cores online (C16),
// and runs the common per-core entry point every core funnels through
// once it is up. Grounded on original_source/mythril/src/vm.rs's VM_MAP
// and vcpu.rs's mp_entry_point.
package control

import (
	"fmt"
	"sync"
	"time"

	"github.com/mythril-go/hypervisor/apic"
	"github.com/mythril-go/hypervisor/cpuid"
	"github.com/mythril-go/hypervisor/errs"
	"github.com/mythril-go/hypervisor/percpu"
	"github.com/mythril-go/hypervisor/timer"
	"github.com/mythril-go/hypervisor/vm"
	"github.com/mythril-go/hypervisor/vmx"
)

// VMMap maps local-APIC IDs to the VirtualMachine running on that core,
// grounded on vm.rs's global VM_MAP. Unlike the original's single
// process-wide static, a *VMMap is built once at boot and threaded
// explicitly to whichever core code needs it.
type VMMap struct {
	mu sync.RWMutex
	m  map[apic.ID]*vm.VirtualMachine
}

// NewVMMap builds an empty map.
func NewVMMap() *VMMap {
	return &VMMap{m: make(map[apic.ID]*vm.VirtualMachine)}
}

// Register assigns vm to run on the core identified by id.
func (t *VMMap) Register(id apic.ID, v *vm.VirtualMachine) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.m[id] = v
}

// Lookup returns the VirtualMachine registered for id.
func (t *VMMap) Lookup(id apic.ID) (*vm.VirtualMachine, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v, ok := t.m[id]
	if !ok {
		return nil, fmt.Errorf("%w: no virtual machine for apic id %s", errs.ErrNotFound, id)
	}

	return v, nil
}

// EnterCore is the common entry point every core -- BSP or AP -- runs once
// it is ready to host a vCPU, mirroring mp_entry_point: past this point
// there is no distinction between the two. It enables VMX, brings up the
// local APIC, then hands off to Run.
func EnterCore(core percpu.Handle, vms *VMMap) error {
	vmxHandle, err := vmx.Enable(cpuid.HasVMX())
	if err != nil {
		return fmt.Errorf("enabling vmx on core %d: %w", core.ID(), err)
	}
	defer vmxHandle.Disable() //nolint:errcheck

	localApic, err := apic.Init()
	if err != nil {
		return fmt.Errorf("initializing local apic on core %d: %w", core.ID(), err)
	}

	return Run(core, vmxHandle, localApic, vms)
}

// Run is EnterCore's shared tail, split out so the BSP's caller can bring
// up additional cores (which needs the BSP's own *apic.LocalApic to send
// IPIs from, via BringUpAP) before the BSP falls into its own vCPU loop.
// It starts a fresh timer wheel, looks up which VirtualMachine core's local
// APIC ID is assigned to, builds a vCPU against it, and runs that vCPU
// until it returns an error.
func Run(core percpu.Handle, vmxHandle *vmx.Vmx, localApic *apic.LocalApic, vms *VMMap) error {
	wheel := timer.NewTimerWheel(percpu.CoreID(core.ID()))

	virtualMachine, err := vms.Lookup(localApic.LocalID())
	if err != nil {
		return err
	}

	cpu, err := virtualMachine.NewVCpu(vmxHandle, core, localApic, wheel)
	if err != nil {
		return fmt.Errorf("creating vcpu on core %d: %w", core.ID(), err)
	}

	return cpu.Run()
}

// apReadyTimeout bounds how long BringUpAP waits for an AP to report in
// before giving up, standing in for the original's unbounded
// "while AP_READY != 1 {}" spin: a goroutine that never starts (or panics
// before signaling) must not wedge the boot sequence forever.
const apReadyTimeout = 5 * time.Second

// BringUpAP brings core online: it sends one INIT IPI followed by one SIPI
// from the BSP's local APIC to the target AP,
// mirroring kmain.rs's AP bring-up loop, then waits for the AP to signal
// readiness before returning. There is no physical trampoline page or
// per-AP stack to allocate in a hosted process -- the Go runtime already
// gives every goroutine its own stack -- so entry is a goroutine that
// performs the AP's side of the handshake (initialize its local APIC,
// signal ready, then fall into EnterCore) rather than a jump to a
// physical startup vector.
func BringUpAP(bsp *apic.LocalApic, target apic.ID, core percpu.Handle, vms *VMMap) error {
	ready := make(chan error, 1)

	go func() {
		localApic, err := apic.Init()
		if err != nil {
			ready <- fmt.Errorf("initializing local apic on ap %s: %w", target, err)
			return
		}

		if localApic.LocalID() != target {
			ready <- fmt.Errorf("%w: ap reported id %s, expected %s", errs.ErrInvalidValue, localApic.LocalID(), target)
			return
		}

		ready <- nil

		if err := EnterCore(core, vms); err != nil {
			// The AP has already reported ready; a post-entry failure is no
			// longer something BringUpAP's caller can act on.
			_ = err
		}
	}()

	bsp.SendIPI(target, apic.DstNoShorthand, apic.TriggerEdge, apic.LevelAssert, apic.DstModePhysical, apic.DeliveryInit, 0)
	bsp.SendIPI(target, apic.DstNoShorthand, apic.TriggerEdge, apic.LevelAssert, apic.DstModePhysical, apic.DeliveryStartUp, 0)

	select {
	case err := <-ready:
		return err
	case <-time.After(apReadyTimeout):
		return fmt.Errorf("%w: ap %s did not report ready within %s", errs.ErrNotFound, target, apReadyTimeout)
	}
}
