package vmx

import (
	"fmt"

	"github.com/mythril-go/hypervisor/errs"
)

// vmcsState is the three-state lifecycle from spec §3: a freshly allocated
// region is Uninitialized, VMCLEAR moves it to Clear, VMPTRLD moves it to
// Active. Field reads/writes are only valid in Active.
type vmcsState int

const (
	stateUninitialized vmcsState = iota
	stateClear
	stateActive
)

// Vmcs owns one 4 KiB VMCS region. It is never itself readable/writable;
// Activate must be called first to obtain an ActiveVmcs.
type Vmcs struct {
	region *page4k
	state  vmcsState
}

// New allocates and zeroes a VMCS region. The region is not yet Clear; the
// first Activate call stamps the revision ID and issues VMPTRLD directly
// from Uninitialized, matching original_source/mythril/src/vmcs.rs's Vmcs,
// which never requires an explicit VMCLEAR before the first VMPTRLD.
func New() *Vmcs {
	return &Vmcs{region: &page4k{}, state: stateUninitialized}
}

// ActiveVmcs is the capability to read/write fields of exactly one VMCS,
// which is the currently loaded one on this core.
type ActiveVmcs struct {
	vmcs *Vmcs
	vmx  *Vmx
}

// Activate stamps the revision ID into the region and issues VMPTRLD.
func (v *Vmcs) Activate(vmx *Vmx) (*ActiveVmcs, error) {
	revision := uint32(rdmsr(MsrIa32VmxBasic))
	putU32(v.region[:4], revision)

	phys := hostAddrOf(v.region)

	rflags := vmptrld(phys)
	if err := checkResult(rflags, nil, "VMPTRLD"); err != nil {
		return nil, err
	}

	v.state = stateActive

	return &ActiveVmcs{vmcs: v, vmx: vmx}, nil
}

// Deactivate issues VMCLEAR, returning the VMCS to the Clear state.
func (a *ActiveVmcs) Deactivate() error {
	phys := hostAddrOf(a.vmcs.region)

	rflags := vmclear(phys)
	if err := checkResult(rflags, nil, "VMCLEAR"); err != nil {
		return err
	}

	a.vmcs.state = stateClear

	return nil
}

// WithActiveVmcs is the scoped-activation helper: it activates vmcs, runs
// fn, and guarantees VMCLEAR on every exit path (success, error, or panic),
// the Go equivalent of original_source/mythril/src/vmcs.rs's
// TemporaryActiveVmcs (which relies on Rust's Drop; Go has no destructors,
// so a closure plus defer is the idiomatic substitute).
func WithActiveVmcs(vmcs *Vmcs, vmx *Vmx, fn func(*ActiveVmcs) error) (err error) {
	active, err := vmcs.Activate(vmx)
	if err != nil {
		return err
	}

	defer func() {
		if derr := active.Deactivate(); derr != nil && err == nil {
			err = derr
		}
	}()

	return fn(active)
}

// readFieldRaw is used internally by checkResult to fetch
// VmInstructionError without going through the public error-checked
// ReadField (which would recurse).
func (a *ActiveVmcs) readFieldRaw(field VmcsField) (uint32, error) {
	value, rflags := vmread(uint64(field))
	if rflags&(1<<0) != 0 || rflags&(1<<6) != 0 {
		return 0, errs.ErrVmFailInvalid
	}

	return uint32(value), nil
}

// ReadField reads a VMCS field, decoding CF/ZF per spec §3.
func (a *ActiveVmcs) ReadField(field VmcsField) (uint64, error) {
	value, rflags := vmread(uint64(field))
	if err := checkResult(rflags, a, fmt.Sprintf("VMREAD(%#x)", uint64(field))); err != nil {
		return 0, err
	}

	return value, nil
}

// WriteField writes a VMCS field, decoding CF/ZF per spec §3.
func (a *ActiveVmcs) WriteField(field VmcsField, value uint64) error {
	rflags := vmwrite(uint64(field), value)

	return checkResult(rflags, a, fmt.Sprintf("VMWRITE(%#x)", uint64(field)))
}

// WriteWithFixed implements the fixed-bit MSR write algorithm (spec §4.2):
// the low dword of msr gives required-one bits, the high dword gives
// allowed-one bits. The written value is value|required; the call fails if
// value sets any bit the high dword disallows.
func (a *ActiveVmcs) WriteWithFixed(field VmcsField, value uint32, msr uint32) error {
	raw := rdmsr(msr)

	fixed, err := applyFixedBits(value, uint32(raw), uint32(raw>>32))
	if err != nil {
		return err
	}

	return a.WriteField(field, uint64(fixed))
}

// applyFixedBits is the pure fixed-bit MSR algorithm, split out from
// WriteWithFixed so it can be unit tested without real VMX hardware.
func applyFixedBits(value, required, allowed uint32) (uint32, error) {
	if value&^allowed != 0 {
		return 0, fmt.Errorf("%w: value %#x sets bits disallowed by fixed-bit msr (allowed %#x)",
			errs.ErrInvalidValue, value, allowed)
	}

	return value | required, nil
}

// Vmx returns the owning Vmx handle, needed by callers that issue
// INVEPT/INVVPID against the currently active VMCS's EPTP/VPID.
func (a *ActiveVmcs) Vmx() *Vmx { return a.vmx }

// LaunchOrResume enters the guest, blocking until the next VM-exit. regs
// is both the guest GPR input (loaded into the physical registers right
// before entry) and the output (overwritten in place with the guest's GPR
// values as of the exit). HostRsp/HostRip are installed by the assembly
// stub itself, pointed at its own VM-exit re-entry point, so this call
// behaves like an ordinary blocking function from the Go side despite
// control passing through the guest in between.
//
// An error here means the instruction itself failed synchronously (CF/ZF
// set, regs untouched) rather than that a VM-exit occurred; a real
// VM-exit is the normal, nil-error return and the caller inspects the
// VMCS exit-reason field to see why.
func (a *ActiveVmcs) LaunchOrResume(regs *[15]uint64, resume bool) error {
	var r uint64
	if resume {
		r = 1
	}

	exited, rflags := launchOrResume(regs, r)
	if exited == 0 {
		return checkResult(rflags, a, "VMLAUNCH/VMRESUME")
	}

	return nil
}
