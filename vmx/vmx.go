// Package vmx wraps the raw Intel VMX instructions (VMXON/VMXOFF/VMPTRLD/
// VMCLEAR/VMREAD/VMWRITE/VMLAUNCH/VMRESUME/INVEPT/INVVPID) and the VMCS
// lifecycle state machine (spec §4.1-4.2, C8-C9). Every exported entry
// point here decodes the post-instruction RFLAGS the way
// original_source/mythril/src/error.rs's check_vm_insruction does: CF=1 is
// always ErrVmFailInvalid, ZF=1 reads the VmInstructionError field.
package vmx

import (
	"fmt"

	"github.com/mythril-go/hypervisor/errs"
)

// page4k is one host page, used both for the VMXON region and VMCS regions.
// The first 31 bits of both carry the revision ID from IA32_VMX_BASIC.
type page4k [4096]byte

// Vmx is the RAII-style handle returned by Enable; it owns the VMXON region
// and is the only way to call Disable/INVEPT/INVVPID, mirroring
// original_source/mythril/src/vmx.rs's Vmx struct.
type Vmx struct {
	region *page4k
}

// InvEptMode selects the INVEPT invalidation granularity.
type InvEptMode int

const (
	InvEptSingleContext InvEptMode = iota + 1 // INVEPT type 1
	InvEptGlobalContext                       // INVEPT type 2
)

// InvVpidMode selects the INVVPID invalidation granularity.
type InvVpidMode int

const (
	InvVpidIndividualAddress InvVpidMode = iota
	InvVpidSingleContext
	InvVpidAllContext
	InvVpidSingleContextRetainGlobal
)

// checkResult implements the CF/ZF decode shared by every VMX primitive.
func checkResult(rflags uint64, active *ActiveVmcs, msg string) error {
	const (
		cf = 1 << 0
		zf = 1 << 6
	)

	if rflags&cf != 0 {
		return fmt.Errorf("%s: %w", msg, errs.ErrVmFailInvalid)
	}

	if rflags&zf != 0 {
		code := uint32(0)
		if active != nil {
			code, _ = active.readFieldRaw(VmInstructionError)
		}

		return &errs.InstructionError{Code: code, Message: msg}
	}

	return nil
}

// Enable turns on VMX operation for the calling core: it validates CPUID
// support, sets the CR0/CR4 fixed bits required by IA32_VMX_CR{0,4}_FIXED0,
// stamps a fresh page with the VMX revision ID, and issues VMXON.
func Enable(hasVMX bool) (*Vmx, error) {
	if !hasVMX {
		return nil, errs.ErrNotSupported
	}

	fixed0 := rdmsr(MsrIa32VmxCr0Fixed0)
	fixed1 := rdmsr(MsrIa32VmxCr0Fixed1)
	writeCR0((readCR0() | fixed0) & fixed1)

	fixed0 = rdmsr(MsrIa32VmxCr4Fixed0)
	fixed1 = rdmsr(MsrIa32VmxCr4Fixed1)
	writeCR4((readCR4() | fixed0) & fixed1 | (1 << 13)) // CR4.VMXE

	region := &page4k{}
	revision := uint32(rdmsr(MsrIa32VmxBasic))
	putU32(region[:4], revision)

	phys := hostAddrOf(region)

	rflags := vmxon(phys)
	if err := checkResult(rflags, nil, "VMXON"); err != nil {
		return nil, err
	}

	return &Vmx{region: region}, nil
}

// Disable issues VMXOFF. It may only be called on the core that enabled
// VMX; the caller is responsible for not using the handle afterwards.
func (v *Vmx) Disable() error {
	rflags := vmxoff()

	return checkResult(rflags, nil, "VMXOFF")
}

// InvEpt invalidates EPT-derived TLB/paging-structure-cache entries.
func (v *Vmx) InvEpt(mode InvEptMode, eptp uint64) error {
	descriptor := [2]uint64{eptp, 0}
	rflags := invept(uint64(mode), &descriptor)

	return checkResult(rflags, nil, "INVEPT")
}

// InvVpid invalidates VPID-tagged TLB entries.
func (v *Vmx) InvVpid(mode InvVpidMode, vpid uint16, gva uint64) error {
	descriptor := [2]uint64{uint64(vpid), gva}
	rflags := invvpid(uint64(mode), &descriptor)

	return checkResult(rflags, nil, "INVVPID")
}

// HostState snapshots the handful of host-CPU registers
// vcpu.initializeHostVmcs needs to mirror into the Host* VMCS fields, so
// that host execution resumes in the same mode/address space it was in
// before VMLAUNCH the moment a VM-exit lands back on the host, matching
// original_source/mythril/src/vcpu.rs's initialize_host_vmcs.
type HostState struct {
	Cr0, Cr3, Cr4     uint64
	GdtrBase, IdtrBase uint64
	ES, CS, SS, DS, FS, GS, TR uint16
	FSBase, GSBase    uint64
	Efer              uint64
}

// CaptureHostState reads the calling core's current register state. Must
// be called from the goroutine that will run the vCPU loop, after it has
// pinned itself to this core (percpu.Bind), since every value read is
// core-local.
func CaptureHostState() HostState {
	return HostState{
		Cr0:       readCR0(),
		Cr3:       readCR3(),
		Cr4:       readCR4(),
		GdtrBase:  readGDTBase(),
		IdtrBase:  readIDTBase(),
		ES:        readES(),
		CS:        readCS(),
		SS:        readSS(),
		DS:        readDS(),
		FS:        readFS(),
		GS:        readGS(),
		TR:        readTR(),
		FSBase:    rdmsr(MsrIa32FsBase),
		GSBase:    rdmsr(MsrIa32GsBase),
		Efer:      rdmsr(MsrIa32Efer),
	}
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
