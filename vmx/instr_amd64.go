package vmx

// The privileged VMX instructions (VMXON, VMXOFF, VMCLEAR, VMPTRLD, VMREAD,
// VMWRITE, VMLAUNCH, VMRESUME, INVEPT, INVVPID) have no Go-language
// equivalent; Go has no inline assembly. Each is wrapped the same way the
// teacher wraps raw CPUID in cpuid/cpuid.go: a thin Go function declared
// with no body, backed by a hand-written Plan9 assembly stub in
// asm_amd64.s, exactly mirroring cpuid_low's split between a Go
// declaration and a .s implementation.

//go:noescape
func vmxon(phys uint64) (rflags uint64)

//go:noescape
func vmxoff() (rflags uint64)

//go:noescape
func vmclear(phys uint64) (rflags uint64)

//go:noescape
func vmptrld(phys uint64) (rflags uint64)

//go:noescape
func vmread(field uint64) (value uint64, rflags uint64)

//go:noescape
func vmwrite(field, value uint64) (rflags uint64)

//go:noescape
func vmlaunch() (rflags uint64)

//go:noescape
func vmresume() (rflags uint64)

//go:noescape
func launchOrResume(regs *[15]uint64, resume uint64) (exited uint64, rflags uint64)

//go:noescape
func invept(mode uint64, descriptor *[2]uint64) (rflags uint64)

//go:noescape
func invvpid(mode uint64, descriptor *[2]uint64) (rflags uint64)

//go:noescape
func rdmsrRaw(msr uint32) uint64

//go:noescape
func wrmsrRaw(msr uint32, value uint64)

//go:noescape
func outbRaw(port uint16, value uint8)

//go:noescape
func readCR0() uint64

//go:noescape
func readCR3() uint64

//go:noescape
func readCR4() uint64

//go:noescape
func writeCR0(v uint64)

//go:noescape
func writeCR4(v uint64)

//go:noescape
func readGDTBase() uint64

//go:noescape
func readIDTBase() uint64

//go:noescape
func readES() uint16

//go:noescape
func readCS() uint16

//go:noescape
func readSS() uint16

//go:noescape
func readDS() uint16

//go:noescape
func readFS() uint16

//go:noescape
func readGS() uint16

//go:noescape
func readTR() uint16

// rdmsr and wrmsr are the names used inside this package; the Raw suffix
// distinguishes the asm-backed primitive.
func rdmsr(msr uint32) uint64        { return rdmsrRaw(msr) }
func wrmsr(msr uint32, value uint64) { wrmsrRaw(msr, value) }

// Rdmsr and Wrmsr are rdmsr/wrmsr's package-external names: package apic
// needs them for the x2APIC MSR range (IA32_APIC_BASE, the X2APIC_* block),
// and nothing about reading or writing a host MSR is specific to VMX, but
// this package already owns the host-privileged asm stubs so there is no
// reason to duplicate them elsewhere.
func Rdmsr(msr uint32) uint64        { return rdmsrRaw(msr) }
func Wrmsr(msr uint32, value uint64) { wrmsrRaw(msr, value) }

// Outb issues a single out %al, %dx to the given I/O port. The only caller
// today is the legacy-PIC end-of-interrupt ack vcpu's VMEXIT loop issues for
// vectors below 48 (original_source/mythril/src/vcpu.rs's handle_vmexit_impl
// TODO notes this should really go through a virtualized PIC instead).
func Outb(port uint16, value uint8) { outbRaw(port, value) }
