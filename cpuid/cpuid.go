// Package cpuid wraps the raw x86 CPUID instruction (cpuid.s), adapted from
// bobuhiro11-gokvm's cpuid package: that teacher used CPUID results to patch
// a KVM guest's CPUID table before vcpu creation; this hypervisor instead
// reads the host's own CPUID directly, both to decide whether VMX is usable
// (HasVMX, control.EnterCore) and to answer a guest's CpuId VM-exit with
// scrubbed host values (vcpu.EmulateCPUID).
package cpuid

func cpuid_low(arg1, arg2 uint32) (eax, ebx, ecx, edx uint32) // implemented in cpuid.s

// CPUID issues the CPUID instruction for leaf with subleaf 0.
func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuid_low(leaf, 0)
}

// CPUIDCount issues CPUID with both a leaf and subleaf selector, needed by
// leaves such as 0x4 and 0x7 whose result depends on ECX at entry.
func CPUIDCount(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuid_low(leaf, subleaf)
}

const vmxFeatureBit = 1 << 5 // CPUID.1:ECX[5], SDM Vol. 3C §23.6.

// HasVMX reports whether the host CPU advertises VMX support, the check
// control.EnterCore needs before calling vmx.Enable.
func HasVMX() bool {
	_, _, ecx, _ := CPUID(1)

	return ecx&vmxFeatureBit != 0
}
