package vcpu

import "github.com/mythril-go/hypervisor/cpuid"

// EmulateCPUID answers a CpuId exit by issuing the real instruction and then
// scrubbing the handful of bits a guest must never see, grounded on
// original_source/mythril/src/emulate/cpuid.rs's emulate_cpuid. coreID is
// the sequential core index (percpu core ID) of the core this vCPU runs on,
// returned verbatim in EDX for leaf 0x0b the way the original reads
// percore::read_core_id.
func EmulateCPUID(regs *Registers, coreID uint32) {
	leaf := uint32(regs.RAX)
	subleaf := uint32(regs.RCX)

	eax, ebx, ecx, edx := cpuid.CPUIDCount(leaf, subleaf)

	switch leaf {
	case 1:
		// Hide the hypervisor-present bit and the TSC-deadline timer bit:
		// both would lead a stock guest kernel to probe paravirt or APIC
		// timer modes this hypervisor doesn't implement.
		ecx &^= 1 << 31
		ecx &^= 1 << 24
	case 0x0b:
		edx = coreID
	}

	regs.RAX = uint64(eax) | (regs.RAX &^ 0xffffffff)
	regs.RBX = uint64(ebx) | (regs.RBX &^ 0xffffffff)
	regs.RCX = uint64(ecx) | (regs.RCX &^ 0xffffffff)
	regs.RDX = uint64(edx) | (regs.RDX &^ 0xffffffff)
}
