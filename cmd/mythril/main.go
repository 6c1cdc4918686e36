// Command mythril is the hypervisor's entry point: it discovers this
// host's own ACPI tables to find out which cores and I/O APICs exist,
// builds a guest virtual machine over them, and funnels every core into
// control.Run. Grounded on original_source/mythril/src/kmain.rs's boot
// sequence and bobuhiro11-gokvm's flag package, whose "boot"/"probe"
// subcommand split this CLI keeps.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/felixge/fgprof"
	"github.com/pkg/profile"

	"github.com/mythril-go/hypervisor/acpi"
	"github.com/mythril-go/hypervisor/apic"
	"github.com/mythril-go/hypervisor/control"
	"github.com/mythril-go/hypervisor/cpuid"
	"github.com/mythril-go/hypervisor/errs"
	"github.com/mythril-go/hypervisor/memory"
	"github.com/mythril-go/hypervisor/percpu"
	"github.com/mythril-go/hypervisor/vm"
	"github.com/mythril-go/hypervisor/vmx"
)

// cli is the top-level command set, mirroring the teacher's "boot"/"probe"
// split but parsed with kong rather than the stdlib flag package.
var cli struct {
	Boot  BootCmd  `cmd:"" help:"Boot a guest image on this host."`
	Probe ProbeCmd `cmd:"" help:"Report this host's virtualization and ACPI capabilities."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("mythril"),
		kong.Description("mythril is a minimal VMX hypervisor"),
		kong.UsageOnError())

	ctx.FatalIfErrorf(ctx.Run())
}

// BootCmd boots a single guest across every core this host's ACPI tables
// report, mirroring kmain.rs: discover the local APICs, build the VM,
// bring the APs online, then run the BSP's own vCPU loop.
type BootCmd struct {
	Kernel   string `arg:""                                                               help:"Guest kernel or firmware image to map into guest memory." type:"existingfile"`
	Bios     string `help:"BIOS image mapped at the legacy reset-vector aliases."          type:"existingfile"`
	LoadAddr uint64 `default:"1048576"                                                     help:"Guest-physical address the kernel image is mapped at."`
	MemoryMB uint64 `default:"256"                                                         help:"Guest memory size, in MiB."                            short:"m"`
	Cores    uint   `help:"Cores to bring up (0 means every core ACPI reports)."           short:"c"`
	Profile  string `default:""                                                            enum:",cpu,mem,fgprof"                                       help:"Enable profiling: cpu, mem, or fgprof."`
}

func (b *BootCmd) Run() error {
	stopProfile, err := startProfiling(b.Profile)
	if err != nil {
		return err
	}
	defer stopProfile()

	kernel, err := os.ReadFile(b.Kernel)
	if err != nil {
		return fmt.Errorf("reading guest image %s: %w", b.Kernel, err)
	}

	cores, err := discoverCores(b.Cores)
	if err != nil {
		return err
	}

	coreIDs := make([]uint8, len(cores))
	for i, la := range cores {
		coreIDs[i] = la.APICId
	}

	config := vm.NewConfig(coreIDs, b.MemoryMB)
	config.MapImage(kernel, memory.NewGuestPhysAddr(b.LoadAddr))

	if b.Bios != "" {
		bios, err := os.ReadFile(b.Bios)
		if err != nil {
			return fmt.Errorf("reading bios image %s: %w", b.Bios, err)
		}

		config.MapBios(bios)
	}

	restore, err := setRawMode()
	if err != nil {
		return fmt.Errorf("putting the terminal into raw mode: %w", err)
	}
	defer restore()

	machine, err := vm.New(config, newStdinConsole())
	if err != nil {
		return fmt.Errorf("building the virtual machine: %w", err)
	}

	vms := control.NewVMMap()
	for _, la := range cores {
		vms.Register(apic.ID(la.APICId), machine)
	}

	bspHandle := percpu.Bind(0)

	bspVMXHandle, err := vmx.Enable(cpuid.HasVMX())
	if err != nil {
		return fmt.Errorf("enabling vmx on the bootstrap processor: %w", err)
	}
	defer bspVMXHandle.Disable() //nolint:errcheck

	bspLocalApic, err := apic.Init()
	if err != nil {
		return fmt.Errorf("initializing the bootstrap processor's local apic: %w", err)
	}

	for i, la := range cores[1:] {
		coreHandle := percpu.Bind(percpu.CoreID(i + 1))
		target := apic.ID(la.APICId)

		if err := control.BringUpAP(bspLocalApic, target, coreHandle, vms); err != nil {
			return fmt.Errorf("bringing up core %s: %w", target, err)
		}
	}

	return control.Run(bspHandle, bspVMXHandle, bspLocalApic, vms)
}

// discoverCores reads the host's own MADT and returns the local APICs to
// run cores on, capped at limit when limit is nonzero.
func discoverCores(limit uint) ([]acpi.LocalAPIC, error) {
	rsdpAddr, err := acpi.FindRSDP()
	if err != nil {
		return nil, fmt.Errorf("locating ACPI RSDP: %w", err)
	}

	madtSDT, err := acpi.FindTable(rsdpAddr, "APIC")
	if err != nil {
		return nil, fmt.Errorf("locating MADT: %w", err)
	}

	madt, err := acpi.ParseMADT(madtSDT)
	if err != nil {
		return nil, fmt.Errorf("parsing MADT: %w", err)
	}

	if len(madt.LocalApics) == 0 {
		return nil, fmt.Errorf("%w: host ACPI tables report no usable local APICs", errs.ErrNotFound)
	}

	cores := madt.LocalApics
	if limit > 0 && int(limit) < len(cores) {
		cores = cores[:limit]
	}

	return cores, nil
}

// ProbeCmd reports this host's virtualization and ACPI capabilities
// without booting anything, the counterpart of the teacher's "probe"
// subcommand (which reported KVM capabilities instead).
type ProbeCmd struct{}

func (p *ProbeCmd) Run() error {
	fmt.Printf("vmx support: %v\n", cpuid.HasVMX())

	cores, err := discoverCores(0)
	if err != nil {
		fmt.Printf("acpi: %v\n", err)

		return nil
	}

	fmt.Printf("local apics: %d\n", len(cores))

	for _, la := range cores {
		fmt.Printf("  apic id %d (processor %d) enabled=%v\n", la.APICId, la.ProcessorID, la.Flags&1 != 0)
	}

	return nil
}

// startProfiling enables the requested profiler and returns a func to stop
// it, wiring the go.mod dependencies github.com/pkg/profile and
// github.com/felixge/fgprof into a runnable flag rather than leaving them
// unused.
func startProfiling(mode string) (func(), error) {
	switch mode {
	case "":
		return func() {}, nil

	case "cpu":
		p := profile.Start(profile.CPUProfile, profile.ProfilePath("."))

		return p.Stop, nil

	case "mem":
		p := profile.Start(profile.MemProfile, profile.ProfilePath("."))

		return p.Stop, nil

	case "fgprof":
		f, err := os.Create("fgprof.pprof")
		if err != nil {
			return func() {}, fmt.Errorf("creating fgprof output: %w", err)
		}

		stop := fgprof.Start(f, fgprof.FormatPprof)

		return func() {
			_ = stop()
			_ = f.Close()
		}, nil

	default:
		return func() {}, fmt.Errorf("%w: unknown profile mode %q", errs.ErrInvalidValue, mode)
	}
}
