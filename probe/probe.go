// Package probe prints host KVM capability information for the
// "probe" CLI subcommand, the way the source lineage's own probe
// package prints supported CPUID leaves.
package probe

import (
	"fmt"
	"os"

	"github.com/hyvisor/uhyve/kvm"
)

// interesting is the set of capabilities this hypervisor actually cares
// about, in the order they are printed.
var interesting = []kvm.Capability{
	kvm.CapIRQFD,
	kvm.CapSyncMMU,
	kvm.CapIRQChip,
	kvm.CapAdjustClock,
	kvm.CapTSCDeadlineTimer,
	kvm.CapVapic,
	kvm.CapX2APICAPI,
	kvm.CapUserMemory,
	kvm.CapSetTSSAddr,
	kvm.CapSetIdentityMapAddr,
}

// KVMCapabilities opens the default control device and prints whether
// each capability this hypervisor depends on is present, returning an
// error only if the device itself cannot be opened or queried.
func KVMCapabilities() error {
	kvmFile, err := os.Open("/dev/kvm")
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	kvmFd := kvmFile.Fd()

	for _, c := range interesting {
		v, err := kvm.CheckExtension(kvmFd, c)
		if err != nil {
			return fmt.Errorf("probe: check extension %s: %w", c, err)
		}

		status := "unsupported"
		if v != 0 {
			status = "supported"
		}

		fmt.Printf("%-24s %s\n", c, status)
	}

	return nil
}

// CPUID prints the host's supported CPUID leaves, carried over from the
// teacher's own cpuid probe.
func CPUID() error {
	kvmFile, err := os.Open("/dev/kvm")
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	kvmFd := kvmFile.Fd()

	ids := kvm.CPUID{Nent: 100}
	if err := kvm.GetSupportedCPUID(kvmFd, &ids); err != nil {
		return err
	}

	for _, e := range ids.Entries[:ids.Nent] {
		fmt.Printf("0x%08x 0x%02x: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x\n",
			e.Function, e.Index, e.Eax, e.Ebx, e.Ecx, e.Edx)
	}

	return nil
}
