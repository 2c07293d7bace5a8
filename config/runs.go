package config

import (
	"fmt"
	"net"

	"github.com/hyvisor/uhyve/probe"
	"github.com/hyvisor/uhyve/vmm"
)

func parseIPv4(s string) (addr [4]byte, err error) {
	if s == "" {
		return addr, nil
	}

	ip := net.ParseIP(s).To4()
	if ip == nil {
		return addr, fmt.Errorf("config: %q is not a valid IPv4 address", s)
	}

	copy(addr[:], ip)

	return addr, nil
}

// Run boots a guest per the parsed flags, running the vCPU fleet until it
// halts or the process is asked to stop.
func (b *BootCmd) Run() error {
	memSize, err := ParseSize(b.MemSize, "m")
	if err != nil {
		return err
	}

	ip, err := parseIPv4(b.IP)
	if err != nil {
		return err
	}

	gw, err := parseIPv4(b.Gateway)
	if err != nil {
		return err
	}

	mask, err := parseIPv4(b.Mask)
	if err != nil {
		return err
	}

	cfg := vmm.Config{
		NumCPUs:           b.NumCPUs,
		MemSize:           uint64(memSize),
		KernelPath:        b.Kernel,
		IPv4:              ip,
		Gateway:           gw,
		Netmask:           mask,
		HasNetConfig:      b.IP != "",
		TapIfName:         b.TapIfName,
		UARTPort:          b.UARTPort,
		FullCheckpoint:    b.FullCheckpoint,
		CheckpointPeriod:  b.CheckpointPeriod,
		MigrationDestAddr: b.MigrationDest,
	}

	vm, err := vmm.New(b.Dev, cfg)
	if err != nil {
		return err
	}
	defer vm.Close()

	if err := vm.Init(); err != nil {
		return err
	}

	if b.Resume {
		if err := vm.LoadCheckpoint(); err != nil {
			return err
		}
	} else {
		if err := vm.LoadKernel(b.Kernel); err != nil {
			return err
		}
	}

	if err := vm.CreateCPUs(); err != nil {
		return err
	}

	if err := vm.InitCPUs(); err != nil {
		return err
	}

	return vm.Run()
}

// Run prints the host's KVM capability support.
func (p *ProbeCmd) Run() error {
	if p.CPUID {
		return probe.CPUID()
	}

	return probe.KVMCapabilities()
}

// Run starts a passive hypervisor that blocks waiting for exactly one
// incoming migration stream, then runs the received guest.
func (m *MigrateCmd) Run() error {
	memSize, err := ParseSize(m.MemSize, "m")
	if err != nil {
		return err
	}

	cfg := vmm.Config{MemSize: uint64(memSize)}

	vm, err := vmm.New(m.Dev, cfg)
	if err != nil {
		return err
	}
	defer vm.Close()

	if err := vm.Init(); err != nil {
		return err
	}

	if err := vm.LoadMigration(m.Listen); err != nil {
		return err
	}

	if err := vm.CreateCPUs(); err != nil {
		return err
	}

	if err := vm.InitCPUs(); err != nil {
		return err
	}

	return vm.Run()
}
