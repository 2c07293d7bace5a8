package vmm

import (
	"fmt"

	"github.com/hyvisor/uhyve/kvm"
	"github.com/hyvisor/uhyve/vcpu"
)

// The methods in this file implement checkpoint.Snapshotter,
// checkpoint.Restorer, migration.Source, and migration.Sink, letting a
// *VirtualMachine stand in directly wherever those packages need a view
// of VM state.

// GuestClock reads the current guest paravirt clock.
func (vm *VirtualMachine) GuestClock() (*kvm.ClockData, error) {
	c, err := kvm.GetClock(vm.vmFd)
	if err != nil {
		return nil, fmt.Errorf("vmm: get clock: %w", err)
	}

	return c, nil
}

// SnapshotCPU reads the full architectural state of vCPU id. Callers
// must hold the safepoint rendezvous first.
func (vm *VirtualMachine) SnapshotCPU(id int) (vcpu.State, error) {
	return vcpu.Snapshot(vm.cpuFds[id], vm.msrIndices)
}

// NumCPUs returns the configured vCPU count.
func (vm *VirtualMachine) NumCPUs() int { return vm.cfg.NumCPUs }

// MemBytes exposes the full guest memory backing for bulk copy.
func (vm *VirtualMachine) MemBytes() []byte { return vm.mem.Bytes() }

// ElfEntry returns the guest's entry point, the one piece of
// CheckpointConfig the passive side of a migration cannot derive itself.
func (vm *VirtualMachine) ElfEntry() uint64 { return vm.elfEntry }

// AdjustClockStable reports whether the host can publish a guest clock
// value without perturbing it, per the ADJUST_CLOCK capability.
func (vm *VirtualMachine) AdjustClockStable() bool { return vm.caps.AdjustClock }

// RestoreCPU stashes a vCPU's state for InitCPUs to apply once the fleet
// exists; LoadCheckpoint/LoadMigration always run before CreateCPUs, so
// there is never a live vCPU descriptor to restore into directly here.
func (vm *VirtualMachine) RestoreCPU(id int, st vcpu.State) error {
	vm.pendingStates[id] = st

	return nil
}

// SetGuestClock stashes a received clock value for InitCPUs to publish,
// for the same reason RestoreCPU defers: the control device has no clock
// to set until CreateCPUs/Init have run.
func (vm *VirtualMachine) SetGuestClock(c *kvm.ClockData) error {
	vm.pendingClock = c

	return nil
}
