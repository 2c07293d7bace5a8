package vmm

import (
	"errors"
	"fmt"

	"github.com/hyvisor/uhyve/boot"
	"github.com/hyvisor/uhyve/checkpoint"
	"github.com/hyvisor/uhyve/kvm"
	"github.com/hyvisor/uhyve/migration"
)

// handleCheckpoint runs the rendezvous/write sequence of §4.G's write
// path: pause every vCPU at the safepoint, snapshot+scan, then resume.
// The control-event mutex is a defensive second layer — the coordinator
// select loop already serializes checkpoint and migration handling by
// construction — against a future caller invoking this from more than
// one goroutine.
func (vm *VirtualMachine) handleCheckpoint() error {
	vm.controlMu.Lock()
	defer vm.controlMu.Unlock()

	vm.rendezvousBegin()
	defer vm.rendezvousEnd()

	n, err := checkpoint.Write(vm.mem.Bytes(), boot.PML4Addr, vm, checkpoint.Config{
		NumCPUs:       vm.cfg.NumCPUs,
		MemSize:       vm.MemSize(),
		CheckpointNum: vm.checkpointNum,
		ElfEntry:      vm.elfEntry,
		Full:          vm.cfg.FullCheckpoint,
	})
	if err != nil {
		return err
	}

	vm.checkpointNum = n + 1

	return nil
}

// ErrNoMigrationTarget is returned by handleMigration when SIGUSR1
// arrives but no destination was configured.
var ErrNoMigrationTarget = errors.New("vmm: no migration destination configured")

// handleMigration runs the rendezvous/send sequence of §4.H's active
// side. The deferred rendezvousEnd releases the fleet either way; on
// success Run then breaks its select loop and stops the fleet, on failure
// the guest keeps running.
func (vm *VirtualMachine) handleMigration() error {
	if vm.cfg.MigrationDestAddr == "" {
		return ErrNoMigrationTarget
	}

	vm.controlMu.Lock()
	defer vm.controlMu.Unlock()

	vm.rendezvousBegin()
	defer vm.rendezvousEnd()

	if err := migration.Dial(vm.cfg.MigrationDestAddr, vm); err != nil {
		return fmt.Errorf("vmm: migrate to %s: %w", vm.cfg.MigrationDestAddr, err)
	}

	return nil
}

// rendezvousBegin/rendezvousEnd bracket a critical section during which
// no vCPU is executing guest code (§5's safepoint protocol): raise the
// interrupt flag, wake every vCPU thread out of its blocking run call,
// and wait for all of them to arrive at the barrier before returning.
func (vm *VirtualMachine) rendezvousBegin() {
	vm.control.RaiseInterrupt()
	vm.wakeAll()
	vm.control.Safepoint()
}

// rendezvousEnd lowers the interrupt flag and releases the fleet.
func (vm *VirtualMachine) rendezvousEnd() {
	vm.control.ClearInterrupt()
	vm.control.Safepoint()
}

// InjectSerialIRQ implements serial.IRQInjector by pulsing the UART's
// legacy interrupt line.
func (vm *VirtualMachine) InjectSerialIRQ() error {
	return vm.pulseIRQ(serialIRQ)
}

// InjectNetIRQ implements netIRQInjector by pulsing the NIC's legacy
// interrupt line.
func (vm *VirtualMachine) InjectNetIRQ() error {
	return vm.pulseIRQ(netIRQ)
}

func (vm *VirtualMachine) pulseIRQ(irq uint32) error {
	if err := kvm.IRQLine(vm.vmFd, irq, 1); err != nil {
		return fmt.Errorf("vmm: raise irq %d: %w", irq, err)
	}

	if err := kvm.IRQLine(vm.vmFd, irq, 0); err != nil {
		return fmt.Errorf("vmm: lower irq %d: %w", irq, err)
	}

	return nil
}
