// Package vmm implements the coordinator that owns a single guest's
// lifecycle end to end: opening the control device, building guest
// memory, loading a kernel image (or replaying a checkpoint, or
// receiving a live migration), creating and initializing the vCPU
// fleet, and running the guest until it halts, is asked to stop, is
// checkpointed, or is migrated away.
package vmm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/hyvisor/uhyve/boot"
	"github.com/hyvisor/uhyve/checkpoint"
	"github.com/hyvisor/uhyve/kvm"
	"github.com/hyvisor/uhyve/loader"
	"github.com/hyvisor/uhyve/memory"
	"github.com/hyvisor/uhyve/migration"
	"github.com/hyvisor/uhyve/serial"
	"github.com/hyvisor/uhyve/tap"
	"github.com/hyvisor/uhyve/term"
	"github.com/hyvisor/uhyve/vcpu"
)

// Legacy GSI numbers for the devices this hypervisor injects interrupts
// for. Chosen to stay clear of the legacy PIC's first four lines, the
// same convention the wider device-model lineage uses for virtio-style
// devices sharing an IOAPIC with a UART.
const (
	serialIRQ = 4
	netIRQ    = 9
)

const (
	x2apicUse32BitIDs           = 1 << 0
	x2apicDisableBroadcastQuirk = 1 << 1
)

// loadMode records which of the three mutually-exclusive entry paths
// populated guest memory.
type loadMode int

const (
	modeUnloaded loadMode = iota
	modeKernel
	modeCheckpoint
	modeMigration
)

// Config is this hypervisor's per-guest configuration, the Go-native
// shape of IsleParameterUhyve.
type Config struct {
	NumCPUs int
	MemSize uint64

	KernelPath string

	IPv4         [4]byte
	Gateway      [4]byte
	Netmask      [4]byte
	HasNetConfig bool
	TapIfName    string
	UARTPort     uint64

	FullCheckpoint   bool
	CheckpointPeriod int // seconds; 0 disables

	MigrationListenAddr string // non-empty on the passive side
	MigrationDestAddr   string // non-empty on the active side, triggered by SIGUSR1
}

// VirtualMachine is the coordinator (§4.E). It owns the control-device
// descriptors, guest memory, the vCPU fleet, and the shared control state
// the fleet rendezvouses on for checkpoint and migration.
type VirtualMachine struct {
	kvmFd uintptr
	vmFd  uintptr

	cfg Config
	mem *memory.GuestMemory

	cpus   []*vcpu.VCpu
	cpuFds []uintptr
	runs   []*kvm.RunData

	control *vcpu.Control

	caps            capabilities
	identityMapBase uint64
	msrIndices      []uint32

	mode     loadMode
	elfEntry uint64
	klog     uint64
	mboot    uint64

	checkpointNum int
	pendingStates []vcpu.State
	pendingClock  *kvm.ClockData

	controlMu sync.Mutex

	serial    *serial.Serial
	nic       *Nic
	tapDevice *tap.Tap
	io        *ioMux

	running bool
	mu      sync.Mutex
}

// capabilities is the cached result of §4.E step 6's probe.
type capabilities struct {
	TSCDeadline bool
	IRQChip     bool
	AdjustClock bool
	IRQFD       bool
	Vapic       bool
	SyncMMU     bool
}

var wakeupOnce sync.Once

// New opens the host control device and creates a VM, then allocates
// guest memory per cfg.MemSize. It does not load a kernel or create any
// vCPU yet.
func New(devicePath string, cfg Config) (*VirtualMachine, error) {
	kvmFd, err := kvm.Open(devicePath)
	if err != nil {
		return nil, fmt.Errorf("vmm: open %s: %w", devicePath, err)
	}

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("vmm: create vm: %w", err)
	}

	mem, err := memory.New(int(cfg.MemSize))
	if err != nil {
		return nil, fmt.Errorf("vmm: %w", err)
	}

	vm := &VirtualMachine{
		kvmFd: kvmFd,
		vmFd:  vmFd,
		cfg:   cfg,
		mem:   mem,
	}

	s, err := serial.New(vm)
	if err != nil {
		return nil, fmt.Errorf("vmm: create serial: %w", err)
	}

	vm.serial = s
	vm.io = &ioMux{serial: s}

	return vm, nil
}

// Init performs §4.E's one-time VM setup: identity map / TSS placement,
// memory-slot registration, IRQ chip creation, X2APIC_API enablement,
// IOAPIC redirection-table rewrite, and capability probing. It must run
// before CreateCPUs.
//
// This hypervisor runs Init before the Load* step (rather than after, as
// §4.E's prose order suggests) because LoadCheckpoint/LoadMigration defer
// vCPU-state restoration until CreateCPUs exists, and that deferred path
// consults AdjustClockStable — which Init is what populates.
func (vm *VirtualMachine) Init() error {
	syncMMU, err := kvm.CheckExtension(vm.kvmFd, kvm.CapSyncMMU)
	if err != nil {
		return fmt.Errorf("vmm: check SYNC_MMU: %w", err)
	}

	vm.identityMapBase = 0xfffbc000
	if syncMMU != 0 {
		vm.identityMapBase = 0xfeffc000
	}

	if err := kvm.SetIdentityMapAddr(vm.vmFd, vm.identityMapBase); err != nil {
		return fmt.Errorf("vmm: set identity map addr: %w", err)
	}

	if err := kvm.SetTSSAddr(vm.vmFd, vm.identityMapBase+0x1000); err != nil {
		return fmt.Errorf("vmm: set tss addr: %w", err)
	}

	if err := vm.mem.Install(vm.vmFd); err != nil {
		return fmt.Errorf("vmm: install memory: %w", err)
	}

	if err := kvm.CreateIRQChip(vm.vmFd); err != nil {
		return fmt.Errorf("vmm: create irqchip: %w", err)
	}

	if err := kvm.EnableCap(vm.vmFd, kvm.CapX2APICAPI, [4]uint64{x2apicUse32BitIDs | x2apicDisableBroadcastQuirk}); err != nil {
		return fmt.Errorf("vmm: enable X2APIC_API: %w", err)
	}

	if err := vm.rewriteIOAPIC(); err != nil {
		return err
	}

	if err := vm.probeCapabilities(); err != nil {
		return err
	}

	if !vm.caps.IRQFD {
		return ErrMissingIRQFD
	}

	indices, err := kvm.GetMSRIndexList(vm.kvmFd)
	if err != nil {
		return fmt.Errorf("vmm: get msr index list: %w", err)
	}

	vm.msrIndices = indices

	return nil
}

func (vm *VirtualMachine) rewriteIOAPIC() error {
	entries, err := kvm.GetIOAPICState(vm.vmFd)
	if err != nil {
		return fmt.Errorf("vmm: get ioapic state: %w", err)
	}

	for i := range entries {
		entries[i] = kvm.IOAPICRedirEntry{
			Vector:       uint8(0x20 + i),
			DeliveryMode: 0,
			DestMode:     0,
			DestID:       0,
			Mask:         0,
		}
	}

	entries[2].Mask = 1

	if err := kvm.SetIOAPICState(vm.vmFd, entries); err != nil {
		return fmt.Errorf("vmm: set ioapic state: %w", err)
	}

	return nil
}

func (vm *VirtualMachine) probeCapabilities() error {
	checks := []struct {
		cap kvm.Capability
		out *bool
	}{
		{kvm.CapTSCDeadlineTimer, &vm.caps.TSCDeadline},
		{kvm.CapIRQChip, &vm.caps.IRQChip},
		{kvm.CapAdjustClock, &vm.caps.AdjustClock},
		{kvm.CapIRQFD, &vm.caps.IRQFD},
		{kvm.CapVapic, &vm.caps.Vapic},
	}

	for _, c := range checks {
		v, err := kvm.CheckExtension(vm.kvmFd, c.cap)
		if err != nil {
			return fmt.Errorf("vmm: check extension %s: %w", c.cap, err)
		}

		*c.out = v != 0
	}

	return nil
}

// LoadKernel implements the kernel-boot entry path: validates and copies
// a unikernel ELF image into guest memory and patches its boot-info
// block. Must be called exactly once, and not alongside LoadCheckpoint or
// LoadMigration.
func (vm *VirtualMachine) LoadKernel(path string) error {
	if vm.mode != modeUnloaded {
		return ErrAlreadyLoaded
	}

	freq := measureCPUFreqMHz()

	lcfg := loader.Config{
		MemSize:      vm.cfg.MemSize,
		CPUFreqMHz:   freq,
		NUMANodes:    1,
		UARTPort:     vm.cfg.UARTPort,
		IPv4:         vm.cfg.IPv4,
		Gateway:      vm.cfg.Gateway,
		Netmask:      vm.cfg.Netmask,
		HasNetConfig: vm.cfg.HasNetConfig,
		HostBaseAddr: uint64(vm.mem.BaseHostPtr()),
	}

	result, err := loader.LoadKernel(vm.mem.Bytes(), path, lcfg)
	if err != nil {
		return err
	}

	vm.elfEntry = result.ElfEntry
	vm.klog = result.Klog
	vm.mboot = result.Mboot
	vm.mode = modeKernel

	if vm.cfg.HasNetConfig || vm.cfg.TapIfName != "" {
		if err := vm.setupNetwork(); err != nil {
			return err
		}
	}

	return nil
}

func (vm *VirtualMachine) setupNetwork() error {
	if vm.cfg.TapIfName == "" {
		return nil
	}

	t, err := tap.New(vm.cfg.TapIfName)
	if err != nil {
		return fmt.Errorf("vmm: open tap %s: %w", vm.cfg.TapIfName, err)
	}

	vm.tapDevice = t
	vm.nic = NewNic(t, vm)
	vm.io.nic = vm.nic
	go vm.nic.pumpRx()

	return nil
}

// LoadCheckpoint implements the checkpoint-replay entry path: replays
// checkpoint/mem0..N into guest memory and stashes the persisted vCPU
// states and clock for CreateCPUs/InitCPUs to apply once the fleet
// exists.
func (vm *VirtualMachine) LoadCheckpoint() error {
	if vm.mode != modeUnloaded {
		return ErrAlreadyLoaded
	}

	cfg, err := checkpoint.ReadConfig()
	if err != nil {
		return err
	}

	vm.elfEntry = cfg.ElfEntry
	vm.klog = vm.elfEntry + 0x5000
	vm.mboot = vm.elfEntry
	vm.checkpointNum = cfg.CheckpointNum + 1
	vm.pendingStates = make([]vcpu.State, cfg.NumCPUs)
	vm.cfg.NumCPUs = cfg.NumCPUs

	if err := checkpoint.Load(vm.mem.Bytes(), vm, cfg); err != nil {
		return err
	}

	vm.mode = modeCheckpoint

	return nil
}

// LoadMigration implements the passive migration entry path (§4.H):
// accepts exactly one connection on addr, receives the full wire stream,
// and stashes the vCPU states/clock for CreateCPUs/InitCPUs.
func (vm *VirtualMachine) LoadMigration(addr string) error {
	if vm.mode != modeUnloaded {
		return ErrAlreadyLoaded
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("vmm: listen %s: %w", addr, err)
	}

	cfg, err := migration.Serve(l, vm)
	if err != nil {
		return fmt.Errorf("vmm: receive migration: %w", err)
	}

	vm.elfEntry = cfg.ElfEntry
	vm.klog = vm.elfEntry + 0x5000
	vm.mboot = vm.elfEntry
	vm.cfg.NumCPUs = int(cfg.NumCPUs)
	vm.pendingStates = make([]vcpu.State, cfg.NumCPUs)
	vm.mode = modeMigration

	return nil
}

// CreateCPUs creates the vCPU fleet's file descriptors and run-area
// mappings and wires each to the shared I/O handler and control state.
func (vm *VirtualMachine) CreateCPUs() error {
	if vm.mode == modeUnloaded {
		return ErrKernelNotLoaded
	}

	mmapSize, err := kvm.GetVCPUMMapSize(vm.kvmFd)
	if err != nil {
		return fmt.Errorf("vmm: get vcpu mmap size: %w", err)
	}

	vm.control = vcpu.NewControl(vm.cfg.NumCPUs)
	vm.cpus = make([]*vcpu.VCpu, vm.cfg.NumCPUs)
	vm.cpuFds = make([]uintptr, vm.cfg.NumCPUs)
	vm.runs = make([]*kvm.RunData, vm.cfg.NumCPUs)

	for i := 0; i < vm.cfg.NumCPUs; i++ {
		fd, err := kvm.CreateVCPU(vm.vmFd, i)
		if err != nil {
			return fmt.Errorf("vmm: create vcpu %d: %w", i, err)
		}

		r, err := unix.Mmap(int(fd), 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("vmm: mmap vcpu %d run area: %w", i, err)
		}

		run := (*kvm.RunData)(unsafe.Pointer(&r[0]))

		vm.cpuFds[i] = fd
		vm.runs[i] = run
		vm.cpus[i] = vcpu.New(i, fd, run, vm.control, vm.io)
	}

	return nil
}

// InitCPUs programs each vCPU's initial architectural state: boot
// GDT/page-tables/long-mode/entry point for a fresh kernel boot, or the
// persisted/received state for a checkpoint or migration load.
func (vm *VirtualMachine) InitCPUs() error {
	cs, ds, gdtr := boot.BuildGDT(vm.mem.Bytes(), boot.GDTAddr)
	boot.BuildPageTables(vm.mem.Bytes(), vm.cfg.MemSize)

	for i, fd := range vm.cpuFds {
		switch vm.mode {
		case modeKernel:
			if err := vm.initFreshCPU(fd, i, cs, ds, gdtr); err != nil {
				return err
			}
		case modeCheckpoint, modeMigration:
			if err := vcpu.Restore(fd, vm.pendingStates[i]); err != nil {
				return fmt.Errorf("vmm: restore vcpu %d: %w", i, err)
			}
		default:
			return ErrKernelNotLoaded
		}
	}

	if vm.pendingClock != nil && vm.caps.AdjustClock {
		if err := kvm.SetClock(vm.vmFd, vm.pendingClock); err != nil {
			return fmt.Errorf("vmm: set clock: %w", err)
		}
	}

	return nil
}

func (vm *VirtualMachine) initFreshCPU(fd uintptr, id int, cs, ds kvm.Segment, gdtr kvm.Descriptor) error {
	sregs, err := kvm.GetSregs(fd)
	if err != nil {
		return fmt.Errorf("vmm: get sregs vcpu %d: %w", id, err)
	}

	boot.ApplyGDT(sregs, cs, ds, gdtr)
	boot.ApplyPageTables(sregs)
	boot.EnterLongMode(sregs)

	if err := kvm.SetSregs(fd, sregs); err != nil {
		return fmt.Errorf("vmm: set sregs vcpu %d: %w", id, err)
	}

	regs, err := kvm.GetRegs(fd)
	if err != nil {
		return fmt.Errorf("vmm: get regs vcpu %d: %w", id, err)
	}

	regs.RIP = vm.elfEntry
	regs.RFLAGS = 0x2

	if err := kvm.SetRegs(fd, regs); err != nil {
		return fmt.Errorf("vmm: set regs vcpu %d: %w", id, err)
	}

	return nil
}

// Run patches in the real vCPU count, starts the fleet, and selects over
// signals, the periodic checkpoint tick, and the first vCPU's exit until
// one of them asks the coordinator to stop.
func (vm *VirtualMachine) Run() error {
	loader.PatchNumCPUs(vm.mem.Bytes(), vm.elfEntry, uint32(vm.cfg.NumCPUs))

	vm.mu.Lock()
	vm.running = true
	vm.mu.Unlock()

	wakeupOnce.Do(installUSR2Drain)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM, unix.SIGUSR1)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	if term.IsTerminal() {
		restore, err := term.SetRawMode()
		if err != nil {
			log.Printf("vmm: set raw mode: %v", err)
		} else {
			defer restore()

			go vm.pumpConsoleInput(restore)
		}
	}

	g, _ := errgroup.WithContext(context.Background())

	firstDone := make(chan struct{}, 1)

	for i := range vm.cpus {
		i := i

		g.Go(func() error {
			err := vm.cpus[i].Run()

			if i == 0 {
				select {
				case firstDone <- struct{}{}:
				default:
				}
			}

			if err != nil && !errors.Is(err, vcpu.ErrHalted) {
				return err
			}

			return nil
		})
	}

	tick := 0

loop:
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case unix.SIGINT, unix.SIGTERM:
				break loop
			case unix.SIGUSR1:
				if err := vm.handleMigration(); err != nil {
					log.Printf("vmm: migration: %v", err)
				} else {
					break loop
				}
			}
		case <-ticker.C:
			tick++

			if vm.cfg.CheckpointPeriod > 0 && tick%vm.cfg.CheckpointPeriod == 0 {
				if err := vm.handleCheckpoint(); err != nil {
					log.Printf("vmm: checkpoint: %v", err)
				}
			}
		case <-firstDone:
			break loop
		}
	}

	vm.Stop()

	return g.Wait()
}

// Stop asks the vCPU fleet to exit its run loop and wakes every worker
// out of a blocking run call. Idempotent.
func (vm *VirtualMachine) Stop() {
	vm.mu.Lock()
	running := vm.running
	vm.running = false
	vm.mu.Unlock()

	if !running || vm.control == nil {
		return
	}

	vm.control.Stop()
	vm.wakeAll()
}

// IsRunning reports whether the guest's vCPU fleet is currently meant to
// be executing.
func (vm *VirtualMachine) IsRunning() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	return vm.running
}

// MemSize returns the guest's total RAM size in bytes.
func (vm *VirtualMachine) MemSize() uint64 {
	return uint64(vm.mem.Size())
}

// wakeAll delivers SIGUSR2 to every vCPU thread, kicking any blocking
// run call out with EINTR.
func (vm *VirtualMachine) wakeAll() {
	for _, c := range vm.cpus {
		tid := c.Tid()
		if tid == 0 {
			continue
		}

		_ = unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR2)
	}
}

// pumpConsoleInput forwards host stdin to the guest's UART one byte at a
// time, stopping on EOF or the serial console's own Ctrl-A x escape (in
// which case it restores the host terminal itself and asks the fleet to
// stop, since Run's own deferred restore will not run until the guest
// halts or a signal arrives). Runs only when stdin is an interactive
// terminal; Run puts it in raw mode before starting this goroutine.
func (vm *VirtualMachine) pumpConsoleInput(restore func()) {
	onEscape := func() {
		restore()
		vm.Stop()
	}

	err := vm.serial.Start(*bufio.NewReader(os.Stdin), onEscape, vm.InjectSerialIRQ)
	if err != nil && !errors.Is(err, io.EOF) {
		log.Printf("vmm: console input: %v", err)
	}
}

// installUSR2Drain registers a SIGUSR2 handler so the signal's default
// terminate action never fires; actual wakeup relies on the blocking
// KVM_RUN ioctl returning EINTR, not on this channel's contents.
func installUSR2Drain() {
	ch := make(chan os.Signal, 16)
	signal.Notify(ch, unix.SIGUSR2)

	go func() {
		for range ch {
		}
	}()
}

// Close releases every descriptor and mapping this VirtualMachine holds.
// Safe to call more than once.
func (vm *VirtualMachine) Close() error {
	vm.Stop()

	if vm.tapDevice != nil {
		_ = vm.tapDevice.Close()
		vm.tapDevice = nil
		vm.nic = nil
	}

	for i, r := range vm.runs {
		if r != nil {
			size, _ := kvm.GetVCPUMMapSize(vm.kvmFd)
			_ = unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(r)), size))
			vm.runs[i] = nil
		}
	}

	for _, fd := range vm.cpuFds {
		_ = unix.Close(int(fd))
	}

	vm.cpuFds = nil

	err := vm.mem.Close()

	if vm.vmFd != 0 {
		_ = unix.Close(int(vm.vmFd))
		vm.vmFd = 0
	}

	if vm.kvmFd != 0 {
		_ = unix.Close(int(vm.kvmFd))
		vm.kvmFd = 0
	}

	return err
}
