package vmm

import (
	"os"
	"testing"
)

// requireVM skips the test unless a real VM can be constructed against
// /dev/kvm, mirroring the kvm package's own requireKVM helper.
func requireVM(t *testing.T, cfg Config) *VirtualMachine {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("requires root to open /dev/kvm")
	}

	vm, err := New("/dev/kvm", cfg)
	if err != nil {
		t.Skipf("no /dev/kvm available: %v", err)
	}

	t.Cleanup(func() { _ = vm.Close() })

	return vm
}

func chdirTemp(t *testing.T) {
	t.Helper()

	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { _ = os.Chdir(orig) })
}

func TestCoordinatorInitSucceedsWithIRQFD(t *testing.T) {
	t.Parallel()

	vm := requireVM(t, Config{NumCPUs: 1, MemSize: 4 << 20})

	// Every modern host supports IRQFD; this exercises the success path
	// of Init and its capability probe instead of a synthetic failure,
	// since there is no way to make a real host lie about IRQFD.
	if err := vm.Init(); err != nil {
		t.Fatalf("Init() = %v, want success on a host with IRQFD", err)
	}

	if !vm.caps.IRQFD {
		t.Fatal("expected IRQFD capability to be recorded true")
	}
}

func TestCoordinatorCheckpointRoundTrip(t *testing.T) {
	chdirTemp(t)

	vm := requireVM(t, Config{NumCPUs: 1, MemSize: 4 << 20})

	if err := vm.Init(); err != nil {
		t.Fatal(err)
	}

	vm.mode = modeKernel
	vm.elfEntry = 0x200000

	if err := vm.CreateCPUs(); err != nil {
		t.Fatal(err)
	}

	if err := vm.InitCPUs(); err != nil {
		t.Fatal(err)
	}

	if err := vm.handleCheckpoint(); err != nil {
		t.Fatal(err)
	}

	if vm.checkpointNum != 1 {
		t.Fatalf("checkpointNum = %d, want 1 after first checkpoint", vm.checkpointNum)
	}

	if _, err := os.Stat("checkpoint/mem0"); err != nil {
		t.Fatalf("expected checkpoint/mem0 to exist: %v", err)
	}

	if _, err := os.Stat("checkpoint/config"); err != nil {
		t.Fatalf("expected checkpoint/config to exist: %v", err)
	}
}

func TestCoordinatorStopIsIdempotent(t *testing.T) {
	vm := requireVM(t, Config{NumCPUs: 1, MemSize: 4 << 20})

	if err := vm.Init(); err != nil {
		t.Fatal(err)
	}

	vm.mode = modeKernel
	vm.elfEntry = 0x200000

	if err := vm.CreateCPUs(); err != nil {
		t.Fatal(err)
	}

	vm.mu.Lock()
	vm.running = true
	vm.mu.Unlock()

	vm.Stop()
	vm.Stop()

	if vm.IsRunning() {
		t.Fatal("expected IsRunning to be false after Stop")
	}
}

func TestCoordinatorRejectsDoubleLoad(t *testing.T) {
	vm := requireVM(t, Config{NumCPUs: 1, MemSize: 4 << 20})

	vm.mode = modeKernel

	if err := vm.LoadCheckpoint(); err == nil {
		t.Fatal("expected LoadCheckpoint to fail once a load path already ran")
	}
}
