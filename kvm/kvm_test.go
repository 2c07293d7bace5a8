package kvm_test

import (
	"os"
	"testing"

	"github.com/hyvisor/uhyve/kvm"
)

func requireKVM(t *testing.T) uintptr {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("requires root to open /dev/kvm")
	}

	fd, err := kvm.Open("/dev/kvm")
	if err != nil {
		t.Skipf("no /dev/kvm available: %v", err)
	}

	return fd
}

func TestGetAPIVersion(t *testing.T) {
	t.Parallel()

	kvmFd := requireKVM(t)

	v, err := kvm.GetAPIVersion(kvmFd)
	if err != nil {
		t.Fatal(err)
	}

	if v != 12 {
		t.Fatalf("GetAPIVersion() = %d, want 12", v)
	}
}

func TestCreateVM(t *testing.T) {
	t.Parallel()

	kvmFd := requireKVM(t)

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		t.Fatal(err)
	}

	if vmFd == 0 {
		t.Fatal("CreateVM returned a zero descriptor")
	}
}

func TestCheckExtensionIRQFD(t *testing.T) {
	t.Parallel()

	kvmFd := requireKVM(t)

	if _, err := kvm.CheckExtension(kvmFd, kvm.CapIRQFD); err != nil {
		t.Fatal(err)
	}
}
