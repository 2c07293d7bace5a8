package memory_test

import (
	"os"
	"os/exec"
	"testing"

	"github.com/hyvisor/uhyve/memory"
)

// TestHoleFaultsOnTouch re-execs itself as a subprocess that touches a
// byte inside the MMIO hole; the child must die from a fault rather than
// return normally, confirming the hole is genuinely unbacked.
func TestHoleFaultsOnTouch(t *testing.T) {
	if os.Getenv("UHYVE_TOUCH_HOLE") == "1" {
		m, err := memory.New(5 << 30)
		if err != nil {
			os.Exit(2)
		}

		m.Bytes()[memory.GapStart] = 1 // must fault
		os.Exit(0)                     // unreachable if the hole is really unbacked
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestHoleFaultsOnTouch")
	cmd.Env = append(os.Environ(), "UHYVE_TOUCH_HOLE=1")

	if err := cmd.Run(); err == nil {
		t.Fatal("touching the MMIO hole did not fault")
	}
}

func TestNewUnsplit(t *testing.T) {
	t.Parallel()

	m, err := memory.New(128 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if m.Size() != 128<<20 {
		t.Fatalf("Size() = %d, want %d", m.Size(), 128<<20)
	}

	if len(m.Bytes()) != 128<<20 {
		t.Fatalf("Bytes() len = %d, want %d", len(m.Bytes()), 128<<20)
	}
}

func TestNewSplitAroundHole(t *testing.T) {
	t.Parallel()

	size := 5 << 30 // 5GiB, beyond GapStart

	m, err := memory.New(size)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if m.Size() != size {
		t.Fatalf("Size() = %d, want %d", m.Size(), size)
	}

	// The backing region spans the hole too.
	if len(m.Bytes()) != size+memory.GapSize {
		t.Fatalf("Bytes() len = %d, want %d", len(m.Bytes()), size+memory.GapSize)
	}
}

func TestAsMutWindowRejectsHoleOverlap(t *testing.T) {
	t.Parallel()

	m, err := memory.New(5 << 30)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if _, err := m.AsMutWindow(memory.GapStart, 0x1000); err == nil {
		t.Fatal("expected error for window inside MMIO hole")
	}

	if _, err := m.AsMutWindow(memory.GapStart+memory.GapSize, 0x1000); err != nil {
		t.Fatalf("window just above hole: %v", err)
	}
}

func TestAsMutWindowBelowHole(t *testing.T) {
	t.Parallel()

	m, err := memory.New(128 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	w, err := m.AsMutWindow(0x800000, 0x1000)
	if err != nil {
		t.Fatal(err)
	}

	w[0] = 0x42

	if m.Bytes()[0x800000] != 0x42 {
		t.Fatal("write through window did not reach backing region")
	}
}
