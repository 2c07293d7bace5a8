package term_test

import (
	"testing"

	"github.com/hyvisor/uhyve/term"
)

// Test binaries don't run with a controlling terminal on stdin, so both
// calls exercise the non-terminal path rather than actually flipping any
// tty state.

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	if term.IsTerminal() {
		t.Fatalf("test process stdin is not expected to be a terminal")
	}
}

func TestSetRawModeOnNonTerminal(t *testing.T) {
	t.Parallel()

	if _, err := term.SetRawMode(); err == nil {
		t.Fatalf("SetRawMode on a non-terminal stdin: want error, got nil")
	}
}
