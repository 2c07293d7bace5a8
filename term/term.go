// Package term puts the host's stdin into raw mode for the guest console
// pass-through, so keystrokes reach the guest's UART one byte at a time
// instead of being line-buffered and echoed by the host tty driver.
package term

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether stdin is an interactive terminal. A guest
// run from a pipe or a non-interactive redirect has no console input to
// forward, so callers skip raw-mode entirely in that case.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// SetRawMode switches stdin to raw mode and returns a function that
// restores the prior terminal state. Safe to call only when IsTerminal
// is true.
func SetRawMode() (func(), error) {
	state, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return func() {}, err
	}

	return func() {
		_ = term.Restore(int(os.Stdin.Fd()), state)
	}, nil
}
