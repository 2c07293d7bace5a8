package kvm

import "errors"

// ErrUnexpectedExitReason is returned by callers that do not recognize an
// exit reason they were not prepared to dispatch.
var ErrUnexpectedExitReason = errors.New("kvm: unexpected exit reason")
