package vmm

import "errors"

// ErrMissingIRQFD is returned by Init when the host control device does
// not support IRQFD, a mandatory capability for this hypervisor's
// interrupt-injection model.
var ErrMissingIRQFD = errors.New("vmm: host is missing required capability IRQFD")

// ErrKernelNotLoaded is returned by CreateCPUs/Run when none of
// LoadKernel, LoadCheckpoint, or LoadMigration has been called.
var ErrKernelNotLoaded = errors.New("vmm: no kernel, checkpoint, or migration source loaded")

// ErrAlreadyLoaded is returned by LoadKernel/LoadCheckpoint/LoadMigration
// when a load path has already run; the three are mutually exclusive and
// each may only be called once.
var ErrAlreadyLoaded = errors.New("vmm: a kernel image, checkpoint, or migration stream was already loaded")
