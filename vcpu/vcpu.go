// Package vcpu runs one guest virtual CPU to completion on its own OS
// thread, dispatching the exits KVM_RUN hands back and cooperating with
// a Coordinator's Control to pause at safepoints for checkpoint and
// migration.
package vcpu

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hyvisor/uhyve/kvm"
)

// ErrHalted is returned by Run when the guest executed HLT (on any HLT
// exit, whatever the interrupt state), which this hypervisor treats as a guest shutdown
// request rather than an error condition worth surfacing.
var ErrHalted = errors.New("vcpu: guest halted")

// IOPortHandler dispatches port-mapped I/O exits. Port-mapped I/O is the
// only device-facing exit this hypervisor's guests use: there is no
// PCI/virtio bus, so UART and the hypercall-style network/console ports
// are all reached this way.
type IOPortHandler interface {
	In(port uint16, data []byte) error
	Out(port uint16, data []byte) error
}

// VCpu owns one KVM vCPU file descriptor and its mmap'd run area.
type VCpu struct {
	ID      int
	fd      uintptr
	run     *kvm.RunData
	control *Control
	io      IOPortHandler

	tid atomic.Int32
}

// New wraps an already-created vCPU descriptor. runMmap is the
// KVM_GET_VCPU_MMAP_SIZE-sized mapping of fd, cast to *kvm.RunData by the
// caller (the coordinator owns the mmap lifetime).
func New(id int, fd uintptr, run *kvm.RunData, control *Control, io IOPortHandler) *VCpu {
	return &VCpu{ID: id, fd: fd, run: run, control: control, io: io}
}

// Tid returns the OS thread id Run is (or was last) bound to, or 0 if Run
// has not started yet. The coordinator reads this to target a tgkill
// safepoint signal at exactly this vCPU's thread.
func (v *VCpu) Tid() int32 { return v.tid.Load() }

// Run pins the calling goroutine to its OS thread for the vCPU's entire
// lifetime, per the KVM API's requirement that vcpu ioctls come from the
// thread that created the vcpu, and loops KVM_RUN until the fleet is
// stopped or the guest halts.
//
// A coordinator requests a safepoint by setting Control's interrupt flag
// and sending SIGUSR2 to Tid(); the signal must be delivered via tgkill
// and the thread must have SIGUSR2 unblocked, or it never interrupts the
// blocking ioctl. KVM_RUN returning EINTR is how this goroutine notices.
func (v *VCpu) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v.tid.Store(int32(unix.Gettid()))
	defer v.tid.Store(0)

	for v.control.Running() {
		err := kvm.Run(v.fd)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				if v.control.Interrupted() {
					v.control.Safepoint() // arrived
					v.control.Safepoint() // released
				}

				continue
			}

			return fmt.Errorf("vcpu %d: run: %w", v.ID, err)
		}

		halt, err := v.handleExit()
		if halt {
			return err
		}
	}

	return nil
}

// handleExit dispatches one KVM_RUN exit. halt is true when the vCPU
// should stop running, whether because the guest asked to (HLT,
// shutdown) or because the exit could not be handled.
func (v *VCpu) handleExit() (halt bool, err error) {
	switch v.run.ExitReason {
	case kvm.ExitHLT:
		return true, ErrHalted

	case kvm.ExitIO:
		direction, size, port, count, offset := v.run.IO()
		base := uintptr(unsafe.Pointer(v.run)) + uintptr(offset)

		for i := uint64(0); i < count; i++ {
			data := unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(i*size))), size)

			var err error
			if direction == kvm.ExitIOOut {
				err = v.io.Out(uint16(port), data)
			} else {
				err = v.io.In(uint16(port), data)
			}

			if err != nil {
				return true, fmt.Errorf("vcpu %d: port %#x: %w", v.ID, port, err)
			}
		}

		return false, nil

	case kvm.ExitIntr, kvm.ExitUnknown:
		return false, nil

	case kvm.ExitShutdown:
		return true, nil

	case kvm.ExitInternalError:
		return true, fmt.Errorf("vcpu %d: %w", v.ID, kvm.ErrUnexpectedExitReason)

	default:
		return true, fmt.Errorf("vcpu %d: exit reason %d: %w", v.ID, v.run.ExitReason, kvm.ErrUnexpectedExitReason)
	}
}
