package vcpu

import (
	"testing"
	"unsafe"

	"github.com/hyvisor/uhyve/kvm"
)

type fakeIO struct {
	ins, outs []uint16
	lastOut   []byte
}

func (f *fakeIO) In(port uint16, data []byte) error {
	f.ins = append(f.ins, port)
	data[0] = 0x42

	return nil
}

func (f *fakeIO) Out(port uint16, data []byte) error {
	f.outs = append(f.outs, port)
	f.lastOut = append([]byte(nil), data...)

	return nil
}

func newTestVCpu(io IOPortHandler) (*VCpu, *kvm.RunData) {
	run := &kvm.RunData{}
	v := New(0, 0, run, NewControl(1), io)

	return v, run
}

func TestHandleExitHalt(t *testing.T) {
	t.Parallel()

	v, run := newTestVCpu(&fakeIO{})
	run.ExitReason = kvm.ExitHLT

	halt, err := v.handleExit()
	if !halt || err != ErrHalted {
		t.Fatalf("handleExit() = (%v, %v), want (true, ErrHalted)", halt, err)
	}
}

func TestHandleExitShutdown(t *testing.T) {
	t.Parallel()

	v, run := newTestVCpu(&fakeIO{})
	run.ExitReason = kvm.ExitShutdown

	halt, err := v.handleExit()
	if !halt || err != nil {
		t.Fatalf("handleExit() = (%v, %v), want (true, nil)", halt, err)
	}
}

func TestHandleExitUnknownAndIntrAreNotFatal(t *testing.T) {
	t.Parallel()

	for _, reason := range []uint32{kvm.ExitUnknown, kvm.ExitIntr} {
		v, run := newTestVCpu(&fakeIO{})
		run.ExitReason = reason

		halt, err := v.handleExit()
		if halt || err != nil {
			t.Fatalf("reason %d: handleExit() = (%v, %v), want (false, nil)", reason, halt, err)
		}
	}
}

func TestHandleExitIOOutDispatchesToHandler(t *testing.T) {
	t.Parallel()

	io := &fakeIO{}
	v, run := newTestVCpu(io)

	run.ExitReason = kvm.ExitIO
	// direction=out(1), size=1, port=0x3f8, count=1, offset packed per RunData.IO().
	run.Data[0] = uint64(kvm.ExitIOOut) | 1<<8 | uint64(0x3f8)<<16 | 1<<32
	// Byte offset into RunData where the operand lives: Data[2], clear of
	// the exit header and of the two I/O descriptor words.
	off := unsafe.Offsetof(run.Data) + 2*8
	run.Data[1] = uint64(off)
	*(*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(run)) + off)) = 0x7A

	halt, err := v.handleExit()
	if halt || err != nil {
		t.Fatalf("handleExit() = (%v, %v), want (false, nil)", halt, err)
	}

	if len(io.outs) != 1 || io.outs[0] != 0x3f8 {
		t.Fatalf("outs = %v, want [0x3f8]", io.outs)
	}

	if len(io.lastOut) != 1 || io.lastOut[0] != 0x7A {
		t.Fatalf("lastOut = %v, want [0x7A]", io.lastOut)
	}
}

func TestHandleExitInternalErrorIsFatal(t *testing.T) {
	t.Parallel()

	v, run := newTestVCpu(&fakeIO{})
	run.ExitReason = kvm.ExitInternalError

	halt, err := v.handleExit()
	if !halt || err == nil {
		t.Fatalf("handleExit() = (%v, %v), want (true, non-nil)", halt, err)
	}
}
