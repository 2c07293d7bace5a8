package vmm

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

var errNoFrame = errors.New("no frame ready")

type loopDevice struct {
	mu  sync.Mutex
	out bytes.Buffer
	in  chan []byte
}

func newLoopDevice() *loopDevice {
	return &loopDevice{in: make(chan []byte, 8)}
}

func (d *loopDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.out.Write(p)
}

func (d *loopDevice) Read(p []byte) (int, error) {
	select {
	case frame := <-d.in:
		return copy(p, frame), nil
	default:
		return 0, errNoFrame
	}
}

func TestNicSendCommitsOneFrame(t *testing.T) {
	t.Parallel()

	dev := newLoopDevice()
	nic := NewNic(dev, &fakeIRQ{})

	for _, b := range []byte{0xDE, 0xAD, 0xBE, 0xEF} {
		if err := nic.Out(nicPortBase, []byte{b}); err != nil {
			t.Fatal(err)
		}
	}

	if err := nic.Out(nicPortBase+1, []byte{1}); err != nil {
		t.Fatal(err)
	}

	if got := dev.out.Bytes(); !bytes.Equal(got, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("committed frame = %v, want [DE AD BE EF]", got)
	}

	if len(nic.txBuf) != 0 {
		t.Fatalf("txBuf not cleared after commit: %v", nic.txBuf)
	}
}

func TestNicReceiveDrainsOneFrame(t *testing.T) {
	t.Parallel()

	irq := &fakeIRQ{}
	nic := NewNic(newLoopDevice(), irq)
	nic.rxFrames <- []byte{1, 2, 3}

	status := []byte{0}
	if err := nic.In(nicPortBase+1, status); err != nil {
		t.Fatal(err)
	}

	if status[0] != 1 {
		t.Fatalf("status = %d, want 1 (frame pending)", status[0])
	}

	length := make([]byte, 2)
	if err := nic.In(nicPortBase+2, length); err != nil {
		t.Fatal(err)
	}

	if length[0] != 3 || length[1] != 0 {
		t.Fatalf("length = %v, want [3 0]", length)
	}

	var got []byte

	for i := 0; i < 3; i++ {
		b := []byte{0}
		if err := nic.In(nicPortBase, b); err != nil {
			t.Fatal(err)
		}

		got = append(got, b[0])
	}

	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("drained frame = %v, want [1 2 3]", got)
	}
}

func TestNicPumpRxInjectsIRQ(t *testing.T) {
	t.Parallel()

	dev := newLoopDevice()
	irq := &fakeIRQ{}
	nic := NewNic(dev, irq)

	go nic.pumpRx()

	dev.in <- []byte{9, 9}

	deadline := time.Now().Add(time.Second)
	for irq.net == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if irq.net == 0 {
		t.Fatal("expected InjectNetIRQ to be called after a frame arrived")
	}
}
