package vmm

import (
	"encoding/binary"
	"io"
	"sync"
	"time"
)

// nicPortBase is the three-port paravirt NIC interface this hypervisor
// exposes in place of a full virtio queue: a data port (one byte per
// access), a control/status port, and a pending-frame-length port. A
// guest drains one received frame by polling the status port, reading
// its length, then reading that many bytes off the data port; it sends
// one by writing bytes to the data port and committing with the control
// port. This is deliberately simpler than a virtio ring: correct, but not
// the wire protocol any real uhyve guest speaks.
const nicPortBase = 0x280

type netIRQInjector interface {
	InjectNetIRQ() error
}

// netDevice is the subset of *tap.Tap this device needs; kept as an
// interface so tests can substitute an in-memory fake for a real TAP fd.
type netDevice interface {
	io.Reader
	io.Writer
}

// Nic backs the paravirt NIC ports with a host network device, pumping
// received frames into a buffered channel so the vCPU's I/O-exit thread
// never blocks on the network.
type Nic struct {
	dev netDevice
	irq netIRQInjector

	mu       sync.Mutex
	txBuf    []byte
	rxFrames chan []byte
	curRx    []byte
}

// NewNic wraps dev for use as a guest's paravirt network device,
// injecting irq whenever a new frame arrives.
func NewNic(dev netDevice, irq netIRQInjector) *Nic {
	return &Nic{dev: dev, irq: irq, rxFrames: make(chan []byte, 64)}
}

// Handles reports whether port belongs to this device's port range.
func (n *Nic) Handles(port uint16) bool {
	return port >= nicPortBase && port < nicPortBase+3
}

// pumpRx reads frames off the TAP device and queues them for the guest,
// run on its own goroutine for the device's lifetime. The TAP fd is
// non-blocking, so a failed read just means no frame is ready yet.
func (n *Nic) pumpRx() {
	buf := make([]byte, 2048)

	for {
		sz, err := n.dev.Read(buf)
		if err != nil {
			time.Sleep(time.Millisecond)

			continue
		}

		frame := append([]byte(nil), buf[:sz]...)

		select {
		case n.rxFrames <- frame:
			_ = n.irq.InjectNetIRQ()
		default:
			// receive queue full; drop the frame.
		}
	}
}

func (n *Nic) In(port uint16, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch port {
	case nicPortBase:
		if len(n.curRx) > 0 {
			data[0] = n.curRx[0]
			n.curRx = n.curRx[1:]
		}
	case nicPortBase + 1:
		if len(n.curRx) == 0 {
			select {
			case f := <-n.rxFrames:
				n.curRx = f
			default:
			}
		}

		if len(n.curRx) > 0 {
			data[0] = 1
		} else {
			data[0] = 0
		}
	case nicPortBase + 2:
		if len(data) >= 2 {
			binary.LittleEndian.PutUint16(data, uint16(len(n.curRx)))
		}
	}

	return nil
}

func (n *Nic) Out(port uint16, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch port {
	case nicPortBase:
		n.txBuf = append(n.txBuf, data[0])
	case nicPortBase + 1:
		if data[0] == 1 && len(n.txBuf) > 0 {
			_, err := n.dev.Write(n.txBuf)
			n.txBuf = n.txBuf[:0]

			return err
		}
	}

	return nil
}
