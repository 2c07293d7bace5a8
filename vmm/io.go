package vmm

import "github.com/hyvisor/uhyve/serial"

const comPortCount = 8

// ioMux dispatches port-mapped I/O exits to the serial console and, when
// configured, the paravirt NIC. There is no PCI/virtio bus in this
// hypervisor, so these two devices are the entire port-IO surface a
// guest can reach.
type ioMux struct {
	serial *serial.Serial
	nic    *Nic
}

func (m *ioMux) In(port uint16, data []byte) error {
	if port >= serial.COM1Addr && port < serial.COM1Addr+comPortCount {
		return m.serial.In(uint64(port), data)
	}

	if m.nic != nil && m.nic.Handles(port) {
		return m.nic.In(port, data)
	}

	return nil
}

func (m *ioMux) Out(port uint16, data []byte) error {
	if port >= serial.COM1Addr && port < serial.COM1Addr+comPortCount {
		return m.serial.Out(uint64(port), data)
	}

	if m.nic != nil && m.nic.Handles(port) {
		return m.nic.Out(port, data)
	}

	return nil
}
