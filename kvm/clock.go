package kvm

import "unsafe"

// ClockData is the guest's paravirt clock state, byte-identical to the
// host kernel's kvm_clock_data. It is the record type written/read first
// in every checkpoint file and, when supported, exchanged during
// migration.
type ClockData struct {
	Clock    uint64
	Flags    uint32
	_        uint32
	Realtime uint64
	HostTSC  uint64
	_        [4]uint32
}

// GetClock reads the current guest clock value.
func GetClock(vmFd uintptr) (*ClockData, error) {
	c := &ClockData{}
	_, err := Ioctl(vmFd, IIOR(nrGetClock, unsafe.Sizeof(*c)), uintptr(unsafe.Pointer(c)))

	return c, err
}

// SetClock publishes a previously captured guest clock value.
func SetClock(vmFd uintptr, c *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(nrSetClock, unsafe.Sizeof(*c)), uintptr(unsafe.Pointer(c)))

	return err
}
