package kvm

import "unsafe"

// LAPICState is the raw 1KiB local APIC register block of a vCPU.
type LAPICState struct {
	Regs [1024]uint8
}

// GetLAPIC reads a vCPU's local APIC state.
func GetLAPIC(vcpuFd uintptr) (*LAPICState, error) {
	l := &LAPICState{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetLAPIC, unsafe.Sizeof(*l)), uintptr(unsafe.Pointer(l)))

	return l, err
}

// SetLAPIC writes a vCPU's local APIC state.
func SetLAPIC(vcpuFd uintptr, l *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetLAPIC, unsafe.Sizeof(*l)), uintptr(unsafe.Pointer(l)))

	return err
}

// VCPUEvents captures pending/injected exceptions, interrupts, NMIs, and
// the interrupt-shadow/SMM state of a vCPU.
type VCPUEvents struct {
	ExceptionInjected uint8
	ExceptionNr       uint8
	ExceptionHasEC    uint8
	ExceptionPad      uint8
	ExceptionErrCode  uint32

	InterruptInjected uint8
	InterruptNr       uint8
	InterruptSoft     uint8
	InterruptShadow   uint8

	NMIInjected uint8
	NMIPending  uint8
	NMIMasked   uint8
	NMIPad      uint8

	SIPIVector uint32
	Flags      uint32

	SMMSMM         uint8
	SMMPending     uint8
	SMMSMMInsideNMI uint8
	SMMLatchedInit uint8

	_ [28]uint8
	_ uint64
}

// GetVCPUEvents reads a vCPU's pending-event state.
func GetVCPUEvents(vcpuFd uintptr) (*VCPUEvents, error) {
	e := &VCPUEvents{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetVCPUEvents, unsafe.Sizeof(*e)), uintptr(unsafe.Pointer(e)))

	return e, err
}

// SetVCPUEvents writes a vCPU's pending-event state.
func SetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetVCPUEvents, unsafe.Sizeof(*e)), uintptr(unsafe.Pointer(e)))

	return err
}
