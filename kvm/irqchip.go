package kvm

import "unsafe"

// IOAPIC pin count on the emulated chip.
const NumIOAPICPins = 24

const (
	chipPIC0 = iota
	chipPIC1
	chipIOAPIC
)

// IOAPICRedirEntry is one redirection-table entry of the in-kernel IOAPIC.
type IOAPICRedirEntry struct {
	Vector    uint8
	DeliveryMode uint8
	DestMode  uint8
	DeliveryStatus uint8
	Polarity  uint8
	RemoteIRR uint8
	TriggerMode uint8
	Mask      uint8
	Reserve   [7]uint8
	_         uint8
	DestID    uint8
}

// irqChip mirrors the host kernel's tagged union of PIC/IOAPIC state; only
// the IOAPIC branch is modeled here, since the PIC is never inspected by
// this hypervisor core.
type irqChip struct {
	ChipID uint32
	_      uint32
	IOAPIC [8 + NumIOAPICPins*8]uint8 // opaque passthrough for PIC chips
}

// GetIOAPICState fetches the current IOAPIC redirection table.
func GetIOAPICState(vmFd uintptr) (*[NumIOAPICPins]IOAPICRedirEntry, error) {
	chip := &irqChip{ChipID: chipIOAPIC}
	if _, err := Ioctl(vmFd, IIOWR(nrGetIRQChip, unsafe.Sizeof(*chip)), uintptr(unsafe.Pointer(chip))); err != nil {
		return nil, err
	}

	entries := (*[NumIOAPICPins]IOAPICRedirEntry)(unsafe.Pointer(&chip.IOAPIC[0]))

	return entries, nil
}

// SetIOAPICState writes back the IOAPIC redirection table.
func SetIOAPICState(vmFd uintptr, entries *[NumIOAPICPins]IOAPICRedirEntry) error {
	chip := &irqChip{ChipID: chipIOAPIC}
	src := unsafe.Slice((*byte)(unsafe.Pointer(entries)), unsafe.Sizeof(*entries))
	copy(chip.IOAPIC[:], src)
	_, err := Ioctl(vmFd, IIOW(nrSetIRQChip, unsafe.Sizeof(*chip)), uintptr(unsafe.Pointer(chip)))

	return err
}
