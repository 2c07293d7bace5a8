package kvm

import "unsafe"

const maxCPUIDEntries = 100

// CPUID is the set of CPUID entries a VM (or vCPU) exposes to the guest.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// CPUIDEntry2 is one CPUID leaf/subleaf result.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// GetSupportedCPUID fetches every CPUID leaf the host can expose to a
// guest, before any guest-specific trimming.
func GetSupportedCPUID(kvmFd uintptr, ids *CPUID) error {
	_, err := Ioctl(kvmFd, IIOWR(nrGetSupportedCPUID, unsafe.Sizeof(ids.Nent)+unsafe.Sizeof(ids.Padding)), uintptr(unsafe.Pointer(ids)))

	return err
}

// SetCPUID2 programs the CPUID leaves a vCPU reports to the guest.
func SetCPUID2(vcpuFd uintptr, ids *CPUID) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetCPUID2, unsafe.Sizeof(ids.Nent)+unsafe.Sizeof(ids.Padding)), uintptr(unsafe.Pointer(ids)))

	return err
}
