package kvm

import (
	"syscall"
	"unsafe"
)

const maxMSRs = 256

// MSREntry is one model-specific register index/value pair.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

type msrList struct {
	NMSRs   uint32
	Indices [maxMSRs]uint32
}

type msrs struct {
	NMSRs   uint32
	_       uint32
	Entries [maxMSRs]MSREntry
}

// GetMSRIndexList returns the MSR indices the host considers part of the
// guest-visible save/restore set. The host kernel rejects an
// under-sized buffer with E2BIG; this mirrors the two-call probe that the
// underlying ABI requires (ask for NMSRs=0 first to learn the true count).
func GetMSRIndexList(kvmFd uintptr) ([]uint32, error) {
	probe := msrList{}
	op := IIOWR(nrGetMSRIndexList, unsafe.Sizeof(probe.NMSRs))

	_, err := Ioctl(kvmFd, op, uintptr(unsafe.Pointer(&probe)))
	if err != nil && err != syscall.E2BIG {
		return nil, err
	}

	if probe.NMSRs > maxMSRs {
		return nil, syscall.E2BIG
	}

	if _, err := Ioctl(kvmFd, op, uintptr(unsafe.Pointer(&probe))); err != nil {
		return nil, err
	}

	return probe.Indices[:probe.NMSRs], nil
}

// GetMSRs reads the values of the given MSR indices from a vCPU.
func GetMSRs(vcpuFd uintptr, indices []uint32) ([]MSREntry, error) {
	req := msrs{NMSRs: uint32(len(indices))}
	for i, idx := range indices {
		req.Entries[i].Index = idx
	}

	if _, err := Ioctl(vcpuFd, IIOWR(nrGetMSRs, unsafe.Sizeof(req)), uintptr(unsafe.Pointer(&req))); err != nil {
		return nil, err
	}

	return req.Entries[:req.NMSRs], nil
}

// SetMSRs writes MSR index/value pairs to a vCPU.
func SetMSRs(vcpuFd uintptr, entries []MSREntry) error {
	req := msrs{NMSRs: uint32(len(entries))}
	copy(req.Entries[:], entries)
	_, err := Ioctl(vcpuFd, IIOW(nrSetMSRs, unsafe.Sizeof(req)), uintptr(unsafe.Pointer(&req)))

	return err
}
