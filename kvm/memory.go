package kvm

import "unsafe"

// UserspaceMemoryRegion describes one guest-physical memory slot backed by
// host userspace memory.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages marks the region for dirty-page tracking.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks the region read-only from the guest's perspective.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion registers or updates one memory slot on a VM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(nrSetUserMemory, unsafe.Sizeof(*region)), uintptr(unsafe.Pointer(region)))

	return err
}

// GetDirtyLog fetches the dirty bitmap for memory slot `slot`, sized for
// numPages guest pages (one bit per page).
func GetDirtyLog(vmFd uintptr, slot uint32, numPages int) ([]uint64, error) {
	bitmap := make([]uint64, (numPages+63)/64)

	req := dirtyLog{Slot: slot, BitmapPtr: uint64(uintptr(unsafe.Pointer(&bitmap[0])))}
	_, err := Ioctl(vmFd, IIOW(nrGetDirtyLog, unsafe.Sizeof(req)), uintptr(unsafe.Pointer(&req)))

	return bitmap, err
}

type dirtyLog struct {
	Slot      uint32
	_         uint32
	BitmapPtr uint64
}
