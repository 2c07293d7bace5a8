// Package kvm wraps the host's hardware-virtualization control device: a
// handful of VM-scoped and vCPU-scoped ioctls, modeled closely on the
// /dev/kvm ABI. Every call takes a raw file descriptor rather than a
// wrapper type, matching how the rest of this repository's lineage
// threads descriptors through: the VM and vCPU lifecycle belongs to
// vmm.VirtualMachine and vcpu.VCpu, not to this package.
package kvm

import (
	"os"
	"unsafe"
)

// ioctl request numbers, from include/uapi/linux/kvm.h.
const (
	nrGetAPIVersion   = 0x00
	nrCreateVM        = 0x01
	nrGetMSRIndexList = 0x02
	nrCreateVCPU      = 0x41
	nrGetVCPUMMapSize = 0x04
	nrSetTSSAddr      = 0x47
	nrSetIdentityMap  = 0x48
	nrSetUserMemory   = 0x46
	nrCreateIRQChip   = 0x60
	nrGetIRQChip      = 0x62
	nrSetIRQChip      = 0x63
	nrIRQLine         = 0x61
	nrRun             = 0x80
	nrGetRegs         = 0x81
	nrSetRegs         = 0x82
	nrGetSregs        = 0x83
	nrSetSregs        = 0x84
	nrGetFPU          = 0x8c
	nrSetFPU          = 0x8d
	nrGetLAPIC        = 0x8e
	nrSetLAPIC        = 0x8f
	nrGetMSRs         = 0x88
	nrSetMSRs         = 0x89
	nrGetSupportedCPUID = 0x05
	nrSetCPUID2       = 0x90
	nrGetVCPUEvents   = 0x9f
	nrSetVCPUEvents   = 0xa0
	nrGetClock        = 0x7c
	nrSetClock        = 0x7b
	nrCheckExtension  = 0x03
	nrEnableCap       = 0xa3
	nrGetMPState      = 0x98
	nrSetMPState      = 0x99
	nrGetDebugRegs    = 0xa1
	nrSetDebugRegs    = 0xa2
	nrGetDirtyLog     = 0x42
)

// Open opens the host control device and returns its file descriptor.
func Open(path string) (uintptr, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}

	return f.Fd(), nil
}

// GetAPIVersion returns the host control device's API version.
func GetAPIVersion(kvmFd uintptr) (int, error) {
	r, err := Ioctl(kvmFd, IIO(nrGetAPIVersion), 0)

	return int(r), err
}

// CreateVM asks the host to create a new VM and returns its descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(nrCreateVM), 0)
}

// CreateVCPU asks the host to create vCPU id within a VM and returns its
// descriptor.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(nrCreateVCPU), uintptr(id))
}

// GetVCPUMMapSize returns the size, in bytes, of the per-vCPU run-area
// that must be mmap'd from a vCPU's descriptor.
func GetVCPUMMapSize(kvmFd uintptr) (int, error) {
	r, err := Ioctl(kvmFd, IIO(nrGetVCPUMMapSize), 0)

	return int(r), err
}

// SetTSSAddr sets the guest-physical address of the 3-page TSS region
// used for real-mode/vm86 task switches.
func SetTSSAddr(vmFd uintptr, addr uint64) error {
	_, err := Ioctl(vmFd, IIO(nrSetTSSAddr), uintptr(addr))

	return err
}

// SetIdentityMapAddr sets the guest-physical address of the one-page
// identity map region the host kernel uses internally.
func SetIdentityMapAddr(vmFd uintptr, addr uint64) error {
	_, err := Ioctl(vmFd, IIOW(nrSetIdentityMap, unsafe.Sizeof(addr)), uintptr(unsafe.Pointer(&addr)))

	return err
}

// CreateIRQChip creates an in-kernel interrupt controller (PIC + IOAPIC).
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(nrCreateIRQChip), 0)

	return err
}

// IRQLine raises or lowers a legacy interrupt line.
func IRQLine(vmFd uintptr, irq uint32, level uint32) error {
	l := irqLevel{IRQ: irq, Level: level}
	_, err := Ioctl(vmFd, IIOW(nrIRQLine, unsafe.Sizeof(l)), uintptr(unsafe.Pointer(&l)))

	return err
}

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// Run invokes the blocking vCPU-run call without retrying on EINTR: the
// vcpu package relies on EINTR to notice the interrupt flag.
func Run(vcpuFd uintptr) error {
	_, err := RunNoRetry(vcpuFd, IIO(nrRun), 0)

	return err
}

// EnableCap enables an optional capability on a VM, with up to 4 extra
// uint64 arguments.
func EnableCap(vmFd uintptr, cap Capability, args [4]uint64) error {
	c := enableCapStruct{Cap: uint32(cap), Args: args}
	_, err := Ioctl(vmFd, IIOW(0xa3, unsafe.Sizeof(c)), uintptr(unsafe.Pointer(&c)))

	return err
}

type enableCapStruct struct {
	Cap   uint32
	Flags uint32
	Args  [4]uint64
	_     [64]uint8
}
