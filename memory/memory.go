// Package memory owns the host-side backing of guest physical RAM.
//
// Guest RAM is a single logical address range starting at guest-physical 0.
// Below the 32-bit MMIO hole it is backed by one mmap'd region; at and
// above the hole boundary (if the guest is large enough to reach it) a
// second region picks back up just past the hole. The hole itself stays
// mapped as part of the first region's reservation but is mprotect'd to
// PROT_NONE, so touching it faults the same way an unbacked hole would.
package memory

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hyvisor/uhyve/kvm"
)

const (
	// GapStart is the guest-physical address where the 32-bit MMIO hole
	// begins: 2^32 - 768MiB.
	GapStart = (1 << 32) - GapSize
	// GapSize is the size of the reserved 32-bit MMIO hole.
	GapSize = 768 << 20

	// Poison fills unused guest RAM above 1MiB so that stray execution
	// traps immediately instead of running through zero bytes.
	// Disassembly: mov eax,0xcafebabe; nop; ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

	highMemBase = 0x100000
)

// ErrOutOfMemory is returned when the host backing for guest RAM cannot be
// established.
var ErrOutOfMemory = errors.New("memory: out of memory")

// GuestMemory is the host-anonymous backing of one guest's physical
// address space.
type GuestMemory struct {
	size int

	// region is the single mmap covering [0, size) when size <= GapStart,
	// or the single mmap covering [0, size+GapSize) when size > GapStart
	// (with [GapStart, GapStart+GapSize) held PROT_NONE).
	region []byte

	split bool
}

// New allocates the host backing for size bytes of guest RAM, per the
// 32-bit MMIO hole rule: a single region below GapStart, or one region
// spanning both sides of the hole with the hole itself protected.
func New(size int) (*GuestMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive", ErrOutOfMemory)
	}

	split := size > GapStart

	mapSize := size
	if split {
		mapSize = size + GapSize
	}

	region, err := unix.Mmap(-1, 0, mapSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}

	if split {
		if err := unix.Mprotect(region[GapStart:GapStart+GapSize], unix.PROT_NONE); err != nil {
			_ = unix.Munmap(region)

			return nil, fmt.Errorf("%w: protecting MMIO hole: %v", ErrOutOfMemory, err)
		}
	}

	poison(region, split)

	return &GuestMemory{size: size, region: region, split: split}, nil
}

// poison fills guest RAM above 1MiB with a trap pattern, skipping the
// unmapped hole window when the mapping is split.
func poison(region []byte, split bool) {
	end := len(region)
	if split {
		end = GapStart
	}

	for i := highMemBase; i+len(Poison) <= end; i += len(Poison) {
		copy(region[i:], Poison)
	}

	if split {
		for i := GapStart + GapSize; i+len(Poison) <= len(region); i += len(Poison) {
			copy(region[i:], Poison)
		}
	}
}

// Size returns the logical guest RAM size in bytes (excluding the hole).
func (m *GuestMemory) Size() int {
	return m.size
}

// BaseHostPtr returns the host address backing guest-physical 0.
func (m *GuestMemory) BaseHostPtr() uintptr {
	return uintptr(unsafe.Pointer(&m.region[0]))
}

// Bytes exposes the full backing (including the hole window, if split) as
// a byte slice. Callers index by guest-physical address directly.
func (m *GuestMemory) Bytes() []byte {
	return m.region
}

// AsMutWindow returns a mutable view of guest-physical [addr, addr+length).
// A range overlapping the MMIO hole of a split layout is rejected with an
// error, as is a range past the end of the backing.
func (m *GuestMemory) AsMutWindow(addr uint64, length int) ([]byte, error) {
	if split := m.split; split && addr < GapStart+GapSize && addr+uint64(length) > GapStart {
		return nil, fmt.Errorf("memory: window [%#x, %#x) overlaps MMIO hole", addr, addr+uint64(length))
	}

	if int(addr)+length > len(m.region) {
		return nil, fmt.Errorf("memory: window [%#x, %#x) out of range", addr, addr+uint64(length))
	}

	return m.region[addr : addr+uint64(length)], nil
}

// Install publishes one or two memory-slot registrations to the control
// device: slot 0 below the hole (or covering all of RAM, if unsplit), and
// slot 1 above the hole when split.
func (m *GuestMemory) Install(vmFd uintptr) error {
	base := m.BaseHostPtr()

	lowSize := m.size
	if m.split {
		lowSize = GapStart
	}

	if err := kvm.SetUserMemoryRegion(vmFd, &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(lowSize),
		UserspaceAddr: uint64(base),
	}); err != nil {
		return fmt.Errorf("memory: install slot 0: %w", err)
	}

	if !m.split {
		return nil
	}

	highSize := m.size - GapStart

	if err := kvm.SetUserMemoryRegion(vmFd, &kvm.UserspaceMemoryRegion{
		Slot:          1,
		GuestPhysAddr: GapStart + GapSize,
		MemorySize:    uint64(highSize),
		UserspaceAddr: uint64(base) + uint64(GapStart+GapSize),
	}); err != nil {
		return fmt.Errorf("memory: install slot 1: %w", err)
	}

	return nil
}

// Close releases the host backing. Safe to call on a nil receiver or a
// GuestMemory whose region has already been released.
func (m *GuestMemory) Close() error {
	if m == nil || m.region == nil {
		return nil
	}

	err := unix.Munmap(m.region)
	m.region = nil

	return err
}
