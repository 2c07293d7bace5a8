// Package loader validates and copies a statically-linked 64-bit ELF
// unikernel image into guest RAM, then patches the guest's boot-info
// block with the runtime parameters the guest reads at startup. The ELF
// parser itself is debug/elf from the standard library; this package
// only interprets the program headers it yields.
package loader

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// unikernelOSABI is the OS/ABI marker unikernel images built against this
// hypervisor's boot contract use in their ELF header.
const unikernelOSABI = 0x42

// Boot-info patch-point byte offsets, relative to elf_entry.
const (
	OffPaddr       = 0x08
	OffMemSize     = 0x10
	OffCPUFreqMHz  = 0x18
	OffNumCPUs     = 0x24
	OffBootAPICID  = 0x30
	OffKernelSize  = 0x38
	OffNUMANodes   = 0x60
	OffVendor      = 0x94
	OffUARTPort    = 0x98
	OffIPv4        = 0xB0
	OffGateway     = 0xB4
	OffNetmask     = 0xB8
	OffHostBase    = 0xBC

	klogOffset = 0x5000
)

// ErrInvalidFile is returned when the kernel image fails ELF validation.
var ErrInvalidFile = errors.New("loader: invalid kernel image")

// Config carries the runtime parameters patched into the boot-info block.
type Config struct {
	MemSize      uint64
	CPUFreqMHz   uint32
	NUMANodes    uint32
	UARTPort     uint64 // 0 disables the verbose-uart boot-info field
	IPv4         [4]byte
	Gateway      [4]byte
	Netmask      [4]byte
	HasNetConfig bool
	HostBaseAddr uint64
}

// Result records what load_kernel produced: the entry point, and the
// derived klog/mboot addresses §4.C asks later components to remember.
type Result struct {
	ElfEntry uint64
	Klog     uint64
	Mboot    uint64
}

// LoadKernel validates path as a 64-bit unikernel ELF image, copies its
// PT_LOAD segments into mem, zeroes BSS, and patches the boot-info block
// embedded at the image's entry point.
func LoadKernel(mem []byte, path string, cfg Config) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	if err := validate(ef); err != nil {
		return Result{}, err
	}

	var (
		first     *elf.Prog
		elfEntry  uint64
		sizeTotal uint64
	)

	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		if first == nil {
			first = p
			elfEntry = p.Paddr
		}

		if err := copySegment(mem, p); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}

		sizeTotal += p.Memsz
	}

	if first == nil {
		return Result{}, fmt.Errorf("%w: no PT_LOAD segments", ErrInvalidFile)
	}

	binary.LittleEndian.PutUint64(mem[elfEntry+OffKernelSize:], sizeTotal)
	patchBootInfo(mem, elfEntry, first.Paddr, cfg)

	return Result{
		ElfEntry: elfEntry,
		Klog:     first.Paddr + klogOffset,
		Mboot:    first.Paddr,
	}, nil
}

func validate(ef *elf.File) error {
	if ef.Class != elf.ELFCLASS64 {
		return fmt.Errorf("%w: class %v, want ELFCLASS64", ErrInvalidFile, ef.Class)
	}

	if uint8(ef.OSABI) != unikernelOSABI {
		return fmt.Errorf("%w: OS/ABI %#x, want %#x", ErrInvalidFile, uint8(ef.OSABI), unikernelOSABI)
	}

	if ef.Type != elf.ET_EXEC {
		return fmt.Errorf("%w: type %v, want ET_EXEC", ErrInvalidFile, ef.Type)
	}

	if ef.Machine != elf.EM_X86_64 {
		return fmt.Errorf("%w: machine %v, want EM_X86_64", ErrInvalidFile, ef.Machine)
	}

	return nil
}

func copySegment(mem []byte, p *elf.Prog) error {
	n, err := p.ReadAt(mem[p.Paddr:p.Paddr+p.Filesz], 0)
	if err != nil && err != io.EOF {
		return err
	}

	if uint64(n) != p.Filesz {
		return fmt.Errorf("short read copying PT_LOAD segment: got %d, want %d", n, p.Filesz)
	}

	for i := p.Filesz; i < p.Memsz; i++ {
		mem[p.Paddr+i] = 0
	}

	return nil
}

// patchBootInfo applies the first-LOAD-segment boot-info patch-points.
// Only the +0x38 accumulator (already written by the caller) reflects
// every LOAD segment; the rest of this block describes the image as a
// whole and is derived from the first LOAD segment alone.
func patchBootInfo(mem []byte, elfEntry, firstPaddr uint64, cfg Config) {
	le := binary.LittleEndian

	le.PutUint64(mem[elfEntry+OffPaddr:], firstPaddr)
	le.PutUint64(mem[elfEntry+OffMemSize:], cfg.MemSize)
	le.PutUint32(mem[elfEntry+OffCPUFreqMHz:], cfg.CPUFreqMHz)
	le.PutUint32(mem[elfEntry+OffNumCPUs:], 1) // provisional; vmm overwrites before run()
	le.PutUint32(mem[elfEntry+OffBootAPICID:], 0)
	le.PutUint32(mem[elfEntry+OffNUMANodes:], 1)
	le.PutUint32(mem[elfEntry+OffVendor:], 1)

	if cfg.UARTPort != 0 {
		le.PutUint64(mem[elfEntry+OffUARTPort:], cfg.UARTPort)
	}

	if cfg.HasNetConfig {
		copy(mem[elfEntry+OffIPv4:elfEntry+OffIPv4+4], cfg.IPv4[:])
		copy(mem[elfEntry+OffGateway:elfEntry+OffGateway+4], cfg.Gateway[:])
		copy(mem[elfEntry+OffNetmask:elfEntry+OffNetmask+4], cfg.Netmask[:])
	}

	le.PutUint64(mem[elfEntry+OffHostBase:], cfg.HostBaseAddr)
}

// PatchNumCPUs overwrites the boot-info num_cpus field with the real vCPU
// count, as vmm.run() does just before starting the guest.
func PatchNumCPUs(mem []byte, elfEntry uint64, numCPUs uint32) {
	binary.LittleEndian.PutUint32(mem[elfEntry+OffNumCPUs:], numCPUs)
}
