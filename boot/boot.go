// Package boot writes the fixed boot-time data structures a freshly
// created vCPU needs to start executing 64-bit guest code directly,
// without any firmware: a 3-entry GDT, an identity-mapped long-mode page
// table, and the control-register bits that switch the vCPU into long
// mode before it ever executes an instruction.
package boot

import (
	"encoding/binary"

	"github.com/hyvisor/uhyve/kvm"
)

// Fixed guest-physical addresses, one 4KiB frame apart where the layout
// calls for it.
const (
	GDTAddr  = 0x1000
	InfoAddr = 0x2000
	PML4Addr = 0x10000
	PDPTAddr = 0x11000
	PDEAddr  = 0x12000

	PageSize   = 0x1000
	PageSize2M = 0x200000
)

// Page-table / segment-descriptor bit flags.
const (
	pdePresent  = 1 << 0
	pdeWritable = 1 << 1
	pdePageSize = 1 << 7 // PS, 2MiB leaf

	cr0PE = 1 << 0
	cr0PG = 1 << 31
	cr4PAE = 1 << 5
	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// gdtEntry packs one 8-byte GDT descriptor from access-byte/base/limit,
// in the same flat style used for this family's boot GDTs (base always
// 0, 4KiB granularity, limit 0xFFFFF).
func gdtEntry(access uint16, base, limit uint32) uint64 {
	var e uint64

	e |= uint64(limit) & 0xFFFF
	e |= (uint64(base) & 0xFFFFFF) << 16
	e |= uint64(access) << 40
	e |= (uint64(limit) >> 16 & 0xF) << 48
	e |= (uint64(base) >> 24 & 0xFF) << 56

	return e
}

// BuildGDT writes the null/code/data descriptors at guest-physical offset
// and returns segment descriptors ready to assign to CS and to
// DS/ES/FS/GS/SS, plus the GDTR descriptor to install.
func BuildGDT(mem []byte, offset uint64) (cs, ds kvm.Segment, gdtr kvm.Descriptor) {
	null := gdtEntry(0, 0, 0)
	code := gdtEntry(0xA09B, 0, 0xFFFFF)
	data := gdtEntry(0xC093, 0, 0xFFFFF)

	binary.LittleEndian.PutUint64(mem[offset:], null)
	binary.LittleEndian.PutUint64(mem[offset+8:], code)
	binary.LittleEndian.PutUint64(mem[offset+16:], data)

	cs = kvm.Segment{Base: 0, Limit: 0xFFFFFFFF, Selector: 1 << 3, Typ: 11, Present: 1, DPL: 0, S: 1, L: 1, G: 1}
	ds = kvm.Segment{Base: 0, Limit: 0xFFFFFFFF, Selector: 2 << 3, Typ: 3, Present: 1, DPL: 0, S: 1, DB: 1, G: 1}
	gdtr = kvm.Descriptor{Base: offset, Limit: 3*8 - 1}

	return cs, ds, gdtr
}

// ApplyGDT installs the boot GDT's segment/table-register values into
// sregs: CS gets the code segment, DS/ES/FS/GS/SS get the data segment.
func ApplyGDT(sregs *kvm.Sregs, cs, ds kvm.Segment, gdtr kvm.Descriptor) {
	sregs.GDT = gdtr
	sregs.CS = cs
	sregs.DS = ds
	sregs.ES = ds
	sregs.FS = ds
	sregs.GS = ds
	sregs.SS = ds
}

// BuildPageTables zeroes the PML4/PDPT/PDE frames and fills them with an
// identity map of [0, guestSize) in 2MiB pages: one PML4 entry, one PDPT
// entry, and ceil(guestSize/2MiB) PDE entries.
func BuildPageTables(mem []byte, guestSize uint64) {
	clearFrame(mem, PML4Addr)
	clearFrame(mem, PDPTAddr)
	clearFrame(mem, PDEAddr)

	binary.LittleEndian.PutUint64(mem[PML4Addr:], uint64(PDPTAddr)|pdePresent|pdeWritable)
	binary.LittleEndian.PutUint64(mem[PDPTAddr:], uint64(PDEAddr)|pdePresent|pdeWritable)

	numPages := (guestSize + PageSize2M - 1) / PageSize2M
	for i := uint64(0); i < numPages; i++ {
		entry := i*PageSize2M | pdePresent | pdeWritable | pdePageSize
		binary.LittleEndian.PutUint64(mem[PDEAddr+i*8:], entry)
	}
}

func clearFrame(mem []byte, addr uint64) {
	for i := uint64(0); i < PageSize; i++ {
		mem[addr+i] = 0
	}
}

// ApplyPageTables points sregs.CR3 at the PML4 and enables CR4.PAE,
// CR0.PG.
func ApplyPageTables(sregs *kvm.Sregs) {
	sregs.CR3 = PML4Addr
	sregs.CR4 |= cr4PAE
	sregs.CR0 |= cr0PG
}

// EnterLongMode sets CR0.PE, CR4.PAE, EFER.LME and EFER.LMA, completing
// the transition into 64-bit mode alongside ApplyPageTables.
func EnterLongMode(sregs *kvm.Sregs) {
	sregs.CR0 |= cr0PE
	sregs.CR4 |= cr4PAE
	sregs.EFER |= eferLME | eferLMA
}
