// Package checkpoint implements the dirty-page scanner and the
// checkpoint write/read paths: the mechanism that lets a running guest's
// memory be snapshotted incrementally and restored later.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Page-table entry bit flags this scanner cares about; the rest of an
// entry's bits are opaque to it and carried through unexamined.
const (
	pgPresent  = 1 << 0
	pgAccessed = 1 << 5
	pgDirty    = 1 << 6
	pgPSE      = 1 << 7 // 2-MiB leaf marker at the PDE level

	pageSize   = 0x1000
	pageSize2M = 0x200000

	entriesPerTable = 512
)

var (
	pageMask   = ^uint64(pageSize - 1)
	page2MMask = ^uint64(pageSize2M - 1)
)

// Flag selects which bit a scan treats as "this page changed": PG_DIRTY
// for an incremental scan (only pages written since the last checkpoint),
// PG_ACCESSED for a full scan (every page the guest has touched at all).
func Flag(full bool, checkpointNum int) uint64 {
	if !full && checkpointNum > 0 {
		return pgDirty
	}

	return pgAccessed
}

// Scan walks the 4-level page table rooted at pml4Addr (guest-physical),
// in PML4/PDPT/PD/PT ascending-index order, and for every present leaf
// whose flag bit is set, writes an 8-byte PTE (with PG_PSE set for a 2MiB
// leaf and cleared for a 4KiB one, the wire format's page-size marker)
// followed by the page's bytes. When clear is true (incremental mode) the
// DIRTY|ACCESSED bits are cleared on every emitted entry in place, so the
// next incremental scan only sees pages touched since this one.
func Scan(mem []byte, pml4Addr uint64, flag uint64, clear bool, w io.Writer) error {
	pml4 := readTable(mem, pml4Addr)

	for i := 0; i < entriesPerTable; i++ {
		pml4e := pml4[i]
		if pml4e&pgPresent == 0 {
			continue
		}

		pdptAddr := pml4e &^ 0xFFF
		pdpt := readTable(mem, pdptAddr)

		for j := 0; j < entriesPerTable; j++ {
			pdpte := pdpt[j]
			if pdpte&pgPresent == 0 {
				continue
			}

			pdAddr := pdpte &^ 0xFFF
			pd := readTable(mem, pdAddr)

			for k := 0; k < entriesPerTable; k++ {
				pde := pd[k]
				if pde&pgPresent == 0 {
					continue
				}

				if pde&pgPSE != 0 {
					if err := emitLeaf(mem, pdAddr, k, pde, flag, clear, true, w); err != nil {
						return err
					}

					continue
				}

				ptAddr := pde &^ 0xFFF
				pt := readTable(mem, ptAddr)

				for l := 0; l < entriesPerTable; l++ {
					pte := pt[l]
					if pte&pgPresent == 0 {
						continue
					}

					if err := emitLeaf(mem, ptAddr, l, pte, flag, clear, false, w); err != nil {
						return err
					}
				}
			}
		}
	}

	return nil
}

func readTable(mem []byte, addr uint64) []uint64 {
	table := make([]uint64, entriesPerTable)
	for i := range table {
		table[i] = binary.LittleEndian.Uint64(mem[addr+uint64(i*8):])
	}

	return table
}

// emitLeaf writes one <PTE><page> record for a present, flag-set leaf
// entry. huge selects whether this is a 2MiB (PDE) or 4KiB (PTE) leaf;
// the wire PTE's bit 7 is forced to match huge regardless of the real
// entry's bits in that position (which mean something else, PAT, for a
// 4KiB PTE), since bit 7 is the wire format's own page-size marker.
func emitLeaf(mem []byte, tableAddr uint64, index int, entry, flag uint64, clear, huge bool, w io.Writer) error {
	if entry&flag == 0 {
		return nil
	}

	mask := pageMask
	size := pageSize

	if huge {
		mask = page2MMask
		size = pageSize2M
	}

	paddr := entry & mask

	wire := entry &^ pgPSE
	if huge {
		wire |= pgPSE
	}

	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], wire)

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("checkpoint: write pte: %w", err)
	}

	if _, err := w.Write(mem[paddr : paddr+uint64(size)]); err != nil {
		return fmt.Errorf("checkpoint: write page at %#x: %w", paddr, err)
	}

	if clear {
		cleared := entry &^ (pgDirty | pgAccessed)
		binary.LittleEndian.PutUint64(mem[tableAddr+uint64(index*8):], cleared)
	}

	return nil
}

// Restore reads records of the form <8-byte PTE><page bytes> from r until
// EOF and writes each page's bytes into mem at the guest-physical address
// the PTE names, in the order they appear in the stream (a later record
// for the same address in the same pass overwrites an earlier one).
func Restore(mem []byte, r io.Reader) error {
	var hdr [8]byte

	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				return nil
			}

			return fmt.Errorf("checkpoint: read pte: %w", err)
		}

		entry := binary.LittleEndian.Uint64(hdr[:])

		size := pageSize
		mask := pageMask

		if entry&pgPSE != 0 {
			size = pageSize2M
			mask = page2MMask
		}

		paddr := entry & mask

		if _, err := io.ReadFull(r, mem[paddr:paddr+uint64(size)]); err != nil {
			return fmt.Errorf("checkpoint: read page at %#x: %w", paddr, err)
		}
	}
}
