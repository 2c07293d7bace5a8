package checkpoint_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/hyvisor/uhyve/checkpoint"
)

const (
	pml4Addr = 0x10000
	pdptAddr = 0x11000
	pdAddr   = 0x12000
)

func newIdentityMappedMem(size int) []byte {
	mem := make([]byte, size)

	binary.LittleEndian.PutUint64(mem[pml4Addr:], uint64(pdptAddr)|1<<0|1<<1)
	binary.LittleEndian.PutUint64(mem[pdptAddr:], uint64(pdAddr)|1<<0|1<<1)

	return mem
}

func setPDE(mem []byte, index int, paddr uint64, flags uint64) {
	binary.LittleEndian.PutUint64(mem[pdAddr+uint64(index*8):], paddr|1<<0|1<<1|1<<7|flags)
}

func TestScanFullModeEmitsAccessedPages(t *testing.T) {
	t.Parallel()

	mem := newIdentityMappedMem(8 << 20)
	setPDE(mem, 0, 0, 1<<5) // PG_ACCESSED
	copy(mem[0:], bytes.Repeat([]byte{0xCD}, 16))

	var out bytes.Buffer
	if err := checkpoint.Scan(mem, pml4Addr, checkpoint.Flag(true, 0), false, &out); err != nil {
		t.Fatal(err)
	}

	if out.Len() != 8+0x200000 {
		t.Fatalf("output length = %d, want %d", out.Len(), 8+0x200000)
	}

	pte := binary.LittleEndian.Uint64(out.Bytes()[:8])
	if pte&0x80 == 0 {
		t.Fatal("expected PG_PSE marker bit set on emitted 2MiB entry")
	}

	if !bytes.Equal(out.Bytes()[8:24], bytes.Repeat([]byte{0xCD}, 16)) {
		t.Fatal("page contents not copied into output")
	}
}

func TestScanSkipsPagesWithoutFlag(t *testing.T) {
	t.Parallel()

	mem := newIdentityMappedMem(8 << 20)
	setPDE(mem, 0, 0, 0) // neither dirty nor accessed

	var out bytes.Buffer
	if err := checkpoint.Scan(mem, pml4Addr, checkpoint.Flag(true, 0), false, &out); err != nil {
		t.Fatal(err)
	}

	if out.Len() != 0 {
		t.Fatalf("expected no output, got %d bytes", out.Len())
	}
}

func TestScanIncrementalClearsFlags(t *testing.T) {
	t.Parallel()

	mem := newIdentityMappedMem(8 << 20)
	setPDE(mem, 3, 3*0x200000, 1<<6) // PG_DIRTY

	var out bytes.Buffer
	if err := checkpoint.Scan(mem, pml4Addr, checkpoint.Flag(false, 1), true, &out); err != nil {
		t.Fatal(err)
	}

	if out.Len() == 0 {
		t.Fatal("expected one emitted record")
	}

	pde := binary.LittleEndian.Uint64(mem[pdAddr+3*8:])
	if pde&(1<<6) != 0 {
		t.Fatal("PG_DIRTY not cleared after incremental scan")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	src := newIdentityMappedMem(8 << 20)
	setPDE(src, 0, 0, 1<<5)
	copy(src[0:], bytes.Repeat([]byte{0xAB}, 0x200000))

	var stream bytes.Buffer
	if err := checkpoint.Scan(src, pml4Addr, checkpoint.Flag(true, 0), false, &stream); err != nil {
		t.Fatal(err)
	}

	dst := make([]byte, 8<<20)
	if err := checkpoint.Restore(dst, &stream); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(dst[0:0x200000], src[0:0x200000]) {
		t.Fatal("restored page contents do not match source")
	}
}
