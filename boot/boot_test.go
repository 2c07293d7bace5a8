package boot_test

import (
	"encoding/binary"
	"testing"

	"github.com/hyvisor/uhyve/boot"
	"github.com/hyvisor/uhyve/kvm"
)

func TestBuildPageTablesIdentityMap(t *testing.T) {
	t.Parallel()

	const guestSize = 16 * boot.PageSize2M

	mem := make([]byte, boot.PDEAddr+boot.PageSize)
	boot.BuildPageTables(mem, guestSize)

	n := uint64(guestSize / boot.PageSize2M)
	for i := uint64(0); i < n; i++ {
		got := binary.LittleEndian.Uint64(mem[boot.PDEAddr+i*8:])
		want := i*boot.PageSize2M | 1<<0 | 1<<1 | 1<<7

		if got != want {
			t.Fatalf("PDE[%d] = %#x, want %#x", i, got, want)
		}
	}
}

func TestBuildPageTablesPML4AndPDPT(t *testing.T) {
	t.Parallel()

	mem := make([]byte, boot.PDEAddr+boot.PageSize)
	boot.BuildPageTables(mem, boot.PageSize2M)

	pml4 := binary.LittleEndian.Uint64(mem[boot.PML4Addr:])
	if pml4 != uint64(boot.PDPTAddr)|1<<0|1<<1 {
		t.Fatalf("PML4[0] = %#x", pml4)
	}

	pdpt := binary.LittleEndian.Uint64(mem[boot.PDPTAddr:])
	if pdpt != uint64(boot.PDEAddr)|1<<0|1<<1 {
		t.Fatalf("PDPT[0] = %#x", pdpt)
	}
}

func TestApplyPageTablesAndLongMode(t *testing.T) {
	t.Parallel()

	sregs := &kvm.Sregs{}
	boot.ApplyPageTables(sregs)
	boot.EnterLongMode(sregs)

	if sregs.CR3 != boot.PML4Addr {
		t.Fatalf("CR3 = %#x, want %#x", sregs.CR3, boot.PML4Addr)
	}

	if sregs.CR4&(1<<5) == 0 {
		t.Fatal("CR4.PAE not set")
	}

	if sregs.CR0&(1<<31) == 0 {
		t.Fatal("CR0.PG not set")
	}

	if sregs.CR0&1 == 0 {
		t.Fatal("CR0.PE not set")
	}

	if sregs.EFER&(1<<8|1<<10) != 1<<8|1<<10 {
		t.Fatalf("EFER.LME|LMA not set: %#x", sregs.EFER)
	}
}

func TestBuildGDTLayout(t *testing.T) {
	t.Parallel()

	mem := make([]byte, boot.GDTAddr+3*8)
	cs, ds, gdtr := boot.BuildGDT(mem, boot.GDTAddr)

	if gdtr.Base != boot.GDTAddr || gdtr.Limit != 3*8-1 {
		t.Fatalf("gdtr = %+v", gdtr)
	}

	if cs.L != 1 || cs.Typ != 11 {
		t.Fatalf("cs = %+v", cs)
	}

	if ds.Typ != 3 {
		t.Fatalf("ds = %+v", ds)
	}

	null := binary.LittleEndian.Uint64(mem[boot.GDTAddr:])
	if null != 0 {
		t.Fatalf("null descriptor = %#x, want 0", null)
	}
}
