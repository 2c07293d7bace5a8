package migration_test

import (
	"net"
	"testing"

	"github.com/hyvisor/uhyve/kvm"
	"github.com/hyvisor/uhyve/migration"
	"github.com/hyvisor/uhyve/vcpu"
)

type fakeSource struct {
	mem    []byte
	states []vcpu.State
	clock  kvm.ClockData
	stable bool
}

func (f *fakeSource) MemBytes() []byte                        { return f.mem }
func (f *fakeSource) NumCPUs() int                            { return len(f.states) }
func (f *fakeSource) SnapshotCPU(id int) (vcpu.State, error)  { return f.states[id], nil }
func (f *fakeSource) GuestClock() (*kvm.ClockData, error)     { return &f.clock, nil }
func (f *fakeSource) AdjustClockStable() bool                 { return f.stable }
func (f *fakeSource) ElfEntry() uint64                        { return 0x200000 }

type fakeSink struct {
	mem      []byte
	restored []vcpu.State
	clock    *kvm.ClockData
}

func (f *fakeSink) MemBytes() []byte { return f.mem }
func (f *fakeSink) RestoreCPU(id int, st vcpu.State) error {
	f.restored = append(f.restored, st)
	return nil
}
func (f *fakeSink) SetGuestClock(c *kvm.ClockData) error { f.clock = c; return nil }

func TestSendReceiveRoundTrip(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()

	src := &fakeSource{
		mem:    []byte{1, 2, 3, 4, 5, 6, 7, 8},
		states: []vcpu.State{{}, {}},
		clock:  kvm.ClockData{Clock: 99},
		stable: true,
	}
	src.states[0].Regs.RIP = 0x1000
	src.states[1].Regs.RIP = 0x2000

	sink := &fakeSink{mem: make([]byte, len(src.mem))}

	errCh := make(chan error, 1)
	go func() { errCh <- migration.Send(clientConn, src) }()

	cfg, err := migration.Receive(serverConn, sink)
	if err != nil {
		t.Fatal(err)
	}

	if err := <-errCh; err != nil {
		t.Fatal(err)
	}

	if cfg.HasClock == 0 {
		t.Fatal("expected clock record to be present")
	}

	if cfg.ElfEntry != 0x200000 {
		t.Fatalf("ElfEntry = %#x, want 0x200000", cfg.ElfEntry)
	}

	if string(sink.mem) != string(src.mem) {
		t.Fatalf("mem = %v, want %v", sink.mem, src.mem)
	}

	if len(sink.restored) != 2 || sink.restored[0].Regs.RIP != 0x1000 || sink.restored[1].Regs.RIP != 0x2000 {
		t.Fatalf("restored vcpu states mismatch: %+v", sink.restored)
	}

	if sink.clock == nil || sink.clock.Clock != 99 {
		t.Fatalf("clock = %+v, want Clock=99", sink.clock)
	}
}

func TestSendReceiveWithoutClock(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()

	src := &fakeSource{
		mem:    []byte{9, 9, 9, 9},
		states: []vcpu.State{{}},
		stable: false,
	}

	sink := &fakeSink{mem: make([]byte, len(src.mem))}

	errCh := make(chan error, 1)
	go func() { errCh <- migration.Send(clientConn, src) }()

	cfg, err := migration.Receive(serverConn, sink)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.HasClock != 0 {
		t.Fatal("expected no clock record")
	}

	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
}
