// Package migration implements the live-migration wire protocol: a
// length-implicit, unframed stream of exactly four parts, both peers
// assumed to be the same architecture and byte order.
package migration

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/hyvisor/uhyve/kvm"
	"github.com/hyvisor/uhyve/vcpu"
)

// Config is the CheckpointConfig record sent first, always with
// CheckpointNumber = 0 for a migration (there is no incremental history
// to replay on the far side). Its layout is fixed-size and sent as raw
// bytes in host order, like every other record in this protocol.
//
// HasClock is not part of the base CheckpointConfig record; it exists so
// the passive side knows, without guessing, whether a trailing clock
// record follows the vCPU states — the one piece of framing an otherwise
// fully length-implicit protocol still needs.
type Config struct {
	NumCPUs       uint32
	CheckpointNum uint32
	HasClock      uint32
	MemSize       uint64
	ElfEntry      uint64
}

// Source is the active side's view of VM state: a way to read the whole
// guest memory buffer, snapshot each vCPU, and report whether the guest
// clock is worth sending.
type Source interface {
	MemBytes() []byte
	SnapshotCPU(id int) (vcpu.State, error)
	GuestClock() (*kvm.ClockData, error)
	AdjustClockStable() bool
	NumCPUs() int
	ElfEntry() uint64
}

// Send runs the active side of the protocol against an already-connected
// conn: send Config, the memory buffer, every vCPU state in id order,
// then optionally the guest clock.
func Send(conn net.Conn, s Source) error {
	var hasClock uint32
	if s.AdjustClockStable() {
		hasClock = 1
	}

	cfg := Config{
		NumCPUs:       uint32(s.NumCPUs()),
		CheckpointNum: 0,
		HasClock:      hasClock,
		MemSize:       uint64(len(s.MemBytes())),
		ElfEntry:      s.ElfEntry(),
	}

	if err := binary.Write(conn, binary.LittleEndian, cfg); err != nil {
		return fmt.Errorf("migration: send config: %w", err)
	}

	if _, err := conn.Write(s.MemBytes()); err != nil {
		return fmt.Errorf("migration: send memory: %w", err)
	}

	for i := 0; i < s.NumCPUs(); i++ {
		st, err := s.SnapshotCPU(i)
		if err != nil {
			return fmt.Errorf("migration: snapshot vcpu %d: %w", i, err)
		}

		rec, err := st.Encode()
		if err != nil {
			return fmt.Errorf("migration: encode vcpu %d: %w", i, err)
		}

		if _, err := conn.Write(rec); err != nil {
			return fmt.Errorf("migration: send vcpu %d: %w", i, err)
		}
	}

	if s.AdjustClockStable() {
		clock, err := s.GuestClock()
		if err != nil {
			return fmt.Errorf("migration: get clock: %w", err)
		}

		if err := binary.Write(conn, binary.LittleEndian, clock); err != nil {
			return fmt.Errorf("migration: send clock: %w", err)
		}
	}

	return nil
}

// Sink is the passive side's view of VM state: a mutable guest memory
// buffer to fill and a way to restore each vCPU and publish a clock.
type Sink interface {
	MemBytes() []byte
	RestoreCPU(id int, st vcpu.State) error
	SetGuestClock(*kvm.ClockData) error
}

// Receive runs the passive side: receive Config, fill mem, restore every
// vCPU, and publish the clock if the sender included one. The decoded
// Config is returned so the caller learns ElfEntry (there is no local ELF
// load on this side to derive it from) and whether a clock record
// followed (cfg.HasClock != 0), matching the "optionally" in the wire
// protocol.
func Receive(conn net.Conn, sink Sink) (Config, error) {
	var cfg Config

	if err := binary.Read(conn, binary.LittleEndian, &cfg); err != nil {
		return cfg, fmt.Errorf("migration: receive config: %w", err)
	}

	mem := sink.MemBytes()
	if uint64(len(mem)) < cfg.MemSize {
		return cfg, fmt.Errorf("migration: local memory (%d bytes) smaller than sender's (%d bytes)", len(mem), cfg.MemSize)
	}

	if _, err := io.ReadFull(conn, mem[:cfg.MemSize]); err != nil {
		return cfg, fmt.Errorf("migration: receive memory: %w", err)
	}

	for i := uint32(0); i < cfg.NumCPUs; i++ {
		st, err := vcpu.DecodeFrom(conn)
		if err != nil {
			return cfg, fmt.Errorf("migration: decode vcpu %d: %w", i, err)
		}

		if err := sink.RestoreCPU(int(i), st); err != nil {
			return cfg, fmt.Errorf("migration: restore vcpu %d: %w", i, err)
		}
	}

	if cfg.HasClock == 0 {
		return cfg, nil
	}

	var clock kvm.ClockData
	if err := binary.Read(conn, binary.LittleEndian, &clock); err != nil {
		return cfg, fmt.Errorf("migration: receive clock: %w", err)
	}

	if err := sink.SetGuestClock(&clock); err != nil {
		return cfg, fmt.Errorf("migration: set clock: %w", err)
	}

	return cfg, nil
}

// Dial connects to a migration destination and runs Send against it.
func Dial(addr string, s Source) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("migration: dial %s: %w", addr, err)
	}
	defer conn.Close()

	return Send(conn, s)
}

// Serve accepts one migration connection on listener and runs Receive
// against it, then closes the listener: this hypervisor expects exactly
// one migration per passive-side invocation.
func Serve(l net.Listener, sink Sink) (Config, error) {
	defer l.Close()

	conn, err := l.Accept()
	if err != nil {
		return Config{}, fmt.Errorf("migration: accept: %w", err)
	}
	defer conn.Close()

	return Receive(conn, sink)
}
