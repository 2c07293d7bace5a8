package vcpu

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/hyvisor/uhyve/kvm"
)

// State is the full architectural snapshot of one vCPU: general-purpose
// and special registers, FPU state, LAPIC state, the MSR values this
// build of the hypervisor cares about, and pending event/interrupt state.
// The checkpoint and migration engines treat it as an opaque record.
type State struct {
	Regs   kvm.Regs
	Sregs  kvm.Sregs
	FPU    kvm.FPU
	LAPIC  kvm.LAPICState
	Events kvm.VCPUEvents
	MSRs   []kvm.MSREntry
}

// Snapshot reads the full state of the vCPU at fd for msrIndices, the set
// of MSR indices this build has decided are worth preserving across a
// checkpoint or migration.
func Snapshot(fd uintptr, msrIndices []uint32) (State, error) {
	var s State

	regs, err := kvm.GetRegs(fd)
	if err != nil {
		return s, fmt.Errorf("vcpu: snapshot regs: %w", err)
	}

	s.Regs = *regs

	sregs, err := kvm.GetSregs(fd)
	if err != nil {
		return s, fmt.Errorf("vcpu: snapshot sregs: %w", err)
	}

	s.Sregs = *sregs

	fpu, err := kvm.GetFPU(fd)
	if err != nil {
		return s, fmt.Errorf("vcpu: snapshot fpu: %w", err)
	}

	s.FPU = *fpu

	lapic, err := kvm.GetLAPIC(fd)
	if err != nil {
		return s, fmt.Errorf("vcpu: snapshot lapic: %w", err)
	}

	s.LAPIC = *lapic

	events, err := kvm.GetVCPUEvents(fd)
	if err != nil {
		return s, fmt.Errorf("vcpu: snapshot events: %w", err)
	}

	s.Events = *events

	if len(msrIndices) > 0 {
		msrs, err := kvm.GetMSRs(fd, msrIndices)
		if err != nil {
			return s, fmt.Errorf("vcpu: snapshot msrs: %w", err)
		}

		s.MSRs = msrs
	}

	return s, nil
}

// Restore writes a previously snapshotted state back into the vCPU at fd:
// special registers first, then general registers, FPU, LAPIC and events,
// and the MSRs last, after the registers they may depend on (e.g. the
// APIC base MSR mirrors Sregs.ApicBase).
func Restore(fd uintptr, s State) error {
	if err := kvm.SetSregs(fd, &s.Sregs); err != nil {
		return fmt.Errorf("vcpu: restore sregs: %w", err)
	}

	if err := kvm.SetRegs(fd, &s.Regs); err != nil {
		return fmt.Errorf("vcpu: restore regs: %w", err)
	}

	if err := kvm.SetFPU(fd, &s.FPU); err != nil {
		return fmt.Errorf("vcpu: restore fpu: %w", err)
	}

	if err := kvm.SetLAPIC(fd, &s.LAPIC); err != nil {
		return fmt.Errorf("vcpu: restore lapic: %w", err)
	}

	if err := kvm.SetVCPUEvents(fd, &s.Events); err != nil {
		return fmt.Errorf("vcpu: restore events: %w", err)
	}

	if len(s.MSRs) > 0 {
		if err := kvm.SetMSRs(fd, s.MSRs); err != nil {
			return fmt.Errorf("vcpu: restore msrs: %w", err)
		}
	}

	return nil
}

// Encode serializes a state record for the checkpoint/migration wire
// formats: the fixed-layout register blocks in host byte order via
// encoding/binary, followed by a gob-encoded MSR list (the only
// variable-length part of an otherwise fixed-size record).
func (s State) Encode() ([]byte, error) {
	var buf bytes.Buffer

	for _, v := range []any{s.Regs, s.Sregs, s.FPU, s.LAPIC, s.Events} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("vcpu: encode state: %w", err)
		}
	}

	if err := gob.NewEncoder(&buf).Encode(s.MSRs); err != nil {
		return nil, fmt.Errorf("vcpu: encode msrs: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode parses a record produced by Encode.
func Decode(data []byte) (State, error) {
	return DecodeFrom(bytes.NewReader(data))
}

// DecodeFrom reads one state record from r, consuming exactly the bytes
// Encode would have written and leaving r positioned right after it. This
// lets callers concatenate many records in one file or stream and decode
// them back to back without needing a length prefix per record.
func DecodeFrom(r io.Reader) (State, error) {
	var s State

	for _, v := range []any{&s.Regs, &s.Sregs, &s.FPU, &s.LAPIC, &s.Events} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return s, fmt.Errorf("vcpu: decode state: %w", err)
		}
	}

	if err := gob.NewDecoder(exactReader{r}).Decode(&s.MSRs); err != nil {
		return s, fmt.Errorf("vcpu: decode msrs: %w", err)
	}

	return s, nil
}

// exactReader gives gob an io.ByteReader so it does not wrap r in its own
// read-ahead buffer and consume bytes past the end of the record.
type exactReader struct{ io.Reader }

func (e exactReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(e.Reader, b[:])

	return b[0], err
}
