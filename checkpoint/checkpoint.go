package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyvisor/uhyve/kvm"
	"github.com/hyvisor/uhyve/vcpu"
)

const dir = "checkpoint"

// Config is the metadata record persisted alongside every checkpoint.
type Config struct {
	NumCPUs       int
	MemSize       uint64
	CheckpointNum int
	ElfEntry      uint64
	Full          bool
}

// Snapshotter is the subset of a coordinator's capabilities the write
// path needs: reading the guest clock and snapshotting a vCPU at its
// safepoint.
type Snapshotter interface {
	GuestClock() (*kvm.ClockData, error)
	SnapshotCPU(id int) (vcpu.State, error)
}

// Write performs the write path: snapshot every vCPU at its safepoint,
// scan dirty/accessed guest memory into checkpoint/mem<N>, and persist
// the config + vCPU state record. Returns the checkpoint number just
// written.
func Write(mem []byte, pml4Addr uint64, s Snapshotter, cfg Config) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("checkpoint: create directory: %w", err)
	}

	states := make([]vcpu.State, cfg.NumCPUs)
	for i := 0; i < cfg.NumCPUs; i++ {
		st, err := s.SnapshotCPU(i)
		if err != nil {
			return 0, fmt.Errorf("checkpoint: snapshot vcpu %d: %w", i, err)
		}

		states[i] = st
	}

	memPath := filepath.Join(dir, fmt.Sprintf("mem%d", cfg.CheckpointNum))

	f, err := os.Create(memPath)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: create %s: %w", memPath, err)
	}
	defer f.Close()

	clock, err := s.GuestClock()
	if err != nil {
		return 0, fmt.Errorf("checkpoint: get clock: %w", err)
	}

	if err := binary.Write(f, binary.LittleEndian, clock); err != nil {
		return 0, fmt.Errorf("checkpoint: write clock record: %w", err)
	}

	flag := Flag(cfg.Full, cfg.CheckpointNum)
	incremental := flag == pgDirty

	if err := Scan(mem, pml4Addr, flag, incremental, f); err != nil {
		return 0, fmt.Errorf("checkpoint: scan: %w", err)
	}

	if err := writeConfig(cfg, states); err != nil {
		return 0, err
	}

	return cfg.CheckpointNum, nil
}

func writeConfig(cfg Config, states []vcpu.State) error {
	path := filepath.Join(dir, "config")

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", path, err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("checkpoint: encode config: %w", err)
	}

	for i, st := range states {
		rec, err := st.Encode()
		if err != nil {
			return fmt.Errorf("checkpoint: encode vcpu %d state: %w", i, err)
		}

		if _, err := f.Write(rec); err != nil {
			return fmt.Errorf("checkpoint: write vcpu %d state: %w", i, err)
		}
	}

	return nil
}

// ReadConfig loads the persisted Config blob, used by load_checkpoint to
// learn how many checkpoints to replay before touching any mem<N> file.
func ReadConfig() (Config, error) {
	path := filepath.Join(dir, "config")

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := gob.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("checkpoint: decode config: %w", err)
	}

	return cfg, nil
}

// Restorer is the subset of a coordinator's capabilities the read path
// needs: publishing a guest clock, restoring a vCPU's architectural
// state, and reporting whether the host supports ADJUST_CLOCK.
type Restorer interface {
	RestoreCPU(id int, st vcpu.State) error
	SetGuestClock(*kvm.ClockData) error
	AdjustClockStable() bool
}

// Load performs the read path described by load_checkpoint: replay
// checkpoints 0 (or only cfg.CheckpointNum, if it is full) through
// cfg.CheckpointNum in order, applying each mem<i> file's clock record
// and page records to mem, then restore every vCPU's architectural state
// from the persisted config blob.
func Load(mem []byte, r Restorer, cfg Config) error {
	start := 0
	if cfg.Full {
		start = cfg.CheckpointNum
	}

	for i := start; i <= cfg.CheckpointNum; i++ {
		if err := loadOne(mem, r, i, i == cfg.CheckpointNum); err != nil {
			return err
		}
	}

	if err := restoreCPUs(r, cfg); err != nil {
		return err
	}

	return nil
}

func loadOne(mem []byte, r Restorer, i int, newest bool) error {
	path := filepath.Join(dir, fmt.Sprintf("mem%d", i))

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()

	var clock kvm.ClockData
	if err := binary.Read(f, binary.LittleEndian, &clock); err != nil {
		return fmt.Errorf("checkpoint: read clock record from %s: %w", path, err)
	}

	if newest && r.AdjustClockStable() {
		if err := r.SetGuestClock(&clock); err != nil {
			return fmt.Errorf("checkpoint: set clock: %w", err)
		}
	}

	if err := Restore(mem, f); err != nil {
		return fmt.Errorf("checkpoint: restore %s: %w", path, err)
	}

	return nil
}

func restoreCPUs(r Restorer, cfg Config) error {
	path := filepath.Join(dir, "config")

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()

	// One shared buffered reader, so the config decoder's read-ahead is
	// not lost to the state records that follow it.
	br := bufio.NewReader(f)

	var stored Config
	if err := gob.NewDecoder(br).Decode(&stored); err != nil {
		return fmt.Errorf("checkpoint: decode config: %w", err)
	}

	for i := 0; i < cfg.NumCPUs; i++ {
		st, err := vcpu.DecodeFrom(br)
		if err != nil {
			return fmt.Errorf("checkpoint: decode vcpu %d state: %w", i, err)
		}

		if err := r.RestoreCPU(i, st); err != nil {
			return fmt.Errorf("checkpoint: restore vcpu %d: %w", i, err)
		}
	}

	return nil
}
