// Package config is the ambient CLI/config layer: a kong-tagged command
// tree mapping IsleParameterUhyve's fields onto boot/probe/migrate
// subcommands, the generation the teacher repository's own flag package
// was migrating towards.
package config

import (
	"github.com/alecthomas/kong"
)

// CLI is the top-level command tree parsed by Parse.
type CLI struct {
	Boot    BootCmd    `cmd:"" help:"boot a unikernel image"`
	Probe   ProbeCmd   `cmd:"" help:"print host KVM capabilities"`
	Migrate MigrateCmd `cmd:"" help:"receive a migrated guest on this host"`
}

// BootCmd boots a fresh guest from a unikernel ELF image.
type BootCmd struct {
	Dev        string `short:"D" default:"/dev/kvm" help:"path to the kvm control device"`
	Kernel     string `arg:"" optional:"" help:"unikernel ELF image path; omit with --resume"`
	Resume     bool   `help:"resume from the checkpoint/ directory instead of booting Kernel"`
	NumCPUs    int    `short:"c" default:"1" help:"number of vCPUs"`
	MemSize    string `short:"m" default:"128M" help:"guest memory size: number[kKmMgG]"`
	IP         string `name:"ip" help:"guest static IPv4 address"`
	Gateway    string `name:"gateway" help:"guest default gateway"`
	Mask       string `name:"mask" help:"guest subnet mask"`
	TapIfName  string `name:"netif" help:"tap interface name; empty disables networking"`
	UARTPort   uint64 `name:"uart-port" default:"0x3f8" help:"guest COM1 I/O port base"`

	FullCheckpoint   bool   `name:"full-checkpoint" help:"checkpoint all guest memory instead of only dirty pages"`
	CheckpointPeriod int    `name:"checkpoint" help:"seconds between automatic checkpoints, 0 disables"`
	MigrationDest    string `name:"migration-support" help:"destination address to migrate this guest to on SIGUSR1"`
}

// ProbeCmd prints the host's KVM capability support.
type ProbeCmd struct {
	CPUID bool `help:"also print supported CPUID leaves"`
}

// MigrateCmd starts a passive hypervisor that waits for one incoming
// migration stream instead of booting a kernel directly.
type MigrateCmd struct {
	Dev     string `short:"D" default:"/dev/kvm" help:"path to the kvm control device"`
	Listen  string `arg:"" help:"address to accept the incoming migration on"`
	MemSize string `short:"m" default:"128M" help:"guest memory size: number[kKmMgG]"`
}

// Parse parses os.Args (via kong) and runs the selected subcommand.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("uhyve"),
		kong.Description("uhyve is a small type-1 micro-VMM hosting a single unikernel guest"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}
