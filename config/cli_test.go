package config_test

import (
	"os"
	"testing"

	"github.com/alecthomas/kong"

	"github.com/hyvisor/uhyve/config"
)

func parseArgs(t *testing.T, args []string) *kong.Context {
	t.Helper()

	orig := os.Args
	defer func() { os.Args = orig }()

	os.Args = args

	c := config.CLI{}

	return kong.Parse(&c, kong.Exit(func(code int) {
		t.Fatalf("kong exited with code %d parsing %v", code, args)
	}))
}

func TestCLIBootParsing(t *testing.T) {
	t.Parallel()

	ctx := parseArgs(t, []string{
		"uhyve", "boot",
		"-D", "/dev/kvm",
		"-c", "2",
		"-m", "256M",
		"--netif", "tap0",
		"kernel.elf",
	})

	if ctx.Command() == "" {
		t.Fatal("expected a resolved command")
	}
}

func TestCLIProbeParsing(t *testing.T) {
	t.Parallel()

	parseArgs(t, []string{"uhyve", "probe"})
}

func TestCLIMigrateParsing(t *testing.T) {
	t.Parallel()

	parseArgs(t, []string{"uhyve", "migrate", "0.0.0.0:9000"})
}

func TestCLIBootResumeOmitsKernel(t *testing.T) {
	t.Parallel()

	parseArgs(t, []string{"uhyve", "boot", "--resume"})
}
