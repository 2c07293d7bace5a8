package vmm

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// fallbackCPUFreqMHz is used when /proc/cpuinfo doesn't report a
// frequency (e.g. inside some containers); the guest only uses this
// value to calibrate its own busy-wait loops, so an approximation is
// acceptable.
const fallbackCPUFreqMHz = 2000

// measureCPUFreqMHz reads the host's reported CPU frequency from
// /proc/cpuinfo, the same value every "cpu MHz" line there reports.
func measureCPUFreqMHz() uint32 {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return fallbackCPUFreqMHz
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu MHz") {
			continue
		}

		fields := strings.SplitN(line, ":", 2)
		if len(fields) != 2 {
			continue
		}

		mhz, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			continue
		}

		return uint32(mhz)
	}

	return fallbackCPUFreqMHz
}
