package vmm

import "testing"

func TestMeasureCPUFreqMHzReturnsPositive(t *testing.T) {
	t.Parallel()

	if got := measureCPUFreqMHz(); got == 0 {
		t.Fatal("measureCPUFreqMHz() = 0, want a positive value")
	}
}
