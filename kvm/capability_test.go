package kvm_test

import (
	"testing"

	"github.com/hyvisor/uhyve/kvm"
)

func TestCapabilityString(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		cap  kvm.Capability
		want string
	}{
		{kvm.CapIRQChip, "IRQCHIP"},
		{kvm.CapIRQFD, "IRQFD"},
		{kvm.CapSyncMMU, "SYNC_MMU"},
		{kvm.CapX2APICAPI, "X2APIC_API"},
		{kvm.Capability(255), "Capability(255)"},
	} {
		if got := tt.cap.String(); got != tt.want {
			t.Errorf("Capability(%d).String() = %q, want %q", int(tt.cap), got, tt.want)
		}
	}
}
