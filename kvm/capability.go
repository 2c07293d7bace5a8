package kvm

import "fmt"

// Capability identifies an optional host control-device feature, probed
// via CheckExtension.
type Capability int

// Capability values, matching the host kernel's KVM_CAP_* numbering.
const (
	CapIRQChip      Capability = 0
	CapUserMemory   Capability = 3
	CapSetTSSAddr   Capability = 4
	CapExtCPUID     Capability = 7
	CapMPState      Capability = 14
	CapCoalescedMMIO Capability = 15
	CapUserNMI      Capability = 22
	CapSetGuestDebug Capability = 23
	CapReinjectControl Capability = 24
	CapIRQRouting   Capability = 25
	CapIOMMU        Capability = 18
	CapMCE          Capability = 31
	CapIRQFD        Capability = 32
	CapPIT2         Capability = 33
	CapSetBootCPUID Capability = 34
	CapPITState2    Capability = 35
	CapIOEventFD    Capability = 36
	CapSetIdentityMapAddr Capability = 37
	CapAdjustClock  Capability = 39
	CapVCPUEvents   Capability = 41
	CapDebugRegs    Capability = 50
	CapEnableCap    Capability = 60
	CapXSave        Capability = 55
	CapXCRS         Capability = 56
	CapTSCControl   Capability = 61
	CapKVMClockCtrl Capability = 76
	CapVapic        Capability = 6
	CapTSCDeadlineTimer Capability = 72
	CapSyncMMU      Capability = 16
	CapX2APICAPI    Capability = 129
	CapNRMemSlots   Capability = 10
)

var capabilityNames = map[Capability]string{
	CapIRQChip:            "IRQCHIP",
	CapUserMemory:         "USER_MEMORY",
	CapSetTSSAddr:         "SET_TSS_ADDR",
	CapExtCPUID:           "EXT_CPUID",
	CapMPState:            "MP_STATE",
	CapCoalescedMMIO:      "COALESCED_MMIO",
	CapUserNMI:            "USER_NMI",
	CapSetGuestDebug:      "SET_GUEST_DEBUG",
	CapReinjectControl:    "REINJECT_CONTROL",
	CapIRQRouting:         "IRQ_ROUTING",
	CapIOMMU:              "IOMMU",
	CapMCE:                "MCE",
	CapIRQFD:              "IRQFD",
	CapPIT2:               "PIT2",
	CapSetBootCPUID:       "SET_BOOT_CPUID_ID",
	CapPITState2:          "PIT_STATE2",
	CapIOEventFD:          "IOEVENTFD",
	CapSetIdentityMapAddr: "SET_IDENTITY_MAP_ADDR",
	CapAdjustClock:        "ADJUST_CLOCK",
	CapVCPUEvents:         "VCPU_EVENTS",
	CapDebugRegs:          "DEBUGREGS",
	CapEnableCap:          "ENABLE_CAP",
	CapXSave:              "XSAVE",
	CapXCRS:               "XCRS",
	CapTSCControl:         "TSC_CONTROL",
	CapKVMClockCtrl:       "KVMCLOCK_CTRL",
	CapVapic:              "VAPIC",
	CapTSCDeadlineTimer:   "TSC_DEADLINE_TIMER",
	CapSyncMMU:            "SYNC_MMU",
	CapX2APICAPI:          "X2APIC_API",
	CapNRMemSlots:         "NR_MEMSLOTS",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Capability(%d)", int(c))
}

// CheckExtension probes whether the host supports a capability, and, for
// capabilities defined as an integer (like CapNRMemSlots), returns its
// value rather than a boolean 0/1.
func CheckExtension(kvmFd uintptr, cap Capability) (int, error) {
	r, err := Ioctl(kvmFd, IIO(nrCheckExtension), uintptr(cap))

	return int(r), err
}
