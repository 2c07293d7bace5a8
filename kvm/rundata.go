package kvm

import "unsafe"

// Exit reasons returned in RunData.ExitReason after KVM_RUN.
const (
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitInternalError = 17
)

// IO directions, as encoded in RunData.IO().
const (
	ExitIOIn  = 0
	ExitIOOut = 1
)

// RunData is the per-vCPU run-area mmap'd from the vCPU descriptor. Only
// the fields this hypervisor core reads are named; everything past the
// union header lives in Data, matching the host kernel's own layout
// convention of an exit-reason-tagged union.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the port-IO exit fields packed into Data[0:2]: direction,
// operand size, port number, repeat count, and the byte offset (from the
// start of RunData) where the operand bytes live.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the MMIO exit fields packed into Data.
func (r *RunData) MMIO() (physAddr uint64, data []byte, length uint32, isWrite bool) {
	physAddr = r.Data[0]
	length = uint32(r.Data[2])
	isWrite = r.Data[3] != 0
	raw := (*[8]byte)(unsafe.Pointer(&r.Data[1]))

	return physAddr, raw[:length], length, isWrite
}
