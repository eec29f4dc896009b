// Package hv defines the guest-visible Hyper-V enlightenment protocol:
// hypercall status codes, the message and event-flag page layouts, hypercall
// input structures, and the VP register name space.
//
// Everything here is wire format. The behavior lives in the synic and vsm
// packages.
package hv

// Status is a Hyper-V hypercall result code. It is returned to the guest in
// the low 16 bits of the hypercall result register and never surfaces as a Go
// error: a bad guest request is a protocol outcome, not a host failure.
type Status uint16

const (
	StatusSuccess               Status = 0x0
	StatusInvalidHypercallCode  Status = 0x2
	StatusInvalidHypercallInput Status = 0x3
	StatusInvalidAlignment      Status = 0x4
	StatusInvalidParameter      Status = 0x5
	StatusAccessDenied          Status = 0x6
	StatusInsufficientMemory    Status = 0xb
	StatusInvalidPartitionID    Status = 0xd
	StatusInvalidPortID         Status = 0x11
	StatusInvalidConnectionID   Status = 0x12
	StatusInsufficientBuffers   Status = 0x13
	StatusNoData                Status = 0x27
	StatusInvalidVPIndex        Status = 0x58
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "HV_STATUS_SUCCESS"
	case StatusInvalidHypercallCode:
		return "HV_STATUS_INVALID_HYPERCALL_CODE"
	case StatusInvalidHypercallInput:
		return "HV_STATUS_INVALID_HYPERCALL_INPUT"
	case StatusInvalidAlignment:
		return "HV_STATUS_INVALID_ALIGNMENT"
	case StatusInvalidParameter:
		return "HV_STATUS_INVALID_PARAMETER"
	case StatusAccessDenied:
		return "HV_STATUS_ACCESS_DENIED"
	case StatusInsufficientMemory:
		return "HV_STATUS_INSUFFICIENT_MEMORY"
	case StatusInvalidPartitionID:
		return "HV_STATUS_INVALID_PARTITION_ID"
	case StatusInvalidPortID:
		return "HV_STATUS_INVALID_PORT_ID"
	case StatusInvalidConnectionID:
		return "HV_STATUS_INVALID_CONNECTION_ID"
	case StatusInsufficientBuffers:
		return "HV_STATUS_INSUFFICIENT_BUFFERS"
	case StatusNoData:
		return "HV_STATUS_NO_DATA"
	case StatusInvalidVPIndex:
		return "HV_STATUS_INVALID_VP_INDEX"
	}

	return "HV_STATUS_UNKNOWN"
}

// RepComplete packs a successful rep hypercall result: status in the low 16
// bits, the completed rep count at bit 32.
func RepComplete(s Status, count uint64) uint64 {
	return uint64(s) | count<<RepCompOffset
}

const (
	// RepCompOffset is the bit offset of the reps-complete field in a
	// hypercall result value.
	RepCompOffset = 32

	// PartitionSelf is the only partition ID the emulation accepts.
	PartitionSelf = ^uint64(0)

	// VPIndexSelf addresses the calling virtual processor.
	VPIndexSelf = ^uint32(0)
)
