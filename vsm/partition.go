package vsm

import (
	"sync"

	"github.com/bobuhiro11/gohyperv/hv"
)

// Offsets of the VTL call and return stubs inside the hypercall code page,
// reported through HV_REGISTER_VSM_CODE_PAGE_OFFSETS.
const (
	vtlCallOffset   = 0x10
	vtlReturnOffset = 0x18
)

// Partition is the partition-wide VTL state: which VTLs exist, the VSM
// capabilities, and the per-VTL partition config registers.
type Partition struct {
	mu     sync.Mutex
	status hv.VSMPartitionStatus
	caps   hv.VSMCapabilities
	config [hv.NumVTLs]hv.VSMPartitionConfig
}

func (p *Partition) init() {
	p.status = hv.NewVSMPartitionStatus()
}

// Status returns the VSM partition status register value.
func (p *Partition) Status() hv.VSMPartitionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.status
}

// Capabilities returns the VSM capabilities register value.
func (p *Partition) Capabilities() hv.VSMCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.caps
}

// VTLEnabled reports whether vtl is enabled partition-wide.
func (p *Partition) VTLEnabled(vtl uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.status.VTLEnabled(vtl)
}

func (p *Partition) enableVTL(vtl uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status = p.status.WithEnabledVTL(vtl)
}

// Config returns the partition config register of vtl.
func (p *Partition) Config(vtl uint8) hv.VSMPartitionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.config[vtl]
}

// SetConfig writes the partition config register of vtl, honoring the
// write-once protection bits.
func (p *Partition) SetConfig(vtl uint8, v hv.VSMPartitionConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.config[vtl] = v.MergeWriteOnce(p.config[vtl])
}

// CodePageOffsets packs the VTL call/return stub offsets into the register
// format: call in bits 0-11, return in bits 12-23.
func (p *Partition) CodePageOffsets() uint64 {
	return vtlCallOffset | vtlReturnOffset<<12
}
