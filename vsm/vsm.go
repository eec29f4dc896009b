// Package vsm implements virtual secure mode: per-partition and per-processor
// VTL state, the VTL call/return switch protocol, the enablement hypercalls
// and the VP register access surface.
package vsm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/gohyperv/hv"
	"github.com/bobuhiro11/gohyperv/memory"
	"github.com/bobuhiro11/gohyperv/vcpu"
	"github.com/inconshreveable/log15"
)

var (
	ErrVPExists      = errors.New("vp already exists")
	ErrNoSuchVP      = errors.New("no such vp")
	ErrVTLNotEnabled = errors.New("vtl not enabled on this vp")
)

// VPVTL is the per-VTL half of a virtual processor: its execution context,
// the state shadow holding its isolated registers while another VTL runs,
// and the per-VTL registers.
type VPVTL struct {
	vtl uint8
	ctx vcpu.Context

	shadow vcpu.State

	assistReg  uint64
	vina       uint64
	intercepts map[hv.RegisterName]uint64
}

// Context is the execution context backing this VTL.
func (v *VPVTL) Context() vcpu.Context { return v.ctx }

// VP is one logical processor across all of its VTLs.
type VP struct {
	index   uint32
	active  uint8
	enabled uint16
	vtls    [hv.NumVTLs]*VPVTL
	secure  [hv.NumVTLs]hv.VSMVPSecureConfig
}

// Index is the processor's VP index.
func (vp *VP) Index() uint32 { return vp.index }

// ActiveVTL is the VTL currently running on this processor.
func (vp *VP) ActiveVTL() uint8 { return vp.active }

// VTLEnabled reports whether vtl has been enabled on this processor.
func (vp *VP) VTLEnabled(vtl uint8) bool { return vp.enabled&(1<<vtl) != 0 }

// VTL returns the per-VTL state, or nil if the VTL was never enabled.
func (vp *VP) VTL(vtl uint8) *VPVTL {
	if vtl > hv.MaxVTL {
		return nil
	}

	return vp.vtls[vtl]
}

// Manager owns the VSM state of one virtual machine. All VTL switches,
// enablements and register accesses serialize on the execution lock, so a
// switch observes no concurrent mutation and a rejected request mutates
// nothing.
type Manager struct {
	engine vcpu.Engine
	mem    *memory.Memory
	log    log15.Logger

	part Partition

	execMu sync.Mutex

	mu  sync.Mutex
	vps map[uint32]*VP
}

// NewManager creates a VSM manager on top of an execution engine.
func NewManager(engine vcpu.Engine, mem *memory.Memory, log log15.Logger) *Manager {
	m := &Manager{
		engine: engine,
		mem:    mem,
		log:    log,
		vps:    make(map[uint32]*VP),
	}
	m.part.init()

	return m
}

// Partition exposes the partition-wide VTL state.
func (m *Manager) Partition() *Partition { return &m.part }

// AddVP creates a virtual processor with its VTL0 context. The context is
// returned stopped; the caller resumes it when the machine starts.
func (m *Manager) AddVP(vpIndex uint32) (*VP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.vps[vpIndex]; ok {
		return nil, fmt.Errorf("vp %d: %w", vpIndex, ErrVPExists)
	}

	ctx, err := m.engine.NewContext(vpIndex)
	if err != nil {
		return nil, fmt.Errorf("vp %d vtl0 context: %w", vpIndex, err)
	}

	vp := &VP{
		index:   vpIndex,
		enabled: 1,
	}
	vp.vtls[0] = &VPVTL{
		ctx:        ctx,
		intercepts: make(map[hv.RegisterName]uint64),
	}

	m.vps[vpIndex] = vp

	return vp, nil
}

// VP looks up a processor.
func (m *Manager) VP(vpIndex uint32) (*VP, error) {
	vp := m.vp(vpIndex)
	if vp == nil {
		return nil, fmt.Errorf("vp %d: %w", vpIndex, ErrNoSuchVP)
	}

	return vp, nil
}

func (m *Manager) vp(vpIndex uint32) *VP {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.vps[vpIndex]
}

// VPIndexes returns the known processor indexes.
func (m *Manager) VPIndexes() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]uint32, 0, len(m.vps))
	for idx := range m.vps {
		out = append(out, idx)
	}

	return out
}
