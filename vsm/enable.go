package vsm

import (
	"fmt"

	"github.com/bobuhiro11/gohyperv/hv"
	"github.com/bobuhiro11/gohyperv/vcpu"
)

// EnablePartitionVTL serves the ENABLE_PARTITION_VTL hypercall. Only the
// calling partition can be targeted, MBEC is unsupported, and a VTL can be
// enabled exactly once. VTL0 counts as always enabled.
func (m *Manager) EnablePartitionVTL(in *hv.EnablePartitionVTLInput) hv.Status {
	if in.PartitionID != hv.PartitionSelf {
		return hv.StatusInvalidPartitionID
	}

	if in.TargetVTL > hv.MaxVTL {
		return hv.StatusInvalidParameter
	}

	if in.EnableMBEC {
		return hv.StatusInvalidParameter
	}

	m.execMu.Lock()
	defer m.execMu.Unlock()

	if m.part.VTLEnabled(in.TargetVTL) {
		return hv.StatusInvalidParameter
	}

	m.part.enableVTL(in.TargetVTL)
	m.log.Info("partition vtl enabled", "vtl", in.TargetVTL)

	return hv.StatusSuccess
}

// EnableVPVTL serves the ENABLE_VP_VTL hypercall: it brings a VTL up on one
// processor, seeding its initial state from the supplied context. The VTL
// must already be enabled partition-wide, and each (vp, vtl) pair can be
// enabled exactly once.
func (m *Manager) EnableVPVTL(caller uint32, in *hv.EnableVPVTLInput) hv.Status {
	if in.PartitionID != hv.PartitionSelf {
		return hv.StatusInvalidPartitionID
	}

	vtl := in.TargetVTL.TargetVTL()
	if vtl > hv.MaxVTL {
		return hv.StatusInvalidParameter
	}

	if !m.part.VTLEnabled(vtl) {
		return hv.StatusInvalidParameter
	}

	idx := in.VPIndex
	if idx == hv.VPIndexSelf {
		idx = caller
	}

	m.execMu.Lock()
	defer m.execMu.Unlock()

	vp := m.vp(idx)
	if vp == nil {
		return hv.StatusInvalidVPIndex
	}

	if vp.VTLEnabled(vtl) {
		return hv.StatusInvalidParameter
	}

	if vp.vtls[vtl] == nil {
		ctx, err := m.engine.NewContext(vp.index)
		if err != nil {
			m.log.Error("vtl context creation failed", "vp", vp.index, "vtl", vtl, "err", err)

			return hv.StatusInsufficientMemory
		}

		vp.vtls[vtl] = &VPVTL{
			vtl:        vtl,
			ctx:        ctx,
			intercepts: make(map[hv.RegisterName]uint64),
		}
	}

	v := vp.vtls[vtl]
	v.shadow = vcpuStateFromContext(&in.Context)

	if err := v.ctx.Restore(&v.shadow); err != nil {
		panic(fmt.Errorf("seed vp %d vtl %d: %w", vp.index, vtl, err))
	}

	vp.enabled |= 1 << vtl
	m.log.Info("vp vtl enabled", "vp", vp.index, "vtl", vtl,
		"rip", fmt.Sprintf("0x%x", in.Context.RIP))

	return hv.StatusSuccess
}

func vcpuStateFromContext(c *hv.InitialVPContext) vcpu.State {
	var st vcpu.State

	st.ApplyInitialContext(c)

	return st
}
