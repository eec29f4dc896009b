package vsm

import (
	"fmt"
	"sort"

	"github.com/bobuhiro11/gohyperv/hv"
	"github.com/bobuhiro11/gohyperv/vcpu"
)

// VTLState is the serializable state of one (vp, vtl) pair.
type VTLState struct {
	VTL       uint8
	Shadow    vcpu.State
	AssistReg uint64
	VINA      uint64
}

// VPState is the serializable state of one processor across its VTLs.
type VPState struct {
	Index      uint32
	ActiveVTL  uint8
	EnabledSet uint16
	Secure     [hv.NumVTLs]uint64
	VTLs       []VTLState
}

// State is the serializable VSM state of the whole machine.
type State struct {
	PartitionStatus uint64
	PartitionConfig [hv.NumVTLs]uint64
	VPs             []VPState
}

// Save stops every processor, synchronizes the active VTL's shadow and
// returns the full VSM state. Contexts stay stopped; saving is the last
// thing a migration source does before handing off.
func (m *Manager) Save() (*State, error) {
	m.execMu.Lock()
	defer m.execMu.Unlock()

	st := &State{
		PartitionStatus: uint64(m.part.Status()),
	}
	for vtl := 0; vtl < hv.NumVTLs; vtl++ {
		st.PartitionConfig[vtl] = uint64(m.part.Config(uint8(vtl)))
	}

	m.mu.Lock()
	vps := make([]*VP, 0, len(m.vps))

	for _, vp := range m.vps {
		vps = append(vps, vp)
	}
	m.mu.Unlock()

	sort.Slice(vps, func(i, j int) bool { return vps[i].index < vps[j].index })

	for _, vp := range vps {
		active := vp.vtls[vp.active]

		if err := active.ctx.StopAndWait(); err != nil {
			return nil, fmt.Errorf("save vp %d: %w", vp.index, err)
		}

		sync, err := active.ctx.Sync()
		if err != nil {
			return nil, fmt.Errorf("save vp %d: %w", vp.index, err)
		}

		active.shadow = *sync

		vs := VPState{
			Index:      vp.index,
			ActiveVTL:  vp.active,
			EnabledSet: vp.enabled,
		}
		for i, s := range vp.secure {
			vs.Secure[i] = uint64(s)
		}

		for vtl, v := range vp.vtls {
			if v == nil {
				continue
			}

			vs.VTLs = append(vs.VTLs, VTLState{
				VTL:       uint8(vtl),
				Shadow:    v.shadow,
				AssistReg: v.assistReg,
				VINA:      v.vina,
			})
		}

		st.VPs = append(st.VPs, vs)
	}

	return st, nil
}

// Load applies a saved state. Processors must already exist; higher-VTL
// contexts are created as needed. All contexts are left stopped.
func (m *Manager) Load(st *State) error {
	m.execMu.Lock()
	defer m.execMu.Unlock()

	m.part.mu.Lock()
	m.part.status = hv.VSMPartitionStatus(st.PartitionStatus)

	for vtl := 0; vtl < hv.NumVTLs; vtl++ {
		m.part.config[vtl] = hv.VSMPartitionConfig(st.PartitionConfig[vtl])
	}
	m.part.mu.Unlock()

	for i := range st.VPs {
		vs := &st.VPs[i]

		vp := m.vp(vs.Index)
		if vp == nil {
			return fmt.Errorf("load vp %d: %w", vs.Index, ErrNoSuchVP)
		}

		vp.active = vs.ActiveVTL
		vp.enabled = vs.EnabledSet

		for j, s := range vs.Secure {
			vp.secure[j] = hv.VSMVPSecureConfig(s)
		}

		for _, vtlState := range vs.VTLs {
			v := vp.vtls[vtlState.VTL]
			if v == nil {
				ctx, err := m.engine.NewContext(vp.index)
				if err != nil {
					return fmt.Errorf("load vp %d vtl %d: %w", vp.index, vtlState.VTL, err)
				}

				v = &VPVTL{
					vtl:        vtlState.VTL,
					ctx:        ctx,
					intercepts: make(map[hv.RegisterName]uint64),
				}
				vp.vtls[vtlState.VTL] = v
			}

			v.shadow = vtlState.Shadow
			v.assistReg = vtlState.AssistReg
			v.vina = vtlState.VINA

			if err := v.ctx.StopAndWait(); err != nil {
				return fmt.Errorf("load vp %d vtl %d: %w", vp.index, vtlState.VTL, err)
			}

			if err := v.ctx.Restore(&v.shadow); err != nil {
				return fmt.Errorf("load vp %d vtl %d: %w", vp.index, vtlState.VTL, err)
			}
		}
	}

	return nil
}
