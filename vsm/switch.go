package vsm

import (
	"encoding/binary"
	"fmt"

	"github.com/bobuhiro11/gohyperv/hv"
)

// VTLCall serves the VTL_CALL hypercall from the processor's active VTL: it
// enters the next higher VTL. All validation happens before any state moves,
// so a rejected call leaves both VTLs untouched.
func (m *Manager) VTLCall(caller uint32) hv.Status {
	m.execMu.Lock()
	defer m.execMu.Unlock()

	vp := m.vp(caller)
	if vp == nil {
		return hv.StatusInvalidVPIndex
	}

	if vp.active >= hv.MaxVTL {
		return hv.StatusAccessDenied
	}

	target := vp.active + 1
	if !vp.VTLEnabled(target) {
		return hv.StatusAccessDenied
	}

	m.switchTo(vp, target, hv.VTLEntryVTLCall)

	return hv.StatusSuccess
}

// VTLReturn serves the VTL_RETURN hypercall: the active VTL hands the
// processor back to the next lower one. Returning from VTL0 is rejected.
func (m *Manager) VTLReturn(caller uint32) hv.Status {
	m.execMu.Lock()
	defer m.execMu.Unlock()

	vp := m.vp(caller)
	if vp == nil {
		return hv.StatusInvalidVPIndex
	}

	if vp.active == 0 {
		return hv.StatusAccessDenied
	}

	m.switchTo(vp, vp.active-1, hv.VTLEntryReserved)

	return hv.StatusSuccess
}

// InterruptTarget enters target on vpIndex because an interrupt is pending
// for it. If the processor already runs at or above target nothing happens;
// the interrupt is delivered without a switch.
func (m *Manager) InterruptTarget(vpIndex uint32, target uint8) error {
	m.execMu.Lock()
	defer m.execMu.Unlock()

	vp := m.vp(vpIndex)
	if vp == nil {
		return fmt.Errorf("vp %d: %w", vpIndex, ErrNoSuchVP)
	}

	if target > hv.MaxVTL || !vp.VTLEnabled(target) {
		return fmt.Errorf("vp %d vtl %d: %w", vpIndex, target, ErrVTLNotEnabled)
	}

	if vp.active >= target {
		return nil
	}

	m.switchTo(vp, target, hv.VTLEntryInterrupt)

	return nil
}

// switchTo moves the processor from its active VTL to target. The running
// software travels with the switch (general-purpose registers, APIC base,
// CR2, CR8); everything in the privileged block stays with its VTL. Called with the
// execution lock held and both VTLs validated; an engine failure here is a
// host bug, not a guest outcome.
func (m *Manager) switchTo(vp *VP, target uint8, reason hv.VTLEntryReason) {
	src := vp.vtls[vp.active]
	dst := vp.vtls[target]

	if err := src.ctx.StopAndWait(); err != nil {
		panic(fmt.Errorf("vtl switch: stop vp %d vtl %d: %w", vp.index, src.vtl, err))
	}

	st, err := src.ctx.Sync()
	if err != nil {
		panic(fmt.Errorf("vtl switch: sync vp %d vtl %d: %w", vp.index, src.vtl, err))
	}

	src.shadow = *st

	next := dst.shadow
	next.Regs = st.Regs
	next.APICBase = st.APICBase
	next.CR2 = st.CR2
	next.CR8 = st.CR8
	dst.shadow = next

	if err := dst.ctx.Restore(&next); err != nil {
		panic(fmt.Errorf("vtl switch: restore vp %d vtl %d: %w", vp.index, target, err))
	}

	// The entry reason is written only when entering a higher VTL; a return
	// resumes the lower VTL where it left off.
	if reason != hv.VTLEntryReserved {
		m.writeEntryReason(vp, dst, reason)
	}

	from := vp.active
	vp.active = target

	if err := dst.ctx.Resume(); err != nil {
		panic(fmt.Errorf("vtl switch: resume vp %d vtl %d: %w", vp.index, target, err))
	}

	m.log.Debug("vtl switch", "vp", vp.index, "from", from, "to", target, "reason", reason)
}

func (m *Manager) writeEntryReason(vp *VP, dst *VPVTL, reason hv.VTLEntryReason) {
	if dst.assistReg&hv.AssistPageEnable == 0 {
		return
	}

	gpa := dst.assistReg & hv.AssistPageAddressMask

	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], uint32(reason))

	if err := m.mem.WriteAt(b[:], gpa+hv.AssistVTLEntryReasonOffset); err != nil {
		m.log.Error("assist page entry reason write failed",
			"vp", vp.index, "vtl", dst.vtl, "gpa", fmt.Sprintf("0x%x", gpa), "err", err)
	}
}
