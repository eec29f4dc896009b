// Package vcpu is the boundary to the virtual-CPU execution engine: the
// collaborator that actually runs guest instructions. The enlightenment core
// never executes code itself; it stops, inspects, rewrites and resumes
// engine contexts through the interfaces here.
package vcpu

import "github.com/bobuhiro11/gohyperv/hv"

// GPRegs are the general-purpose registers. On a VTL switch they travel with
// the running software: the destination VTL sees the source's values.
type GPRegs struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// PrivState is the per-VTL-isolated portion of the architectural state. A
// VTL switch preserves the destination's own copy of every field here while
// the rest of State is copied from the source.
type PrivState struct {
	RIP    uint64
	RSP    uint64
	RFLAGS uint64

	CS   hv.SegmentRegister
	DS   hv.SegmentRegister
	ES   hv.SegmentRegister
	FS   hv.SegmentRegister
	GS   hv.SegmentRegister
	SS   hv.SegmentRegister
	TR   hv.SegmentRegister
	LDTR hv.SegmentRegister

	IDTR hv.TableRegister
	GDTR hv.TableRegister

	CR0  uint64
	CR3  uint64
	CR4  uint64
	DR7  uint64
	EFER uint64
	PAT  uint64

	KernelGSBase uint64
	GSBase       uint64
	FSBase       uint64
	TSCAux       uint64
	SysenterCS   uint64
	SysenterESP  uint64
	SysenterEIP  uint64
	STAR         uint64
	LSTAR        uint64
	CSTAR        uint64
	SFMask       uint64

	SynICControl     uint64
	SynICEventPage   uint64
	SynICMessagePage uint64
	Sint             [hv.SintCount]uint64

	StimerConfig [4]uint64
	StimerCount  [4]uint64

	GuestOSID    uint64
	HypercallMSR uint64
	RefTSC       uint64

	Event EventState
}

// EventState is the pending exception/injection block. It must stay with its
// VTL: an exception raised in VTL0 may not leak into VTL1's entry.
type EventState struct {
	ExceptionNr         int32
	InterruptInjected   int32
	SoftInterrupt       uint8
	ExceptionPending    uint8
	ExceptionInjected   uint8
	HasErrorCode        uint8
	ExceptionHasPayload uint8
	ExceptionPayload    uint64
	TripleFaultPending  uint8
	InsLen              uint32
	SipiVector          uint32
}

// State is the full privileged snapshot synchronized in and out of an engine
// context. It contains no pointers, so plain assignment is a deep copy.
// CR2 and CR8 sit outside the privileged block: like the general-purpose
// registers they belong to the running software, so a pending page-fault
// address and the task priority travel across a VTL switch.
type State struct {
	Regs     GPRegs
	APICBase uint64
	CR2      uint64
	CR8      uint64
	Priv     PrivState
}

// ApplyInitialContext seeds the privileged state from an ENABLE_VP_VTL
// reset-vector context. GS and FS bases propagate into the isolated MSRs,
// which have no fields of their own in the initial context.
func (s *State) ApplyInitialContext(c *hv.InitialVPContext) {
	s.Priv.RIP = c.RIP
	s.Priv.RSP = c.RSP
	s.Priv.RFLAGS = c.RFLAGS

	s.Priv.CS = c.CS
	s.Priv.DS = c.DS
	s.Priv.ES = c.ES
	s.Priv.FS = c.FS
	s.Priv.GS = c.GS
	s.Priv.SS = c.SS
	s.Priv.TR = c.TR
	s.Priv.LDTR = c.LDTR

	s.Priv.IDTR = c.IDTR
	s.Priv.GDTR = c.GDTR

	s.Priv.EFER = c.EFER
	s.Priv.CR0 = c.CR0
	s.Priv.CR3 = c.CR3
	s.Priv.CR4 = c.CR4
	s.Priv.PAT = c.PAT

	s.Priv.GSBase = c.GS.Base
	s.Priv.FSBase = c.FS.Base
}
