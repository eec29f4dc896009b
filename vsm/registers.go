package vsm

import (
	"fmt"

	"github.com/bobuhiro11/gohyperv/hv"
	"github.com/bobuhiro11/gohyperv/vcpu"
)

// regContext carries one resolved GET/SET_VP_REGISTERS target: the processor,
// the per-VTL state being accessed, the requestor's VTL for access control,
// and the state shadow the accessors read and write.
type regContext struct {
	m      *Manager
	vp     *VP
	vpvtl  *VPVTL
	reqVTL uint8
	st     *vcpu.State
}

type accessor struct {
	get func(*regContext) hv.RegisterValue

	// set is nil for read-only registers.
	set func(*regContext, hv.RegisterValue) hv.Status
}

func u64Reg(field func(*vcpu.State) *uint64) accessor {
	return accessor{
		get: func(c *regContext) hv.RegisterValue {
			return hv.RegisterValue{Low: *field(c.st)}
		},
		set: func(c *regContext, v hv.RegisterValue) hv.Status {
			*field(c.st) = v.Low

			return hv.StatusSuccess
		},
	}
}

func segReg(field func(*vcpu.State) *hv.SegmentRegister) accessor {
	return accessor{
		get: func(c *regContext) hv.RegisterValue {
			return hv.SegmentValue(*field(c.st))
		},
		set: func(c *regContext, v hv.RegisterValue) hv.Status {
			*field(c.st) = v.Segment()

			return hv.StatusSuccess
		},
	}
}

func tableReg(field func(*vcpu.State) *hv.TableRegister) accessor {
	return accessor{
		get: func(c *regContext) hv.RegisterValue {
			return hv.TableValue(*field(c.st))
		},
		set: func(c *regContext, v hv.RegisterValue) hv.Status {
			*field(c.st) = v.Table()

			return hv.StatusSuccess
		},
	}
}

// interceptReg stores the written value per VTL and otherwise does nothing:
// the permission intercept machinery behind these registers is not
// implemented, but secure kernels expect the writes to stick.
func interceptReg(name hv.RegisterName) accessor {
	return accessor{
		get: func(c *regContext) hv.RegisterValue {
			return hv.RegisterValue{Low: c.vpvtl.intercepts[name]}
		},
		set: func(c *regContext, v hv.RegisterValue) hv.Status {
			c.vpvtl.intercepts[name] = v.Low

			return hv.StatusSuccess
		},
	}
}

var accessors = map[hv.RegisterName]accessor{
	hv.RegisterRSP:    u64Reg(func(s *vcpu.State) *uint64 { return &s.Priv.RSP }),
	hv.RegisterRIP:    u64Reg(func(s *vcpu.State) *uint64 { return &s.Priv.RIP }),
	hv.RegisterRFLAGS: u64Reg(func(s *vcpu.State) *uint64 { return &s.Priv.RFLAGS }),

	hv.RegisterCR0: u64Reg(func(s *vcpu.State) *uint64 { return &s.Priv.CR0 }),
	hv.RegisterCR2: u64Reg(func(s *vcpu.State) *uint64 { return &s.CR2 }),
	hv.RegisterCR3: u64Reg(func(s *vcpu.State) *uint64 { return &s.Priv.CR3 }),
	hv.RegisterCR4: u64Reg(func(s *vcpu.State) *uint64 { return &s.Priv.CR4 }),
	hv.RegisterCR8: u64Reg(func(s *vcpu.State) *uint64 { return &s.CR8 }),
	hv.RegisterDR7: u64Reg(func(s *vcpu.State) *uint64 { return &s.Priv.DR7 }),

	hv.RegisterLDTR: segReg(func(s *vcpu.State) *hv.SegmentRegister { return &s.Priv.LDTR }),
	hv.RegisterTR:   segReg(func(s *vcpu.State) *hv.SegmentRegister { return &s.Priv.TR }),
	hv.RegisterIDTR: tableReg(func(s *vcpu.State) *hv.TableRegister { return &s.Priv.IDTR }),
	hv.RegisterGDTR: tableReg(func(s *vcpu.State) *hv.TableRegister { return &s.Priv.GDTR }),

	hv.RegisterEFER:        u64Reg(func(s *vcpu.State) *uint64 { return &s.Priv.EFER }),
	hv.RegisterAPICBase:    u64Reg(func(s *vcpu.State) *uint64 { return &s.APICBase }),
	hv.RegisterSysenterCS:  u64Reg(func(s *vcpu.State) *uint64 { return &s.Priv.SysenterCS }),
	hv.RegisterSysenterEIP: u64Reg(func(s *vcpu.State) *uint64 { return &s.Priv.SysenterEIP }),
	hv.RegisterSysenterESP: u64Reg(func(s *vcpu.State) *uint64 { return &s.Priv.SysenterESP }),
	hv.RegisterSTAR:        u64Reg(func(s *vcpu.State) *uint64 { return &s.Priv.STAR }),
	hv.RegisterLSTAR:       u64Reg(func(s *vcpu.State) *uint64 { return &s.Priv.LSTAR }),
	hv.RegisterCSTAR:       u64Reg(func(s *vcpu.State) *uint64 { return &s.Priv.CSTAR }),
	hv.RegisterSFMASK:      u64Reg(func(s *vcpu.State) *uint64 { return &s.Priv.SFMask }),
	hv.RegisterTSCAux:      u64Reg(func(s *vcpu.State) *uint64 { return &s.Priv.TSCAux }),

	hv.RegisterVPAssistPage: {
		get: func(c *regContext) hv.RegisterValue {
			return hv.RegisterValue{Low: c.vpvtl.assistReg}
		},
		set: func(c *regContext, v hv.RegisterValue) hv.Status {
			return c.m.setupVPAssist(c.vpvtl, v.Low)
		},
	},

	hv.RegisterVSMCodePageOffsets: {
		get: func(c *regContext) hv.RegisterValue {
			return hv.RegisterValue{Low: c.m.part.CodePageOffsets()}
		},
	},
	hv.RegisterVSMVPStatus: {
		get: func(c *regContext) hv.RegisterValue {
			s := hv.VSMVPStatus(uint64(c.vp.enabled) << 16).WithActiveVTL(c.vp.active)

			return hv.RegisterValue{Low: uint64(s)}
		},
	},
	hv.RegisterVSMPartitionStatus: {
		get: func(c *regContext) hv.RegisterValue {
			return hv.RegisterValue{Low: uint64(c.m.part.Status())}
		},
	},
	hv.RegisterVSMCapabilities: {
		get: func(c *regContext) hv.RegisterValue {
			return hv.RegisterValue{Low: uint64(c.m.part.Capabilities())}
		},
	},

	// VINA is reported but never asserted; the value round-trips so the
	// secure kernel's probe sequence succeeds.
	hv.RegisterVSMVINA: {
		get: func(c *regContext) hv.RegisterValue {
			return hv.RegisterValue{Low: c.vpvtl.vina}
		},
		set: func(c *regContext, v hv.RegisterValue) hv.Status {
			c.vpvtl.vina = v.Low

			return hv.StatusSuccess
		},
	},

	hv.RegisterVSMPartitionConfig: {
		get: func(c *regContext) hv.RegisterValue {
			return hv.RegisterValue{Low: uint64(c.m.part.Config(c.vpvtl.vtl))}
		},
		set: func(c *regContext, v hv.RegisterValue) hv.Status {
			c.m.part.SetConfig(c.vpvtl.vtl, hv.VSMPartitionConfig(v.Low))

			return hv.StatusSuccess
		},
	},

	hv.RegisterCRInterceptControl:        interceptReg(hv.RegisterCRInterceptControl),
	hv.RegisterCRInterceptCR0Mask:        interceptReg(hv.RegisterCRInterceptCR0Mask),
	hv.RegisterCRInterceptCR4Mask:        interceptReg(hv.RegisterCRInterceptCR4Mask),
	hv.RegisterCRInterceptMiscEnableMask: interceptReg(hv.RegisterCRInterceptMiscEnableMask),

	hv.RegisterPendingEvent0: {
		get: func(c *regContext) hv.RegisterValue {
			return hv.RegisterValue{}
		},
		set: func(c *regContext, v hv.RegisterValue) hv.Status {
			return hv.StatusSuccess
		},
	},
}

// setupVPAssist handles a VP_ASSIST_PAGE register write: when the enable bit
// is set the page must be mappable guest memory.
func (m *Manager) setupVPAssist(v *VPVTL, reg uint64) hv.Status {
	if reg&hv.AssistPageEnable != 0 {
		gpa := reg & hv.AssistPageAddressMask

		if _, err := m.mem.Map(gpa, hv.AssistPageSize); err != nil {
			m.log.Debug("assist page outside guest memory",
				"gpa", fmt.Sprintf("0x%x", gpa))

			return hv.StatusInvalidParameter
		}
	}

	v.assistReg = reg

	return hv.StatusSuccess
}

// AssistPageEnabled reports whether the VTL has a VP assist page configured.
func (v *VPVTL) AssistPageEnabled() bool {
	return v.assistReg&hv.AssistPageEnable != 0
}

// GetVPRegisters serves the rep phase of GET_VP_REGISTERS: it resolves the
// target from the fixed header and reads each named register from the
// target's shadow. The returned count is the number of completed reps; on a
// failed rep the values read so far are still returned.
func (m *Manager) GetVPRegisters(caller uint32, hdr *hv.GetSetVPRegistersInput,
	names []hv.RegisterName,
) ([]hv.RegisterValue, int, hv.Status) {
	m.execMu.Lock()
	defer m.execMu.Unlock()

	rc, status := m.resolveRegTarget(caller, hdr)
	if status != hv.StatusSuccess {
		return nil, 0, status
	}

	values := make([]hv.RegisterValue, 0, len(names))

	status = m.withTargetState(rc, func() hv.Status {
		for _, name := range names {
			a, st := rc.lookup(name)
			if st != hv.StatusSuccess {
				return st
			}

			values = append(values, a.get(rc))
		}

		return hv.StatusSuccess
	})

	return values, len(values), status
}

// SetVPRegisters serves the rep phase of SET_VP_REGISTERS. Writes are applied
// in order until the first failing rep.
func (m *Manager) SetVPRegisters(caller uint32, hdr *hv.GetSetVPRegistersInput,
	names []hv.RegisterName, values []hv.RegisterValue,
) (int, hv.Status) {
	if len(values) != len(names) {
		return 0, hv.StatusInvalidHypercallInput
	}

	m.execMu.Lock()
	defer m.execMu.Unlock()

	rc, status := m.resolveRegTarget(caller, hdr)
	if status != hv.StatusSuccess {
		return 0, status
	}

	done := 0

	status = m.withTargetState(rc, func() hv.Status {
		for i, name := range names {
			a, st := rc.lookup(name)
			if st != hv.StatusSuccess {
				return st
			}

			if a.set == nil {
				return hv.StatusAccessDenied
			}

			if st := a.set(rc, values[i]); st != hv.StatusSuccess {
				return st
			}

			done++
		}

		return hv.StatusSuccess
	})

	return done, status
}

// lookup resolves a register name to its accessor. The secure-config range is
// synthesized here: those names carry the VTL they configure, and only a
// strictly higher VTL may touch them, so a VTL0 requestor never can.
func (c *regContext) lookup(name hv.RegisterName) (accessor, hv.Status) {
	if cfgVTL, ok := name.SecureConfigVTL(); ok {
		if c.reqVTL == 0 || cfgVTL >= c.reqVTL {
			return accessor{}, hv.StatusAccessDenied
		}

		return accessor{
			get: func(c *regContext) hv.RegisterValue {
				return hv.RegisterValue{Low: uint64(c.vp.secure[cfgVTL])}
			},
			set: func(c *regContext, v hv.RegisterValue) hv.Status {
				c.vp.secure[cfgVTL] = hv.VSMVPSecureConfig(v.Low)

				return hv.StatusSuccess
			},
		}, hv.StatusSuccess
	}

	a, ok := accessors[name]
	if !ok {
		return accessor{}, hv.StatusInvalidParameter
	}

	return a, hv.StatusSuccess
}

// resolveRegTarget validates the fixed header: self partition only, the vp
// must exist, and the register VTL may not exceed the requestor's.
func (m *Manager) resolveRegTarget(caller uint32, hdr *hv.GetSetVPRegistersInput) (*regContext, hv.Status) {
	if hdr.PartitionID != hv.PartitionSelf {
		return nil, hv.StatusInvalidPartitionID
	}

	callerVP := m.vp(caller)
	if callerVP == nil {
		return nil, hv.StatusInvalidVPIndex
	}

	idx := hdr.VPIndex
	if idx == hv.VPIndexSelf {
		idx = caller
	}

	vp := m.vp(idx)
	if vp == nil {
		return nil, hv.StatusInvalidVPIndex
	}

	reqVTL := callerVP.active

	regVTL := reqVTL
	if hdr.InputVTL.UseTarget() {
		regVTL = hdr.InputVTL.TargetVTL()
	}

	if regVTL > reqVTL {
		return nil, hv.StatusAccessDenied
	}

	if !vp.VTLEnabled(regVTL) {
		return nil, hv.StatusInvalidParameter
	}

	return &regContext{m: m, vp: vp, vpvtl: vp.vtls[regVTL], reqVTL: reqVTL}, hv.StatusSuccess
}

// withTargetState runs fn against the target's state shadow. When the target
// VTL is the one currently on the processor its shadow is stale, so the
// context is stopped and synchronized first, and the possibly modified shadow
// is pushed back before it resumes.
func (m *Manager) withTargetState(rc *regContext, fn func() hv.Status) hv.Status {
	active := rc.vp.vtls[rc.vp.active] == rc.vpvtl

	wasRunning := false

	if active {
		wasRunning = !rc.vpvtl.ctx.Stopped()

		if err := rc.vpvtl.ctx.StopAndWait(); err != nil {
			panic(fmt.Errorf("register access: stop vp %d: %w", rc.vp.index, err))
		}

		st, err := rc.vpvtl.ctx.Sync()
		if err != nil {
			panic(fmt.Errorf("register access: sync vp %d: %w", rc.vp.index, err))
		}

		rc.vpvtl.shadow = *st
	}

	rc.st = &rc.vpvtl.shadow

	status := fn()

	if active {
		if err := rc.vpvtl.ctx.Restore(&rc.vpvtl.shadow); err != nil {
			panic(fmt.Errorf("register access: restore vp %d: %w", rc.vp.index, err))
		}

		if wasRunning {
			if err := rc.vpvtl.ctx.Resume(); err != nil {
				panic(fmt.Errorf("register access: resume vp %d: %w", rc.vp.index, err))
			}
		}
	}

	return status
}
