package vsm_test

import (
	"testing"

	"github.com/bobuhiro11/gohyperv/hv"
	"github.com/bobuhiro11/gohyperv/memory"
	"github.com/bobuhiro11/gohyperv/vcpu"
	"github.com/bobuhiro11/gohyperv/vsm"
	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/assert"
)

type fakeContext struct {
	vp      uint32
	stopped bool
	state   vcpu.State
}

func (c *fakeContext) VPIndex() uint32 { return c.vp }

func (c *fakeContext) Sync() (*vcpu.State, error) {
	st := c.state

	return &st, nil
}

func (c *fakeContext) Restore(st *vcpu.State) error {
	c.state = *st

	return nil
}

func (c *fakeContext) StopAndWait() error {
	c.stopped = true

	return nil
}

func (c *fakeContext) Resume() error {
	c.stopped = false

	return nil
}

func (c *fakeContext) Stopped() bool   { return c.stopped }
func (c *fakeContext) Kick() error     { return nil }
func (c *fakeContext) RunOn(fn func()) { fn() }

type fakeEngine struct {
	contexts []*fakeContext
}

func (e *fakeEngine) NewContext(vpIndex uint32) (vcpu.Context, error) {
	ctx := &fakeContext{vp: vpIndex, stopped: true}
	e.contexts = append(e.contexts, ctx)

	return ctx, nil
}

func discardLog() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())

	return l
}

func newTestManager(t *testing.T) (*vsm.Manager, *fakeEngine, *memory.Memory) {
	t.Helper()

	mem, err := memory.New(16 * memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mem.Close() })

	engine := &fakeEngine{}
	m := vsm.NewManager(engine, mem, discardLog())

	if _, err := m.AddVP(0); err != nil {
		t.Fatal(err)
	}

	return m, engine, mem
}

func enableVTL1(t *testing.T, m *vsm.Manager, rip uint64) {
	t.Helper()

	st := m.EnablePartitionVTL(&hv.EnablePartitionVTLInput{
		PartitionID: hv.PartitionSelf,
		TargetVTL:   1,
	})
	assert.Equal(t, hv.StatusSuccess, st)

	st = m.EnableVPVTL(0, &hv.EnableVPVTLInput{
		PartitionID: hv.PartitionSelf,
		VPIndex:     hv.VPIndexSelf,
		TargetVTL:   hv.InputVTL(1),
		Context:     hv.InitialVPContext{RIP: rip, CR3: 0x4000},
	})
	assert.Equal(t, hv.StatusSuccess, st)
}

func TestEnablePartitionVTL(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)

	assert.Equal(t, hv.StatusInvalidPartitionID, m.EnablePartitionVTL(
		&hv.EnablePartitionVTLInput{PartitionID: 7, TargetVTL: 1}))

	assert.Equal(t, hv.StatusInvalidParameter, m.EnablePartitionVTL(
		&hv.EnablePartitionVTLInput{PartitionID: hv.PartitionSelf, TargetVTL: hv.MaxVTL + 1}))

	assert.Equal(t, hv.StatusInvalidParameter, m.EnablePartitionVTL(
		&hv.EnablePartitionVTLInput{PartitionID: hv.PartitionSelf, TargetVTL: 1, EnableMBEC: true}))

	// VTL0 is enabled from the start.
	assert.Equal(t, hv.StatusInvalidParameter, m.EnablePartitionVTL(
		&hv.EnablePartitionVTLInput{PartitionID: hv.PartitionSelf, TargetVTL: 0}))

	assert.Equal(t, hv.StatusSuccess, m.EnablePartitionVTL(
		&hv.EnablePartitionVTLInput{PartitionID: hv.PartitionSelf, TargetVTL: 1}))

	assert.True(t, m.Partition().VTLEnabled(1))

	// Exactly once.
	assert.Equal(t, hv.StatusInvalidParameter, m.EnablePartitionVTL(
		&hv.EnablePartitionVTLInput{PartitionID: hv.PartitionSelf, TargetVTL: 1}))
}

func TestEnableVPVTL(t *testing.T) {
	t.Parallel()

	m, engine, _ := newTestManager(t)

	in := &hv.EnableVPVTLInput{
		PartitionID: hv.PartitionSelf,
		VPIndex:     0,
		TargetVTL:   hv.InputVTL(1),
		Context: hv.InitialVPContext{
			RIP: 0x1000,
			FS:  hv.SegmentRegister{Base: 0x2000},
		},
	}

	// Partition-wide enablement must come first.
	assert.Equal(t, hv.StatusInvalidParameter, m.EnableVPVTL(0, in))

	assert.Equal(t, hv.StatusSuccess, m.EnablePartitionVTL(
		&hv.EnablePartitionVTLInput{PartitionID: hv.PartitionSelf, TargetVTL: 1}))

	bad := *in
	bad.VPIndex = 9
	assert.Equal(t, hv.StatusInvalidVPIndex, m.EnableVPVTL(0, &bad))

	assert.Equal(t, hv.StatusSuccess, m.EnableVPVTL(0, in))

	// The new context is seeded from the initial context, with the fs base
	// propagated into the MSR.
	ctx1 := engine.contexts[1]
	assert.Equal(t, uint64(0x1000), ctx1.state.Priv.RIP)
	assert.Equal(t, uint64(0x2000), ctx1.state.Priv.FS.Base)
	assert.Equal(t, uint64(0x2000), ctx1.state.Priv.FSBase)

	// Exactly once per (vp, vtl).
	assert.Equal(t, hv.StatusInvalidParameter, m.EnableVPVTL(0, in))

	vp, err := m.VP(0)
	assert.NoError(t, err)
	assert.True(t, vp.VTLEnabled(1))
}

func TestVTLCallReturn(t *testing.T) {
	t.Parallel()

	m, engine, _ := newTestManager(t)

	ctx0 := engine.contexts[0]
	ctx0.stopped = false
	ctx0.state.Regs.RAX = 0x1234
	ctx0.state.CR2 = 0xfa17
	ctx0.state.CR8 = 0x9
	ctx0.state.Priv.RIP = 0xaaaa
	ctx0.state.Priv.LSTAR = 0x111

	// No VTL1 yet: the call is rejected and nothing moves.
	assert.Equal(t, hv.StatusAccessDenied, m.VTLCall(0))
	assert.False(t, ctx0.stopped)

	enableVTL1(t, m, 0x1000)
	ctx1 := engine.contexts[1]

	assert.Equal(t, hv.StatusSuccess, m.VTLCall(0))

	vp, _ := m.VP(0)
	assert.Equal(t, uint8(1), vp.ActiveVTL())
	assert.True(t, ctx0.stopped)
	assert.False(t, ctx1.stopped)

	// The running software travels; the privileged block does not.
	assert.Equal(t, uint64(0x1234), ctx1.state.Regs.RAX)
	assert.Equal(t, uint64(0xfa17), ctx1.state.CR2)
	assert.Equal(t, uint64(0x9), ctx1.state.CR8)
	assert.Equal(t, uint64(0x1000), ctx1.state.Priv.RIP)
	assert.Equal(t, uint64(0), ctx1.state.Priv.LSTAR)

	// Calling from the top VTL is rejected.
	assert.Equal(t, hv.StatusAccessDenied, m.VTLCall(0))

	ctx1.state.Regs.RAX = 0x5678
	ctx1.state.CR2 = 0xdead000
	ctx1.state.CR8 = 0x2
	ctx1.state.Priv.RIP = 0xbbbb

	assert.Equal(t, hv.StatusSuccess, m.VTLReturn(0))
	assert.Equal(t, uint8(0), vp.ActiveVTL())
	assert.True(t, ctx1.stopped)
	assert.False(t, ctx0.stopped)

	// VTL0 sees the travelled registers but keeps its own privileged state.
	assert.Equal(t, uint64(0x5678), ctx0.state.Regs.RAX)
	assert.Equal(t, uint64(0xdead000), ctx0.state.CR2)
	assert.Equal(t, uint64(0x2), ctx0.state.CR8)
	assert.Equal(t, uint64(0xaaaa), ctx0.state.Priv.RIP)
	assert.Equal(t, uint64(0x111), ctx0.state.Priv.LSTAR)

	// Returning from VTL0 is rejected.
	assert.Equal(t, hv.StatusAccessDenied, m.VTLReturn(0))
}

func TestInterruptTarget(t *testing.T) {
	t.Parallel()

	m, _, mem := newTestManager(t)
	enableVTL1(t, m, 0x1000)

	// Configure VTL1's assist page from within VTL1.
	assert.Equal(t, hv.StatusSuccess, m.VTLCall(0))

	const assistGPA = 0x6000

	hdr := &hv.GetSetVPRegistersInput{PartitionID: hv.PartitionSelf, VPIndex: hv.VPIndexSelf}

	done, st := m.SetVPRegisters(0, hdr,
		[]hv.RegisterName{hv.RegisterVPAssistPage},
		[]hv.RegisterValue{{Low: assistGPA | hv.AssistPageEnable}})
	assert.Equal(t, hv.StatusSuccess, st)
	assert.Equal(t, 1, done)

	assert.Equal(t, hv.StatusSuccess, m.VTLReturn(0))

	// Already at or above the target: nothing happens.
	assert.NoError(t, m.InterruptTarget(0, 0))

	vp, _ := m.VP(0)

	assert.NoError(t, m.InterruptTarget(0, 1))
	assert.Equal(t, uint8(1), vp.ActiveVTL())

	var reason [4]byte

	assert.NoError(t, mem.ReadAt(reason[:], assistGPA+hv.AssistVTLEntryReasonOffset))
	assert.Equal(t, byte(hv.VTLEntryInterrupt), reason[0])

	// A second interrupt while VTL1 runs is a no-op.
	assert.NoError(t, m.InterruptTarget(0, 1))
	assert.Equal(t, uint8(1), vp.ActiveVTL())

	// Entering by call overwrites the reason.
	assert.Equal(t, hv.StatusSuccess, m.VTLReturn(0))
	assert.Equal(t, hv.StatusSuccess, m.VTLCall(0))
	assert.NoError(t, mem.ReadAt(reason[:], assistGPA+hv.AssistVTLEntryReasonOffset))
	assert.Equal(t, byte(hv.VTLEntryVTLCall), reason[0])

	assert.ErrorIs(t, m.InterruptTarget(0, hv.MaxVTL+1), vsm.ErrVTLNotEnabled)
}

func TestGetSetVPRegisters(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)

	hdr := &hv.GetSetVPRegistersInput{PartitionID: hv.PartitionSelf, VPIndex: hv.VPIndexSelf}

	done, st := m.SetVPRegisters(0, hdr,
		[]hv.RegisterName{hv.RegisterRSP, hv.RegisterLSTAR},
		[]hv.RegisterValue{{Low: 0x8000}, {Low: 0xfee0}})
	assert.Equal(t, hv.StatusSuccess, st)
	assert.Equal(t, 2, done)

	values, done, st := m.GetVPRegisters(0, hdr,
		[]hv.RegisterName{hv.RegisterRSP, hv.RegisterLSTAR, hv.RegisterVSMVPStatus})
	assert.Equal(t, hv.StatusSuccess, st)
	assert.Equal(t, 3, done)
	assert.Equal(t, uint64(0x8000), values[0].Low)
	assert.Equal(t, uint64(0xfee0), values[1].Low)
	assert.Equal(t, uint8(0), hv.VSMVPStatus(values[2].Low).ActiveVTL())
	assert.True(t, hv.VSMVPStatus(values[2].Low).VTLEnabled(0))

	// Unknown names stop the rep loop with what completed so far.
	values, done, st = m.GetVPRegisters(0, hdr,
		[]hv.RegisterName{hv.RegisterRSP, hv.RegisterName(0xdead0000)})
	assert.Equal(t, hv.StatusInvalidParameter, st)
	assert.Equal(t, 1, done)
	assert.Len(t, values, 1)

	// Read-only registers refuse writes.
	done, st = m.SetVPRegisters(0, hdr,
		[]hv.RegisterName{hv.RegisterVSMPartitionStatus},
		[]hv.RegisterValue{{Low: 0}})
	assert.Equal(t, hv.StatusAccessDenied, st)
	assert.Equal(t, 0, done)

	// Wrong partition and unknown vp.
	_, _, st = m.GetVPRegisters(0,
		&hv.GetSetVPRegistersInput{PartitionID: 3, VPIndex: 0},
		[]hv.RegisterName{hv.RegisterRSP})
	assert.Equal(t, hv.StatusInvalidPartitionID, st)

	_, _, st = m.GetVPRegisters(0,
		&hv.GetSetVPRegistersInput{PartitionID: hv.PartitionSelf, VPIndex: 5},
		[]hv.RegisterName{hv.RegisterRSP})
	assert.Equal(t, hv.StatusInvalidVPIndex, st)
}

func TestRegisterVTLWindow(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	enableVTL1(t, m, 0x1000)

	// A VTL0 requestor may not target VTL1 state.
	hdrUp := &hv.GetSetVPRegistersInput{
		PartitionID: hv.PartitionSelf,
		VPIndex:     hv.VPIndexSelf,
		InputVTL:    hv.InputVTL(0x10 | 1),
	}

	_, _, st := m.GetVPRegisters(0, hdrUp, []hv.RegisterName{hv.RegisterRIP})
	assert.Equal(t, hv.StatusAccessDenied, st)

	// Secure-config registers are never visible to VTL0.
	hdrSelf := &hv.GetSetVPRegistersInput{PartitionID: hv.PartitionSelf, VPIndex: hv.VPIndexSelf}

	_, _, st = m.GetVPRegisters(0, hdrSelf, []hv.RegisterName{hv.RegisterVSMVPSecureConfig0})
	assert.Equal(t, hv.StatusAccessDenied, st)

	// From VTL1 the VTL0 secure config is accessible and round-trips, while
	// its own (register VTL not strictly lower) is not.
	assert.Equal(t, hv.StatusSuccess, m.VTLCall(0))

	done, st := m.SetVPRegisters(0, hdrSelf,
		[]hv.RegisterName{hv.RegisterVSMVPSecureConfig0},
		[]hv.RegisterValue{{Low: 0x2}})
	assert.Equal(t, hv.StatusSuccess, st)
	assert.Equal(t, 1, done)

	values, _, st := m.GetVPRegisters(0, hdrSelf, []hv.RegisterName{hv.RegisterVSMVPSecureConfig0})
	assert.Equal(t, hv.StatusSuccess, st)
	assert.Equal(t, uint64(0x2), values[0].Low)

	_, _, st = m.GetVPRegisters(0, hdrSelf,
		[]hv.RegisterName{hv.RegisterVSMVPSecureConfig0 + 1})
	assert.Equal(t, hv.StatusAccessDenied, st)

	// VTL1 reaching down into VTL0 architectural state is allowed.
	hdrDown := &hv.GetSetVPRegistersInput{
		PartitionID: hv.PartitionSelf,
		VPIndex:     hv.VPIndexSelf,
		InputVTL:    hv.InputVTL(0x10 | 0),
	}

	done, st = m.SetVPRegisters(0, hdrDown,
		[]hv.RegisterName{hv.RegisterCR3},
		[]hv.RegisterValue{{Low: 0x9000}})
	assert.Equal(t, hv.StatusSuccess, st)
	assert.Equal(t, 1, done)

	values, _, st = m.GetVPRegisters(0, hdrDown, []hv.RegisterName{hv.RegisterCR3})
	assert.Equal(t, hv.StatusSuccess, st)
	assert.Equal(t, uint64(0x9000), values[0].Low)
}

func TestPartitionConfigWriteOnce(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	enableVTL1(t, m, 0x1000)
	assert.Equal(t, hv.StatusSuccess, m.VTLCall(0))

	hdr := &hv.GetSetVPRegistersInput{PartitionID: hv.PartitionSelf, VPIndex: hv.VPIndexSelf}

	first := uint64(1 | 0x3<<4)

	_, st := m.SetVPRegisters(0, hdr,
		[]hv.RegisterName{hv.RegisterVSMPartitionConfig},
		[]hv.RegisterValue{{Low: first}})
	assert.Equal(t, hv.StatusSuccess, st)

	// Once protections are on, the enable bit and default mask are frozen.
	_, st = m.SetVPRegisters(0, hdr,
		[]hv.RegisterName{hv.RegisterVSMPartitionConfig},
		[]hv.RegisterValue{{Low: 0x7 << 4}})
	assert.Equal(t, hv.StatusSuccess, st)

	values, _, st := m.GetVPRegisters(0, hdr,
		[]hv.RegisterName{hv.RegisterVSMPartitionConfig})
	assert.Equal(t, hv.StatusSuccess, st)

	cfg := hv.VSMPartitionConfig(values[0].Low)
	assert.True(t, cfg.EnableVTLProtection())
	assert.Equal(t, uint16(0x3), cfg.DefaultProtectionMask())
}

func TestAssistPageValidation(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)

	hdr := &hv.GetSetVPRegistersInput{PartitionID: hv.PartitionSelf, VPIndex: hv.VPIndexSelf}

	// An enabled assist page outside guest memory is rejected.
	_, st := m.SetVPRegisters(0, hdr,
		[]hv.RegisterName{hv.RegisterVPAssistPage},
		[]hv.RegisterValue{{Low: 1<<40 | hv.AssistPageEnable}})
	assert.Equal(t, hv.StatusInvalidParameter, st)

	// A disabled register value is stored regardless of the address bits.
	_, st = m.SetVPRegisters(0, hdr,
		[]hv.RegisterName{hv.RegisterVPAssistPage},
		[]hv.RegisterValue{{Low: 1 << 40}})
	assert.Equal(t, hv.StatusSuccess, st)
}
