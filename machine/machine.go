// Package machine wires the enlightenment core together: guest memory, the
// SynIC hub, the VSM manager and the hypercall dispatcher on top of one
// execution engine.
package machine

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/bobuhiro11/gohyperv/eventloop"
	"github.com/bobuhiro11/gohyperv/hv"
	"github.com/bobuhiro11/gohyperv/hypercall"
	"github.com/bobuhiro11/gohyperv/memory"
	"github.com/bobuhiro11/gohyperv/synic"
	"github.com/bobuhiro11/gohyperv/vcpu"
	"github.com/bobuhiro11/gohyperv/vsm"
	"github.com/inconshreveable/log15"
)

const regValueSize = 16

// Machine is one virtual machine's enlightenment state.
type Machine struct {
	engine vcpu.Engine
	mem    *memory.Memory
	loop   *eventloop.Loop
	hub    *synic.Hub
	vsm    *vsm.Manager
	disp   *hypercall.Dispatcher
	log    log15.Logger
}

// New builds a machine with memSize bytes of guest RAM on top of engine.
func New(engine vcpu.Engine, memSize int, log log15.Logger) (*Machine, error) {
	mem, err := memory.New(memSize)
	if err != nil {
		return nil, err
	}

	loop := eventloop.New()

	m := &Machine{
		engine: engine,
		mem:    mem,
		loop:   loop,
		hub:    synic.NewHub(mem, loop, log),
		vsm:    vsm.NewManager(engine, mem, log),
		disp:   hypercall.NewDispatcher(log),
		log:    log,
	}
	m.registerHypercalls()

	return m, nil
}

// AddVCPU creates a virtual processor: its VTL0 execution context and its
// SynIC. Engines with a host interrupt fabric get sint routes bound through
// it; others fall back to software kicks.
func (m *Machine) AddVCPU(vpIndex uint32) error {
	vp, err := m.vsm.AddVP(vpIndex)
	if err != nil {
		return err
	}

	router, _ := m.engine.(vcpu.IRQRouter)

	if _, err := m.hub.AddSynIC(vp.VTL(0).Context(), router); err != nil {
		return err
	}

	m.log.Info("vcpu added", "vp", vpIndex)

	return nil
}

// Run resumes every processor's active VTL and serves deferred completions
// until ctx is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	for _, idx := range m.vsm.VPIndexes() {
		vp, err := m.vsm.VP(idx)
		if err != nil {
			return err
		}

		if err := vp.VTL(vp.ActiveVTL()).Context().Resume(); err != nil {
			return fmt.Errorf("resume vp %d: %w", idx, err)
		}
	}

	m.loop.Run(ctx)

	return nil
}

// Memory is the guest RAM.
func (m *Machine) Memory() *memory.Memory { return m.mem }

// Hub is the SynIC hub: device emulation registers connections and creates
// sint routes through it.
func (m *Machine) Hub() *synic.Hub { return m.hub }

// VSM is the virtual-secure-mode manager.
func (m *Machine) VSM() *vsm.Manager { return m.vsm }

// Loop is the completion event loop.
func (m *Machine) Loop() *eventloop.Loop { return m.loop }

// Hypercall dispatches one decoded hypercall and returns the packed result.
func (m *Machine) Hypercall(call *hypercall.Call) uint64 {
	return m.disp.Dispatch(call)
}

func (m *Machine) registerHypercalls() {
	m.disp.Register(hypercall.CodePostMessage, func(c *hypercall.Call) uint64 {
		return uint64(m.hub.HandlePostMessage(c.Param1, c.Fast))
	})
	m.disp.Register(hypercall.CodeSignalEvent, func(c *hypercall.Call) uint64 {
		return uint64(m.hub.HandleSignalEvent(c.Param1, c.Fast))
	})
	m.disp.Register(hypercall.CodeVTLCall, func(c *hypercall.Call) uint64 {
		return uint64(m.vsm.VTLCall(c.Caller))
	})
	m.disp.Register(hypercall.CodeVTLReturn, func(c *hypercall.Call) uint64 {
		return uint64(m.vsm.VTLReturn(c.Caller))
	})
	m.disp.Register(hypercall.CodeEnablePartitionVTL, m.handleEnablePartitionVTL)
	m.disp.Register(hypercall.CodeEnableVPVTL, m.handleEnableVPVTL)
	m.disp.Register(hypercall.CodeGetVPRegisters, m.handleGetVPRegisters)
	m.disp.Register(hypercall.CodeSetVPRegisters, m.handleSetVPRegisters)
}

func (m *Machine) handleEnablePartitionVTL(c *hypercall.Call) uint64 {
	p1, p2 := c.Param1, c.Param2

	if !c.Fast {
		if p1%8 != 0 {
			return uint64(hv.StatusInvalidAlignment)
		}

		var buf [16]byte
		if err := m.mem.ReadAt(buf[:], p1); err != nil {
			return uint64(hv.StatusInsufficientMemory)
		}

		p1 = binary.LittleEndian.Uint64(buf[0:8])
		p2 = binary.LittleEndian.Uint64(buf[8:16])
	}

	return uint64(m.vsm.EnablePartitionVTL(hv.UnmarshalEnablePartitionVTLInput(p1, p2)))
}

func (m *Machine) handleEnableVPVTL(c *hypercall.Call) uint64 {
	// The input block carries a full initial VP context; it never fits the
	// fast form.
	if c.Fast {
		return uint64(hv.StatusInvalidHypercallInput)
	}

	if c.Param1%8 != 0 {
		return uint64(hv.StatusInvalidAlignment)
	}

	buf := make([]byte, hv.EnableVPVTLInputSize)
	if err := m.mem.ReadAt(buf, c.Param1); err != nil {
		return uint64(hv.StatusInsufficientMemory)
	}

	in, err := hv.UnmarshalEnableVPVTLInput(buf)
	if err != nil {
		return uint64(hv.StatusInvalidHypercallInput)
	}

	return uint64(m.vsm.EnableVPVTL(c.Caller, in))
}

func (m *Machine) handleGetVPRegisters(c *hypercall.Call) uint64 {
	hdr, names, status := m.readRegHeader(c)
	if status != hv.StatusSuccess {
		return uint64(status)
	}

	values, done, status := m.vsm.GetVPRegisters(c.Caller, hdr, names)

	for j, v := range values {
		var buf [regValueSize]byte

		binary.LittleEndian.PutUint64(buf[0:8], v.Low)
		binary.LittleEndian.PutUint64(buf[8:16], v.High)

		off := c.Param2 + uint64(int(c.RepStart)+j)*regValueSize
		if err := m.mem.WriteAt(buf[:], off); err != nil {
			return uint64(hv.StatusInsufficientMemory)
		}
	}

	return hv.RepComplete(status, uint64(int(c.RepStart)+done))
}

func (m *Machine) handleSetVPRegisters(c *hypercall.Call) uint64 {
	hdr, _, status := m.readRegHeader(c)
	if status != hv.StatusSuccess {
		return uint64(status)
	}

	n := int(c.RepCount) - int(c.RepStart)
	names := make([]hv.RegisterName, 0, n)
	values := make([]hv.RegisterValue, 0, n)

	// Each rep is a 32-byte register association: name, pad, 16-byte value.
	for i := 0; i < n; i++ {
		var buf [32]byte

		off := c.Param1 + 16 + uint64(int(c.RepStart)+i)*32
		if err := m.mem.ReadAt(buf[:], off); err != nil {
			return uint64(hv.StatusInsufficientMemory)
		}

		names = append(names, hv.RegisterName(binary.LittleEndian.Uint32(buf[0:4])))
		values = append(values, hv.RegisterValue{
			Low:  binary.LittleEndian.Uint64(buf[16:24]),
			High: binary.LittleEndian.Uint64(buf[24:32]),
		})
	}

	done, status := m.vsm.SetVPRegisters(c.Caller, hdr, names, values)

	return hv.RepComplete(status, uint64(int(c.RepStart)+done))
}

// readRegHeader validates a GET/SET_VP_REGISTERS call and reads the fixed
// header plus, for the get form, the rep list of register names.
func (m *Machine) readRegHeader(c *hypercall.Call) (*hv.GetSetVPRegistersInput, []hv.RegisterName, hv.Status) {
	if c.Fast {
		return nil, nil, hv.StatusInvalidHypercallInput
	}

	if c.Param1%8 != 0 || c.Param2%8 != 0 {
		return nil, nil, hv.StatusInvalidAlignment
	}

	if c.RepStart > c.RepCount {
		return nil, nil, hv.StatusInvalidHypercallInput
	}

	var buf [16]byte
	if err := m.mem.ReadAt(buf[:], c.Param1); err != nil {
		return nil, nil, hv.StatusInsufficientMemory
	}

	hdr, err := hv.UnmarshalGetSetVPRegistersInput(buf[:])
	if err != nil {
		return nil, nil, hv.StatusInvalidHypercallInput
	}

	if c.Code != hypercall.CodeGetVPRegisters {
		return hdr, nil, hv.StatusSuccess
	}

	n := int(c.RepCount) - int(c.RepStart)
	names := make([]hv.RegisterName, 0, n)

	for i := 0; i < n; i++ {
		var nb [4]byte

		off := c.Param1 + 16 + uint64(int(c.RepStart)+i)*4
		if err := m.mem.ReadAt(nb[:], off); err != nil {
			return nil, nil, hv.StatusInsufficientMemory
		}

		names = append(names, hv.RegisterName(binary.LittleEndian.Uint32(nb[:])))
	}

	return hdr, names, hv.StatusSuccess
}
