// Package hypercall routes decoded hypercalls to their handlers. The
// calling-convention work (reading the guest's call registers, fast versus
// memory-based parameter passing) belongs to the execution engine; what
// arrives here is the code, the raw parameter words and the rep bookkeeping.
package hypercall

import (
	"fmt"
	"sync"

	"github.com/bobuhiro11/gohyperv/hv"
	"github.com/inconshreveable/log15"
)

// Code is a Hyper-V hypercall call code.
type Code uint16

const (
	CodeEnablePartitionVTL Code = 0x0d
	CodeEnableVPVTL        Code = 0x0f
	CodeVTLCall            Code = 0x11
	CodeVTLReturn          Code = 0x12
	CodeGetVPRegisters     Code = 0x50
	CodeSetVPRegisters     Code = 0x51
	CodePostMessage        Code = 0x5c
	CodeSignalEvent        Code = 0x5d
)

func (c Code) String() string {
	switch c {
	case CodeEnablePartitionVTL:
		return "HVCALL_ENABLE_PARTITION_VTL"
	case CodeEnableVPVTL:
		return "HVCALL_ENABLE_VP_VTL"
	case CodeVTLCall:
		return "HVCALL_VTL_CALL"
	case CodeVTLReturn:
		return "HVCALL_VTL_RETURN"
	case CodeGetVPRegisters:
		return "HVCALL_GET_VP_REGISTERS"
	case CodeSetVPRegisters:
		return "HVCALL_SET_VP_REGISTERS"
	case CodePostMessage:
		return "HVCALL_POST_MESSAGE"
	case CodeSignalEvent:
		return "HVCALL_SIGNAL_EVENT"
	}

	return fmt.Sprintf("HVCALL_%#04x", uint16(c))
}

// Call is one decoded hypercall.
type Call struct {
	Code   Code
	Fast   bool
	Caller uint32

	// Param1 and Param2 are the raw parameter words: guest physical
	// addresses of the input and output blocks for a memory-based call,
	// immediate values for a fast one.
	Param1 uint64
	Param2 uint64

	// RepCount and RepStart come from the hypercall input value for rep
	// calls; both are zero otherwise.
	RepCount uint16
	RepStart uint16
}

// Handler serves one hypercall code and returns the packed result value.
type Handler func(*Call) uint64

// Dispatcher maps call codes to handlers.
type Dispatcher struct {
	log log15.Logger

	mu       sync.Mutex
	handlers map[Code]Handler
}

func NewDispatcher(log log15.Logger) *Dispatcher {
	return &Dispatcher{
		log:      log,
		handlers: make(map[Code]Handler),
	}
}

// Register binds a handler to a code, replacing any previous one.
func (d *Dispatcher) Register(code Code, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[code] = h
}

// Dispatch runs the handler of call's code. An unknown code is reported to
// the guest, never treated as a host error.
func (d *Dispatcher) Dispatch(call *Call) uint64 {
	d.mu.Lock()
	h, ok := d.handlers[call.Code]
	d.mu.Unlock()

	if !ok {
		d.log.Debug("unimplemented hypercall", "code", call.Code, "vp", call.Caller)

		return uint64(hv.StatusInvalidHypercallCode)
	}

	return h(call)
}
