package vcpu

import (
	"errors"

	"github.com/bobuhiro11/gohyperv/notify"
)

var (
	// ErrContextRunning is returned when an operation requires a stopped
	// context.
	ErrContextRunning = errors.New("execution context is running")

	// ErrContextExists is returned when a context id is allocated twice.
	ErrContextExists = errors.New("execution context already exists")
)

// Context is one logical-processor execution context. A virtual processor
// with several enabled VTLs owns one Context per VTL; at most one of them
// runs at a time, enforced by the caller's execution lock.
//
// Sync, Restore, StopAndWait and Resume are called with the machine
// execution lock held. RunOn is asynchronous and may be called from any
// goroutine.
type Context interface {
	// VPIndex is the index of the virtual processor this context backs.
	VPIndex() uint32

	// Sync pulls the full architectural state out of the engine.
	Sync() (*State, error)

	// Restore pushes state into the engine. The context must be stopped.
	Restore(*State) error

	// StopAndWait asks the context to stop and blocks until no guest
	// instruction is in flight. Idempotent.
	StopAndWait() error

	// Resume lets a stopped context run again.
	Resume() error

	// Stopped reports whether the context is currently stopped.
	Stopped() bool

	// Kick forces a running context out of guest mode without stopping
	// it, so it notices pending work.
	Kick() error

	// RunOn schedules fn on the context's vCPU thread. Functions run in
	// submission order, serialized with guest execution.
	RunOn(fn func())
}

// Engine creates execution contexts. One engine instance backs a whole
// virtual machine.
type Engine interface {
	NewContext(vpIndex uint32) (Context, error)
}

// IRQRouter is implemented by engines whose interrupt fabric can bind a
// (vp, sint) pair to a host-visible line. AddSintRoute returns the set-side
// notifier and a release function; the ack notifier fires when the guest
// acknowledges a message on that sint (EOM).
//
// Engines without host sint routing simply don't implement this; the synic
// package falls back to a software notifier that kicks the context.
type IRQRouter interface {
	AddSintRoute(vpIndex, sint uint32, ack notify.Notifier) (set notify.Notifier, release func() error, err error)
}
