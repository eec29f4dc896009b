// Package softcpu is an in-process execution engine. Each context owns a
// parked vCPU goroutine with a serialized work queue and a state snapshot; it
// runs no guest instructions, but gives the enlightenment core a real engine
// shape to drive in tests and in the demo binary.
package softcpu

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/gohyperv/vcpu"
	"github.com/inconshreveable/log15"
)

// Engine creates software execution contexts. Several contexts may share one
// VP index: a processor with multiple VTLs gets one context per VTL.
type Engine struct {
	log log15.Logger

	mu       sync.Mutex
	contexts []*Context
	closed   bool
}

func New(log log15.Logger) *Engine {
	return &Engine{log: log}
}

// NewContext creates a stopped context for vpIndex.
func (e *Engine) NewContext(vpIndex uint32) (vcpu.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("vp %d: engine closed", vpIndex)
	}

	c := &Context{
		vp:      vpIndex,
		log:     e.log,
		stopped: true,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go c.run()

	e.contexts = append(e.contexts, c)

	return c, nil
}

// Close tears down all contexts.
func (e *Engine) Close() error {
	e.mu.Lock()
	contexts := e.contexts
	e.closed = true
	e.mu.Unlock()

	for _, c := range contexts {
		c.shutdown()
	}

	return nil
}

// Context is one software execution context.
type Context struct {
	vp  uint32
	log log15.Logger

	mu      sync.Mutex
	state   vcpu.State
	stopped bool
	pending []func()

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	kicks atomic.Int64
}

// run is the parked vCPU thread: it only ever executes queued work, in
// submission order, whether or not the context is stopped. The OS thread is
// pinned the way a real engine pins its vCPU threads.
func (c *Context) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)

	for {
		select {
		case <-c.quit:
			return
		case <-c.wake:
			for {
				c.mu.Lock()
				batch := c.pending
				c.pending = nil
				c.mu.Unlock()

				if len(batch) == 0 {
					break
				}

				for _, fn := range batch {
					fn()
				}
			}
		}
	}
}

func (c *Context) shutdown() {
	close(c.quit)
	<-c.done
}

func (c *Context) VPIndex() uint32 { return c.vp }

// Sync returns a copy of the context's state. The context must be stopped.
func (c *Context) Sync() (*vcpu.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.stopped {
		return nil, fmt.Errorf("vp %d sync: %w", c.vp, vcpu.ErrContextRunning)
	}

	st := c.state

	return &st, nil
}

// Restore replaces the context's state. The context must be stopped.
func (c *Context) Restore(st *vcpu.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.stopped {
		return fmt.Errorf("vp %d restore: %w", c.vp, vcpu.ErrContextRunning)
	}

	c.state = *st

	return nil
}

// StopAndWait stops the context and drains work submitted before the stop.
func (c *Context) StopAndWait() error {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	barrier := make(chan struct{})
	c.RunOn(func() { close(barrier) })

	select {
	case <-barrier:
	case <-c.quit:
	}

	return nil
}

func (c *Context) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = false

	return nil
}

func (c *Context) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stopped
}

// Kick records an interrupt edge. With no guest to interrupt, the count is
// the observable effect.
func (c *Context) Kick() error {
	c.kicks.Add(1)

	return nil
}

// Kicks reports how many interrupt edges the context has taken.
func (c *Context) Kicks() int64 { return c.kicks.Load() }

// RunOn queues fn on the context's vCPU thread. Work runs in submission
// order, also while the context is stopped, matching how engines run
// administrative work on halted processors.
func (c *Context) RunOn(fn func()) {
	c.mu.Lock()
	c.pending = append(c.pending, fn)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}
