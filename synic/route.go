package synic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/bobuhiro11/gohyperv/hv"
	"github.com/bobuhiro11/gohyperv/notify"
)

var (
	// ErrMessageBusy means the staging area already holds an in-flight
	// message; retry after the current one completes.
	ErrMessageBusy = errors.New("message staging area busy")

	// ErrNoMessagePage means the target SynIC has no mapped message page.
	ErrNoMessagePage = errors.New("synic message page not mapped")

	// ErrNoEventPage means the target SynIC has no mapped event-flags page.
	ErrNoEventPage = errors.New("synic event-flags page not mapped")

	// ErrSynICDisabled means SCONTROL has the enable bit clear.
	ErrSynICDisabled = errors.New("synic disabled")

	// ErrBadEventNumber means the event flag index exceeds the vector.
	ErrBadEventNumber = errors.New("event flag number out of range")
)

// Staged-message states. The word moves free -> busy on post, busy -> posted
// on the vCPU-thread delivery attempt, posted -> free on completion.
const (
	stagedFree uint32 = iota
	stagedBusy
	stagedPosted
)

type stagedMessage struct {
	state atomic.Uint32
	msg   hv.Message
	err   error
	cb    func(error)
}

// SintRoute binds a (vp, sint) pair for one message or event source. Routes
// are refcounted: a posted message holds a reference until its completion
// callback has run, so Unref from the owner never races delivery.
type SintRoute struct {
	synic *SynIC
	sint  uint32

	refs    atomic.Int32
	set     notify.Notifier
	release func() error

	staged *stagedMessage
}

// NewSintRoute binds sint on vpIndex. cb, if non-nil, enables message posting
// on the route and receives the delivery outcome of each posted message on
// the hub's event loop. The caller owns one reference.
func (h *Hub) NewSintRoute(vpIndex, sint uint32, cb func(error)) (*SintRoute, error) {
	if sint >= hv.SintCount {
		return nil, fmt.Errorf("sint %d: %w", sint, ErrBadSint)
	}

	s, err := h.SynIC(vpIndex)
	if err != nil {
		return nil, err
	}

	r := &SintRoute{synic: s, sint: sint}
	r.refs.Store(1)

	if cb != nil {
		r.staged = &stagedMessage{cb: cb}
	}

	if s.router != nil {
		ack := notify.Func(r.NotifyAck)

		set, release, err := s.router.AddSintRoute(vpIndex, sint, ack)
		if err != nil {
			return nil, fmt.Errorf("sint route vp %d sint %d: %w", vpIndex, sint, err)
		}

		r.set, r.release = set, release
	} else {
		r.set = notify.Func(func() { _ = s.cs.Kick() })
	}

	s.mu.Lock()
	s.routes++
	s.mu.Unlock()

	return r, nil
}

// Sint is the interrupt source this route raises.
func (r *SintRoute) Sint() uint32 { return r.sint }

// Ref takes an additional reference.
func (r *SintRoute) Ref() {
	if r.refs.Add(1) <= 1 {
		panic("sint route ref after release")
	}
}

// Unref drops a reference. The last one releases the engine route and
// detaches from the SynIC.
func (r *SintRoute) Unref() {
	n := r.refs.Add(-1)
	if n > 0 {
		return
	}

	if n < 0 {
		panic("sint route over-released")
	}

	if r.release != nil {
		_ = r.release()
	}

	_ = r.set.Close()

	r.synic.mu.Lock()
	r.synic.routes--
	r.synic.mu.Unlock()
}

// SetSint raises the route's interrupt line.
func (r *SintRoute) SetSint() error {
	return r.set.Set()
}

// PostMessage stages a message for delivery into the route's message-page
// slot. It never blocks and has no side effects on failure: if a previous
// message is still in flight it returns ErrMessageBusy and the caller
// retries after its completion callback. The outcome of the delivery arrives
// through the route's callback, exactly once per accepted post.
func (r *SintRoute) PostMessage(msg *hv.Message) error {
	staged := r.staged
	if staged == nil {
		panic("post on a sint route without a message callback")
	}

	if !staged.state.CompareAndSwap(stagedFree, stagedBusy) {
		return ErrMessageBusy
	}

	staged.msg = *msg

	// The reference is dropped by the completion callback path.
	r.Ref()

	r.synic.cs.RunOn(r.deliver)

	return nil
}

// deliver runs on the target vCPU thread and attempts to place the staged
// message into the guest slot. The state word always advances to posted; what
// varies is whether completion is scheduled now or deferred to the guest's
// EOM ack.
func (r *SintRoute) deliver() {
	staged := r.staged
	if staged.state.Load() != stagedBusy {
		panic("staged message delivered while not busy")
	}

	s := r.synic
	waitForAck := false

	s.mu.Lock()

	if s.msgPage == nil {
		staged.err = ErrNoMessagePage
	} else {
		slot := s.msgPage[hv.MessageSlotOffset(r.sint) : hv.MessageSlotOffset(r.sint)+hv.MessageSize]

		if binary.LittleEndian.Uint32(slot[0:4]) != hv.MessageTypeNone {
			// Slot still holds an unconsumed message. Flag it for the
			// guest and, once the guest EOMs, complete with a retry
			// error so the originator posts again.
			slot[5] |= hv.MessageFlagPending
			staged.err = ErrMessageBusy
			waitForAck = true
		} else {
			staged.msg.Marshal(slot)
			staged.err = r.SetSint()
		}

		s.mem.MarkDirty(s.msgPageAddr, hv.MessagePageSize)
	}

	s.mu.Unlock()

	staged.state.Store(stagedPosted)

	if !waitForAck {
		s.loop.Schedule(r.complete)
	}
}

// complete runs on the event loop. A spurious guest ack can schedule it while
// no message is posted; the state guard makes that a no-op, and makes the
// callback fire exactly once per post.
func (r *SintRoute) complete() {
	staged := r.staged
	if staged.state.Load() != stagedPosted {
		return
	}

	staged.cb(staged.err)
	staged.err = nil

	staged.state.Store(stagedFree)

	r.Unref()
}

// NotifyAck is called when the guest acknowledges a message on this sint
// (EOM). It schedules a completion attempt on the event loop.
func (r *SintRoute) NotifyAck() {
	r.synic.loop.Schedule(r.complete)
}

// SetEventFlag atomically sets flag eventno in the route's event-flags
// vector. The interrupt is raised, and the page dirtied, only when this call
// flips the flag from clear to set; a flag already pending towards the guest
// is not re-signaled.
func (r *SintRoute) SetEventFlag(eventno uint32) error {
	if eventno >= hv.EventFlagsCount {
		return fmt.Errorf("event flag %d: %w", eventno, ErrBadEventNumber)
	}

	s := r.synic

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sctlEnabled {
		return ErrSynICDisabled
	}

	if s.eventPage == nil {
		return ErrNoEventPage
	}

	off := hv.EventSlotOffset(r.sint) + uint64(eventno/64)*8
	mask := uint64(1) << (eventno % 64)

	if !atomicOr64(&s.eventPage[off], mask) {
		return nil
	}

	s.mem.MarkDirty(s.eventPageAddr, hv.EventFlagsPageSize)

	return r.SetSint()
}

// atomicOr64 ORs mask into the 8-byte little-endian word at p, which must be
// naturally aligned (overlay pages are page aligned, word offsets are
// multiples of 8). It reports whether any bit changed.
func atomicOr64(p *byte, mask uint64) bool {
	word := (*uint64)(unsafe.Pointer(p))

	for {
		old := atomic.LoadUint64(word)
		if old&mask == mask {
			return false
		}

		if atomic.CompareAndSwapUint64(word, old, old|mask) {
			return true
		}
	}
}
