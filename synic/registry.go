package synic

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/gohyperv/hv"
	"github.com/bobuhiro11/gohyperv/notify"
)

var (
	ErrConnInUse    = errors.New("connection id already registered")
	ErrConnNotFound = errors.New("connection id not registered")
)

// MsgHandler consumes one POST_MESSAGE input block for its connection and
// returns the status reported to the guest. It runs on the calling vCPU
// thread and must not block.
type MsgHandler func(*hv.PostMessageInput) hv.Status

// registry holds the per-connection message handlers and event notifiers.
// Lookups happen on vCPU threads for every hypercall, so each table is an
// immutable snapshot behind an atomic pointer; mutations copy under the
// mutex and republish. Old snapshots are reclaimed by the garbage collector
// once in-flight lookups drop them.
type registry struct {
	mu  sync.Mutex
	msg atomic.Pointer[map[uint32]MsgHandler]
	ev  atomic.Pointer[map[uint32]notify.Notifier]
}

func (r *registry) init() {
	msg := map[uint32]MsgHandler{}
	ev := map[uint32]notify.Notifier{}
	r.msg.Store(&msg)
	r.ev.Store(&ev)
}

// RegisterMessageHandler binds handler to connID for POST_MESSAGE dispatch.
func (h *Hub) RegisterMessageHandler(connID uint32, handler MsgHandler) error {
	r := &h.registry

	r.mu.Lock()
	defer r.mu.Unlock()

	connID &= hv.ConnectionIDMask

	old := *r.msg.Load()
	if _, ok := old[connID]; ok {
		return fmt.Errorf("connection %#x: %w", connID, ErrConnInUse)
	}

	next := make(map[uint32]MsgHandler, len(old)+1)
	for k, v := range old {
		next[k] = v
	}

	next[connID] = handler
	r.msg.Store(&next)

	return nil
}

// UnregisterMessageHandler removes the handler of connID. Posts that already
// looked it up may still run it once.
func (h *Hub) UnregisterMessageHandler(connID uint32) error {
	r := &h.registry

	r.mu.Lock()
	defer r.mu.Unlock()

	connID &= hv.ConnectionIDMask

	old := *r.msg.Load()
	if _, ok := old[connID]; !ok {
		return fmt.Errorf("connection %#x: %w", connID, ErrConnNotFound)
	}

	next := make(map[uint32]MsgHandler, len(old))
	for k, v := range old {
		if k != connID {
			next[k] = v
		}
	}

	r.msg.Store(&next)

	return nil
}

// RegisterEventNotifier binds n to connID for SIGNAL_EVENT dispatch.
func (h *Hub) RegisterEventNotifier(connID uint32, n notify.Notifier) error {
	r := &h.registry

	r.mu.Lock()
	defer r.mu.Unlock()

	connID &= hv.ConnectionIDMask

	old := *r.ev.Load()
	if _, ok := old[connID]; ok {
		return fmt.Errorf("connection %#x: %w", connID, ErrConnInUse)
	}

	next := make(map[uint32]notify.Notifier, len(old)+1)
	for k, v := range old {
		next[k] = v
	}

	next[connID] = n
	r.ev.Store(&next)

	return nil
}

// UnregisterEventNotifier removes the notifier of connID.
func (h *Hub) UnregisterEventNotifier(connID uint32) error {
	r := &h.registry

	r.mu.Lock()
	defer r.mu.Unlock()

	connID &= hv.ConnectionIDMask

	old := *r.ev.Load()
	if _, ok := old[connID]; !ok {
		return fmt.Errorf("connection %#x: %w", connID, ErrConnNotFound)
	}

	next := make(map[uint32]notify.Notifier, len(old))
	for k, v := range old {
		if k != connID {
			next[k] = v
		}
	}

	r.ev.Store(&next)

	return nil
}

func (r *registry) lookupMsg(connID uint32) (MsgHandler, bool) {
	m, ok := (*r.msg.Load())[connID&hv.ConnectionIDMask]

	return m, ok
}

func (r *registry) lookupEvent(connID uint32) (notify.Notifier, bool) {
	n, ok := (*r.ev.Load())[connID&hv.ConnectionIDMask]

	return n, ok
}
