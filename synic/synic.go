// Package synic emulates the per-processor synthetic interrupt controller:
// the guest-visible message and event-flags pages, sint routes with staged
// message delivery, and the connection registries behind the POST_MESSAGE and
// SIGNAL_EVENT hypercalls.
package synic

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/gohyperv/eventloop"
	"github.com/bobuhiro11/gohyperv/hv"
	"github.com/bobuhiro11/gohyperv/memory"
	"github.com/bobuhiro11/gohyperv/vcpu"
	"github.com/inconshreveable/log15"
)

var (
	ErrVPExists   = errors.New("synic already exists for this vp")
	ErrNoSuchVP   = errors.New("no synic for this vp")
	ErrBadSint    = errors.New("sint index out of range")
	ErrLiveRoutes = errors.New("synic has live sint routes")
)

// SynIC is the synthetic interrupt controller of one execution context. The
// guest programs it through the SCONTROL/SIMP/SIEFP MSRs; the execution
// engine forwards the decoded values via Update.
type SynIC struct {
	vpIndex uint32
	cs      vcpu.Context
	router  vcpu.IRQRouter
	mem     *memory.Memory
	loop    *eventloop.Loop
	log     log15.Logger

	mu            sync.Mutex
	sctlEnabled   bool
	msgPageAddr   uint64
	eventPageAddr uint64
	msgPage       []byte
	eventPage     []byte
	routes        int
}

// VPIndex is the processor this SynIC belongs to.
func (s *SynIC) VPIndex() uint32 { return s.vpIndex }

// Enabled reports whether SCONTROL has the enable bit set.
func (s *SynIC) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sctlEnabled
}

// Update reconfigures the SynIC from its MSR state. A zero page address means
// the page is disabled; page windows are remapped only when the address
// changes. Both addresses must be page aligned: the event-flags fast path
// does 8-byte atomics against the mapped window. Called with the execution
// context stopped or from its vCPU thread.
func (s *SynIC) Update(sctlEnabled bool, msgPageAddr, eventPageAddr uint64) error {
	if msgPageAddr%memory.PageSize != 0 {
		return fmt.Errorf("synic vp %d message page 0x%x: %w", s.vpIndex, msgPageAddr, memory.ErrUnaligned)
	}

	if eventPageAddr%memory.PageSize != 0 {
		return fmt.Errorf("synic vp %d event page 0x%x: %w", s.vpIndex, eventPageAddr, memory.ErrUnaligned)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sctlEnabled = sctlEnabled

	if msgPageAddr != s.msgPageAddr {
		s.msgPage = nil

		if msgPageAddr != 0 {
			win, err := s.mem.Map(msgPageAddr, hv.MessagePageSize)
			if err != nil {
				return fmt.Errorf("synic vp %d message page: %w", s.vpIndex, err)
			}

			s.msgPage = win
		}

		s.msgPageAddr = msgPageAddr
	}

	if eventPageAddr != s.eventPageAddr {
		s.eventPage = nil

		if eventPageAddr != 0 {
			win, err := s.mem.Map(eventPageAddr, hv.EventFlagsPageSize)
			if err != nil {
				return fmt.Errorf("synic vp %d event page: %w", s.vpIndex, err)
			}

			s.eventPage = win
		}

		s.eventPageAddr = eventPageAddr
	}

	s.log.Debug("synic update", "vp", s.vpIndex, "enabled", sctlEnabled,
		"msgPage", fmt.Sprintf("0x%x", msgPageAddr),
		"eventPage", fmt.Sprintf("0x%x", eventPageAddr))

	return nil
}

// Reset zeroes the overlay pages and disables the SynIC. All sint routes must
// have been released first; a live route at reset time is a host device bug.
func (s *SynIC) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.routes != 0 {
		panic(ErrLiveRoutes)
	}

	if s.msgPage != nil {
		for i := range s.msgPage {
			s.msgPage[i] = 0
		}

		s.mem.MarkDirty(s.msgPageAddr, hv.MessagePageSize)
	}

	if s.eventPage != nil {
		for i := range s.eventPage {
			s.eventPage[i] = 0
		}

		s.mem.MarkDirty(s.eventPageAddr, hv.EventFlagsPageSize)
	}

	s.sctlEnabled = false
	s.msgPageAddr, s.eventPageAddr = 0, 0
	s.msgPage, s.eventPage = nil, nil
}

// MessagePageAddr returns the current SIMP base, zero when disabled.
func (s *SynIC) MessagePageAddr() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.msgPageAddr
}

// EventPageAddr returns the current SIEFP base, zero when disabled.
func (s *SynIC) EventPageAddr() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.eventPageAddr
}

// Hub owns the SynICs of a machine, the completion loop and the connection
// registries. Device emulation talks to the hub; the hypercall layer routes
// POST_MESSAGE and SIGNAL_EVENT through it.
type Hub struct {
	mem  *memory.Memory
	loop *eventloop.Loop
	log  log15.Logger

	mu     sync.Mutex
	synics map[uint32]*SynIC

	registry registry
}

// NewHub creates an empty hub. Completions run on loop.
func NewHub(mem *memory.Memory, loop *eventloop.Loop, log log15.Logger) *Hub {
	h := &Hub{
		mem:    mem,
		loop:   loop,
		log:    log,
		synics: make(map[uint32]*SynIC),
	}
	h.registry.init()

	return h
}

// AddSynIC creates the SynIC for an execution context. router may be nil;
// routes then fall back to kicking the context in software.
func (h *Hub) AddSynIC(cs vcpu.Context, router vcpu.IRQRouter) (*SynIC, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	vp := cs.VPIndex()
	if _, ok := h.synics[vp]; ok {
		return nil, fmt.Errorf("vp %d: %w", vp, ErrVPExists)
	}

	s := &SynIC{
		vpIndex: vp,
		cs:      cs,
		router:  router,
		mem:     h.mem,
		loop:    h.loop,
		log:     h.log,
	}
	h.synics[vp] = s

	return s, nil
}

// SynIC looks up the SynIC of a processor.
func (h *Hub) SynIC(vpIndex uint32) (*SynIC, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.synics[vpIndex]
	if !ok {
		return nil, fmt.Errorf("vp %d: %w", vpIndex, ErrNoSuchVP)
	}

	return s, nil
}

// SynICEnabled reports whether any processor has its SynIC enabled. Devices
// use it to decide whether enlightened signaling is available at all.
func (h *Hub) SynICEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.synics {
		if s.Enabled() {
			return true
		}
	}

	return false
}
