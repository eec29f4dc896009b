package synic

import (
	"fmt"
	"sort"
)

// State is the serializable configuration of one SynIC. The overlay page
// contents live in guest RAM and travel with it.
type State struct {
	VPIndex       uint32
	Enabled       bool
	MsgPageAddr   uint64
	EventPageAddr uint64
}

// Save returns the configuration of every SynIC, ordered by processor.
func (h *Hub) Save() []State {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]State, 0, len(h.synics))

	for _, s := range h.synics {
		s.mu.Lock()
		out = append(out, State{
			VPIndex:       s.vpIndex,
			Enabled:       s.sctlEnabled,
			MsgPageAddr:   s.msgPageAddr,
			EventPageAddr: s.eventPageAddr,
		})
		s.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].VPIndex < out[j].VPIndex })

	return out
}

// Load reapplies saved configurations. Every referenced SynIC must already
// exist on this hub.
func (h *Hub) Load(states []State) error {
	for _, st := range states {
		s, err := h.SynIC(st.VPIndex)
		if err != nil {
			return err
		}

		if err := s.Update(st.Enabled, st.MsgPageAddr, st.EventPageAddr); err != nil {
			return fmt.Errorf("synic vp %d: %w", st.VPIndex, err)
		}
	}

	return nil
}
