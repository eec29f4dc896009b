package synic

import (
	"encoding/binary"

	"github.com/bobuhiro11/gohyperv/hv"
)

// HandlePostMessage serves the POST_MESSAGE hypercall. param is the guest
// physical address of the input block; the call has no fast form.
func (h *Hub) HandlePostMessage(param uint64, fast bool) hv.Status {
	if fast {
		return hv.StatusInvalidHypercallCode
	}

	if param%8 != 0 {
		return hv.StatusInvalidAlignment
	}

	buf := make([]byte, hv.PostMessageInputSize)
	if err := h.mem.ReadAt(buf, param); err != nil {
		return hv.StatusInsufficientMemory
	}

	in, err := hv.UnmarshalPostMessageInput(buf)
	if err != nil {
		return hv.StatusInsufficientMemory
	}

	if in.PayloadSize > hv.PayloadSize {
		return hv.StatusInvalidHypercallInput
	}

	handler, ok := h.registry.lookupMsg(in.ConnectionID)
	if !ok {
		h.log.Debug("post message to unknown connection",
			"conn", in.ConnectionID&hv.ConnectionIDMask)

		return hv.StatusInvalidConnectionID
	}

	return handler(in)
}

// HandleSignalEvent serves the SIGNAL_EVENT hypercall. For a fast call param
// is the packed parameter word; for a slow call it is the guest physical
// address of one.
func (h *Hub) HandleSignalEvent(param uint64, fast bool) hv.Status {
	if !fast {
		if param%8 != 0 {
			return hv.StatusInvalidAlignment
		}

		var buf [8]byte
		if err := h.mem.ReadAt(buf[:], param); err != nil {
			return hv.StatusInsufficientMemory
		}

		param = binary.LittleEndian.Uint64(buf[:])
	}

	p := hv.SignalEventParam(param)

	// Bits 32-47 carry an extra "flag number". No known user sets it, so a
	// nonzero value is reported as an unsupported parameter, as are the
	// reserved high bits.
	if p.FlagNumber() != 0 || p.ReservedBits() {
		return hv.StatusInvalidParameter
	}

	n, ok := h.registry.lookupEvent(p.ConnectionID())
	if !ok {
		h.log.Debug("signal event to unknown connection", "conn", p.ConnectionID())

		return hv.StatusInvalidConnectionID
	}

	if err := n.Set(); err != nil {
		h.log.Error("event notifier set failed", "conn", p.ConnectionID(), "err", err)
	}

	return hv.StatusSuccess
}
