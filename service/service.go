// Package service exposes a machine's enlightenment state over JSON-RPC for
// inspection and fault injection: SynIC status, message posting, event
// signaling and guest disassembly.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bobuhiro11/gohyperv/hv"
	"github.com/bobuhiro11/gohyperv/machine"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/inconshreveable/log15"
)

// Name is the JSON-RPC namespace: methods are called as "hyperv.Status" etc.
const Name = "hyperv"

var errDeliveryPending = errors.New("message delivery deferred until guest end-of-message")

// Service is the API service of one machine.
type Service struct {
	m   *machine.Machine
	log log15.Logger
}

// EmptyArgs is the argument type of methods that take none.
type EmptyArgs struct{}

// EmptyReply is the reply type of methods that return nothing beyond success.
type EmptyReply struct{}

// VPStatus describes one processor.
type VPStatus struct {
	VPIndex       uint32  `json:"vpIndex"`
	ActiveVTL     uint8   `json:"activeVtl"`
	EnabledVTLs   []uint8 `json:"enabledVtls"`
	SynICEnabled  bool    `json:"synicEnabled"`
	MsgPageAddr   uint64  `json:"msgPageAddr"`
	EventPageAddr uint64  `json:"eventPageAddr"`
}

// StatusReply is the reply to Status.
type StatusReply struct {
	VPs []VPStatus `json:"vps"`
}

// Status reports the SynIC and VTL state of every processor.
func (s *Service) Status(_ *http.Request, _ *EmptyArgs, reply *StatusReply) error {
	for _, idx := range s.m.VSM().VPIndexes() {
		vp, err := s.m.VSM().VP(idx)
		if err != nil {
			return err
		}

		st := VPStatus{
			VPIndex:   idx,
			ActiveVTL: vp.ActiveVTL(),
		}

		for vtl := uint8(0); vtl < hv.NumVTLs; vtl++ {
			if vp.VTLEnabled(vtl) {
				st.EnabledVTLs = append(st.EnabledVTLs, vtl)
			}
		}

		if sc, err := s.m.Hub().SynIC(idx); err == nil {
			st.SynICEnabled = sc.Enabled()
			st.MsgPageAddr = sc.MessagePageAddr()
			st.EventPageAddr = sc.EventPageAddr()
		}

		reply.VPs = append(reply.VPs, st)
	}

	return nil
}

// PostMessageArgs selects a sint and carries the message to deliver. Payload
// is base64 in the JSON encoding.
type PostMessageArgs struct {
	VPIndex     uint32 `json:"vpIndex"`
	Sint        uint32 `json:"sint"`
	MessageType uint32 `json:"messageType"`
	Port        uint64 `json:"port"`
	Payload     []byte `json:"payload"`
}

// PostMessage delivers one message into the guest's message page and waits for
// the delivery to complete. A busy slot surfaces as an error; the caller
// retries after the guest signals end-of-message.
func (s *Service) PostMessage(r *http.Request, args *PostMessageArgs, _ *EmptyReply) error {
	msg, err := hv.NewMessage(args.MessageType, args.Payload)
	if err != nil {
		return err
	}

	msg.Port = args.Port

	done := make(chan error, 1)

	route, err := s.m.Hub().NewSintRoute(args.VPIndex, args.Sint, func(err error) {
		done <- err
	})
	if err != nil {
		return err
	}
	defer route.Unref()

	if err := route.PostMessage(msg); err != nil {
		return err
	}

	// Delivery into an occupied slot completes only after the guest signals
	// end-of-message, which can be never; bound the wait.
	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errDeliveryPending
	case <-r.Context().Done():
		return r.Context().Err()
	}
}

// SignalEventArgs names the connection to signal.
type SignalEventArgs struct {
	ConnID uint32 `json:"connId"`
}

// SignalEvent fires the notifier of a registered event connection.
func (s *Service) SignalEvent(_ *http.Request, args *SignalEventArgs, _ *EmptyReply) error {
	if status := s.m.Hub().HandleSignalEvent(uint64(args.ConnID), true); status != hv.StatusSuccess {
		return fmt.Errorf("signal event connection %#x: %v", args.ConnID, status)
	}

	return nil
}

// DisasmArgs selects a window of guest code.
type DisasmArgs struct {
	GPA   uint64 `json:"gpa"`
	Count int    `json:"count"`
}

// DisasmReply carries decoded instructions.
type DisasmReply struct {
	Instructions []string `json:"instructions"`
}

// Disasm decodes guest code at a physical address.
func (s *Service) Disasm(_ *http.Request, args *DisasmArgs, reply *DisasmReply) error {
	if args.Count <= 0 || args.Count > 64 {
		return errors.New("count must be in [1, 64]")
	}

	out, err := s.m.DisasmAt(args.GPA, args.Count)
	if err != nil {
		return err
	}

	reply.Instructions = out

	return nil
}

// NewHandler builds the JSON-RPC handler for a machine.
func NewHandler(m *machine.Machine, log log15.Logger) (http.Handler, error) {
	srv := rpc.NewServer()
	codec := json2.NewCodec()
	srv.RegisterCodec(codec, "application/json")
	srv.RegisterCodec(codec, "application/json;charset=UTF-8")

	if err := srv.RegisterService(&Service{m: m, log: log}, Name); err != nil {
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return srv, nil
}

// Serve runs the JSON-RPC endpoint on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, m *machine.Machine, log log15.Logger) error {
	handler, err := NewHandler(m, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutCtx); err != nil {
			log.Error("rpc shutdown", "err", err)
		}
	}()

	log.Info("rpc listening", "addr", addr)

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
