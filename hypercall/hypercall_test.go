package hypercall_test

import (
	"testing"

	"github.com/bobuhiro11/gohyperv/hv"
	"github.com/bobuhiro11/gohyperv/hypercall"
	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/assert"
)

func newDispatcher() *hypercall.Dispatcher {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())

	return hypercall.NewDispatcher(l)
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	d := newDispatcher()

	var got *hypercall.Call

	d.Register(hypercall.CodePostMessage, func(c *hypercall.Call) uint64 {
		got = c

		return uint64(hv.StatusSuccess)
	})

	call := &hypercall.Call{
		Code:   hypercall.CodePostMessage,
		Fast:   false,
		Caller: 2,
		Param1: 0x1000,
	}

	assert.Equal(t, uint64(hv.StatusSuccess), d.Dispatch(call))
	assert.Same(t, call, got)
}

func TestDispatchUnknownCode(t *testing.T) {
	t.Parallel()

	d := newDispatcher()

	res := d.Dispatch(&hypercall.Call{Code: hypercall.Code(0xbeef)})
	assert.Equal(t, uint64(hv.StatusInvalidHypercallCode), res)
}

func TestCodeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "HVCALL_POST_MESSAGE", hypercall.CodePostMessage.String())
	assert.Equal(t, "HVCALL_SIGNAL_EVENT", hypercall.CodeSignalEvent.String())
	assert.Contains(t, hypercall.Code(0xbeef).String(), "0xbeef")
}
