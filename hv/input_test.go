package hv_test

import (
	"testing"

	"github.com/bobuhiro11/gohyperv/hv"
	"github.com/stretchr/testify/assert"
)

func TestSignalEventParam(t *testing.T) {
	t.Parallel()

	// Connection IDs keep only the low 24 bits.
	p := hv.SignalEventParam(0xff000021)
	assert.Equal(t, uint32(0x21), p.ConnectionID())
	assert.Equal(t, uint16(0), p.FlagNumber())
	assert.False(t, p.ReservedBits())

	// Bits 32-47 carry the relative flag number.
	p = hv.SignalEventParam(uint64(7)<<32 | 0x42)
	assert.Equal(t, uint32(0x42), p.ConnectionID())
	assert.Equal(t, uint16(7), p.FlagNumber())
	assert.False(t, p.ReservedBits())

	// Bits 48-63 are reserved.
	p = hv.SignalEventParam(uint64(1)<<48 | 0x42)
	assert.True(t, p.ReservedBits())
}

func TestInputVTL(t *testing.T) {
	t.Parallel()

	v := hv.InputVTL(0x11)
	assert.Equal(t, uint8(1), v.TargetVTL())
	assert.True(t, v.UseTarget())

	v = hv.InputVTL(0)
	assert.Equal(t, uint8(0), v.TargetVTL())
	assert.False(t, v.UseTarget())
}

func TestRepComplete(t *testing.T) {
	t.Parallel()

	res := hv.RepComplete(hv.StatusSuccess, 3)
	assert.Equal(t, uint64(hv.StatusSuccess), res&0xffff)
	assert.Equal(t, uint64(3), res>>hv.RepCompOffset)

	res = hv.RepComplete(hv.StatusInvalidParameter, 1)
	assert.Equal(t, uint64(hv.StatusInvalidParameter), res&0xffff)
	assert.Equal(t, uint64(1), res>>hv.RepCompOffset)
}

func TestUnmarshalPostMessageInputTruncated(t *testing.T) {
	t.Parallel()

	_, err := hv.UnmarshalPostMessageInput(make([]byte, 8))
	assert.ErrorIs(t, err, hv.ErrInputTooShort)
}

func TestInitialVPContextRoundTrip(t *testing.T) {
	t.Parallel()

	in := &hv.InitialVPContext{
		RIP:    0x1000,
		RSP:    0x2000,
		RFLAGS: 0x202,
		CR3:    0x4000,
		EFER:   0xd01,
		CS:     hv.SegmentRegister{Base: 0, Limit: 0xffffffff, Selector: 0x8, Attributes: 0xa09b},
		GDTR:   hv.TableRegister{Base: 0x5000, Limit: 0x7f},
	}

	buf := make([]byte, hv.InitialVPContextSize)
	in.Marshal(buf)

	out, err := hv.UnmarshalInitialVPContext(buf)
	assert.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRegisterValueSegmentAndTable(t *testing.T) {
	t.Parallel()

	seg := hv.SegmentRegister{Base: 0x1234, Limit: 0xfffff, Selector: 0x10, Attributes: 0x93}
	assert.Equal(t, seg, hv.SegmentValue(seg).Segment())

	tbl := hv.TableRegister{Base: 0x9000, Limit: 0x3ff}
	assert.Equal(t, tbl, hv.TableValue(tbl).Table())
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "HV_STATUS_SUCCESS", hv.StatusSuccess.String())
	assert.Equal(t, "HV_STATUS_UNKNOWN", hv.Status(0x7777).String())
}
