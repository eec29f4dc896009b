package hv

import (
	"encoding/binary"
	"errors"
)

var ErrInputTooShort = errors.New("hypercall input block truncated")

const (
	// ConnectionIDMask extracts the connection id from a SIGNAL_EVENT or
	// POST_MESSAGE parameter.
	ConnectionIDMask = 0x00ffffff

	// PostMessageInputSize is the size of the POST_MESSAGE input block.
	PostMessageInputSize = 256

	// EnableVPVTLInputSize is the size of the ENABLE_VP_VTL input block.
	EnableVPVTLInputSize = 16 + InitialVPContextSize

	// InitialVPContextSize is the packed size of InitialVPContext.
	InitialVPContextSize = 224
)

// PostMessageInput is the memory-resident input block of POST_MESSAGE.
//
// Layout: connection id u32, reserved u32, message type u32, payload size
// u32, payload (240 bytes).
type PostMessageInput struct {
	ConnectionID uint32
	MessageType  uint32
	PayloadSize  uint32
	Payload      [PayloadSize]byte
}

// UnmarshalPostMessageInput decodes a POST_MESSAGE input block.
func UnmarshalPostMessageInput(b []byte) (*PostMessageInput, error) {
	if len(b) < PostMessageInputSize {
		return nil, ErrInputTooShort
	}

	in := &PostMessageInput{
		ConnectionID: binary.LittleEndian.Uint32(b[0:4]),
		MessageType:  binary.LittleEndian.Uint32(b[8:12]),
		PayloadSize:  binary.LittleEndian.Uint32(b[12:16]),
	}
	copy(in.Payload[:], b[16:PostMessageInputSize])

	return in, nil
}

// SignalEventParam is the packed SIGNAL_EVENT parameter word: connection id
// in bits 0-23, flag number in bits 32-47, everything else reserved-zero.
type SignalEventParam uint64

func (p SignalEventParam) ConnectionID() uint32 { return uint32(p) & ConnectionIDMask }
func (p SignalEventParam) FlagNumber() uint16   { return uint16(p >> 32) }
func (p SignalEventParam) ReservedBits() bool   { return uint64(p)&^(0xffff00000000|ConnectionIDMask) != 0 }

// InputVTL is the target-VTL byte used by several VSM hypercalls: target VTL
// in bits 0-3, "use target VTL" in bit 4.
type InputVTL uint8

func (v InputVTL) TargetVTL() uint8 { return uint8(v) & 0xf }
func (v InputVTL) UseTarget() bool  { return v&0x10 != 0 }

// EnablePartitionVTLInput is the register-passed input of
// ENABLE_PARTITION_VTL: partition id u64, target VTL u8, flags u8.
type EnablePartitionVTLInput struct {
	PartitionID uint64
	TargetVTL   uint8
	EnableMBEC  bool
}

// UnmarshalEnablePartitionVTLInput decodes the two input words of a fast
// ENABLE_PARTITION_VTL call.
func UnmarshalEnablePartitionVTLInput(param1, param2 uint64) *EnablePartitionVTLInput {
	return &EnablePartitionVTLInput{
		PartitionID: param1,
		TargetVTL:   uint8(param2),
		EnableMBEC:  param2&(1<<8) != 0,
	}
}

// SegmentRegister is the 16-byte Hyper-V segment descriptor: base, limit,
// selector, packed attribute bits.
type SegmentRegister struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

func (s *SegmentRegister) marshal(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], s.Base)
	binary.LittleEndian.PutUint32(b[8:12], s.Limit)
	binary.LittleEndian.PutUint16(b[12:14], s.Selector)
	binary.LittleEndian.PutUint16(b[14:16], s.Attributes)
}

func unmarshalSegmentRegister(b []byte) SegmentRegister {
	return SegmentRegister{
		Base:       binary.LittleEndian.Uint64(b[0:8]),
		Limit:      binary.LittleEndian.Uint32(b[8:12]),
		Selector:   binary.LittleEndian.Uint16(b[12:14]),
		Attributes: binary.LittleEndian.Uint16(b[14:16]),
	}
}

// TableRegister is the 16-byte Hyper-V descriptor-table register: three pad
// words, limit, base.
type TableRegister struct {
	Limit uint16
	Base  uint64
}

func (t *TableRegister) marshal(b []byte) {
	b[0], b[1], b[2], b[3], b[4], b[5] = 0, 0, 0, 0, 0, 0
	binary.LittleEndian.PutUint16(b[6:8], t.Limit)
	binary.LittleEndian.PutUint64(b[8:16], t.Base)
}

func unmarshalTableRegister(b []byte) TableRegister {
	return TableRegister{
		Limit: binary.LittleEndian.Uint16(b[6:8]),
		Base:  binary.LittleEndian.Uint64(b[8:16]),
	}
}

// InitialVPContext seeds the architectural state of a newly enabled VTL,
// analogous to a reset vector.
type InitialVPContext struct {
	RIP    uint64
	RSP    uint64
	RFLAGS uint64

	CS, DS, ES, FS, GS, SS, TR, LDTR SegmentRegister

	IDTR, GDTR TableRegister

	EFER uint64
	CR0  uint64
	CR3  uint64
	CR4  uint64
	PAT  uint64
}

// Marshal encodes the context into b, which must hold
// InitialVPContextSize bytes.
func (c *InitialVPContext) Marshal(b []byte) {
	_ = b[:InitialVPContextSize]

	binary.LittleEndian.PutUint64(b[0:8], c.RIP)
	binary.LittleEndian.PutUint64(b[8:16], c.RSP)
	binary.LittleEndian.PutUint64(b[16:24], c.RFLAGS)

	off := 24
	for _, s := range []*SegmentRegister{&c.CS, &c.DS, &c.ES, &c.FS, &c.GS, &c.SS, &c.TR, &c.LDTR} {
		s.marshal(b[off : off+16])
		off += 16
	}

	c.IDTR.marshal(b[off : off+16])
	c.GDTR.marshal(b[off+16 : off+32])
	off += 32

	binary.LittleEndian.PutUint64(b[off:off+8], c.EFER)
	binary.LittleEndian.PutUint64(b[off+8:off+16], c.CR0)
	binary.LittleEndian.PutUint64(b[off+16:off+24], c.CR3)
	binary.LittleEndian.PutUint64(b[off+24:off+32], c.CR4)
	binary.LittleEndian.PutUint64(b[off+32:off+40], c.PAT)
}

// UnmarshalInitialVPContext decodes a packed initial VP context.
func UnmarshalInitialVPContext(b []byte) (*InitialVPContext, error) {
	if len(b) < InitialVPContextSize {
		return nil, ErrInputTooShort
	}

	c := &InitialVPContext{
		RIP:    binary.LittleEndian.Uint64(b[0:8]),
		RSP:    binary.LittleEndian.Uint64(b[8:16]),
		RFLAGS: binary.LittleEndian.Uint64(b[16:24]),
	}

	off := 24
	for _, s := range []*SegmentRegister{&c.CS, &c.DS, &c.ES, &c.FS, &c.GS, &c.SS, &c.TR, &c.LDTR} {
		*s = unmarshalSegmentRegister(b[off : off+16])
		off += 16
	}

	c.IDTR = unmarshalTableRegister(b[off : off+16])
	c.GDTR = unmarshalTableRegister(b[off+16 : off+32])
	off += 32

	c.EFER = binary.LittleEndian.Uint64(b[off : off+8])
	c.CR0 = binary.LittleEndian.Uint64(b[off+8 : off+16])
	c.CR3 = binary.LittleEndian.Uint64(b[off+16 : off+24])
	c.CR4 = binary.LittleEndian.Uint64(b[off+24 : off+32])
	c.PAT = binary.LittleEndian.Uint64(b[off+32 : off+40])

	return c, nil
}

// EnableVPVTLInput is the memory-resident input block of ENABLE_VP_VTL.
type EnableVPVTLInput struct {
	PartitionID uint64
	VPIndex     uint32
	TargetVTL   InputVTL
	Context     InitialVPContext
}

// UnmarshalEnableVPVTLInput decodes an ENABLE_VP_VTL input block.
func UnmarshalEnableVPVTLInput(b []byte) (*EnableVPVTLInput, error) {
	if len(b) < EnableVPVTLInputSize {
		return nil, ErrInputTooShort
	}

	in := &EnableVPVTLInput{
		PartitionID: binary.LittleEndian.Uint64(b[0:8]),
		VPIndex:     binary.LittleEndian.Uint32(b[8:12]),
		TargetVTL:   InputVTL(b[12]),
	}

	ctx, err := UnmarshalInitialVPContext(b[16:])
	if err != nil {
		return nil, err
	}

	in.Context = *ctx

	return in, nil
}

// GetSetVPRegistersInput is the fixed header of GET/SET_VP_REGISTERS:
// partition id u64, vp index u32, input VTL u8, three pad bytes. The
// (name, value) reps that follow are resolved by the calling-convention
// layer and handed to the core already parsed.
type GetSetVPRegistersInput struct {
	PartitionID uint64
	VPIndex     uint32
	InputVTL    InputVTL
}

// UnmarshalGetSetVPRegistersInput decodes the 16-byte header.
func UnmarshalGetSetVPRegistersInput(b []byte) (*GetSetVPRegistersInput, error) {
	if len(b) < 16 {
		return nil, ErrInputTooShort
	}

	return &GetSetVPRegistersInput{
		PartitionID: binary.LittleEndian.Uint64(b[0:8]),
		VPIndex:     binary.LittleEndian.Uint32(b[8:12]),
		InputVTL:    InputVTL(b[12]),
	}, nil
}

// RegisterValue is a 128-bit VP register value. Most registers use only the
// low word; segment and table registers pack into both.
type RegisterValue struct {
	Low  uint64
	High uint64
}

// SegmentValue packs a segment register into a 128-bit register value.
func SegmentValue(s SegmentRegister) RegisterValue {
	return RegisterValue{
		Low:  s.Base,
		High: uint64(s.Limit) | uint64(s.Selector)<<32 | uint64(s.Attributes)<<48,
	}
}

// Segment unpacks a 128-bit register value into a segment register.
func (v RegisterValue) Segment() SegmentRegister {
	return SegmentRegister{
		Base:       v.Low,
		Limit:      uint32(v.High),
		Selector:   uint16(v.High >> 32),
		Attributes: uint16(v.High >> 48),
	}
}

// TableValue packs a descriptor-table register into a register value.
func TableValue(t TableRegister) RegisterValue {
	return RegisterValue{Low: t.Base, High: uint64(t.Limit)}
}

// Table unpacks a register value into a descriptor-table register.
func (v RegisterValue) Table() TableRegister {
	return TableRegister{Base: v.Low, Limit: uint16(v.High)}
}
