package hv

import (
	"encoding/binary"
	"errors"
)

const (
	// SintCount is the number of synthetic interrupt sources per vCPU.
	SintCount = 16

	// MessageSize is the size of one message-page slot, header included.
	MessageSize = 256

	// PayloadSize is the usable payload in a message slot.
	PayloadSize = MessageSize - messageHeaderSize

	messageHeaderSize = 16

	// MessagePageSize covers one slot per sint.
	MessagePageSize = SintCount * MessageSize

	// EventFlagsCount is the number of event flags per sint: a 256-byte
	// bit vector per event-page slot.
	EventFlagsCount = 2048

	// EventFlagsPageSize covers one flag vector per sint.
	EventFlagsPageSize = SintCount * EventFlagsCount / 8

	// MessageTypeNone marks a free message slot.
	MessageTypeNone = 0

	// MessageFlagPending tells the guest that another message is waiting
	// behind the one currently in the slot; the guest must EOM.
	MessageFlagPending = 1
)

var ErrPayloadTooLarge = errors.New("message payload exceeds slot capacity")

// Message is one message-page slot.
//
// Layout (little-endian):
//
//	0x00 u32 message type (0 = none)
//	0x04 u8  payload size
//	0x05 u8  flags
//	0x06 u16 reserved
//	0x08 u64 sender port id
//	0x10     payload (240 bytes)
type Message struct {
	Type        uint32
	PayloadSize uint8
	Flags       uint8
	Port        uint64
	Payload     [PayloadSize]byte
}

// NewMessage builds a message carrying payload, or ErrPayloadTooLarge.
func NewMessage(typ uint32, payload []byte) (*Message, error) {
	if len(payload) > PayloadSize {
		return nil, ErrPayloadTooLarge
	}

	m := &Message{
		Type:        typ,
		PayloadSize: uint8(len(payload)),
	}
	copy(m.Payload[:], payload)

	return m, nil
}

// Marshal encodes the message into b, which must hold MessageSize bytes.
func (m *Message) Marshal(b []byte) {
	_ = b[:MessageSize]

	binary.LittleEndian.PutUint32(b[0:4], m.Type)
	b[4] = m.PayloadSize
	b[5] = m.Flags
	b[6], b[7] = 0, 0
	binary.LittleEndian.PutUint64(b[8:16], m.Port)
	copy(b[messageHeaderSize:MessageSize], m.Payload[:])
}

// UnmarshalMessage decodes one message-page slot.
func UnmarshalMessage(b []byte) *Message {
	_ = b[:MessageSize]

	m := &Message{
		Type:        binary.LittleEndian.Uint32(b[0:4]),
		PayloadSize: b[4],
		Flags:       b[5],
		Port:        binary.LittleEndian.Uint64(b[8:16]),
	}
	copy(m.Payload[:], b[messageHeaderSize:MessageSize])

	return m
}

// MessageSlotOffset returns the byte offset of a sint's slot in the message
// page.
func MessageSlotOffset(sint uint32) uint64 {
	return uint64(sint) * MessageSize
}

// EventSlotOffset returns the byte offset of a sint's flag vector in the
// event-flags page.
func EventSlotOffset(sint uint32) uint64 {
	return uint64(sint) * (EventFlagsCount / 8)
}
