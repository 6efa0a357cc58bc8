package transport

import (
	"errors"
	"sync/atomic"

	"github.com/jsherman999/statehub/internal/protocol"
)

var (
	ErrClosed        = errors.New("transport: connection closed")
	ErrSendQueueFull = errors.New("transport: send queue full")
	ErrNoAck         = errors.New("transport: message does not expect an ack")
	ErrAlreadyAcked  = errors.New("transport: message already acked")
)

// Message is one inbound event.
type Message struct {
	Event string

	data  []byte
	codec protocol.Codec
	ack   func(payload any) error
	acked atomic.Bool
}

// NewMessage builds an inbound message. ack may be nil when the peer did not
// ask for a reply.
func NewMessage(codec protocol.Codec, event string, data []byte, ack func(payload any) error) *Message {
	return &Message{Event: event, data: data, codec: codec, ack: ack}
}

// Decode unmarshals the payload into v. A message without payload leaves v
// untouched.
func (m *Message) Decode(v any) error {
	if m.codec == nil {
		return nil
	}
	return m.codec.Unmarshal(m.data, v)
}

func (m *Message) WantsAck() bool { return m.ack != nil }

// Ack replies to the sender. Only the first call is delivered.
func (m *Message) Ack(payload any) error {
	if m.ack == nil {
		return ErrNoAck
	}
	if !m.acked.CompareAndSwap(false, true) {
		return ErrAlreadyAcked
	}
	return m.ack(payload)
}
