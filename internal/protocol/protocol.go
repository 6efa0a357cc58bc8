// Package protocol defines the event frames exchanged with devices and
// viewers and the codecs that put them on the wire.
package protocol

import "github.com/jsherman999/statehub/internal/state"

// Event names.
const (
	EventAck          = "ack"
	EventDisconnect   = "disconnect"
	EventHandshake    = "handshake"
	EventLatencyCheck = "latency-check"
	EventStorePatch   = "store-patch"
	EventStoreEdit    = "store-edit"
	EventStoreInit    = "store-init"
	EventStoreUpdate  = "store-update"
)

// Reserved reports whether an event name is synthesized locally and must
// never be accepted from a peer.
func Reserved(event string) bool {
	return event == EventAck || event == EventDisconnect
}

// Frame is a decoded envelope. Data is still in the codec's own encoding;
// decode it with Codec.Unmarshal. A non-zero ID asks for an ack frame
// carrying the same ID.
type Frame struct {
	Event string
	ID    uint64
	Data  []byte
}

type HandshakeRequest struct {
	Version int `json:"version" cbor:"version"`
}

type HandshakeReply struct {
	ConnectionState string `json:"connectionState" cbor:"connectionState"`
	Version         string `json:"version" cbor:"version"`
}

// StorePatch carries change records: device updates, viewer edits and
// store-update broadcasts all share it.
type StorePatch struct {
	Changes []state.Change `json:"changes" cbor:"changes"`
}

// EditResult acknowledges a store-patch or store-edit.
type EditResult struct {
	OK    bool   `json:"ok" cbor:"ok"`
	Error string `json:"error,omitempty" cbor:"error,omitempty"`
}
