// Package watchhub is an in-process pubsub for device lifecycle events,
// streamed to operators over SSE. Delivery is best-effort: each subscriber
// has a bounded buffer and a slow subscriber misses events.
package watchhub

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	DeviceConnected    = "device_connected"
	DeviceLegacy       = "device_legacy"
	DeviceInitialized  = "device_initialized"
	DeviceDisconnected = "device_disconnected"
	ViewerJoined       = "viewer_joined"
	ViewerLeft         = "viewer_left"
)

// Event is one lifecycle transition. Device is a fingerprint.
type Event struct {
	Type   string    `json:"type"`
	Device string    `json:"device"`
	Conn   string    `json:"conn,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

type Hub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func New() *Hub {
	return &Hub{subs: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe(buf int) chan []byte {
	ch := make(chan []byte, buf)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *Hub) Publish(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- b:
		default:
		}
	}
}

// PublishEvent stamps ev if needed and publishes it as JSON. A nil hub
// discards the event.
func (h *Hub) PublishEvent(ev Event) {
	if h == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.Publish(b)
}
