// Package transporttest provides an in-memory transport.Socket for tests.
package transporttest

import (
	"encoding/json"
	"sync"

	"github.com/jsherman999/statehub/internal/protocol"
	"github.com/jsherman999/statehub/internal/transport"
)

// Emitted is one event the hub sent to the socket, JSON encoded.
type Emitted struct {
	Event string
	Data  []byte
}

// Socket records everything emitted to it and lets tests inject inbound
// events with Deliver.
type Socket struct {
	*transport.Dispatcher

	id string

	mu      sync.Mutex
	emitted []Emitted
	failing bool

	done      chan struct{}
	closeOnce sync.Once
}

func New(id string) *Socket { return newSocket(id, false) }

// NewBuffered mirrors a device connection: inbound events wait for handlers.
func NewBuffered(id string) *Socket { return newSocket(id, true) }

func newSocket(id string, buffered bool) *Socket {
	return &Socket{
		Dispatcher: transport.NewDispatcher(buffered),
		id:         id,
		done:       make(chan struct{}),
	}
}

func (s *Socket) ID() string            { return s.id }
func (s *Socket) Done() <-chan struct{} { return s.done }

func (s *Socket) Emit(event string, payload any) error {
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	b, err := protocol.JSON.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return transport.ErrSendQueueFull
	}
	s.emitted = append(s.emitted, Emitted{Event: event, Data: b})
	return nil
}

// FailSends makes every later Emit fail.
func (s *Socket) FailSends() {
	s.mu.Lock()
	s.failing = true
	s.mu.Unlock()
}

// Close marks the socket closed without dispatching disconnect.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Disconnect closes the socket and dispatches the disconnect event, the way
// the websocket read pump does.
func (s *Socket) Disconnect() {
	_ = s.Close()
	s.Dispatch(transport.NewMessage(protocol.JSON, protocol.EventDisconnect, nil, nil))
}

// Deliver dispatches an inbound event. The returned channel receives the ack
// payload (JSON) if a handler acks.
func (s *Socket) Deliver(event string, payload any) <-chan []byte {
	var data []byte
	if payload != nil {
		b, err := protocol.JSON.Marshal(payload)
		if err != nil {
			panic(err)
		}
		data = b
	}
	acks := make(chan []byte, 1)
	ack := func(p any) error {
		b, err := protocol.JSON.Marshal(p)
		if err != nil {
			return err
		}
		acks <- b
		return nil
	}
	s.Dispatch(transport.NewMessage(protocol.JSON, event, data, ack))
	return acks
}

// Emitted returns everything sent for event, in order.
func (s *Socket) Emitted(event string) []Emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Emitted
	for _, e := range s.emitted {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (s *Socket) Count(event string) int { return len(s.Emitted(event)) }

// Decode unmarshals an emitted payload.
func Decode(e Emitted, v any) error { return json.Unmarshal(e.Data, v) }
