package transport

import (
	"sync"

	"github.com/jsherman999/statehub/internal/protocol"
)

// Handler handles one inbound event.
type Handler func(*Message)

const maxPending = 256

type entry struct {
	fn   Handler
	once bool
}

// Dispatcher routes inbound events to handlers, one at a time, in arrival
// order. Handlers must not register further handlers on the same
// dispatcher.
//
// A buffering dispatcher keeps events that arrive before anyone listens and
// replays them to the first handler registered for that event. Release ends
// buffering and drops whatever is still pending.
type Dispatcher struct {
	callMu sync.Mutex

	mu        sync.Mutex
	handlers  map[string][]*entry
	buffering bool
	pending   []*Message
}

func NewDispatcher(buffering bool) *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]*entry), buffering: buffering}
}

func (d *Dispatcher) On(event string, h Handler)   { d.register(event, h, false) }
func (d *Dispatcher) Once(event string, h Handler) { d.register(event, h, true) }

// OnClose runs fn when the connection goes away.
func (d *Dispatcher) OnClose(fn func()) {
	d.On(protocol.EventDisconnect, func(*Message) { fn() })
}

// Release stops buffering.
func (d *Dispatcher) Release() {
	d.callMu.Lock()
	defer d.callMu.Unlock()
	d.mu.Lock()
	d.buffering = false
	d.pending = nil
	d.mu.Unlock()
}

// Dispatch delivers m and reports whether any handler ran.
func (d *Dispatcher) Dispatch(m *Message) bool {
	d.callMu.Lock()
	defer d.callMu.Unlock()

	d.mu.Lock()
	entries := d.handlers[m.Event]
	if len(entries) == 0 {
		if d.buffering && len(d.pending) < maxPending {
			d.pending = append(d.pending, m)
		}
		d.mu.Unlock()
		return false
	}
	remaining := make([]*entry, 0, len(entries))
	for _, e := range entries {
		if !e.once {
			remaining = append(remaining, e)
		}
	}
	d.handlers[m.Event] = remaining
	d.mu.Unlock()

	for _, e := range entries {
		e.fn(m)
	}
	return true
}

func (d *Dispatcher) register(event string, h Handler, once bool) {
	d.callMu.Lock()
	defer d.callMu.Unlock()

	e := &entry{fn: h, once: once}
	d.mu.Lock()
	var replay []*Message
	if d.buffering {
		keep := d.pending[:0]
		for _, m := range d.pending {
			if m.Event == event && !(once && len(replay) == 1) {
				replay = append(replay, m)
				continue
			}
			keep = append(keep, m)
		}
		d.pending = keep
	}
	if !once || len(replay) == 0 {
		d.handlers[event] = append(d.handlers[event], e)
	}
	d.mu.Unlock()

	for _, m := range replay {
		e.fn(m)
	}
}
