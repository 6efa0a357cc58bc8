// Package transport carries events between the hub and its peers. Socket is
// what the hub programs against; Conn implements it over a websocket.
package transport

// Socket is one peer connection.
type Socket interface {
	ID() string
	// Emit queues an event for the peer without blocking.
	Emit(event string, payload any) error
	On(event string, h Handler)
	Once(event string, h Handler)
	OnClose(fn func())
	// Release ends inbound buffering once all handlers are installed.
	Release()
	// Done is closed when the connection is gone.
	Done() <-chan struct{}
	Close() error
}
