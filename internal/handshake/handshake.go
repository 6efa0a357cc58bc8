// Package handshake decides whether a freshly connected device speaks the
// handshake protocol. A device that does not answer within the timeout is a
// legacy client and gets no reply.
package handshake

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jsherman999/statehub/internal/protocol"
	"github.com/jsherman999/statehub/internal/state"
	"github.com/jsherman999/statehub/internal/transport"
)

const DefaultTimeout = 5000 * time.Millisecond

type Outcome int

const (
	Accepted Outcome = iota
	TimedOut
	Closed
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case TimedOut:
		return "timeout"
	case Closed:
		return "closed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome       Outcome
	ClientVersion int
	Reply         protocol.HandshakeReply
	// PayloadErr is set when an accepted handshake carried an unreadable
	// payload. The device still answered in time, so it is not legacy; its
	// version is recorded as 0.
	PayloadErr error
}

func (r Result) Accepted() bool { return r.Outcome == Accepted }

type Negotiator struct {
	Timeout time.Duration
	// Build is sent verbatim as the reply's version.
	Build string
}

func New(timeout time.Duration, build string) *Negotiator {
	return &Negotiator{Timeout: timeout, Build: build}
}

// Negotiate reports whether the device completed the handshake.
func (n *Negotiator) Negotiate(ctx context.Context, sock transport.Socket, cs state.ConnectionState) bool {
	return n.Run(ctx, sock, cs).Accepted()
}

// Run races the timeout against a single handshake event. Whichever fires
// first settles the race; the other branch becomes a no-op, so the timer is
// left to expire on its own.
func (n *Negotiator) Run(ctx context.Context, sock transport.Socket, cs state.ConnectionState) Result {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var settled atomic.Bool
	won := make(chan *transport.Message, 1)
	expired := make(chan struct{})

	time.AfterFunc(timeout, func() {
		if settled.CompareAndSwap(false, true) {
			close(expired)
		}
	})
	sock.Once(protocol.EventHandshake, func(m *transport.Message) {
		if settled.CompareAndSwap(false, true) {
			won <- m
		}
	})

	abandon := func(o Outcome) (Result, bool) {
		if settled.CompareAndSwap(false, true) {
			return Result{Outcome: o}, true
		}
		return Result{}, false
	}

	select {
	case m := <-won:
		return n.accept(m, cs)
	case <-expired:
		return Result{Outcome: TimedOut}
	case <-sock.Done():
		if r, ok := abandon(Closed); ok {
			return r
		}
	case <-ctx.Done():
		if r, ok := abandon(Canceled); ok {
			return r
		}
	}
	// Another branch settled first; its channel is ready now.
	select {
	case m := <-won:
		return n.accept(m, cs)
	case <-expired:
		return Result{Outcome: TimedOut}
	}
}

func (n *Negotiator) accept(m *transport.Message, cs state.ConnectionState) Result {
	var req protocol.HandshakeRequest
	decodeErr := m.Decode(&req)
	if decodeErr != nil {
		req = protocol.HandshakeRequest{}
	}
	reply := protocol.HandshakeReply{ConnectionState: string(cs), Version: n.Build}
	if m.WantsAck() {
		_ = m.Ack(reply)
	}
	return Result{Outcome: Accepted, ClientVersion: req.Version, Reply: reply, PayloadErr: decodeErr}
}
