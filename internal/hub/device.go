package hub

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jsherman999/statehub/internal/protocol"
	"github.com/jsherman999/statehub/internal/state"
	"github.com/jsherman999/statehub/internal/store"
	"github.com/jsherman999/statehub/internal/transport"
	"github.com/jsherman999/statehub/internal/watchhub"
)

const recordTimeout = 5 * time.Second

// DeviceConn is one registered device connection and the state it owns.
type DeviceConn struct {
	hub           *Hub
	id            string
	fp            string
	sock          transport.Socket
	store         *state.Store
	clientVersion int
	connectedAt   time.Time
	log           zerolog.Logger

	// lock is the write lock: every mutation of store goes through Mutate.
	// The dispose funcs below are guarded by it as well.
	lock              sync.Mutex
	disposeInit       func()
	disposeMembership func()
	disposeBroadcast  func()
	// synced holds the viewers that already got a snapshot from this
	// connection. Only they receive store-update.
	synced map[string]struct{}
	// superseded is set once a newer connection for the same device
	// registered. Guarded by lock.
	superseded bool

	viewersSeen  atomic.Int64
	sessionID    atomic.Int64
	sessionReady chan struct{}
	teardownOnce sync.Once
}

func newDeviceConn(h *Hub, id string, sock transport.Socket, clientVersion int, log zerolog.Logger) *DeviceConn {
	return &DeviceConn{
		hub:           h,
		id:            id,
		fp:            Fingerprint(id),
		sock:          sock,
		store:         state.New(),
		clientVersion: clientVersion,
		connectedAt:   time.Now().UTC(),
		log:           log,
		synced:        make(map[string]struct{}),
		sessionReady:  make(chan struct{}),
	}
}

func (dc *DeviceConn) ID() string          { return dc.id }
func (dc *DeviceConn) Fingerprint() string { return dc.fp }
func (dc *DeviceConn) ConnID() string      { return dc.sock.ID() }

// Store exposes the container for reads. Write through Mutate.
func (dc *DeviceConn) Store() *state.Store { return dc.store }

// Mutate runs fn with the write lock held. Device updates and viewer edits
// both come through here, so their mutations never interleave.
func (dc *DeviceConn) Mutate(fn func(*state.Store) error) error {
	dc.lock.Lock()
	defer dc.lock.Unlock()
	return fn(dc.store)
}

func (dc *DeviceConn) register() {
	h := dc.hub
	n := h.counter.Inc()

	h.mu.Lock()
	prev, hadPrev := h.devices[dc.id]
	h.devices[dc.id] = dc
	h.mu.Unlock()
	if hadPrev && prev != dc {
		dc.log.Warn().Str("previous", prev.ConnID()).Msg("device reconnected before its old connection closed")
		prev.supersede()
	}
	h.registry.Ensure(dc.id)

	_ = dc.Mutate(func(s *state.Store) error {
		err := s.SetConnectionState(state.Connected)
		dc.disposeInit = s.WhenInitialized(dc.onInitialized)
		return err
	})

	dc.sock.On(protocol.EventStorePatch, func(m *transport.Message) { dc.applyPatch("device", m) })
	dc.sock.On(protocol.EventLatencyCheck, func(m *transport.Message) {
		if m.WantsAck() {
			_ = m.Ack(nil)
		}
	})

	if h.recorder != nil {
		go dc.openSession()
	} else {
		close(dc.sessionReady)
	}
	h.fireIntegrations(Registration{
		DeviceID:      dc.id,
		DeviceFP:      dc.fp,
		ConnID:        dc.ConnID(),
		ClientVersion: dc.clientVersion,
		At:            dc.connectedAt,
	}, dc.log)
	h.events.PublishEvent(watchhub.Event{Type: watchhub.DeviceConnected, Device: dc.fp, Conn: dc.ConnID()})
	dc.log.Info().Int("client_version", dc.clientVersion).Int64("connections", n).Msg("device registered")

	// Last, so a disconnect that arrived during registration tears down a
	// fully registered connection.
	dc.sock.OnClose(dc.teardown)
}

// onInitialized runs under the write lock, from whichever mutation flipped
// the initialized flag.
func (dc *DeviceConn) onInitialized() {
	if dc.superseded {
		return
	}
	existing, dispose := dc.hub.registry.ObserveMembership(dc.id, dc.viewerJoined)
	for _, v := range existing {
		dc.sendInit(v)
	}
	dc.disposeBroadcast = Arm(dc.store, dc.broadcast)
	dc.disposeMembership = dispose

	dc.log.Info().Int("viewers", len(existing)).Msg("device initialized")
	dc.hub.events.PublishEvent(watchhub.Event{Type: watchhub.DeviceInitialized, Device: dc.fp, Conn: dc.ConnID()})
}

// viewerJoined initializes a viewer that subscribed after the device did.
// Taking the write lock orders the snapshot against in-flight mutations.
func (dc *DeviceConn) viewerJoined(v transport.Socket) {
	dc.lock.Lock()
	defer dc.lock.Unlock()
	if dc.superseded || !dc.store.IsInitialized() {
		return
	}
	dc.sendInit(v)
}

// supersede detaches a connection that a newer one for the same device has
// replaced. Its socket is closed; its viewers now belong to the newer
// connection and must not hear from this one again.
func (dc *DeviceConn) supersede() {
	dc.lock.Lock()
	dc.superseded = true
	fns := []func(){dc.disposeInit, dc.disposeMembership, dc.disposeBroadcast}
	dc.disposeInit, dc.disposeMembership, dc.disposeBroadcast = nil, nil, nil
	dc.synced = make(map[string]struct{})
	dc.lock.Unlock()

	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
	_ = dc.sock.Close()
}

func (dc *DeviceConn) applyPatch(source string, m *transport.Message) {
	var p protocol.StorePatch
	if err := m.Decode(&p); err != nil {
		dc.hub.metrics.mutations.WithLabelValues(source, "invalid").Inc()
		dc.log.Warn().Err(err).Str("source", source).Msg("invalid patch payload")
		if m.WantsAck() {
			_ = m.Ack(protocol.EditResult{Error: err.Error()})
		}
		return
	}

	err := dc.Mutate(func(s *state.Store) error { return s.Apply(p.Changes...) })
	result := protocol.EditResult{OK: err == nil}
	if err != nil {
		result.Error = err.Error()
		dc.hub.metrics.mutations.WithLabelValues(source, "rejected").Inc()
		dc.log.Debug().Err(err).Str("source", source).Msg("patch rejected")
	} else {
		dc.hub.metrics.mutations.WithLabelValues(source, "ok").Inc()
	}
	if m.WantsAck() {
		_ = m.Ack(result)
	}
}

// teardown releases everything the connection holds. Each step runs on its
// own so one failing step cannot skip the rest.
func (dc *DeviceConn) teardown() {
	dc.teardownOnce.Do(func() {
		h := dc.hub
		var remaining int64

		dc.step("counter", func() { remaining = h.counter.Dec() })
		dc.step("mark offline", func() {
			_ = dc.Mutate(func(s *state.Store) error {
				if dc.superseded {
					return nil
				}
				return s.Apply(
					state.Change{Op: state.OpAdd, Path: state.PathInitialized, Value: false},
					state.Change{Op: state.OpAdd, Path: state.PathConnectionState, Value: string(state.Offline)},
				)
			})
		})
		dc.step("dispose observers", func() {
			dc.lock.Lock()
			fns := []func(){dc.disposeInit, dc.disposeMembership, dc.disposeBroadcast}
			dc.disposeInit, dc.disposeMembership, dc.disposeBroadcast = nil, nil, nil
			dc.lock.Unlock()
			for _, fn := range fns {
				if fn != nil {
					fn()
				}
			}
		})
		dc.step("unindex", func() {
			h.mu.Lock()
			if h.devices[dc.id] == dc {
				delete(h.devices, dc.id)
			}
			h.mu.Unlock()
		})
		dc.step("session", func() {
			if h.recorder != nil {
				go dc.closeSession()
			}
		})
		dc.step("events", func() {
			h.events.PublishEvent(watchhub.Event{Type: watchhub.DeviceDisconnected, Device: dc.fp, Conn: dc.ConnID()})
		})

		dc.log.Info().Int64("connections", remaining).Int64("viewers_seen", dc.viewersSeen.Load()).Msg("device disconnected")
	})
}

func (dc *DeviceConn) step(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			dc.log.Error().Str("step", name).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("teardown step failed")
		}
	}()
	fn()
}

func (dc *DeviceConn) openSession() {
	defer close(dc.sessionReady)
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	id, err := dc.hub.recorder.OpenSession(ctx, &store.Session{
		DeviceFP:      dc.fp,
		ConnID:        dc.ConnID(),
		ClientVersion: dc.clientVersion,
		BuildVersion:  dc.hub.build,
		ConnectedAt:   dc.connectedAt,
	})
	if err != nil {
		dc.log.Warn().Err(err).Msg("session not recorded")
		return
	}
	dc.sessionID.Store(id)
}

func (dc *DeviceConn) closeSession() {
	select {
	case <-dc.sessionReady:
	case <-time.After(recordTimeout):
		return
	}
	id := dc.sessionID.Load()
	if id == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := dc.hub.recorder.CloseSession(ctx, id, int(dc.viewersSeen.Load())); err != nil {
		dc.log.Warn().Err(err).Int64("session", id).Msg("session close not recorded")
	}
}
