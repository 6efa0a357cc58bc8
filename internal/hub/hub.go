// Package hub keeps each device's state synchronized with the viewers
// subscribed to it. A device connects under /ingest/{identifier}, proves it
// speaks the handshake, and from then on owns a state container. Viewers
// join by identifier; they get a scrubbed snapshot once the device is
// initialized and incremental change records after that.
package hub

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jsherman999/statehub/internal/handshake"
	"github.com/jsherman999/statehub/internal/protocol"
	"github.com/jsherman999/statehub/internal/registry"
	"github.com/jsherman999/statehub/internal/state"
	"github.com/jsherman999/statehub/internal/transport"
	"github.com/jsherman999/statehub/internal/watchhub"
)

var (
	ErrInvalidNamespace = errors.New("hub: namespace must be /ingest/{identifier}")
	// ErrLegacyDevice is not a failure: the device simply predates the
	// handshake and is left unregistered.
	ErrLegacyDevice  = errors.New("hub: device did not complete handshake")
	ErrDeviceOffline = errors.New("hub: device not connected")
)

const defaultIntegrationTimeout = 10 * time.Second

type Options struct {
	HandshakeTimeout   time.Duration
	BuildVersion       string
	Logger             zerolog.Logger
	Metrics            *Metrics
	Recorder           SessionRecorder
	Integrations       []Integration
	IntegrationTimeout time.Duration
	Events             *watchhub.Hub
}

type Hub struct {
	log                zerolog.Logger
	negotiator         *handshake.Negotiator
	registry           *registry.Registry
	counter            *Counter
	metrics            *Metrics
	recorder           SessionRecorder
	integrations       []Integration
	integrationTimeout time.Duration
	events             *watchhub.Hub
	build              string

	mu      sync.RWMutex
	devices map[string]*DeviceConn
}

func New(opts Options) *Hub {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.IntegrationTimeout <= 0 {
		opts.IntegrationTimeout = defaultIntegrationTimeout
	}
	return &Hub{
		log:                opts.Logger.With().Str("component", "hub").Logger(),
		negotiator:         handshake.New(opts.HandshakeTimeout, opts.BuildVersion),
		registry:           registry.New(),
		counter:            NewCounter(opts.Metrics.connections),
		metrics:            opts.Metrics,
		recorder:           opts.Recorder,
		integrations:       opts.Integrations,
		integrationTimeout: opts.IntegrationTimeout,
		events:             opts.Events,
		build:              opts.BuildVersion,
		devices:            make(map[string]*DeviceConn),
	}
}

func (h *Hub) Registry() *registry.Registry { return h.registry }

// Connections is the process-wide count of registered device connections.
func (h *Hub) Connections() int64 { return h.counter.Value() }

// Device returns the active connection for deviceID.
func (h *Hub) Device(deviceID string) (*DeviceConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	dc, ok := h.devices[deviceID]
	return dc, ok
}

func (h *Hub) HasDevice(deviceID string) bool {
	_, ok := h.Device(deviceID)
	return ok
}

type Stats struct {
	Devices     int   `json:"devices"`
	Connections int64 `json:"connections"`
	Entries     int   `json:"registry_entries"`
	Viewers     int   `json:"viewers"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	devices := len(h.devices)
	h.mu.RUnlock()
	entries, viewers := h.registry.Stats()
	return Stats{Devices: devices, Connections: h.counter.Value(), Entries: entries, Viewers: viewers}
}

// ConnectDevice runs a new device connection through handshake and
// registration. It returns once the device is registered, or with
// ErrLegacyDevice if the handshake never came. The socket's inbound
// buffering is released on return.
func (h *Hub) ConnectDevice(ctx context.Context, namespace string, sock transport.Socket) (*DeviceConn, error) {
	defer sock.Release()

	id, err := ParseNamespace(namespace)
	if err != nil {
		return nil, err
	}
	fp := Fingerprint(id)
	log := h.log.With().Str("device", fp).Str("conn", sock.ID()).Logger()

	res := h.negotiator.Run(ctx, sock, state.Connected)
	h.metrics.handshakes.WithLabelValues(res.Outcome.String()).Inc()
	if !res.Accepted() {
		log.Info().Str("outcome", res.Outcome.String()).Msg("no handshake, treating device as legacy")
		h.events.PublishEvent(watchhub.Event{Type: watchhub.DeviceLegacy, Device: fp, Conn: sock.ID(), Detail: res.Outcome.String()})
		return nil, fmt.Errorf("%w: %s", ErrLegacyDevice, res.Outcome)
	}

	if res.PayloadErr != nil {
		log.Debug().Err(res.PayloadErr).Msg("unreadable handshake payload, client version unknown")
	}

	dc := newDeviceConn(h, id, sock, res.ClientVersion, log)
	dc.register()
	return dc, nil
}

// AttachViewer subscribes sock to deviceID. If the device is already
// initialized the viewer gets its snapshot right away; otherwise it waits
// for the device.
func (h *Hub) AttachViewer(deviceID string, sock transport.Socket) error {
	defer sock.Release()
	if !ValidIdentifier(deviceID) {
		return ErrInvalidNamespace
	}
	fp := Fingerprint(deviceID)
	log := h.log.With().Str("device", fp).Str("viewer", sock.ID()).Logger()

	coll := h.registry.Join(deviceID, sock)
	h.metrics.viewers.Inc()
	log.Debug().Int("viewers", coll.Len()).Msg("viewer joined")
	h.events.PublishEvent(watchhub.Event{Type: watchhub.ViewerJoined, Device: fp, Conn: sock.ID()})

	sock.On(protocol.EventStoreEdit, func(m *transport.Message) {
		dc, ok := h.Device(deviceID)
		if !ok {
			h.metrics.mutations.WithLabelValues("viewer", "offline").Inc()
			if m.WantsAck() {
				_ = m.Ack(protocol.EditResult{Error: ErrDeviceOffline.Error()})
			}
			return
		}
		dc.applyPatch("viewer", m)
	})
	sock.OnClose(func() {
		coll.Remove(sock)
		h.metrics.viewers.Dec()
		log.Debug().Msg("viewer left")
		h.events.PublishEvent(watchhub.Event{Type: watchhub.ViewerLeft, Device: fp, Conn: sock.ID()})
	})
	return nil
}

func (h *Hub) fireIntegrations(reg Registration, log zerolog.Logger) {
	for _, ig := range h.integrations {
		go func(ig Integration) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("integration", ig.Name()).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("integration panicked")
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), h.integrationTimeout)
			defer cancel()
			if err := ig.DeviceRegistered(ctx, reg); err != nil {
				log.Warn().Err(err).Str("integration", ig.Name()).Msg("integration failed")
			}
		}(ig)
	}
}
