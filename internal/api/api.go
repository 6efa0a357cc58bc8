package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jsherman999/statehub/internal/exporter"
	"github.com/jsherman999/statehub/internal/hub"
	"github.com/jsherman999/statehub/internal/protocol"
	"github.com/jsherman999/statehub/internal/transport"
	"github.com/jsherman999/statehub/internal/watchhub"
	"github.com/jsherman999/statehub/internal/webui"
)

type Options struct {
	Hub    *hub.Hub
	Events *watchhub.Hub
	// Sessions is nil when no database is configured.
	Sessions  exporter.SessionLister
	Gatherer  prometheus.Gatherer
	Transport transport.Options
	Logger    zerolog.Logger
}

type API struct {
	hub       *hub.Hub
	events    *watchhub.Hub
	sessions  exporter.SessionLister
	gatherer  prometheus.Gatherer
	transport transport.Options
	log       zerolog.Logger
	upgrader  websocket.Upgrader
}

func New(opts Options) *API {
	return &API{
		hub:       opts.Hub,
		events:    opts.Events,
		sessions:  opts.Sessions,
		gatherer:  opts.Gatherer,
		transport: opts.Transport,
		log:       opts.Logger.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.hub.Stats())
	})

	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	// Device connections. The path itself is the namespace.
	r.Get("/ingest/{deviceID}", a.serveDevice)
	r.Get("/view/{deviceID}", a.serveViewer)

	// SSE stream of device and viewer lifecycle events.
	r.Get("/watch/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", 500)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch := a.events.Subscribe(256)
		defer a.events.Unsubscribe(ch)

		_, _ = w.Write([]byte(": ok\n\n"))
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case b, ok := <-ch:
				if !ok {
					return
				}
				_, _ = w.Write([]byte("data: "))
				_, _ = w.Write(b)
				_, _ = w.Write([]byte("\n\n"))
				flusher.Flush()
			}
		}
	})

	r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		if a.sessions == nil {
			http.Error(w, "session history disabled", http.StatusNotFound)
			return
		}
		sessions, err := a.sessions.ListSessions(r.Context(), r.URL.Query().Get("device"), limitParam(r, 200))
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		writeJSON(w, sessions)
	})

	// GET /sessions/export?format=json|csv&device=<fingerprint>
	r.Get("/sessions/export", func(w http.ResponseWriter, r *http.Request) {
		if a.sessions == nil {
			http.Error(w, "session history disabled", http.StatusNotFound)
			return
		}
		q := r.URL.Query()
		format := q.Get("format")
		if format != "" && format != "json" && format != "csv" {
			http.Error(w, "unknown format", 400)
			return
		}
		b, ct, err := exporter.Export(r.Context(), a.sessions, format, q.Get("device"), limitParam(r, 10000))
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(200)
		_, _ = w.Write(b)
	})

	ui, uiErr := webui.Handler()
	if uiErr == nil {
		r.Handle("/*", ui)
	}

	return r
}

func (a *API) serveDevice(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Path
	if _, err := hub.ParseNamespace(namespace); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	conn, ok := a.upgrade(w, r)
	if !ok {
		return
	}

	go func() {
		_, err := a.hub.ConnectDevice(context.Background(), namespace, conn)
		switch {
		case err == nil:
		case errors.Is(err, hub.ErrLegacyDevice):
			// Legacy devices stay connected, just unregistered.
		default:
			a.log.Warn().Err(err).Str("conn", conn.ID()).Msg("device rejected")
			_ = conn.Close()
		}
	}()
}

func (a *API) serveViewer(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if !hub.ValidIdentifier(deviceID) {
		http.Error(w, "bad device id", 400)
		return
	}
	conn, ok := a.upgrade(w, r)
	if !ok {
		return
	}
	if err := a.hub.AttachViewer(deviceID, conn); err != nil {
		a.log.Warn().Err(err).Str("conn", conn.ID()).Msg("viewer rejected")
		_ = conn.Close()
	}
}

// upgrade switches the request to a websocket using the codec named by the
// encoding query parameter. Inbound events are held until the hub has
// installed its handlers.
func (a *API) upgrade(w http.ResponseWriter, r *http.Request) (*transport.Conn, bool) {
	codec, err := protocol.ByName(r.URL.Query().Get("encoding"))
	if err != nil {
		http.Error(w, err.Error(), 400)
		return nil, false
	}
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug().Err(err).Msg("websocket upgrade failed")
		return nil, false
	}
	opts := a.transport
	opts.Buffered = true
	conn := transport.NewConn(ws, codec, a.log, opts)
	conn.Start()
	return conn, true
}

func limitParam(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			return v
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
