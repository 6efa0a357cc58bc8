package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsherman999/statehub/internal/hub"
	"github.com/jsherman999/statehub/internal/protocol"
	"github.com/jsherman999/statehub/internal/state"
	"github.com/jsherman999/statehub/internal/store"
	"github.com/jsherman999/statehub/internal/watchhub"
)

type fakeSessions struct {
	sessions []store.Session
	err      error
}

func (f *fakeSessions) ListSessions(context.Context, string, int) ([]store.Session, error) {
	return f.sessions, f.err
}

type env struct {
	srv    *httptest.Server
	hub    *hub.Hub
	events *watchhub.Hub
}

func newEnv(t *testing.T, handshakeTimeout time.Duration, sessions *fakeSessions) *env {
	t.Helper()
	reg := prometheus.NewRegistry()
	events := watchhub.New()
	h := hub.New(hub.Options{
		HandshakeTimeout: handshakeTimeout,
		BuildVersion:     "9.9.9",
		Logger:           zerolog.Nop(),
		Metrics:          hub.NewMetrics(reg),
		Events:           events,
	})
	opts := Options{Hub: h, Events: events, Gatherer: reg, Logger: zerolog.Nop()}
	if sessions != nil {
		opts.Sessions = sessions
	}
	srv := httptest.NewServer(New(opts).Router())
	t.Cleanup(srv.Close)
	return &env{srv: srv, hub: h, events: events}
}

func (e *env) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, codec protocol.Codec, event string, id uint64, payload any) {
	t.Helper()
	b, err := codec.EncodeFrame(event, id, payload)
	require.NoError(t, err)
	typ := websocket.TextMessage
	if codec.Binary() {
		typ = websocket.BinaryMessage
	}
	require.NoError(t, c.WriteMessage(typ, b))
}

func read(t *testing.T, c *websocket.Conn, codec protocol.Codec) protocol.Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := c.ReadMessage()
	require.NoError(t, err)
	f, err := codec.DecodeFrame(b)
	require.NoError(t, err)
	return f
}

func TestHealthAndStats(t *testing.T) {
	e := newEnv(t, time.Second, nil)

	resp, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(e.srv.URL + "/stats")
	require.NoError(t, err)
	var st hub.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, hub.Stats{}, st)

	resp, err = http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "statehub_device_connections")
}

func TestSessions(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		e := newEnv(t, time.Second, nil)
		for _, p := range []string{"/sessions", "/sessions/export"} {
			resp, err := http.Get(e.srv.URL + p)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusNotFound, resp.StatusCode, p)
		}
	})

	t.Run("enabled", func(t *testing.T) {
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		e := newEnv(t, time.Second, &fakeSessions{sessions: []store.Session{{ID: 1, DeviceFP: "ff00", ConnID: "c", ConnectedAt: at}}})

		resp, err := http.Get(e.srv.URL + "/sessions?limit=5")
		require.NoError(t, err)
		var got []store.Session
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		resp.Body.Close()
		require.Len(t, got, 1)
		assert.Equal(t, "ff00", got[0].DeviceFP)

		resp, err = http.Get(e.srv.URL + "/sessions/export?format=csv")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
		assert.Contains(t, string(body), "1,ff00,c,")

		resp, err = http.Get(e.srv.URL + "/sessions/export?format=graphml")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, 400, resp.StatusCode)
	})

	t.Run("lister error", func(t *testing.T) {
		e := newEnv(t, time.Second, &fakeSessions{err: errors.New("db down")})
		resp, err := http.Get(e.srv.URL + "/sessions")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, 500, resp.StatusCode)
	})
}

func TestIngest_BadEncoding(t *testing.T) {
	e := newEnv(t, time.Second, nil)
	resp, err := http.Get(e.srv.URL + "/ingest/abc?encoding=xml")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}

func TestEndToEnd_JSON(t *testing.T) {
	e := newEnv(t, time.Second, nil)
	codec := protocol.JSON

	dev := e.dial(t, "/ingest/abc123")
	send(t, dev, codec, protocol.EventHandshake, 1, protocol.HandshakeRequest{Version: 1})
	f := read(t, dev, codec)
	require.Equal(t, protocol.EventAck, f.Event)
	assert.Equal(t, uint64(1), f.ID)
	var reply protocol.HandshakeReply
	require.NoError(t, codec.Unmarshal(f.Data, &reply))
	assert.Equal(t, protocol.HandshakeReply{ConnectionState: "connected", Version: "9.9.9"}, reply)

	viewer := e.dial(t, "/view/abc123")
	require.Eventually(t, func() bool { return e.hub.Stats().Viewers == 1 }, 2*time.Second, 5*time.Millisecond)

	send(t, dev, codec, protocol.EventStorePatch, 2, protocol.StorePatch{Changes: []state.Change{
		{Op: state.OpReplace, Path: state.PathCredential, Value: "s3cret"},
		{Op: state.OpAdd, Path: state.PathInitialized, Value: true},
	}})
	f = read(t, dev, codec)
	require.Equal(t, protocol.EventAck, f.Event)
	var res protocol.EditResult
	require.NoError(t, codec.Unmarshal(f.Data, &res))
	assert.True(t, res.OK)

	f = read(t, viewer, codec)
	require.Equal(t, protocol.EventStoreInit, f.Event)
	var snap map[string]any
	require.NoError(t, codec.Unmarshal(f.Data, &snap))
	assert.Equal(t, "", snap["config"].(map[string]any)["token"])
	assert.Equal(t, true, snap["isInitialized"])

	send(t, viewer, codec, protocol.EventStoreEdit, 7, protocol.StorePatch{Changes: []state.Change{
		{Op: state.OpAdd, Path: "/volume", Value: 4},
	}})
	got := map[string]protocol.Frame{}
	for i := 0; i < 2; i++ {
		f := read(t, viewer, codec)
		got[f.Event] = f
	}
	require.Contains(t, got, protocol.EventStoreUpdate)
	require.Contains(t, got, protocol.EventAck)
	assert.Equal(t, uint64(7), got[protocol.EventAck].ID)

	send(t, dev, codec, protocol.EventLatencyCheck, 3, nil)
	f = read(t, dev, codec)
	assert.Equal(t, protocol.EventAck, f.Event)
	assert.Equal(t, uint64(3), f.ID)

	require.NoError(t, dev.Close())
	require.Eventually(t, func() bool { return e.hub.Connections() == 0 }, 2*time.Second, 5*time.Millisecond)

	f = read(t, viewer, codec)
	require.Equal(t, protocol.EventStoreUpdate, f.Event)
	var p protocol.StorePatch
	require.NoError(t, codec.Unmarshal(f.Data, &p))
	assert.Len(t, p.Changes, 2)
}

func TestEndToEnd_CBOR(t *testing.T) {
	e := newEnv(t, time.Second, nil)
	codec := protocol.CBOR

	dev := e.dial(t, "/ingest/cbor-device?encoding=cbor")
	send(t, dev, codec, protocol.EventHandshake, 1, protocol.HandshakeRequest{Version: 3})
	f := read(t, dev, codec)
	require.Equal(t, protocol.EventAck, f.Event)
	var reply protocol.HandshakeReply
	require.NoError(t, codec.Unmarshal(f.Data, &reply))
	assert.Equal(t, "connected", reply.ConnectionState)

	send(t, dev, codec, protocol.EventStorePatch, 2, protocol.StorePatch{Changes: []state.Change{
		{Op: state.OpAdd, Path: state.PathInitialized, Value: true},
	}})
	read(t, dev, codec)

	viewer := e.dial(t, "/view/cbor-device")
	f = read(t, viewer, protocol.JSON)
	assert.Equal(t, protocol.EventStoreInit, f.Event)
}

func TestLegacyDeviceStaysConnected(t *testing.T) {
	e := newEnv(t, 50*time.Millisecond, nil)
	dev := e.dial(t, "/ingest/old-device")

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(0), e.hub.Connections())
	assert.False(t, e.hub.HasDevice("old-device"))

	send(t, dev, protocol.JSON, protocol.EventHandshake, 1, protocol.HandshakeRequest{Version: 1})
	_ = dev.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := dev.ReadMessage()
	var ne interface{ Timeout() bool }
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout(), "late handshake gets no reply")
}

func TestWatchEvents(t *testing.T) {
	e := newEnv(t, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/watch/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ok\n", line)

	dev := e.dial(t, "/ingest/sse-device")
	send(t, dev, protocol.JSON, protocol.EventHandshake, 1, protocol.HandshakeRequest{Version: 1})

	for {
		line, err = r.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev watchhub.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		if ev.Type != watchhub.DeviceConnected {
			continue
		}
		assert.Equal(t, hub.Fingerprint("sse-device"), ev.Device)
		assert.NotContains(t, line, "sse-device")
		return
	}
}

func TestWebUI(t *testing.T) {
	e := newEnv(t, time.Second, nil)
	resp, err := http.Get(e.srv.URL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(body), "statehub")
}
