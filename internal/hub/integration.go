package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jsherman999/statehub/internal/store"
)

// Registration describes a device that just completed registration.
type Registration struct {
	DeviceID      string
	DeviceFP      string
	ConnID        string
	ClientVersion int
	At            time.Time
}

// Integration is a third-party hook run once per registered device. Calls
// are fire-and-forget: the hub logs failures and moves on.
type Integration interface {
	Name() string
	DeviceRegistered(ctx context.Context, reg Registration) error
}

// SessionRecorder keeps the connection history. *store.Store implements it.
type SessionRecorder interface {
	OpenSession(ctx context.Context, sess *store.Session) (int64, error)
	CloseSession(ctx context.Context, id int64, viewersSeen int) error
}

// Webhook posts each registration to a URL. Only the fingerprint leaves the
// process.
type Webhook struct {
	URL    string
	Client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) DeviceRegistered(ctx context.Context, reg Registration) error {
	body, err := json.Marshal(map[string]any{
		"event":          "device_registered",
		"device":         reg.DeviceFP,
		"conn_id":        reg.ConnID,
		"client_version": reg.ClientVersion,
		"at":             reg.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
