package exporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jsherman999/statehub/internal/store"
)

// SessionLister is the read side of the session history.
type SessionLister interface {
	ListSessions(ctx context.Context, deviceFP string, limit int) ([]store.Session, error)
}

type SessionExport struct {
	Sessions []store.Session `json:"sessions"`
}

// Export renders sessions in format ("json" or "csv") and returns the body
// with its content type.
func Export(ctx context.Context, st SessionLister, format, deviceFP string, limit int) ([]byte, string, error) {
	switch format {
	case "", "json":
		return ExportSessionsJSON(ctx, st, deviceFP, limit)
	case "csv":
		return ExportSessionsCSV(ctx, st, deviceFP, limit)
	default:
		return nil, "", fmt.Errorf("unknown format %q (use json|csv)", format)
	}
}

func ExportSessionsJSON(ctx context.Context, st SessionLister, deviceFP string, limit int) ([]byte, string, error) {
	sessions, err := st.ListSessions(ctx, deviceFP, limit)
	if err != nil {
		return nil, "", err
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	b, err := json.MarshalIndent(SessionExport{Sessions: sessions}, "", "  ")
	if err != nil {
		return nil, "", err
	}
	return b, "application/json", nil
}

func ExportSessionsCSV(ctx context.Context, st SessionLister, deviceFP string, limit int) ([]byte, string, error) {
	sessions, err := st.ListSessions(ctx, deviceFP, limit)
	if err != nil {
		return nil, "", err
	}
	buf := new(bytes.Buffer)
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"id", "device_fp", "conn_id", "client_version", "build_version", "connected_at", "disconnected_at", "viewers_seen"})
	for _, s := range sessions {
		disconnected := ""
		if s.DisconnectedAt != nil {
			disconnected = s.DisconnectedAt.Format(time.RFC3339)
		}
		_ = w.Write([]string{
			strconv.FormatInt(s.ID, 10),
			s.DeviceFP,
			s.ConnID,
			strconv.Itoa(s.ClientVersion),
			s.BuildVersion,
			s.ConnectedAt.Format(time.RFC3339),
			disconnected,
			strconv.Itoa(s.ViewersSeen),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "text/csv", nil
}
