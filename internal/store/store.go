// Package store keeps the device session history in Postgres. It records
// who connected and when; device state itself is never written here.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jsherman999/statehub/internal/db"
)

type Store struct{ db *db.DB }

func New(d *db.DB) *Store { return &Store{db: d} }

// Session is one accepted device connection. Devices are identified by
// fingerprint only.
type Session struct {
	ID             int64      `json:"id"`
	DeviceFP       string     `json:"device_fp"`
	ConnID         string     `json:"conn_id"`
	ClientVersion  int        `json:"client_version"`
	BuildVersion   string     `json:"build_version"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at"`
	ViewersSeen    int        `json:"viewers_seen"`
}

func (s *Store) OpenSession(ctx context.Context, sess *Session) (int64, error) {
	var id int64
	err := s.db.Pool.QueryRow(ctx, `
INSERT INTO device_sessions(device_fp, conn_id, client_version, build_version, connected_at)
VALUES ($1,$2,$3,$4,$5)
RETURNING id;
`, sess.DeviceFP, sess.ConnID, sess.ClientVersion, sess.BuildVersion, sess.ConnectedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("open session: %w", err)
	}
	return id, nil
}

func (s *Store) CloseSession(ctx context.Context, id int64, viewersSeen int) error {
	_, err := s.db.Pool.Exec(ctx, `UPDATE device_sessions SET disconnected_at=now(), viewers_seen=$2 WHERE id=$1 AND disconnected_at IS NULL`, id, viewersSeen)
	if err != nil {
		return fmt.Errorf("close session %d: %w", id, err)
	}
	return nil
}

// CloseDangling marks sessions left open by a previous process as closed.
// The hub is in-memory, so none of them can still be live at startup.
func (s *Store) CloseDangling(ctx context.Context) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `UPDATE device_sessions SET disconnected_at=now() WHERE disconnected_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("close dangling sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListSessions returns the newest sessions first. An empty fingerprint lists
// every device.
func (s *Store) ListSessions(ctx context.Context, deviceFP string, limit int) ([]Session, error) {
	rows, err := s.db.Pool.Query(ctx, `
SELECT id, device_fp, conn_id, client_version, build_version, connected_at, disconnected_at, viewers_seen
FROM device_sessions
WHERE ($1::text = '' OR device_fp = $1)
ORDER BY connected_at DESC
LIMIT $2
`, deviceFP, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.DeviceFP, &sess.ConnID, &sess.ClientVersion, &sess.BuildVersion, &sess.ConnectedAt, &sess.DisconnectedAt, &sess.ViewersSeen); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
