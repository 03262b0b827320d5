// Package capture tracks capture sessions: one record per streamed recording,
// correlated 1:1 with the lifetime of a peripheral session once it starts
// producing frames.
package capture

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrelaudio/kestrel/internal/store"
)

// Handle identifies one open capture. The ID doubles as the capture UUID the
// uplink server keys its stream on.
type Handle struct {
	ID         string
	DeviceName string
	StartedAt  time.Time
}

// Record is one capture row, live or finished.
type Record struct {
	ID         string     `json:"id"`
	DeviceName string     `json:"device_name"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Registry persists capture sessions. All exported methods are safe for
// concurrent use (the DB serialises writers).
type Registry struct {
	db  *store.DB
	log *zap.Logger
}

// NewRegistry returns a Registry backed by db.
func NewRegistry(db *store.DB, log *zap.Logger) *Registry {
	return &Registry{db: db, log: log}
}

// Begin opens a capture keyed by the peripheral's display name at the time
// of first data.
func (r *Registry) Begin(deviceName string) (*Handle, error) {
	h := &Handle{
		ID:         uuid.NewString(),
		DeviceName: deviceName,
		StartedAt:  time.Now().UTC(),
	}
	_, err := r.db.Exec(
		`INSERT INTO captures (capture_id, device_name, started_at) VALUES (?, ?, ?)`,
		h.ID, h.DeviceName, h.StartedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("capture: begin: %w", err)
	}
	r.log.Info("capture opened",
		zap.String("capture_id", h.ID),
		zap.String("device", h.DeviceName),
	)
	return h, nil
}

// End closes a capture. Ending an already-ended or unknown capture is not an
// error; session teardown must be idempotent.
func (r *Registry) End(h *Handle) error {
	if h == nil {
		return nil
	}
	res, err := r.db.Exec(
		`UPDATE captures SET ended_at = ? WHERE capture_id = ? AND ended_at IS NULL`,
		time.Now().UTC().UnixMilli(), h.ID,
	)
	if err != nil {
		return fmt.Errorf("capture: end %s: %w", h.ID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.log.Info("capture closed", zap.String("capture_id", h.ID))
	}
	return nil
}

// List returns the most recent captures, newest first.
func (r *Registry) List(limit int) ([]*Record, error) {
	rows, err := r.db.Query(
		`SELECT capture_id, device_name, started_at, ended_at
		   FROM captures ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("capture: list: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var (
			rec     Record
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.DeviceName, &started, &ended); err != nil {
			return nil, fmt.Errorf("capture: scan: %w", err)
		}
		rec.StartedAt = time.UnixMilli(started).UTC()
		if ended.Valid {
			t := time.UnixMilli(ended.Int64).UTC()
			rec.EndedAt = &t
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
