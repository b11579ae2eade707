package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// RecordEvent appends a row to the events table: a small append-only log of
// operational occurrences (config reload, key rotation, provider health
// change) surfaced by the admin API's /api/events feed.
func (s *Store) RecordEvent(ctx context.Context, kind, payload string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO events (id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), kind, nullStr(payload), timeToStr(time.Now()),
	)
	return err
}

// Event is one row of the operational event feed.
type Event struct {
	ID        string
	Kind      string
	Payload   string
	CreatedAt time.Time
}

// ListEvents returns the most recent events, newest first.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, kind, payload, created_at FROM events ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payload sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Kind, &payload, &createdAt); err != nil {
			return nil, err
		}
		e.Payload = payload.String
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
