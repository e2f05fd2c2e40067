// Package archive keeps closed rooms in SQLite so they remain auditable
// after the live store prunes them.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/knadh/parley/store"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a room is not in the archive.
var ErrNotFound = errors.New("room not archived")

// Config represents the archive configuration.
type Config struct {
	Enabled bool   `koanf:"enabled"`
	DSN     string `koanf:"dsn"`
}

var schema = []string{`
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		created_by TEXT NOT NULL,
		close_reason TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		closed_at INTEGER NOT NULL,
		data BLOB NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_rooms_topic ON rooms(topic);`,
	`CREATE INDEX IF NOT EXISTS idx_rooms_closed_at ON rooms(closed_at);`,
}

// Archive is a SQLite backed log of closed rooms.
type Archive struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (and creates, if needed) the archive database at dsn.
func Open(dsn string, l zerolog.Logger) (*Archive, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening archive: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	for _, q := range schema {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("error creating archive schema: %w", err)
		}
	}
	return &Archive{db: db, log: l}, nil
}

// Record upserts a closed room. Open rooms are ignored.
func (a *Archive) Record(ctx context.Context, r store.Room) error {
	if r.Status != store.StatusClosed {
		return nil
	}

	b, err := json.Marshal(r)
	if err != nil {
		return err
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO rooms (id, topic, created_by, close_reason, created_at, closed_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			close_reason = excluded.close_reason,
			closed_at = excluded.closed_at,
			data = excluded.data`,
		r.ID, r.Topic, r.CreatedBy, string(r.CloseReason),
		r.CreatedAt.UnixMilli(), r.ClosedAt.UnixMilli(), b)
	return err
}

// Get returns an archived room.
func (a *Archive) Get(ctx context.Context, id string) (store.Room, error) {
	var b []byte
	err := a.db.QueryRowContext(ctx, "SELECT data FROM rooms WHERE id = ?", id).Scan(&b)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Room{}, ErrNotFound
		}
		return store.Room{}, err
	}

	var r store.Room
	if err := json.Unmarshal(b, &r); err != nil {
		return store.Room{}, err
	}
	return r, nil
}

// Count returns the number of archived rooms.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&n)
	return n, err
}

// CountSince returns the number of rooms closed at or after t, per close
// reason.
func (a *Archive) CountSince(ctx context.Context, t time.Time) (map[store.CloseReason]int, error) {
	rows, err := a.db.QueryContext(ctx,
		"SELECT close_reason, COUNT(*) FROM rooms WHERE closed_at >= ? GROUP BY close_reason", t.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[store.CloseReason]int)
	for rows.Next() {
		var (
			reason string
			n      int
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		out[store.CloseReason(reason)] = n
	}
	return out, rows.Err()
}

// Run records every room that closes in s until ctx is cancelled.
func (a *Archive) Run(ctx context.Context, s store.Store) error {
	events, err := s.Subscribe(ctx, store.All)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type != store.EventClose {
				continue
			}
			if err := a.Record(ctx, ev.Room); err != nil {
				a.log.Error().Err(err).Str("room", ev.Room.ID).Msg("error archiving room")
			}
		}
	}
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
