// Package storage provides the durable sqlite-backed queue of channel
// messages and allocations described in spec.md section 6.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Message is one row of the messages table.
type Message struct {
	AppID     string
	ChannelID int
	Side      string
	Phase     string
	Body      string // hex-encoded, opaque to the store
	When      float64
}

// Store wraps a *sql.DB opened against an embedded sqlite database with the
// pragmas a single-process relay needs: WAL journaling so the actor
// goroutine's writes never block readers, and a busy timeout so a
// concurrent open (e.g. from a test helper) backs off instead of erroring.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and applies the
// production-safe pragmas.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory database for tests. A single connection is
// kept open so repeated ":memory:" opens don't each get their own database.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("storage: open memory: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	app_id     TEXT NOT NULL,
	channel_id INTEGER NOT NULL,
	side       TEXT NOT NULL,
	phase      TEXT NOT NULL,
	body       TEXT NOT NULL,
	"when"     REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_channel
	ON messages(app_id, channel_id, "when");

CREATE TABLE IF NOT EXISTS allocations (
	app_id     TEXT NOT NULL,
	channel_id INTEGER NOT NULL,
	side       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_allocations_channel
	ON allocations(app_id, channel_id);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordMessage appends a message and (re-)inserts the allocation row for
// its side, matching relay_server.py's render_POST: allocations are a
// multiset, deduplication happens only at deallocate time.
func (s *Store) RecordMessage(ctx context.Context, appID string, channelID int, side, phase, body string, when time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (app_id, channel_id, side, phase, body, "when") VALUES (?, ?, ?, ?, ?, ?)`,
		appID, channelID, side, phase, body, float64(when.UnixNano())/1e9)
	if err != nil {
		return fmt.Errorf("storage: insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO allocations (app_id, channel_id, side) VALUES (?, ?, ?)`,
		appID, channelID, side)
	if err != nil {
		return fmt.Errorf("storage: insert allocation: %w", err)
	}

	return tx.Commit()
}

// InsertAllocation records that side claims channelID without posting a
// message (used by allocate).
func (s *Store) InsertAllocation(ctx context.Context, appID string, channelID int, side string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO allocations (app_id, channel_id, side) VALUES (?, ?, ?)`,
		appID, channelID, side)
	if err != nil {
		return fmt.Errorf("storage: insert allocation: %w", err)
	}
	return nil
}

// Messages returns all messages for a channel ordered by timestamp ascending.
func (s *Store) Messages(ctx context.Context, appID string, channelID int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT app_id, channel_id, side, phase, body, "when" FROM messages
		 WHERE app_id = ? AND channel_id = ? ORDER BY "when" ASC`,
		appID, channelID)
	if err != nil {
		return nil, fmt.Errorf("storage: select messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.AppID, &m.ChannelID, &m.Side, &m.Phase, &m.Body, &m.When); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AllocatedChannelIDs returns the distinct channel ids with at least one
// allocation row for appID.
func (s *Store) AllocatedChannelIDs(ctx context.Context, appID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT channel_id FROM allocations WHERE app_id = ?`, appID)
	if err != nil {
		return nil, fmt.Errorf("storage: select allocated: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan channel id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteAllocation removes all allocation rows for (appID, channelID, side)
// and returns the number of allocation rows still remaining for the channel.
func (s *Store) DeleteAllocation(ctx context.Context, appID string, channelID int, side string) (remaining int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM allocations WHERE app_id = ? AND channel_id = ? AND side = ?`,
		appID, channelID, side); err != nil {
		return 0, fmt.Errorf("storage: delete allocation: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM allocations WHERE app_id = ? AND channel_id = ?`,
		appID, channelID)
	if err := row.Scan(&remaining); err != nil {
		return 0, fmt.Errorf("storage: count allocations: %w", err)
	}

	return remaining, tx.Commit()
}

// DeleteChannel atomically deletes all messages and allocations for a
// channel, per spec.md section 3's invariant.
func (s *Store) DeleteChannel(ctx context.Context, appID string, channelID int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE app_id = ? AND channel_id = ?`, appID, channelID); err != nil {
		return fmt.Errorf("storage: delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM allocations WHERE app_id = ? AND channel_id = ?`, appID, channelID); err != nil {
		return fmt.Errorf("storage: delete allocations: %w", err)
	}
	return tx.Commit()
}

// LastMessageTime returns the timestamp of the newest message in a channel,
// and ok=false if the channel has no messages.
func (s *Store) LastMessageTime(ctx context.Context, appID string, channelID int) (t time.Time, ok bool, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT "when" FROM messages WHERE app_id = ? AND channel_id = ? ORDER BY "when" DESC LIMIT 1`,
		appID, channelID)
	var when float64
	if err := row.Scan(&when); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("storage: last message time: %w", err)
	}
	sec := int64(when)
	nsec := int64((when - float64(sec)) * 1e9)
	return time.Unix(sec, nsec), true, nil
}

// Apps returns the distinct app ids that currently have at least one
// allocation row. Used by Registry.Seed to rebuild in-memory state from the
// durable store on startup.
func (s *Store) Apps(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT app_id FROM allocations`)
	if err != nil {
		return nil, fmt.Errorf("storage: select apps: %w", err)
	}
	defer rows.Close()

	var apps []string
	for rows.Next() {
		var app string
		if err := rows.Scan(&app); err != nil {
			return nil, fmt.Errorf("storage: scan app: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// ChannelSides returns the distinct sides with an allocation row for
// (appID, channelID). Used by Registry.Seed to rebuild each channel's side
// set, since the allocations table itself is a multiset.
func (s *Store) ChannelSides(ctx context.Context, appID string, channelID int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT side FROM allocations WHERE app_id = ? AND channel_id = ?`,
		appID, channelID)
	if err != nil {
		return nil, fmt.Errorf("storage: select channel sides: %w", err)
	}
	defer rows.Close()

	var sides []string
	for rows.Next() {
		var side string
		if err := rows.Scan(&side); err != nil {
			return nil, fmt.Errorf("storage: scan side: %w", err)
		}
		sides = append(sides, side)
	}
	return sides, rows.Err()
}
