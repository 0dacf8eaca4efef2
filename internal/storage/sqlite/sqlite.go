// Package sqlite is a single-file run store for local use and tests. It
// satisfies the same contract as the PostgreSQL store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/keiro/internal/model"
	"github.com/ashita-ai/keiro/internal/storage"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    state       TEXT NOT NULL,
    version     INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_updated_at_idx ON runs (updated_at);
CREATE TABLE IF NOT EXISTS events (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    event_type      TEXT NOT NULL,
    occurred_at     TEXT NOT NULL,
    correlation_id  TEXT NOT NULL,
    body            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_correlation_idx ON events (correlation_id, seq)
`

// Store keeps runs and events in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. Use ":memory:" for a
// throwaway store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	// One connection serializes writers, which is what per-run locking needs,
	// and keeps an in-memory database alive across calls.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: apply pragma %q: %w", stmt, err)
		}
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	for _, raw := range strings.Split(schemaSQL, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w (statement=%q)", err, stmt)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// CreateRun inserts a new run. Returns storage.ErrConflict if it exists.
func (s *Store) CreateRun(ctx context.Context, run *model.RunProgress) error {
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("sqlite: marshal run: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, state, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		run.RunID.String(), string(state), run.Version, formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s already exists", storage.ErrConflict, run.RunID)
	}
	return nil
}

// GetRun loads a run.
func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (*model.RunProgress, error) {
	return getRun(ctx, s.db, runID)
}

// UpdateRun applies fn to the run inside a transaction and persists the
// result with an incremented version.
func (s *Store) UpdateRun(ctx context.Context, runID uuid.UUID, fn func(*model.RunProgress) error) (*model.RunProgress, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin update run tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run, err := getRun(ctx, tx, runID)
	if err != nil {
		return nil, err
	}
	if err := fn(run); err != nil {
		return nil, err
	}
	run.Version++
	run.UpdatedAt = time.Now().UTC()

	state, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("sqlite: marshal run: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET state = ?, version = ?, updated_at = ? WHERE id = ?`,
		string(state), run.Version, formatTime(run.UpdatedAt), runID.String(),
	); err != nil {
		return nil, fmt.Errorf("sqlite: update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit update run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recently updated runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*model.RunProgress, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM runs ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*model.RunProgress
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		var run model.RunProgress
		if err := json.Unmarshal([]byte(state), &run); err != nil {
			return nil, fmt.Errorf("sqlite: decode run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// InsertEvents stores events in one transaction.
func (s *Store) InsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin insert events tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (id, event_type, occurred_at, correlation_id, body) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prepare insert events: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	var n int64
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("sqlite: marshal event: %w", err)
		}
		res, err := stmt.ExecContext(ctx, e.ID.String(), e.Type, formatTime(e.Timestamp), e.CorrelationID, string(body))
		if err != nil {
			return 0, fmt.Errorf("sqlite: insert event: %w", err)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit events: %w", err)
	}
	return n, nil
}

// ListEvents returns stored events in insertion order.
func (s *Store) ListEvents(ctx context.Context, f storage.EventFilter) ([]model.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	since := ""
	if f.Since != nil {
		since = formatTime(*f.Since)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM events
		 WHERE (? = '' OR correlation_id = ?)
		   AND (? = '' OR event_type = ?)
		   AND (? = '' OR occurred_at >= ?)
		 ORDER BY seq ASC
		 LIMIT ?`,
		f.CorrelationID, f.CorrelationID, f.Type, f.Type, since, since, f.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		var e model.Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("sqlite: decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeEvents deletes events that occurred before cutoff.
func (s *Store) PurgeEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE occurred_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge events: %w", err)
	}
	return res.RowsAffected()
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRun(ctx context.Context, q rowQuerier, runID uuid.UUID) (*model.RunProgress, error) {
	var (
		state   string
		version int64
	)
	err := q.QueryRowContext(ctx, `SELECT state, version FROM runs WHERE id = ?`, runID.String()).Scan(&state, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", storage.ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get run: %w", err)
	}
	var run model.RunProgress
	if err := json.Unmarshal([]byte(state), &run); err != nil {
		return nil, fmt.Errorf("sqlite: decode run %s: %w", runID, err)
	}
	run.Version = version
	if run.Subcontexts == nil {
		run.Subcontexts = make(map[string]*model.SubroutineContext)
	}
	return &run, nil
}

// formatTime produces lexically sortable UTC timestamps.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}
