package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/keiro/internal/model"
)

const (
	updateRetries    = 3
	updateRetryDelay = 10 * time.Millisecond
	// Bounds the wait on a run row locked by a long advance. Expiry raises
	// lock_not_available, which WithRetry treats as transient.
	runLockTimeout = "5s"
)

// CreateRun inserts a new run snapshot. Returns ErrConflict if the run exists.
func (db *DB) CreateRun(ctx context.Context, run *model.RunProgress) error {
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("storage: marshal run: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO runs (id, state, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.RunID, state, run.Version, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: run %s already exists", ErrConflict, run.RunID)
		}
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun loads the latest snapshot of a run.
func (db *DB) GetRun(ctx context.Context, runID uuid.UUID) (*model.RunProgress, error) {
	return getRun(ctx, db.pool, runID, "")
}

// UpdateRun applies fn to the run under a row lock and persists the result
// with an incremented version. If fn returns an error nothing is written.
// Serialization failures, deadlocks and lock timeouts are retried.
func (db *DB) UpdateRun(ctx context.Context, runID uuid.UUID, fn func(*model.RunProgress) error) (*model.RunProgress, error) {
	var out *model.RunProgress
	err := WithRetry(ctx, updateRetries, updateRetryDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin update run tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+runLockTimeout+"'"); err != nil {
			return fmt.Errorf("storage: set lock timeout: %w", err)
		}
		run, err := getRun(ctx, tx, runID, " FOR UPDATE")
		if err != nil {
			return err
		}
		if err := fn(run); err != nil {
			return err
		}
		run.Version++
		run.UpdatedAt = time.Now().UTC()

		state, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("storage: marshal run: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE runs SET state = $2, version = $3, updated_at = $4 WHERE id = $1`,
			runID, state, run.Version, run.UpdatedAt,
		); err != nil {
			return fmt.Errorf("storage: update run: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit update run: %w", err)
		}
		out = run
		return nil
	})
	return out, err
}

// ListRuns returns the most recently updated runs, newest first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]*model.RunProgress, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT state FROM runs ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.RunProgress
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		var run model.RunProgress
		if err := json.Unmarshal(state, &run); err != nil {
			return nil, fmt.Errorf("storage: decode run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getRun(ctx context.Context, q querier, runID uuid.UUID, suffix string) (*model.RunProgress, error) {
	var (
		state   []byte
		version int64
	)
	err := q.QueryRow(ctx, `SELECT state, version FROM runs WHERE id = $1`+suffix, runID).Scan(&state, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get run: %w", err)
	}
	var run model.RunProgress
	if err := json.Unmarshal(state, &run); err != nil {
		return nil, fmt.Errorf("storage: decode run %s: %w", runID, err)
	}
	run.Version = version
	if run.Subcontexts == nil {
		run.Subcontexts = make(map[string]*model.SubroutineContext)
	}
	return &run, nil
}
