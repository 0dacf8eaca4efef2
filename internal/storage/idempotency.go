package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrIdempotencyPayloadMismatch means a producer reused a key for a
	// different delivery to the same run and endpoint.
	ErrIdempotencyPayloadMismatch = errors.New("storage: idempotency key reused with different payload")
	// ErrIdempotencyInProgress means the first request with this key has not
	// finished yet.
	ErrIdempotencyInProgress = errors.New("storage: idempotency key in progress")
)

const (
	idemInProgress = "in_progress"
	idemCompleted  = "completed"
)

// IdempotencyLookup is what BeginIdempotency found. Completed records carry
// the response to replay.
type IdempotencyLookup struct {
	Completed    bool
	StatusCode   int
	ResponseData json.RawMessage
}

// BeginIdempotency claims (scope, endpoint, key) for a request whose body
// hashes to requestHash. A zero lookup and nil error mean the caller owns the
// key and must later call CompleteIdempotency or ClearInProgressIdempotency.
//
// In-progress claims are never taken over, even when old. A request that
// updated the run but died before completing must not be applied twice, so
// its key stays blocked until CleanupIdempotencyKeys expires it.
func (db *DB) BeginIdempotency(ctx context.Context, scope, endpoint, key, requestHash string) (IdempotencyLookup, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (scope, endpoint, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT DO NOTHING`,
		scope, endpoint, key, requestHash, idemInProgress,
	)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: claim idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return IdempotencyLookup{}, nil
	}

	var (
		hash, status string
		code         *int
		data         []byte
	)
	err = db.pool.QueryRow(ctx,
		`SELECT request_hash, status, status_code, response_data
		 FROM idempotency_keys
		 WHERE scope = $1 AND endpoint = $2 AND idempotency_key = $3`,
		scope, endpoint, key,
	).Scan(&hash, &status, &code, &data)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: read idempotency key: %w", err)
	}

	switch {
	case hash != requestHash:
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	case status != idemCompleted:
		return IdempotencyLookup{}, ErrIdempotencyInProgress
	}
	lookup := IdempotencyLookup{Completed: true, ResponseData: data}
	if code != nil {
		lookup.StatusCode = *code
	}
	return lookup, nil
}

// CompleteIdempotency stores the response for a key claimed by
// BeginIdempotency.
func (db *DB) CompleteIdempotency(ctx context.Context, scope, endpoint, key string, statusCode int, responseData any) error {
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("storage: encode idempotent response: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = $4, status_code = $5, response_data = $6::jsonb, updated_at = now()
		 WHERE scope = $1 AND endpoint = $2 AND idempotency_key = $3 AND status = $7`,
		scope, endpoint, key, idemCompleted, statusCode, payload, idemInProgress,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency key %q: %w", key, ErrNotFound)
	}
	return nil
}

// ClearInProgressIdempotency gives up a claim so the producer can retry.
// Completed records are left alone.
func (db *DB) ClearInProgressIdempotency(ctx context.Context, scope, endpoint, key string) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE scope = $1 AND endpoint = $2 AND idempotency_key = $3 AND status = $4`,
		scope, endpoint, key, idemInProgress,
	); err != nil {
		return fmt.Errorf("storage: clear idempotency key: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys expires completed records older than completedTTL
// and abandoned claims older than inProgressTTL. It runs from the retention
// loop.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	now := time.Now()
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = $1 AND updated_at < $2)
		    OR (status = $3 AND updated_at < $4)`,
		idemCompleted, now.Add(-completedTTL), idemInProgress, now.Add(-inProgressTTL),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: expire idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
