package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keiro/internal/storage"
)

func TestIdempotency_ReplayAndMismatch(t *testing.T) {
	ctx := context.Background()
	scope := uuid.NewString()
	endpoint := "POST /v1/runs/{run_id}/messages"
	key := "idem-" + uuid.NewString()

	lookup, err := testDB.BeginIdempotency(ctx, scope, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)

	err = testDB.CompleteIdempotency(ctx, scope, endpoint, key, 200, map[string]any{"delivered": []string{"a"}})
	require.NoError(t, err)

	replay, err := testDB.BeginIdempotency(ctx, scope, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.True(t, replay.Completed)
	assert.Equal(t, 200, replay.StatusCode)
	require.NotEmpty(t, replay.ResponseData)

	_, err = testDB.BeginIdempotency(ctx, scope, endpoint, key, "hash-b")
	require.ErrorIs(t, err, storage.ErrIdempotencyPayloadMismatch)
}

func TestIdempotency_InProgressBlocksUntilCleanup(t *testing.T) {
	ctx := context.Background()
	scope := uuid.NewString()
	endpoint := "POST /v1/runs/{run_id}/signals"
	key := "idem-" + uuid.NewString()

	_, err := testDB.BeginIdempotency(ctx, scope, endpoint, key, "hash-a")
	require.NoError(t, err)

	_, err = testDB.BeginIdempotency(ctx, scope, endpoint, key, "hash-a")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress)

	_, err = testDB.Pool().Exec(ctx,
		`UPDATE idempotency_keys SET updated_at = now() - interval '20 minutes'
		 WHERE scope = $1 AND endpoint = $2 AND idempotency_key = $3`,
		scope, endpoint, key,
	)
	require.NoError(t, err)

	deleted, err := testDB.CleanupIdempotencyKeys(ctx, 24*time.Hour, 10*time.Minute)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))

	lookup, err := testDB.BeginIdempotency(ctx, scope, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)
}

func TestIdempotency_ClearInProgress(t *testing.T) {
	ctx := context.Background()
	scope := uuid.NewString()
	endpoint := "POST /v1/runs/{run_id}/errors"
	key := "idem-" + uuid.NewString()

	_, err := testDB.BeginIdempotency(ctx, scope, endpoint, key, "h")
	require.NoError(t, err)
	require.NoError(t, testDB.ClearInProgressIdempotency(ctx, scope, endpoint, key))

	_, err = testDB.BeginIdempotency(ctx, scope, endpoint, key, "h")
	require.NoError(t, err)
}

func TestIdempotency_CompleteWithoutClaim(t *testing.T) {
	err := testDB.CompleteIdempotency(context.Background(), uuid.NewString(),
		"POST /v1/runs/{run_id}/messages", "never-claimed", 200, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
