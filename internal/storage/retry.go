package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/keiro/internal/telemetry"
)

// Postgres SQLSTATEs worth another attempt. Run updates lock the row with
// FOR UPDATE, so a concurrent advance on the same run shows up as one of
// these rather than as a lost update.
var transientCodes = map[string]string{
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
	"55P03": "lock_not_available",
}

var retryCounter, _ = telemetry.Meter("keiro/storage").Int64Counter("keiro.storage.retries",
	metric.WithDescription("Run store transactions retried after a transient conflict"))

// transientCode returns the condition name when err is a retryable Postgres
// error.
func transientCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	name, ok := transientCodes[pgErr.Code]
	return name, ok
}

// backoff is the wait before attempt n+1: base doubled n times plus up to
// the same again in jitter.
func backoff(base time.Duration, n int) time.Duration {
	d := base << n
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int64N(int64(d))) //nolint:gosec // jitter only
}

// WithRetry calls fn and retries it up to maxRetries more times while it
// fails with a transient conflict. Any other error, or ctx ending during a
// wait, stops immediately.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		code, ok := transientCode(err)
		if !ok || attempt >= maxRetries {
			return err
		}
		if retryCounter != nil {
			retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("condition", code)))
		}

		timer := time.NewTimer(backoff(baseDelay, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
