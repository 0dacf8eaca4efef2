// Package ratelimit throttles message, signal, error and escalation
// deliveries arriving over HTTP.
//
// MemoryLimiter keeps token buckets in process. A shared Limiter can replace
// it when several keiro nodes sit behind one webhook endpoint.
package ratelimit

import "context"

// Limiter reports whether the caller behind key may deliver now.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one unit for key. Keys are built by the caller, for
	// example "deliver:<run_id>:10.0.0.7". A non-nil error means the limiter
	// itself is broken and the middleware lets the request through.
	Allow(ctx context.Context, key string) (bool, error)

	Close() error
}

// NoopLimiter lets everything through. Used when KEIRO_RATE_LIMIT_RPS is 0.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (NoopLimiter) Close() error { return nil }
