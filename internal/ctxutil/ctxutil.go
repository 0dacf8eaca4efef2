// Package ctxutil provides shared context key accessors.
//
// Both the server and the event constructors read the correlation id and
// request id from the context; keeping the keys here avoids an import cycle.
package ctxutil

import "context"

type contextKey string

const (
	keyRequestID     contextKey = "request_id"
	keyCorrelationID contextKey = "correlation_id"
)

// WithRequestID returns a new context carrying the given request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// WithCorrelationID returns a new context carrying the given correlation id.
// Events created from this context inherit it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyCorrelationID, id)
}

// CorrelationIDFromContext extracts the correlation id from the context.
func CorrelationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyCorrelationID).(string); ok {
		return v
	}
	return ""
}
