package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/keiro/internal/model"
)

// KeyFunc picks the bucket a request draws from. An empty key skips the limiter.
type KeyFunc func(r *http.Request) string

// RequestIDFunc reads the request ID so 429 responses carry it.
type RequestIDFunc func(r *http.Request) string

// Middleware guards delivery endpoints. Each request takes a token from the
// bucket prefix + ":" + keyFunc(r); when the bucket is empty the request is
// refused with 429 and a Retry-After hint. A failing limiter lets traffic
// through.
func Middleware(limiter Limiter, prefix string, keyFunc KeyFunc, reqIDFunc RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), prefix+":"+key)
			if err != nil {
				if logger != nil {
					logger.Warn("ratelimit: allow failed, letting request through", "key", key, "error", err)
				}
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				if logger != nil {
					logger.Debug("ratelimit: delivery refused", "key", key, "path", r.URL.Path)
				}
				w.Header().Set("Retry-After", "1")
				var requestID string
				if reqIDFunc != nil {
					requestID = reqIDFunc(r)
				}
				writeRateLimitError(w, requestID)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitError answers with the usual error envelope.
func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc keys on the client address from RemoteAddr. X-Forwarded-For is
// ignored since clients control it.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// RunKeyFunc keys on the run being delivered to and the client address, so a
// chatty producer on one run cannot starve deliveries to another. Requests
// without a run_id path value fall back to the address alone.
func RunKeyFunc(r *http.Request) string {
	ip := IPKeyFunc(r)
	if runID := r.PathValue("run_id"); runID != "" {
		return runID + ":" + ip
	}
	return ip
}
