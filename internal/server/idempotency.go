package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/keiro/internal/model"
	"github.com/ashita-ai/keiro/internal/storage"
)

// IdempotencyStore records Idempotency-Key reservations and their responses.
// storage.DB implements it. The SQLite store does not, so single-node
// deployments simply execute every retry.
type IdempotencyStore interface {
	BeginIdempotency(ctx context.Context, scope, endpoint, key, requestHash string) (storage.IdempotencyLookup, error)
	CompleteIdempotency(ctx context.Context, scope, endpoint, key string, statusCode int, responseData any) error
	ClearInProgressIdempotency(ctx context.Context, scope, endpoint, key string) error
}

const (
	finalizeAttempts = 3
	finalizeTimeout  = 10 * time.Second
)

// reservation is a claimed Idempotency-Key. A nil reservation means the
// request carried no key and every method is a no-op.
type reservation struct {
	store    IdempotencyStore
	scope    string // run ID, or "runs" for run creation
	endpoint string // route pattern, so /v1/runs/{run_id}/signals keys per run via scope
	key      string
}

// reserve claims the request's Idempotency-Key within scope. When the key
// already has a stored response that response is replayed and ok is false.
// Conflicting or in-flight keys are answered with 409.
func (h *Handlers) reserve(w http.ResponseWriter, r *http.Request, scope string, payload any) (res *reservation, ok bool) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" || h.idempotency == nil {
		return nil, true
	}
	endpoint := r.Pattern
	if endpoint == "" {
		endpoint = r.Method + " " + r.URL.Path
	}

	body, err := json.Marshal(payload)
	if err != nil {
		h.writeInternalError(w, r, "idempotency: hash payload", err)
		return nil, false
	}
	sum := sha256.Sum256(body)

	lookup, err := h.idempotency.BeginIdempotency(r.Context(), scope, endpoint, key, hex.EncodeToString(sum[:]))
	switch {
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "Idempotency-Key was already used with a different body")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "a request with this Idempotency-Key is still being processed")
		return nil, false
	case err != nil:
		h.writeInternalError(w, r, "idempotency: lookup", err)
		return nil, false
	}

	if lookup.Completed {
		h.replay(w, r, lookup)
		return nil, false
	}
	return &reservation{store: h.idempotency, scope: scope, endpoint: endpoint, key: key}, true
}

// replay writes a stored response again, marked with Idempotent-Replayed.
func (h *Handlers) replay(w http.ResponseWriter, r *http.Request, lookup storage.IdempotencyLookup) {
	var data any
	if len(lookup.ResponseData) > 0 {
		if err := json.Unmarshal(lookup.ResponseData, &data); err != nil {
			h.writeInternalError(w, r, "idempotency: decode stored response", err)
			return
		}
	}
	status := lookup.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Idempotent-Replayed", "true")
	writeJSON(w, r, status, data)
}

// complete stores the response for replay. It runs detached from the request
// so a client hanging up after the run was updated still leaves a record.
func (res *reservation) complete(statusCode int, data any) error {
	if res == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= finalizeAttempts; attempt++ {
		if err = res.store.CompleteIdempotency(ctx, res.scope, res.endpoint, res.key, statusCode, data); err == nil {
			return nil
		}
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-ctx.Done():
			return fmt.Errorf("idempotency: finalize %s: %w", res.key, err)
		}
	}
	return fmt.Errorf("idempotency: finalize %s after %d attempts: %w", res.key, finalizeAttempts, err)
}

// release drops the reservation after a failed mutation so the producer can
// retry with the same key.
func (res *reservation) release(ctx context.Context) error {
	if res == nil {
		return nil
	}
	return res.store.ClearInProgressIdempotency(ctx, res.scope, res.endpoint, res.key)
}
