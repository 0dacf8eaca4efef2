package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/keiro/internal/delivery"
	"github.com/ashita-ai/keiro/internal/integrity"
	"github.com/ashita-ai/keiro/internal/model"
	"github.com/ashita-ai/keiro/internal/service/runs"
)

// mutation runs fn under the request's Idempotency-Key, if any, and writes
// its result.
func (h *Handlers) mutation(w http.ResponseWriter, r *http.Request, scope string, payload any, fn func() (int, any, error)) {
	res, ok := h.reserve(w, r, scope, payload)
	if !ok {
		return
	}
	status, data, err := fn()
	if err != nil {
		if rErr := res.release(r.Context()); rErr != nil {
			h.logger.Error("server: release idempotency key", "error", rErr, "request_id", RequestIDFromRequest(r))
		}
		h.writeServiceError(w, r, err)
		return
	}
	if cErr := res.complete(status, data); cErr != nil {
		// The run is already updated; a retry will see the key in progress
		// until the cleanup loop expires it.
		h.logger.Error("server: store idempotent response", "error", cErr, "request_id", RequestIDFromRequest(r))
	}
	writeJSON(w, r, status, data)
}

// runMutation decodes a body for a run-scoped mutation and runs fn.
func runMutation[T any](h *Handlers, w http.ResponseWriter, r *http.Request, fn func(runID uuid.UUID, req T) (any, error)) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req T
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	h.mutation(w, r, runID.String(), req, func() (int, any, error) {
		data, err := fn(runID, req)
		return http.StatusOK, data, err
	})
}

// HandleStartRun handles POST /v1/runs.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req model.StartRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	h.mutation(w, r, "runs", req, func() (int, any, error) {
		run, err := h.runs.Start(r.Context(), runs.StartInput{
			RunID:       req.RunID,
			Subroutines: req.Subroutines,
			Limits:      req.Limits,
		})
		return http.StatusCreated, run, err
	})
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	list, err := h.runs.List(r.Context(), queryLimit(r, 50))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	run, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleRunDigest handles GET /v1/runs/{run_id}/digest.
func (h *Handlers) HandleRunDigest(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	run, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, integrity.RunDigest(run))
}

// HandleRunEvents handles GET /v1/runs/{run_id}/events.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	evs, err := h.runs.Events(r.Context(), runID, r.URL.Query().Get("type"), queryLimit(r, 100))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, evs)
}

// HandleDeliverMessage handles POST /v1/runs/{run_id}/messages.
func (h *Handlers) HandleDeliverMessage(w http.ResponseWriter, r *http.Request) {
	runMutation(h, w, r, func(runID uuid.UUID, req model.DeliverMessageRequest) (any, error) {
		return h.runs.DeliverMessage(r.Context(), runID, req.MessageID, req.Targets)
	})
}

// HandleDeliverSignal handles POST /v1/runs/{run_id}/signals.
func (h *Handlers) HandleDeliverSignal(w http.ResponseWriter, r *http.Request) {
	runMutation(h, w, r, func(runID uuid.UUID, req model.DeliverSignalRequest) (any, error) {
		return h.runs.DeliverSignal(r.Context(), runID, req.SignalID)
	})
}

// HandleDeliverError handles POST /v1/runs/{run_id}/errors.
func (h *Handlers) HandleDeliverError(w http.ResponseWriter, r *http.Request) {
	runMutation(h, w, r, func(runID uuid.UUID, req model.DeliverCodeRequest) (any, error) {
		return h.runs.DeliverError(r.Context(), runID, req.Code, req.InstanceID)
	})
}

// HandleDeliverEscalation handles POST /v1/runs/{run_id}/escalations.
func (h *Handlers) HandleDeliverEscalation(w http.ResponseWriter, r *http.Request) {
	runMutation(h, w, r, func(runID uuid.UUID, req model.DeliverCodeRequest) (any, error) {
		return h.runs.DeliverEscalation(r.Context(), runID, req.Code, req.InstanceID)
	})
}

// HandleDeliverBatch handles POST /v1/runs/{run_id}/batch.
func (h *Handlers) HandleDeliverBatch(w http.ResponseWriter, r *http.Request) {
	runMutation(h, w, r, func(runID uuid.UUID, req delivery.Batch) (any, error) {
		return h.runs.Deliver(r.Context(), runID, req)
	})
}

// HandleAdvance handles POST /v1/runs/{run_id}/advance.
func (h *Handlers) HandleAdvance(w http.ResponseWriter, r *http.Request) {
	runMutation(h, w, r, func(runID uuid.UUID, req model.AdvanceRequest) (any, error) {
		return h.runs.Advance(r.Context(), runID, runs.AdvanceInput{
			InstanceID:      req.InstanceID,
			BranchID:        req.BranchID,
			DecisionContext: req.DecisionContext,
			Options:         req.Options,
			Multiple:        req.Multiple,
			Inputs:          req.Inputs,
			Tools:           req.Tools,
			Final:           req.Final,
		})
	})
}

// HandleResolve handles POST /v1/runs/{run_id}/decisions.
func (h *Handlers) HandleResolve(w http.ResponseWriter, r *http.Request) {
	runMutation(h, w, r, func(runID uuid.UUID, req model.ResolveRequest) (any, error) {
		return h.runs.Resolve(r.Context(), runID, req.Decisions...)
	})
}
