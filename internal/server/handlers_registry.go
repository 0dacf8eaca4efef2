package server

import (
	"net/http"

	"github.com/ashita-ai/keiro/internal/limits"
	"github.com/ashita-ai/keiro/internal/model"
)

// HandleEventTypes handles GET /v1/event-types. The optional tier and
// category query parameters filter the list.
func (h *Handlers) HandleEventTypes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var list []model.EventTypeMetadata
	switch {
	case q.Get("tier") != "":
		tier := model.Tier(q.Get("tier"))
		if !tier.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown tier: "+q.Get("tier"))
			return
		}
		list = h.registry.ByTier(tier)
	case q.Get("category") != "":
		list = h.registry.ByCategory(model.EventCategory(q.Get("category")))
	default:
		list = h.registry.All()
	}
	writeJSON(w, r, http.StatusOK, list)
}

// HandleValidateEvent handles POST /v1/events/validate.
func (h *Handlers) HandleValidateEvent(w http.ResponseWriter, r *http.Request) {
	var e model.Event
	if err := decodeJSON(w, r, &e, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	problems := h.registry.Validate(e)
	if problems == nil {
		problems = []string{}
	}
	writeJSON(w, r, http.StatusOK, model.ValidateEventResponse{Valid: len(problems) == 0, Problems: problems})
}

// HandleCheckLimits handles POST /v1/limits/check.
func (h *Handlers) HandleCheckLimits(w http.ResponseWriter, r *http.Request) {
	var req model.CheckLimitsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, limits.Check(req.Limits, req.Usage))
}

// HandleMergeLimits handles POST /v1/limits/merge.
func (h *Handlers) HandleMergeLimits(w http.ResponseWriter, r *http.Request) {
	var req model.MergeContextsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, limits.Merge(req.Parent, req.Child))
}

// HandleListStrategies handles GET /v1/strategies.
func (h *Handlers) HandleListStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.runs.AllStrategyMetrics())
}

// HandleStrategyMetrics handles GET /v1/strategies/{name}/metrics.
func (h *Handlers) HandleStrategyMetrics(w http.ResponseWriter, r *http.Request) {
	report, err := h.runs.StrategyMetrics(r.PathValue("name"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleEstimate handles POST /v1/routines/{routine_id}/estimate.
func (h *Handlers) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	var req model.EstimateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	est, err := h.runs.EstimateCost(r.Context(), r.PathValue("routine_id"), req.Limits)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, est)
}
