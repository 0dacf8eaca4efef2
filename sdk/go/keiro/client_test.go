package keiro

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer creates an httptest server that mimics the keiro API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: serverURL + "/", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty BaseURL")
	}
}

func TestStartRunSendsSubroutines(t *testing.T) {
	runID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs": func(w http.ResponseWriter, r *http.Request) {
			var req StartRunRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode: %v", err)
			}
			if len(req.Subroutines) != 1 || req.Subroutines[0].RoutineID != "notify" {
				t.Errorf("unexpected subroutines: %+v", req.Subroutines)
			}
			writeJSON(w, http.StatusCreated, map[string]any{"data": Run{
				RunID: runID,
				Subcontexts: map[string]*SubroutineContext{
					"a": {InstanceID: "a", RoutineID: "notify", Status: "active"},
				},
			}})
		},
	})

	run, err := newTestClient(t, srv.URL).StartRun(context.Background(), StartRunRequest{
		Subroutines: []Subroutine{{InstanceID: "a", RoutineID: "notify"}},
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.RunID != runID || run.Subcontexts["a"].Status != "active" {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestAdvanceDecodesDecisionAndSteps(t *testing.T) {
	runID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/{run_id}/advance": func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("run_id") != runID.String() {
				t.Errorf("wrong run id %q", r.PathValue("run_id"))
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"decision": map[string]any{"decision_type": "chooseOne", "key": "a:fork", "result": []string{"left"}},
				"steps":    []map[string]any{{"step_id": "s1", "node_id": "left", "status": "completed"}},
			}})
		},
	})

	res, err := newTestClient(t, srv.URL).Advance(context.Background(), runID, AdvanceRequest{
		InstanceID:      "a",
		DecisionContext: "fork",
		Options:         []NodeOption{{NodeID: "left"}, {NodeID: "right"}},
	})
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.Decision.Key != "a:fork" || len(res.Decision.Result) != 1 || res.Decision.Result[0] != "left" {
		t.Fatalf("unexpected decision: %+v", res.Decision)
	}
	if len(res.Steps) != 1 || res.Steps[0].Status != "completed" {
		t.Fatalf("unexpected steps: %+v", res.Steps)
	}
}

func TestDeliverMessageIdempotencyKey(t *testing.T) {
	runID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runs/{run_id}/messages": func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Idempotency-Key"); got != "k1" {
				t.Errorf("Idempotency-Key = %q, want k1", got)
			}
			var body MessageDelivery
			_ = json.NewDecoder(r.Body).Decode(&body)
			writeJSON(w, http.StatusOK, map[string]any{"data": DeliveryReport{
				Kind: "message", Ref: body.MessageID, Delivered: []string{"a"}, Missing: []string{"ghost"},
			}})
		},
	})

	ctx := WithIdempotencyKey(context.Background(), "k1")
	rep, err := newTestClient(t, srv.URL).DeliverMessage(ctx, runID, "m1", "a", "ghost")
	if err != nil {
		t.Fatalf("DeliverMessage: %v", err)
	}
	if rep.Ref != "m1" || len(rep.Missing) != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestEventTypesQuery(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/event-types": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("tier") != "3" {
				t.Errorf("tier = %q", r.URL.Query().Get("tier"))
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": []EventType{{Type: "tool.called", Tier: "3"}}})
		},
	})

	types, err := newTestClient(t, srv.URL).EventTypes(context.Background(), "3", "")
	if err != nil {
		t.Fatalf("EventTypes: %v", err)
	}
	if len(types) != 1 || types[0].Type != "tool.called" {
		t.Fatalf("unexpected types: %+v", types)
	}
}

func TestErrorTypes(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{run_id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "run not found"},
			})
		},
		"POST /v1/runs/{run_id}/advance": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error": map[string]any{"code": "NO_VALID_NEXT_NODES", "message": "no options"},
			})
		},
		"POST /v1/runs/{run_id}/signals": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("slow down"))
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.GetRun(ctx, uuid.New())
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Message != "run not found" {
		t.Fatalf("unexpected error detail: %v", err)
	}

	_, err = c.Advance(ctx, uuid.New(), AdvanceRequest{InstanceID: "a"})
	if !IsNoValidNextNodes(err) {
		t.Fatalf("expected NO_VALID_NEXT_NODES, got %v", err)
	}

	_, err = c.DeliverSignal(ctx, uuid.New(), "s")
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if !errors.As(err, &apiErr) || apiErr.Message != "slow down" {
		t.Fatalf("non-JSON error body should become the message: %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": HealthResponse{Status: "healthy", Version: "1.0.0"}})
		},
	})

	h, err := newTestClient(t, srv.URL).Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "healthy" || h.Version != "1.0.0" {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestTimeout(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/strategies": func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			writeJSON(w, http.StatusOK, map[string]any{"data": []StrategyReport{}})
		},
	})
	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Strategies(context.Background()); err == nil {
		t.Fatal("expected timeout error")
	}
}
