package keiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the keiro server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the keiro API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("keiro: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

type idempotencyKey struct{}

// WithIdempotencyKey attaches an Idempotency-Key to run mutations made with
// ctx. A retried request with the same key and body replays the first
// response instead of applying twice. The server honours keys only when it
// runs on PostgreSQL.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// ---------------------------------------------------------------------------
// Registry and limits
// ---------------------------------------------------------------------------

// EventTypes lists registered event types. Tier and category are optional
// filters; when both are set tier wins.
func (c *Client) EventTypes(ctx context.Context, tier Tier, category string) ([]EventType, error) {
	params := url.Values{}
	if tier != "" {
		params.Set("tier", string(tier))
	}
	if category != "" {
		params.Set("category", category)
	}
	path := "/v1/event-types"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []EventType
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ValidateEvent checks an event against the server's registry.
func (c *Client) ValidateEvent(ctx context.Context, e Event) (*ValidationResult, error) {
	var resp ValidationResult
	if err := c.post(ctx, "/v1/events/validate", e, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckLimits reports the first limit usage reaches.
func (c *Client) CheckLimits(ctx context.Context, limits ResourceLimits, usage ResourceUsage) (*LimitResult, error) {
	body := map[string]any{"limits": limits, "usage": usage}
	var resp LimitResult
	if err := c.post(ctx, "/v1/limits/check", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MergeContexts derives a child execution context from its parent.
func (c *Client) MergeContexts(ctx context.Context, parent, child ExecutionContext) (*ExecutionContext, error) {
	body := map[string]any{"parent": parent, "child": child}
	var resp ExecutionContext
	if err := c.post(ctx, "/v1/limits/merge", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// StartRun creates a run.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (*Run, error) {
	var resp Run
	if err := c.post(ctx, "/v1/runs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun retrieves a run.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var resp Run
	if err := c.get(ctx, runPath(runID, ""), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRuns returns the most recently updated runs. A non-positive limit
// uses the server default.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	path := "/v1/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp []Run
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RunEvents lists a run's recorded events, optionally of one type.
func (c *Client) RunEvents(ctx context.Context, runID uuid.UUID, eventType string, limit int) ([]Event, error) {
	params := url.Values{}
	if eventType != "" {
		params.Set("type", eventType)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := runPath(runID, "/events")
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []Event
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RunDigest returns the hash of a run's decision log.
func (c *Client) RunDigest(ctx context.Context, runID uuid.UUID) (*Digest, error) {
	var resp Digest
	if err := c.get(ctx, runPath(runID, "/digest"), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Advance decides which nodes follow a branch point and executes them.
func (c *Client) Advance(ctx context.Context, runID uuid.UUID, req AdvanceRequest) (*AdvanceResult, error) {
	var resp AdvanceResult
	if err := c.post(ctx, runPath(runID, "/advance"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resolve records decisions taken outside the server, typically to settle
// deferred ones. Every decision needs Kind set.
func (c *Client) Resolve(ctx context.Context, runID uuid.UUID, decisions ...Decision) (*Run, error) {
	body := map[string]any{"decisions": decisions}
	var resp Run
	if err := c.post(ctx, runPath(runID, "/decisions"), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Deliveries
// ---------------------------------------------------------------------------

// DeliverMessage delivers a message to targets, or to every instance when
// targets is empty.
func (c *Client) DeliverMessage(ctx context.Context, runID uuid.UUID, messageID string, targets ...string) (*DeliveryReport, error) {
	body := MessageDelivery{MessageID: messageID, Targets: targets}
	return c.deliver(ctx, runID, "/messages", body)
}

// DeliverSignal broadcasts a signal to every instance.
func (c *Client) DeliverSignal(ctx context.Context, runID uuid.UUID, signalID string) (*DeliveryReport, error) {
	return c.deliver(ctx, runID, "/signals", map[string]string{"signal_id": signalID})
}

// DeliverError delivers an error code to one instance, or to every instance
// when instanceID is empty.
func (c *Client) DeliverError(ctx context.Context, runID uuid.UUID, code, instanceID string) (*DeliveryReport, error) {
	return c.deliver(ctx, runID, "/errors", CodeDelivery{Code: code, InstanceID: instanceID})
}

// DeliverEscalation delivers an escalation code like DeliverError.
func (c *Client) DeliverEscalation(ctx context.Context, runID uuid.UUID, code, instanceID string) (*DeliveryReport, error) {
	return c.deliver(ctx, runID, "/escalations", CodeDelivery{Code: code, InstanceID: instanceID})
}

// DeliverBatch applies a batch of deliveries in one write.
func (c *Client) DeliverBatch(ctx context.Context, runID uuid.UUID, batch Batch) ([]DeliveryReport, error) {
	var resp []DeliveryReport
	if err := c.post(ctx, runPath(runID, "/batch"), batch, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) deliver(ctx context.Context, runID uuid.UUID, suffix string, body any) (*DeliveryReport, error) {
	var resp DeliveryReport
	if err := c.post(ctx, runPath(runID, suffix), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Strategies
// ---------------------------------------------------------------------------

// Strategies reports on every registered execution strategy.
func (c *Client) Strategies(ctx context.Context) ([]StrategyReport, error) {
	var resp []StrategyReport
	if err := c.get(ctx, "/v1/strategies", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// StrategyMetrics reports on one strategy.
func (c *Client) StrategyMetrics(ctx context.Context, name string) (*StrategyReport, error) {
	var resp StrategyReport
	if err := c.get(ctx, "/v1/strategies/"+url.PathEscape(name)+"/metrics", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EstimateCost returns the pre-flight cost of a catalog routine under limits.
func (c *Client) EstimateCost(ctx context.Context, routineID string, limits ResourceLimits) (*CostEstimate, error) {
	body := map[string]any{"limits": limits}
	var resp CostEstimate
	if err := c.post(ctx, "/v1/routines/"+url.PathEscape(routineID)+"/estimate", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func runPath(runID uuid.UUID, suffix string) string {
	return "/v1/runs/" + runID.String() + suffix
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("keiro: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("keiro: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key, ok := ctx.Value(idempotencyKey{}).(string); ok && key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("keiro: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("keiro: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("keiro: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("keiro: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback for bodies without an envelope.
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
