package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/keiro/internal/events"
	"github.com/ashita-ai/keiro/internal/ratelimit"
	"github.com/ashita-ai/keiro/internal/service/runs"
)

// Server is the keiro HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Store, Idempotency, Buffer, Limiter, Broker,
// MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Runs     *runs.Service
	Registry *events.Registry
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Store       Pinger
	Idempotency IdempotencyStore
	Buffer      *events.Buffer
	Limiter     ratelimit.Limiter
	Broker      *Broker
	MCPServer   *mcpserver.MCPServer
	// Middlewares wrap the whole chain, first registered outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Runs:                cfg.Runs,
		Registry:            cfg.Registry,
		Broker:              cfg.Broker,
		Store:               cfg.Store,
		Idempotency:         cfg.Idempotency,
		Buffer:              cfg.Buffer,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Deliveries arrive from webhooks and are limited per client IP.
	// Reads and run control are not limited.
	deliverRL := ratelimit.Middleware(cfg.Limiter, "deliver", ratelimit.RunKeyFunc, RequestIDFromRequest, cfg.Logger)

	mux := http.NewServeMux()

	// Event registry and limit arithmetic.
	mux.HandleFunc("GET /v1/event-types", h.HandleEventTypes)
	mux.HandleFunc("POST /v1/events/validate", h.HandleValidateEvent)
	mux.HandleFunc("POST /v1/limits/check", h.HandleCheckLimits)
	mux.HandleFunc("POST /v1/limits/merge", h.HandleMergeLimits)

	// Runs.
	mux.HandleFunc("POST /v1/runs", h.HandleStartRun)
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/events", h.HandleRunEvents)
	mux.HandleFunc("GET /v1/runs/{run_id}/digest", h.HandleRunDigest)
	mux.HandleFunc("POST /v1/runs/{run_id}/advance", h.HandleAdvance)
	mux.HandleFunc("POST /v1/runs/{run_id}/decisions", h.HandleResolve)

	// External event delivery (rate limited).
	mux.Handle("POST /v1/runs/{run_id}/messages", deliverRL(http.HandlerFunc(h.HandleDeliverMessage)))
	mux.Handle("POST /v1/runs/{run_id}/signals", deliverRL(http.HandlerFunc(h.HandleDeliverSignal)))
	mux.Handle("POST /v1/runs/{run_id}/errors", deliverRL(http.HandlerFunc(h.HandleDeliverError)))
	mux.Handle("POST /v1/runs/{run_id}/escalations", deliverRL(http.HandlerFunc(h.HandleDeliverEscalation)))
	mux.Handle("POST /v1/runs/{run_id}/batch", deliverRL(http.HandlerFunc(h.HandleDeliverBatch)))

	// Strategies and routines.
	mux.HandleFunc("GET /v1/strategies", h.HandleListStrategies)
	mux.HandleFunc("GET /v1/strategies/{name}/metrics", h.HandleStrategyMetrics)
	mux.HandleFunc("POST /v1/routines/{routine_id}/estimate", h.HandleEstimate)

	// Subscription endpoint (no rate limit, long-lived connection).
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
