// Package keiro is the public API for embedding the keiro workflow server.
//
// Hosts import this package to run the server with their own tool backend,
// decision model, and event observers without forking it:
//
//	app, err := keiro.New(
//	    keiro.WithVersion(version),
//	    keiro.WithLogger(logger),
//	    keiro.WithToolRunner(myTools),
//	    keiro.WithRoutines(keiro.Routine{ID: "notify", Steps: steps}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: keiro (root) imports
// internal/*, but internal/* never imports keiro (root). Public types are
// standalone structs; the adapters converting them live in this file
// because it is the only one that sees both sides of the boundary.
package keiro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/keiro/internal/config"
	"github.com/ashita-ai/keiro/internal/decision"
	"github.com/ashita-ai/keiro/internal/events"
	"github.com/ashita-ai/keiro/internal/mcp"
	"github.com/ashita-ai/keiro/internal/model"
	"github.com/ashita-ai/keiro/internal/performance"
	"github.com/ashita-ai/keiro/internal/ratelimit"
	"github.com/ashita-ai/keiro/internal/server"
	"github.com/ashita-ai/keiro/internal/service/runs"
	"github.com/ashita-ai/keiro/internal/storage"
	"github.com/ashita-ai/keiro/internal/storage/sqlite"
	"github.com/ashita-ai/keiro/internal/strategy"
	"github.com/ashita-ai/keiro/internal/telemetry"
	"github.com/ashita-ai/keiro/internal/transport/natsbus"
	"github.com/ashita-ai/keiro/migrations"
)

const (
	shutdownNATSTimeout   = 10 * time.Second
	shutdownHTTPTimeout   = 15 * time.Second
	shutdownBufferTimeout = 10 * time.Second
	// abandonedIdempotencyTTL clears reservations whose request never completed.
	abandonedIdempotencyTTL = 10 * time.Minute
)

// runStore is what the App needs from either backend.
type runStore interface {
	runs.Store
	events.Sink
	Ping(ctx context.Context) error
	PurgeEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// App is the keiro server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	store        runStore
	closeStore   func()
	pg           *storage.DB // nil when running on SQLite
	srv          *server.Server
	buf          *events.Buffer
	broker       *server.Broker
	consumer     *natsbus.Consumer // nil when NATS is not configured
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the keiro server. It opens the store, runs migrations,
// wires all subsystems, and returns a ready-to-run App. It does NOT start
// any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("keiro starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Settings{
		Endpoint:       cfg.OTELEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, pg, closeStore, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}
	fail := func(err error) (*App, error) {
		closeStore()
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Event registry.
	registry := events.NewRegistry()
	events.RegisterDefaults(registry)
	if cfg.EventTypesFile != "" {
		n, err := events.LoadFile(registry, cfg.EventTypesFile)
		if err != nil {
			return fail(fmt.Errorf("event types: %w", err))
		}
		logger.Info("event types: loaded extension file", "path", cfg.EventTypesFile, "count", n)
	}

	// Publisher. The buffer persists every event; host observers see them too.
	buf := events.NewBuffer(st, logger, cfg.EventBufferSize, cfg.EventFlushTimeout)
	observers := []events.Observer{buf}
	for _, obs := range o.observers {
		observers = append(observers, observerAdapter{obs: obs})
	}
	publisher := events.NewPublisher(registry, logger, observers...)

	catalog, err := buildCatalog(cfg, o.routines)
	if err != nil {
		return fail(err)
	}
	logger.Info("routine catalog loaded", "routines", len(catalog))

	// Execution strategies.
	strategies := strategy.NewRegistry(cfg.DefaultStrategy, strategy.Deterministic{}, strategy.DefaultReasoning())
	if _, err := strategies.Get(cfg.DefaultStrategy); err != nil {
		return fail(fmt.Errorf("default strategy: %w", err))
	}
	if cfg.FallbackStrategy != "" {
		if _, err := strategies.Get(cfg.FallbackStrategy); err != nil {
			return fail(fmt.Errorf("fallback strategy: %w", err))
		}
	}
	var backends strategy.Backends
	if o.toolRunner != nil {
		backends.Tools = toolRunnerAdapter{runner: o.toolRunner}
	} else {
		logger.Warn("no tool runner configured; steps that call tools will fail")
	}
	coordinator := strategy.NewCoordinator(strategy.CoordinatorConfig{
		Strategies:  strategies,
		Performance: performance.NewSet(cfg.PerformanceCapacity, cfg.AnalysisWindow),
		Backends:    backends,
		Emitter:     publisher,
		Logger:      logger,
		Fallback:    cfg.FallbackStrategy,
	})

	// Decision strategy.
	decisions := decision.NewRegistry()
	if o.chooser != nil {
		decisions.Register(decision.ModelDirected{Chooser: chooserAdapter{chooser: o.chooser}})
	}
	picker, ok := decisions.Get(cfg.DecisionStrategy)
	if !ok {
		return fail(fmt.Errorf("decision strategy %q is not registered (have %s)",
			cfg.DecisionStrategy, strings.Join(decisions.Names(), ", ")))
	}

	svc := runs.New(runs.Config{
		Store:        st,
		Catalog:      catalog,
		Coordinator:  coordinator,
		Decisions:    picker,
		Emitter:      publisher,
		Logger:       logger,
		MaxParallel:  cfg.MaxParallelNodes,
		StrictLimits: cfg.StrictLimits,
	})

	broker := server.NewBroker(publisher, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	var mcpSrv *mcp.Server
	if cfg.EnableMCP {
		mcpSrv = mcp.New(svc, registry, logger, version)
	}

	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srvCfg := server.ServerConfig{
		Runs:                svc,
		Registry:            registry,
		Logger:              logger,
		Store:               st,
		Buffer:              buf,
		Limiter:             limiter,
		Broker:              broker,
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	if mcpSrv != nil {
		srvCfg.MCPServer = mcpSrv.MCPServer()
	}
	// Idempotency keys need the Postgres store.
	if pg != nil {
		srvCfg.Idempotency = pg
	}
	srv := server.New(srvCfg)

	var consumer *natsbus.Consumer
	if cfg.NATSURL != "" {
		consumer, err = natsbus.Connect(natsbus.Config{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
			Queue:   cfg.NATSQueue,
		}, svc, logger)
		if err != nil {
			_ = limiter.Close()
			return fail(err)
		}
	} else {
		logger.Info("nats: disabled (no NATS_URL)")
	}

	return &App{
		cfg:          cfg,
		store:        st,
		closeStore:   closeStore,
		pg:           pg,
		srv:          srv,
		buf:          buf,
		broker:       broker,
		consumer:     consumer,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

func applyOverrides(cfg *config.Config, o resolvedOptions) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.executionStrategy != "" {
		cfg.DefaultStrategy = o.executionStrategy
	}
	if o.decisionStrategy != "" {
		cfg.DecisionStrategy = o.decisionStrategy
	}
}

// openStore connects to Postgres when a database URL is configured and falls
// back to the embedded SQLite store otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (runStore, *storage.DB, func(), error) {
	if cfg.DatabaseURL != "" {
		db, err := storage.New(ctx, cfg.DatabaseURL, logger, storage.WithMaxConns(cfg.DBMaxConns))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, nil, nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info("storage: postgres")
		return db, db, func() { db.Close(context.Background()) }, nil
	}

	st, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("storage: %w", err)
	}
	logger.Info("storage: sqlite", "path", cfg.SQLitePath)
	return st, nil, func() {
		if err := st.Close(); err != nil {
			logger.Warn("storage: close sqlite", "error", err)
		}
	}, nil
}

func buildCatalog(cfg config.Config, extra []Routine) (runs.StaticCatalog, error) {
	catalog := runs.StaticCatalog{}
	if cfg.RoutinesFile != "" {
		loaded, err := runs.LoadCatalogFile(cfg.RoutinesFile)
		if err != nil {
			return nil, fmt.Errorf("routines: %w", err)
		}
		catalog = loaded
	}
	for _, r := range extra {
		if r.ID == "" {
			return nil, errors.New("routines: routine id is required")
		}
		catalog[r.ID] = toInternalRoutine(r)
	}
	return catalog, nil
}

// Handler returns the root HTTP handler, for embedding keiro in another
// server or exercising it in tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.buf.Start(ctx)
	go a.broker.Start(ctx)
	if a.consumer != nil {
		if err := a.consumer.Start(); err != nil {
			return errors.Join(err, a.Shutdown(context.Background()))
		}
	}
	go a.retentionLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops intake first and persistence last:
// (1) drain the NATS consumer so no new deliveries arrive,
// (2) stop accepting HTTP requests and drain in-flight ones,
// (3) flush the event buffer to the store.
// It then closes the rate limiter, the store, and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("keiro shutting down")

	if a.consumer != nil {
		natsCtx, cancel := context.WithTimeout(ctx, shutdownNATSTimeout)
		if err := a.consumer.Close(natsCtx); err != nil {
			a.logger.Error("nats shutdown error", "error", err)
		}
		cancel()
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	bufCtx, bufCancel := context.WithTimeout(ctx, shutdownBufferTimeout)
	a.buf.Drain(bufCtx)
	bufCancel()
	var drainErr error
	if n := a.buf.Len(); n > 0 {
		a.logger.Error("event buffer drain incomplete; unflushed events will be lost", "remaining_events", n)
		drainErr = fmt.Errorf("buffer drain incomplete: %d events remaining", n)
	}

	_ = a.limiter.Close()
	a.closeStore()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("keiro stopped")
	return drainErr
}

// retentionLoop purges old events and expired idempotency keys.
func (a *App) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cleanup(ctx)
		}
	}
}

func (a *App) cleanup(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if a.cfg.EventRetention > 0 {
		purged, err := a.store.PurgeEvents(opCtx, time.Now().Add(-a.cfg.EventRetention))
		if err != nil {
			a.logger.Warn("event retention failed", "error", err)
		} else if purged > 0 {
			a.logger.Info("event retention purged rows", "deleted", purged)
		}
	}
	if a.pg != nil {
		deleted, err := a.pg.CleanupIdempotencyKeys(opCtx, a.cfg.IdempotencyTTL, abandonedIdempotencyTTL)
		if err != nil {
			a.logger.Warn("idempotency cleanup failed", "error", err)
		} else if deleted > 0 {
			a.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
		}
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// toolRunnerAdapter wraps a keiro.ToolRunner to satisfy strategy.ToolRunner.
type toolRunnerAdapter struct {
	runner ToolRunner
}

func (a toolRunnerAdapter) RunTool(ctx context.Context, call model.ToolCall) (strategy.ToolResult, error) {
	res, err := a.runner.RunTool(ctx, ToolCall{Tool: call.Tool, Input: call.Input})
	return strategy.ToolResult{Output: res.Output, Credits: res.Credits}, err
}

// chooserAdapter wraps a keiro.DecisionChooser to satisfy decision.Chooser.
type chooserAdapter struct {
	chooser DecisionChooser
}

func (a chooserAdapter) Choose(ctx context.Context, options []model.NodeOption, multiple bool, sub *model.SubroutineContext) ([]string, error) {
	opts := make([]BranchOption, len(options))
	for i, o := range options {
		opts[i] = BranchOption{NodeID: o.NodeID, Label: o.Label}
	}
	var instanceID string
	if sub != nil {
		instanceID = sub.InstanceID
	}
	return a.chooser.Choose(ctx, opts, multiple, instanceID)
}

// observerAdapter wraps a keiro.EventObserver to satisfy events.Observer.
type observerAdapter struct {
	obs EventObserver
}

func (a observerAdapter) Observe(ctx context.Context, e model.Event) {
	a.obs.Observe(ctx, toPublicEvent(e))
}

func toPublicEvent(e model.Event) Event {
	return Event{
		ID:            e.ID,
		Type:          e.Type,
		Timestamp:     e.Timestamp,
		Tier:          string(e.Source.Tier),
		Component:     e.Source.Component,
		InstanceID:    e.Source.InstanceID,
		CorrelationID: e.CorrelationID,
		Data:          e.Data,
	}
}

func toInternalRoutine(r Routine) model.Routine {
	steps := make([]model.ToolCall, len(r.Steps))
	for i, s := range r.Steps {
		steps[i] = model.ToolCall{Tool: s.Tool, Input: s.Input}
	}
	return model.Routine{
		ID:             r.ID,
		Name:           r.Name,
		Strategy:       r.Strategy,
		RequiredInputs: r.RequiredInputs,
		Steps:          steps,
		Prompt:         r.Prompt,
	}
}
