package keiro

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port              int
	databaseURL       string
	sqlitePath        string
	logger            *slog.Logger
	version           string
	executionStrategy string
	decisionStrategy  string
	routines          []Routine
	toolRunner        ToolRunner
	chooser           DecisionChooser
	observers         []EventObserver
	middlewares       []Middleware
}

// WithPort overrides the TCP port from config (KEIRO_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL env var). Setting it selects the Postgres store.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the embedded store path (KEIRO_SQLITE_PATH env var).
// It is only used when no database URL is configured.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithExecutionStrategy names the strategy used for routines that do not
// name one (KEIRO_DEFAULT_STRATEGY env var).
func WithExecutionStrategy(name string) Option {
	return func(o *resolvedOptions) { o.executionStrategy = name }
}

// WithDecisionStrategy names the decision strategy for branch points
// (KEIRO_DECISION_STRATEGY env var).
func WithDecisionStrategy(name string) Option {
	return func(o *resolvedOptions) { o.decisionStrategy = name }
}

// WithRoutines adds routines to the catalog. They override routines of the
// same ID loaded from KEIRO_ROUTINES_FILE.
func WithRoutines(routines ...Routine) Option {
	return func(o *resolvedOptions) { o.routines = append(o.routines, routines...) }
}

// WithToolRunner sets the backend that executes tool calls.
// Without one, strategies that call tools fail their steps.
func WithToolRunner(r ToolRunner) Option {
	return func(o *resolvedOptions) { o.toolRunner = r }
}

// WithDecisionChooser registers the model_directed decision strategy backed
// by c. Select it with WithDecisionStrategy("model_directed").
func WithDecisionChooser(c DecisionChooser) Option {
	return func(o *resolvedOptions) { o.chooser = c }
}

// WithEventObserver registers an observer for every published event.
// Multiple observers may be registered; all receive every event.
func WithEventObserver(obs EventObserver) Option {
	return func(o *resolvedOptions) { o.observers = append(o.observers, obs) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Applied in registration order: the first-registered middleware is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
