// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings. When DatabaseURL is empty the embedded SQLite store
	// at SQLitePath is used instead of Postgres.
	DatabaseURL string
	DBMaxConns  int // 0 keeps the pgxpool default.
	SQLitePath  string

	// NATS settings. Empty URL disables the inbound delivery consumer.
	NATSURL     string
	NATSSubject string
	NATSQueue   string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Registry settings.
	EventTypesFile string // Optional YAML file with extra event types.
	RoutinesFile   string // Optional YAML routine catalog.

	// Execution settings.
	DefaultStrategy     string
	FallbackStrategy    string
	DecisionStrategy    string
	PerformanceCapacity int
	AnalysisWindow      int
	MaxParallelNodes    int
	StrictLimits        bool

	// Operational settings.
	LogLevel            string
	EventBufferSize     int
	EventFlushTimeout   time.Duration
	MaxRequestBodyBytes int64
	RateLimitRPS        float64
	RateLimitBurst      int
	EnableMCP           bool

	// Retention settings. Zero EventRetention keeps events forever.
	EventRetention  time.Duration
	IdempotencyTTL  time.Duration
	CleanupInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are collected and reported together.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var cfg Config
	var err error

	cfg.Port, err = envInt("KEIRO_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("KEIRO_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("KEIRO_WRITE_TIMEOUT", 30*time.Second)
	collect(err)

	cfg.DatabaseURL = envStr("DATABASE_URL", "")
	cfg.DBMaxConns, err = envInt("KEIRO_DB_MAX_CONNS", 0)
	collect(err)
	cfg.SQLitePath = envStr("KEIRO_SQLITE_PATH", "keiro.db")

	cfg.NATSURL = envStr("NATS_URL", "")
	cfg.NATSSubject = envStr("KEIRO_NATS_SUBJECT", "keiro.deliveries")
	cfg.NATSQueue = envStr("KEIRO_NATS_QUEUE", "keiro")

	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", "keiro")

	cfg.EventTypesFile = envStr("KEIRO_EVENT_TYPES_FILE", "")
	cfg.RoutinesFile = envStr("KEIRO_ROUTINES_FILE", "")

	cfg.DefaultStrategy = envStr("KEIRO_DEFAULT_STRATEGY", "deterministic")
	cfg.FallbackStrategy = envStr("KEIRO_FALLBACK_STRATEGY", "")
	cfg.DecisionStrategy = envStr("KEIRO_DECISION_STRATEGY", "pick_first")
	cfg.PerformanceCapacity, err = envInt("KEIRO_PERFORMANCE_CAPACITY", 100)
	collect(err)
	cfg.AnalysisWindow, err = envInt("KEIRO_ANALYSIS_WINDOW", 10)
	collect(err)
	cfg.MaxParallelNodes, err = envInt("KEIRO_MAX_PARALLEL_NODES", 4)
	collect(err)
	cfg.StrictLimits, err = envBool("KEIRO_STRICT_LIMITS", false)
	collect(err)

	cfg.LogLevel = envStr("KEIRO_LOG_LEVEL", "info")
	cfg.EventBufferSize, err = envInt("KEIRO_EVENT_BUFFER_SIZE", 1000)
	collect(err)
	cfg.EventFlushTimeout, err = envDuration("KEIRO_EVENT_FLUSH_TIMEOUT", 100*time.Millisecond)
	collect(err)
	bodyBytes, err := envInt("KEIRO_MAX_REQUEST_BODY_BYTES", 1*1024*1024) // 1 MB default
	collect(err)
	cfg.MaxRequestBodyBytes = int64(bodyBytes)
	cfg.RateLimitRPS, err = envFloat("KEIRO_RATE_LIMIT_RPS", 50)
	collect(err)
	cfg.RateLimitBurst, err = envInt("KEIRO_RATE_LIMIT_BURST", 100)
	collect(err)
	cfg.EnableMCP, err = envBool("KEIRO_ENABLE_MCP", true)
	collect(err)

	cfg.EventRetention, err = envDuration("KEIRO_EVENT_RETENTION", 0)
	collect(err)
	cfg.IdempotencyTTL, err = envDuration("KEIRO_IDEMPOTENCY_TTL", 24*time.Hour)
	collect(err)
	cfg.CleanupInterval, err = envDuration("KEIRO_CLEANUP_INTERVAL", time.Hour)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: one of DATABASE_URL or KEIRO_SQLITE_PATH is required")
	}
	if c.DBMaxConns < 0 {
		return fmt.Errorf("config: KEIRO_DB_MAX_CONNS must not be negative")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: KEIRO_PORT must be between 1 and 65535")
	}
	if c.PerformanceCapacity <= 0 {
		return fmt.Errorf("config: KEIRO_PERFORMANCE_CAPACITY must be positive")
	}
	if c.AnalysisWindow <= 0 || 2*c.AnalysisWindow > c.PerformanceCapacity {
		return fmt.Errorf("config: KEIRO_ANALYSIS_WINDOW must be positive and fit twice in KEIRO_PERFORMANCE_CAPACITY")
	}
	if c.MaxParallelNodes <= 0 {
		return fmt.Errorf("config: KEIRO_MAX_PARALLEL_NODES must be positive")
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("config: KEIRO_EVENT_BUFFER_SIZE must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KEIRO_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.EventRetention < 0 || c.IdempotencyTTL < 0 {
		return fmt.Errorf("config: KEIRO_EVENT_RETENTION and KEIRO_IDEMPOTENCY_TTL must not be negative")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("config: KEIRO_CLEANUP_INTERVAL must be positive")
	}
	if c.NATSURL != "" && c.NATSSubject == "" {
		return fmt.Errorf("config: KEIRO_NATS_SUBJECT is required when NATS_URL is set")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
