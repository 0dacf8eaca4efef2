package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "fast")
	_, err := envFloat("TEST_FLOAT_BAD", 1)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="fast" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("KEIRO_PORT", "abc")
	t.Setenv("KEIRO_ANALYSIS_WINDOW", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "KEIRO_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention KEIRO_PORT and value 'abc', got: %s", got)
	}
	if !strings.Contains(got, "KEIRO_ANALYSIS_WINDOW") {
		t.Fatalf("error should mention KEIRO_ANALYSIS_WINDOW, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.PerformanceCapacity != 100 || cfg.AnalysisWindow != 10 {
		t.Fatalf("unexpected tracker defaults: capacity=%d window=%d", cfg.PerformanceCapacity, cfg.AnalysisWindow)
	}
}

func TestValidateRejectsWindowLargerThanHalfCapacity(t *testing.T) {
	t.Setenv("KEIRO_PERFORMANCE_CAPACITY", "10")
	t.Setenv("KEIRO_ANALYSIS_WINDOW", "6")
	_, err := Load()
	if err == nil {
		t.Fatal("expected window validation error")
	}
	if !strings.Contains(err.Error(), "KEIRO_ANALYSIS_WINDOW") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRequiresNATSSubject(t *testing.T) {
	cfg := Config{
		SQLitePath: "x.db", Port: 1, PerformanceCapacity: 10, AnalysisWindow: 5,
		MaxParallelNodes: 1, EventBufferSize: 1, MaxRequestBodyBytes: 1,
		CleanupInterval: time.Minute,
		NATSURL:         "nats://localhost:4222",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when NATS subject is missing")
	}
	cfg.NATSSubject = "keiro.deliveries"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadRetentionSettings(t *testing.T) {
	t.Setenv("KEIRO_EVENT_RETENTION", "720h")
	t.Setenv("KEIRO_IDEMPOTENCY_TTL", "1h")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.EventRetention != 720*time.Hour || cfg.IdempotencyTTL != time.Hour {
		t.Fatalf("unexpected retention: events=%s idempotency=%s", cfg.EventRetention, cfg.IdempotencyTTL)
	}
	if cfg.CleanupInterval != time.Hour {
		t.Fatalf("expected default cleanup interval 1h, got %s", cfg.CleanupInterval)
	}
}

func TestValidateRejectsNegativeRetention(t *testing.T) {
	t.Setenv("KEIRO_EVENT_RETENTION", "-1h")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "KEIRO_EVENT_RETENTION") {
		t.Fatalf("expected retention validation error, got: %v", err)
	}
}

func TestLoadDBMaxConns(t *testing.T) {
	t.Setenv("KEIRO_DB_MAX_CONNS", "16")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DBMaxConns != 16 {
		t.Fatalf("expected 16, got %d", cfg.DBMaxConns)
	}

	t.Setenv("KEIRO_DB_MAX_CONNS", "-2")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "KEIRO_DB_MAX_CONNS") {
		t.Fatalf("expected max conns validation error, got: %v", err)
	}
}
