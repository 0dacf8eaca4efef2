package model

import (
	"time"

	"github.com/google/uuid"
)

// Tier classifies which layer of the execution stack emitted an event.
type Tier string

const (
	TierCoordination Tier = "1"
	TierProcess      Tier = "2"
	TierExecution    Tier = "3"
	TierCrossCutting Tier = "cross-cutting"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierCoordination, TierProcess, TierExecution, TierCrossCutting:
		return true
	}
	return false
}

// EventCategory groups event types for diagnostics and filtering.
type EventCategory string

const (
	CategoryLifecycle    EventCategory = "lifecycle"
	CategoryCoordination EventCategory = "coordination"
	CategoryManagement   EventCategory = "management"
	CategoryProcess      EventCategory = "process"
	CategoryNavigation   EventCategory = "navigation"
	CategoryOptimization EventCategory = "optimization"
	CategoryExecution    EventCategory = "execution"
	CategoryStrategy     EventCategory = "strategy"
	CategoryTool         EventCategory = "tool"
	CategorySecurity     EventCategory = "security"
	CategoryMonitoring   EventCategory = "monitoring"
	CategoryResource     EventCategory = "resource"
	CategoryError        EventCategory = "error"
)

// Priority is the delivery priority carried in event metadata.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// EventSource identifies the component instance that emitted an event.
type EventSource struct {
	Tier       Tier   `json:"tier"`
	Component  string `json:"component"`
	InstanceID string `json:"instance_id"`
}

// EventMetadata is the envelope metadata attached to every event.
type EventMetadata struct {
	Version    string   `json:"version"`
	Tags       []string `json:"tags,omitempty"`
	Priority   Priority `json:"priority"`
	TTLSeconds *int     `json:"ttl_seconds,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
}

// Event is an immutable record of something a component did.
// Created once by the acting component; never mutated afterwards.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        EventSource    `json:"source"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   *uuid.UUID     `json:"causation_id,omitempty"`
	Metadata      EventMetadata  `json:"metadata"`
	Data          map[string]any `json:"data,omitempty"`
}

// Expired reports whether the event's TTL has elapsed at now.
// Events without a TTL never expire.
func (e Event) Expired(now time.Time) bool {
	if e.Metadata.TTLSeconds == nil {
		return false
	}
	return now.After(e.Timestamp.Add(time.Duration(*e.Metadata.TTLSeconds) * time.Second))
}

// EventTypeMetadata describes a registered event type.
type EventTypeMetadata struct {
	Type        string        `json:"type" yaml:"type"`
	Category    EventCategory `json:"category" yaml:"category"`
	Tier        Tier          `json:"tier" yaml:"tier"`
	Description string        `json:"description" yaml:"description"`
}
