package events

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/keiro/internal/ctxutil"
	"github.com/ashita-ai/keiro/internal/model"
)

// SchemaVersion is stamped on every event this package constructs.
const SchemaVersion = "1.0"

// Option customizes an event under construction.
type Option func(*model.Event)

// New builds an event of the given type. The correlation id defaults to the
// one carried on ctx, or to the new event's own id when ctx has none.
func New[T ~string](ctx context.Context, eventType T, source model.EventSource, opts ...Option) model.Event {
	e := model.Event{
		ID:            uuid.New(),
		Type:          string(eventType),
		Timestamp:     time.Now().UTC(),
		Source:        source,
		CorrelationID: ctxutil.CorrelationIDFromContext(ctx),
		Metadata: model.EventMetadata{
			Version:  SchemaVersion,
			Priority: model.PriorityNormal,
		},
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.ID.String()
	}
	return e
}

// WithCorrelation sets the correlation id.
func WithCorrelation(id string) Option {
	return func(e *model.Event) { e.CorrelationID = id }
}

// WithCausation marks parent as the direct cause and joins its correlation group.
func WithCausation(parent model.Event) Option {
	return func(e *model.Event) {
		id := parent.ID
		e.CausationID = &id
		e.CorrelationID = parent.CorrelationID
	}
}

// WithPriority sets the delivery priority.
func WithPriority(p model.Priority) Option {
	return func(e *model.Event) { e.Metadata.Priority = p }
}

// WithTTL sets the time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(e *model.Event) {
		secs := int(ttl / time.Second)
		e.Metadata.TTLSeconds = &secs
	}
}

// WithTags appends free-form tags.
func WithTags(tags ...string) Option {
	return func(e *model.Event) { e.Metadata.Tags = append(slices.Clone(e.Metadata.Tags), tags...) }
}

// WithUser records the acting user and session.
func WithUser(userID, sessionID string) Option {
	return func(e *model.Event) {
		e.Metadata.UserID = userID
		e.Metadata.SessionID = sessionID
	}
}

// WithData sets the payload. The map is copied.
func WithData(data map[string]any) Option {
	return func(e *model.Event) { e.Data = maps.Clone(data) }
}
