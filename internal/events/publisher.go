package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/keiro/internal/model"
)

// Emitter is what components hold to publish events.
type Emitter interface {
	Publish(ctx context.Context, e model.Event)
}

// Kind is implemented by the built-in event type constants.
type Kind interface {
	String() string
	Category() model.EventCategory
	Tier() model.Tier
}

// Emit builds an event of kind k attributed to component and publishes it.
// The source tier always matches the tier k is registered under.
func Emit(ctx context.Context, em Emitter, k Kind, component, instanceID string, opts ...Option) model.Event {
	e := New(ctx, k.String(), model.EventSource{Tier: k.Tier(), Component: component, InstanceID: instanceID}, opts...)
	em.Publish(ctx, e)
	return e
}

// Observer receives every published event synchronously.
type Observer interface {
	Observe(ctx context.Context, e model.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, e model.Event)

func (f ObserverFunc) Observe(ctx context.Context, e model.Event) { f(ctx, e) }

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Publish(context.Context, model.Event) {}

// Publisher validates events against the registry and fans them out to
// observers and channel subscribers. Invalid events are logged and still
// delivered; callers that need rejection use Registry.Validate directly.
type Publisher struct {
	registry *Registry
	logger   *slog.Logger

	mu          sync.RWMutex
	observers   []Observer
	subscribers map[chan model.Event]struct{}

	published atomic.Int64
	invalid   atomic.Int64
	skipped   atomic.Int64
}

// NewPublisher creates a publisher that validates against registry.
func NewPublisher(registry *Registry, logger *slog.Logger, observers ...Observer) *Publisher {
	return &Publisher{
		registry:    registry,
		logger:      logger,
		observers:   observers,
		subscribers: make(map[chan model.Event]struct{}),
	}
}

// AddObserver registers o for all subsequent events.
func (p *Publisher) AddObserver(o Observer) {
	p.mu.Lock()
	p.observers = append(p.observers, o)
	p.mu.Unlock()
}

// Publish validates e and delivers it to every observer and subscriber.
func (p *Publisher) Publish(ctx context.Context, e model.Event) {
	p.published.Add(1)
	if problems := p.registry.Validate(e); len(problems) > 0 {
		p.invalid.Add(1)
		p.logger.Warn("events: invalid event published", "type", e.Type, "problems", problems)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, o := range p.observers {
		o.Observe(ctx, e)
	}
	for ch := range p.subscribers {
		select {
		case ch <- e:
		default:
			// Slow subscriber; drop rather than block the publisher.
			p.skipped.Add(1)
		}
	}
}

// Subscribe returns a channel receiving every subsequently published event.
// The caller must call Unsubscribe when done.
func (p *Publisher) Subscribe() chan model.Event {
	ch := make(chan model.Event, 64)
	p.mu.Lock()
	p.subscribers[ch] = struct{}{}
	p.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (p *Publisher) Unsubscribe(ch chan model.Event) {
	p.mu.Lock()
	delete(p.subscribers, ch)
	p.mu.Unlock()
	close(ch)
}

// PublisherStats are cumulative publisher counters.
type PublisherStats struct {
	Published int64 `json:"published"`
	Invalid   int64 `json:"invalid"`
	Skipped   int64 `json:"skipped"`
}

// Stats returns the cumulative counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Invalid:   p.invalid.Load(),
		Skipped:   p.skipped.Load(),
	}
}
