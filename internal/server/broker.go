package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashita-ai/keiro/internal/model"
)

// EventSource is what the broker reads published events from.
type EventSource interface {
	Subscribe() chan model.Event
	Unsubscribe(ch chan model.Event)
}

// Broker fans published events out to SSE subscribers. Each subscriber may
// filter on a correlation ID, which for run events is the run ID.
type Broker struct {
	source EventSource
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]string
}

// NewBroker creates a new SSE broker. Call Start to begin forwarding.
func NewBroker(source EventSource, logger *slog.Logger) *Broker {
	return &Broker{
		source:      source,
		logger:      logger,
		subscribers: make(map[chan []byte]string),
	}
}

// Start forwards events until ctx is cancelled. It blocks, so call it in a
// goroutine.
func (b *Broker) Start(ctx context.Context) {
	ch := b.source.Subscribe()
	defer b.source.Unsubscribe(ch)

	b.logger.Info("broker: forwarding events to sse subscribers")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			b.publish(e)
		}
	}
}

func (b *Broker) publish(e model.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Warn("broker: marshal event", "type", e.Type, "error", err)
		return
	}
	b.broadcast(e.CorrelationID, formatSSE(e.Type, payload))
}

// Subscribe returns a channel that receives SSE-formatted events. A non-empty
// correlationID restricts it to events carrying that correlation ID.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(correlationID string) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = correlationID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all matching subscribers. Slow subscribers that
// have a full buffer are skipped so one slow client cannot block the others.
func (b *Broker) broadcast(correlationID string, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subscribers {
		if filter != "" && filter != correlationID {
			continue
		}
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop this event for them.
		}
	}
}

// formatSSE formats an event as a Server-Sent Events message.
func formatSSE(eventType string, data []byte) []byte {
	out := make([]byte, 0, len(eventType)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, eventType...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	return append(out, "\n\n"...)
}
