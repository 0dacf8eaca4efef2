package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keiro/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultRegistry() *Registry {
	r := NewRegistry()
	RegisterDefaults(r)
	return r
}

func TestPublisher_FansOutToObserversAndSubscribers(t *testing.T) {
	var mu sync.Mutex
	var observed []string
	p := NewPublisher(defaultRegistry(), testLogger(), ObserverFunc(func(_ context.Context, e model.Event) {
		mu.Lock()
		observed = append(observed, e.Type)
		mu.Unlock()
	}))

	ch := p.Subscribe()
	defer p.Unsubscribe(ch)

	e := New(context.Background(), RunStarted, model.EventSource{Tier: model.TierProcess})
	p.Publish(context.Background(), e)

	assert.Equal(t, []string{"run.started"}, observed)
	select {
	case got := <-ch:
		assert.Equal(t, e.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
	assert.Equal(t, PublisherStats{Published: 1}, p.Stats())
}

func TestPublisher_InvalidEventsAreCountedButDelivered(t *testing.T) {
	var count int
	p := NewPublisher(defaultRegistry(), testLogger())
	p.AddObserver(ObserverFunc(func(context.Context, model.Event) { count++ }))

	p.Publish(context.Background(), model.Event{Type: "mystery"})
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(1), p.Stats().Invalid)
}

func TestPublisher_SlowSubscriberIsSkipped(t *testing.T) {
	p := NewPublisher(defaultRegistry(), testLogger())
	ch := p.Subscribe()
	defer p.Unsubscribe(ch)

	for range cap(ch) + 5 {
		p.Publish(context.Background(), New(context.Background(), StepStarted, model.EventSource{Tier: model.TierProcess}))
	}
	require.Len(t, ch, cap(ch))
	assert.Equal(t, int64(5), p.Stats().Skipped)
}
