package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/keiro/internal/model"
	"github.com/ashita-ai/keiro/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered events.
// When reached, Append returns an error instead of growing.
const maxBufferCapacity = 100_000

// Sink persists batches of events.
type Sink interface {
	InsertEvents(ctx context.Context, events []model.Event) (int64, error)
}

// Buffer accumulates events in memory and flushes them to a Sink when either
// the batch size or the flush interval is reached. It is an Observer, so it
// can be attached directly to a Publisher.
type Buffer struct {
	sink          Sink
	logger        *slog.Logger
	maxSize       int
	flushInterval time.Duration

	mu     sync.Mutex
	events []model.Event

	dropped atomic.Int64
	started atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewBuffer creates a buffer flushing to sink.
func NewBuffer(sink Sink, logger *slog.Logger, maxSize int, flushInterval time.Duration) *Buffer {
	return &Buffer{
		sink:          sink,
		logger:        logger,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop. A second call is a no-op.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("events: buffer already started")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Observe implements Observer. Events rejected for capacity are counted as dropped.
func (b *Buffer) Observe(_ context.Context, e model.Event) {
	if err := b.Append(e); err != nil {
		b.dropped.Add(1)
		b.logger.Error("events: buffer append failed", "error", err, "type", e.Type)
	}
}

// Append adds events to the buffer. It returns an error when the buffer is at capacity.
func (b *Buffer) Append(events ...model.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events)+len(events) > maxBufferCapacity {
		return fmt.Errorf("events: buffer at capacity (%d events)", len(b.events))
	}
	b.events = append(b.events, events...)

	if len(b.events) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is done; the final flush needs a live context.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

// Flush writes everything currently buffered.
func (b *Buffer) Flush(ctx context.Context) { b.flush(ctx) }

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	start := time.Now()
	count, err := b.sink.InsertEvents(ctx, batch)
	if err != nil {
		b.logger.Error("events: flush failed", "error", err, "batch_size", len(batch))
		b.mu.Lock()
		if len(b.events)+len(batch) <= maxBufferCapacity {
			b.events = append(batch, b.events...)
		} else {
			b.dropped.Add(int64(len(batch)))
			b.logger.Error("events: dropping events, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Debug("events: batch flushed",
		"batch_size", count,
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// Drain stops the flush loop after a final flush bounded by ctx.
func (b *Buffer) Drain(ctx context.Context) {
	if !b.started.Load() {
		b.flush(ctx)
		return
	}
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("events: drain timed out waiting for flush loop")
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("keiro/events")

	_, _ = meter.Int64ObservableGauge("keiro.events.buffer.depth",
		metric.WithDescription("Current number of events in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("keiro.events.buffer.dropped_total",
		metric.WithDescription("Total events dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}

// Len returns the current number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Dropped returns the total number of events lost to capacity limits.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}
