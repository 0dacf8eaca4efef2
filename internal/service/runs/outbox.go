package runs

import (
	"context"
	"sync"

	"github.com/ashita-ai/keiro/internal/model"
)

// outbox holds events raised while run state is being mutated so that they
// are published only after the change commits.
type outbox struct {
	mu     sync.Mutex
	events []model.Event
}

func (o *outbox) Publish(_ context.Context, e model.Event) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

// reset drops anything collected by a failed or retried attempt.
func (o *outbox) reset() {
	o.mu.Lock()
	o.events = o.events[:0]
	o.mu.Unlock()
}

func (o *outbox) flush(ctx context.Context, to interface {
	Publish(context.Context, model.Event)
}) {
	o.mu.Lock()
	pending := o.events
	o.events = nil
	o.mu.Unlock()
	for _, e := range pending {
		to.Publish(ctx, e)
	}
}
