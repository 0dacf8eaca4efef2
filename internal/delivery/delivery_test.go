package delivery

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keiro/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(_ context.Context, e model.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newRun(ids ...string) *model.RunProgress {
	run := model.NewRunProgress(uuid.New())
	for _, id := range ids {
		run.Subcontexts[id] = &model.SubroutineContext{InstanceID: id, Status: model.SubroutineWaiting}
	}
	return run
}

func newBus(rec *recorder) *Bus {
	return NewBus(rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDeliverSignal_Broadcasts(t *testing.T) {
	run := newRun("A", "B", "C")
	r := newBus(&recorder{}).DeliverSignal(context.Background(), "sig1", run)

	assert.Equal(t, []string{"A", "B", "C"}, r.Delivered)
	assert.True(t, r.OK())
	for _, id := range []string{"A", "B", "C"} {
		evs := run.Subcontexts[id].EventsOfKind(model.RuntimeSignal)
		require.Len(t, evs, 1, id)
		assert.Equal(t, "sig1", evs[0].Ref)
	}
}

func TestDeliverMessage_Targeted(t *testing.T) {
	run := newRun("A", "B", "C")
	r := newBus(&recorder{}).DeliverMessage(context.Background(), "m1", run, []string{"A"})

	assert.Equal(t, []string{"A"}, r.Delivered)
	require.Len(t, run.Subcontexts["A"].EventsOfKind(model.RuntimeMessage), 1)
	assert.Empty(t, run.Subcontexts["B"].RuntimeEvents)
	assert.Empty(t, run.Subcontexts["C"].RuntimeEvents)
}

func TestDeliverMessage_NoTargetsMeansAll(t *testing.T) {
	run := newRun("A", "B")
	r := newBus(&recorder{}).DeliverMessage(context.Background(), "m1", run, nil)
	assert.Equal(t, []string{"A", "B"}, r.Delivered)
}

func TestDeliverMessage_MissingTargetsReported(t *testing.T) {
	rec := &recorder{}
	run := newRun("A")
	r := newBus(rec).DeliverMessage(context.Background(), "m1", run, []string{"A", "Z"})

	assert.Equal(t, []string{"A"}, r.Delivered)
	assert.Equal(t, []string{"Z"}, r.Missing)
	assert.False(t, r.OK())
	assert.Equal(t, []string{"runtime.message_delivered", "runtime.delivery_missed"}, rec.types())
}

func TestDeliverErrorAndEscalation_SingleTarget(t *testing.T) {
	run := newRun("A", "B")
	bus := newBus(&recorder{})

	r := bus.DeliverError(context.Background(), "E42", "B", run)
	assert.Equal(t, []string{"B"}, r.Delivered)
	assert.Equal(t, "E42", run.Subcontexts["B"].EventsOfKind(model.RuntimeError)[0].Ref)

	r = bus.DeliverEscalation(context.Background(), "ESC1", "missing", run)
	assert.Empty(t, r.Delivered)
	assert.Equal(t, []string{"missing"}, r.Missing)
	assert.Empty(t, run.Subcontexts["A"].RuntimeEvents)
}

func TestDeliver_DuplicateAppendsAgain(t *testing.T) {
	run := newRun("A")
	bus := newBus(&recorder{})
	bus.DeliverMessage(context.Background(), "m1", run, []string{"A"})
	bus.DeliverMessage(context.Background(), "m1", run, []string{"A"})

	evs := run.Subcontexts["A"].RuntimeEvents
	require.Len(t, evs, 2)
	assert.NotEqual(t, evs[0].ID, evs[1].ID)
	assert.Less(t, evs[0].ID, evs[1].ID, "ids sort in arrival order")
}

func TestDeliverMultipleEvents_OrderAndPartialFailure(t *testing.T) {
	run := newRun("A", "B")
	batch := Batch{
		Escalations: []CodeDelivery{{Code: "ESC", InstanceID: "A"}},
		Errors:      []CodeDelivery{{Code: "ERR", InstanceID: "nope"}},
		Signals:     []string{"sig"},
		Messages:    []MessageDelivery{{MessageID: "m", Targets: []string{"B"}}},
	}
	reports := newBus(&recorder{}).DeliverMultipleEvents(context.Background(), batch, run)

	require.Len(t, reports, 4)
	kinds := []model.RuntimeEventKind{reports[0].Kind, reports[1].Kind, reports[2].Kind, reports[3].Kind}
	assert.Equal(t, []model.RuntimeEventKind{model.RuntimeMessage, model.RuntimeSignal, model.RuntimeError, model.RuntimeEscalation}, kinds)
	assert.Equal(t, []string{"nope"}, reports[2].Missing)
	assert.True(t, reports[3].OK(), "later items still apply after a miss")

	a := run.Subcontexts["A"].RuntimeEvents
	require.Len(t, a, 2)
	assert.Equal(t, model.RuntimeSignal, a[0].Kind)
	assert.Equal(t, model.RuntimeEscalation, a[1].Kind)
}
