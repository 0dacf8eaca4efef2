package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keiro/internal/model"
)

func seq(types ...string) []model.Event {
	out := make([]model.Event, len(types))
	for i, typ := range types {
		out[i] = model.Event{Type: typ}
	}
	return out
}

func TestMatchSequence_Strict(t *testing.T) {
	expected := []string{"a", "b", "c"}

	assert.NoError(t, MatchSequence(seq("a", "x", "b", "c"), expected, SequenceOptions{}), "unrelated events are ignored")

	err := MatchSequence(seq("a", "c", "b"), expected, SequenceOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "position 1")

	err = MatchSequence(seq("a", "b"), expected, SequenceOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete")

	err = MatchSequence(seq("a", "b", "c", "a"), expected, SequenceOptions{})
	require.Error(t, err, "repeats are rejected in strict mode")
}

func TestMatchSequence_Cyclic(t *testing.T) {
	expected := []string{"a", "b"}
	opts := SequenceOptions{Cyclic: true}

	assert.NoError(t, MatchSequence(seq("a", "b", "a", "b", "a"), expected, opts))
	assert.Error(t, MatchSequence(seq("a", "b", "b"), expected, opts))
	assert.Error(t, MatchSequence(seq("a"), expected, opts), "at least one full cycle is required")
}

func TestMatchSequence_EmptyExpected(t *testing.T) {
	assert.NoError(t, MatchSequence(seq("a"), nil, SequenceOptions{}))
}
