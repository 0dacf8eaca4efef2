package events

import (
	"fmt"
	"slices"

	"github.com/ashita-ai/keiro/internal/model"
)

// SequenceOptions controls MatchSequence.
type SequenceOptions struct {
	// Cyclic accepts the expected sequence repeating any number of times,
	// including a trailing partial repetition. The default is strict: the
	// relevant events must appear exactly once each, in order.
	Cyclic bool
}

// MatchSequence checks that the events whose type is named in expected occur
// in the expected order. Events of other types are ignored. It returns nil on
// a match and an error describing the first divergence otherwise.
func MatchSequence(evs []model.Event, expected []string, opts SequenceOptions) error {
	if len(expected) == 0 {
		return nil
	}
	var seen []string
	for _, e := range evs {
		if slices.Contains(expected, e.Type) {
			seen = append(seen, e.Type)
		}
	}

	if !opts.Cyclic && len(seen) > len(expected) {
		return fmt.Errorf("events: sequence has %d relevant events, expected %d: %v", len(seen), len(expected), seen)
	}
	for i, typ := range seen {
		want := expected[i%len(expected)]
		if typ != want {
			return fmt.Errorf("events: sequence position %d is %q, expected %q", i, typ, want)
		}
	}
	if len(seen) < len(expected) {
		return fmt.Errorf("events: sequence incomplete, missing %v", expected[len(seen):])
	}
	return nil
}
