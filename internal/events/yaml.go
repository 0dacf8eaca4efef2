package events

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/keiro/internal/model"
)

// typeFile is the on-disk shape of an event type extension file:
//
//	event_types:
//	  - type: billing.invoice_issued
//	    category: resource
//	    tier: cross-cutting
//	    description: An invoice was issued
type typeFile struct {
	EventTypes []model.EventTypeMetadata `yaml:"event_types"`
}

// LoadYAML registers the event types defined in data and returns how many
// were registered. Entries are validated as a whole before any is registered.
func LoadYAML(r *Registry, data []byte) (int, error) {
	var f typeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("events: parse type file: %w", err)
	}
	for i, m := range f.EventTypes {
		if m.Type == "" {
			return 0, fmt.Errorf("events: event_types[%d]: type is required", i)
		}
		if !m.Tier.Valid() {
			return 0, fmt.Errorf("events: event_types[%d] %q: unknown tier %q", i, m.Type, m.Tier)
		}
		if m.Category == "" {
			return 0, fmt.Errorf("events: event_types[%d] %q: category is required", i, m.Type)
		}
	}
	for _, m := range f.EventTypes {
		r.Register(m)
	}
	return len(f.EventTypes), nil
}

// LoadFile reads path and registers its event types.
func LoadFile(r *Registry, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("events: read type file: %w", err)
	}
	return LoadYAML(r, data)
}
