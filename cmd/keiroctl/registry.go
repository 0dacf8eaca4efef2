package main

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ashita-ai/keiro/internal/events"
	"github.com/ashita-ai/keiro/internal/model"
)

var errInvalidEvent = errors.New("event is invalid")

func loadRegistry(g *Globals) (*events.Registry, error) {
	reg := events.NewRegistry()
	events.RegisterDefaults(reg)
	if g.EventTypesFile != "" {
		if _, err := events.LoadFile(reg, g.EventTypesFile); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Run lists event types, optionally filtered by tier and category.
func (c *EventTypesCmd) Run(g *Globals, rt *runtime) error {
	reg, err := loadRegistry(g)
	if err != nil {
		return err
	}
	types := reg.All()
	if c.Tier != "" {
		tier := model.Tier(c.Tier)
		if !tier.Valid() {
			return fmt.Errorf("unknown tier %q", c.Tier)
		}
		types = slices.DeleteFunc(types, func(m model.EventTypeMetadata) bool { return m.Tier != tier })
	}
	if c.Category != "" {
		cat := model.EventCategory(c.Category)
		types = slices.DeleteFunc(types, func(m model.EventTypeMetadata) bool { return m.Category != cat })
	}
	return rt.writeJSON(types)
}

// Run validates the event and fails when problems are found.
func (c *ValidateEventCmd) Run(g *Globals, rt *runtime) error {
	reg, err := loadRegistry(g)
	if err != nil {
		return err
	}
	var e model.Event
	if err := rt.decodeArg(c.Event, &e); err != nil {
		return err
	}
	problems := reg.Validate(e)
	if problems == nil {
		problems = []string{}
	}
	if err := rt.writeJSON(model.ValidateEventResponse{Valid: len(problems) == 0, Problems: problems}); err != nil {
		return err
	}
	if len(problems) > 0 {
		return errInvalidEvent
	}
	return nil
}
