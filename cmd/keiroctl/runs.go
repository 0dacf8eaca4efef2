package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/keiro/internal/delivery"
	"github.com/ashita-ai/keiro/internal/events"
	"github.com/ashita-ai/keiro/internal/integrity"
	"github.com/ashita-ai/keiro/internal/model"
	"github.com/ashita-ai/keiro/internal/service/runs"
	"github.com/ashita-ai/keiro/internal/storage/sqlite"
)

// session is a run service over the local database. Close flushes the
// events the command published.
type session struct {
	svc   *runs.Service
	buf   *events.Buffer
	store *sqlite.Store
}

func openSession(g *Globals, rt *runtime) (*session, error) {
	reg, err := loadRegistry(g)
	if err != nil {
		return nil, err
	}
	catalog := runs.StaticCatalog{}
	if g.RoutinesFile != "" {
		if catalog, err = runs.LoadCatalogFile(g.RoutinesFile); err != nil {
			return nil, err
		}
	}
	store, err := sqlite.Open(g.DB)
	if err != nil {
		return nil, err
	}
	buf := events.NewBuffer(store, rt.logger, 1000, time.Second)
	svc := runs.New(runs.Config{
		Store:   store,
		Catalog: catalog,
		Emitter: events.NewPublisher(reg, rt.logger, buf),
		Logger:  rt.logger,
	})
	return &session{svc: svc, buf: buf, store: store}, nil
}

func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.buf.Drain(ctx)
	if n := s.buf.Len(); n > 0 {
		_ = s.store.Close()
		return fmt.Errorf("%d events were not written", n)
	}
	return s.store.Close()
}

var errDigestMismatch = errors.New("decision log does not match the expected root")

func parseRunID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid run ID %q: %w", s, err)
	}
	return id, nil
}

// withSession opens a session, runs fn, and closes the session. An error
// from fn wins over a close error.
func withSession(g *Globals, rt *runtime, fn func(*session) error) (err error) {
	s, err := openSession(g, rt)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

// Run starts a run with one subroutine per --instance flag.
func (c *StartRunCmd) Run(g *Globals, rt *runtime) error {
	in := runs.StartInput{}
	if c.Limits != "" {
		if err := rt.decodeArg(c.Limits, &in.Limits); err != nil {
			return err
		}
	}
	if c.RunID != "" {
		id, err := parseRunID(c.RunID)
		if err != nil {
			return err
		}
		in.RunID = &id
	}
	// Map order is random; sort so instance order is stable.
	for _, instance := range slices.Sorted(maps.Keys(c.Instance)) {
		in.Subroutines = append(in.Subroutines, model.SubroutineInput{
			InstanceID: instance,
			RoutineID:  c.Instance[instance],
		})
	}
	return withSession(g, rt, func(s *session) error {
		run, err := s.svc.Start(rt.ctx, in)
		if err != nil {
			return err
		}
		return rt.writeJSON(run)
	})
}

// Run prints the run.
func (c *ShowRunCmd) Run(g *Globals, rt *runtime) error {
	id, err := parseRunID(c.RunID)
	if err != nil {
		return err
	}
	return withSession(g, rt, func(s *session) error {
		run, err := s.svc.Get(rt.ctx, id)
		if err != nil {
			return err
		}
		return rt.writeJSON(run)
	})
}

// Run prints the run's events.
func (c *EventsCmd) Run(g *Globals, rt *runtime) error {
	id, err := parseRunID(c.RunID)
	if err != nil {
		return err
	}
	return withSession(g, rt, func(s *session) error {
		evs, err := s.svc.Events(rt.ctx, id, c.Type, c.Limit)
		if err != nil {
			return err
		}
		if evs == nil {
			evs = []model.Event{}
		}
		return rt.writeJSON(evs)
	})
}

// Run prints the run's decision digest.
func (c *DigestCmd) Run(g *Globals, rt *runtime) error {
	id, err := parseRunID(c.RunID)
	if err != nil {
		return err
	}
	return withSession(g, rt, func(s *session) error {
		run, err := s.svc.Get(rt.ctx, id)
		if err != nil {
			return err
		}
		digest := integrity.RunDigest(run)
		if err := rt.writeJSON(digest); err != nil {
			return err
		}
		if c.Expect != "" && c.Expect != digest.Root {
			return errDigestMismatch
		}
		return nil
	})
}

// Run delivers the message.
func (c *DeliverMessageCmd) Run(g *Globals, rt *runtime) error {
	id, err := parseRunID(c.RunID)
	if err != nil {
		return err
	}
	return withSession(g, rt, func(s *session) error {
		report, err := s.svc.DeliverMessage(rt.ctx, id, c.MessageID, c.Target)
		if err != nil {
			return err
		}
		return rt.writeJSON(report)
	})
}

// Run broadcasts the signal.
func (c *DeliverSignalCmd) Run(g *Globals, rt *runtime) error {
	id, err := parseRunID(c.RunID)
	if err != nil {
		return err
	}
	return withSession(g, rt, func(s *session) error {
		report, err := s.svc.DeliverSignal(rt.ctx, id, c.SignalID)
		if err != nil {
			return err
		}
		return rt.writeJSON(report)
	})
}

// Run delivers the error code.
func (c *DeliverErrorCmd) Run(g *Globals, rt *runtime) error {
	return deliverCode(g, rt, c.RunID, func(s *session, id uuid.UUID) (delivery.Report, error) {
		return s.svc.DeliverError(rt.ctx, id, c.Code, c.Instance)
	})
}

// Run delivers the escalation code.
func (c *DeliverEscalationCmd) Run(g *Globals, rt *runtime) error {
	return deliverCode(g, rt, c.RunID, func(s *session, id uuid.UUID) (delivery.Report, error) {
		return s.svc.DeliverEscalation(rt.ctx, id, c.Code, c.Instance)
	})
}

func deliverCode(g *Globals, rt *runtime, runID string, deliver func(*session, uuid.UUID) (delivery.Report, error)) error {
	id, err := parseRunID(runID)
	if err != nil {
		return err
	}
	return withSession(g, rt, func(s *session) error {
		report, err := deliver(s, id)
		if err != nil {
			return err
		}
		return rt.writeJSON(report)
	})
}
