package runs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/keiro/internal/model"
)

// ErrRoutineNotFound is returned when a node names a routine the catalog
// does not know.
var ErrRoutineNotFound = errors.New("runs: routine not found")

// Catalog resolves the routine a chosen node runs.
type Catalog interface {
	Routine(ctx context.Context, id string) (model.Routine, error)
}

// StaticCatalog is an in-memory catalog keyed by routine id.
type StaticCatalog map[string]model.Routine

func (c StaticCatalog) Routine(_ context.Context, id string) (model.Routine, error) {
	r, ok := c[id]
	if !ok {
		return model.Routine{}, fmt.Errorf("%w: %q", ErrRoutineNotFound, id)
	}
	return r, nil
}

type catalogFile struct {
	Routines []model.Routine `yaml:"routines"`
}

// LoadCatalogYAML reads a routine catalog of the form
//
//	routines:
//	  - id: summarize
//	    strategy: deterministic
//	    steps:
//	      - tool: fetch
//	        input: {url: $url}
//	        output: page
func LoadCatalogYAML(r io.Reader) (StaticCatalog, error) {
	var f catalogFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("runs: decode catalog: %w", err)
	}
	c := make(StaticCatalog, len(f.Routines))
	for i, routine := range f.Routines {
		if routine.ID == "" {
			return nil, fmt.Errorf("runs: catalog entry %d has no id", i)
		}
		if _, dup := c[routine.ID]; dup {
			return nil, fmt.Errorf("runs: duplicate routine %q", routine.ID)
		}
		c[routine.ID] = routine
	}
	return c, nil
}

// LoadCatalogFile is LoadCatalogYAML for a file path.
func LoadCatalogFile(path string) (StaticCatalog, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("runs: open catalog: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadCatalogYAML(f)
}
