// Package catalog loads the static problem catalog at startup. The catalog
// is immutable after Load; all accessors are safe for concurrent use.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// problemIDRe bounds problem ids before they are used in file paths.
var problemIDRe = regexp.MustCompile(`^[a-z0-9-]{1,100}$`)

// ValidProblemID reports whether id is a well-formed problem id.
func ValidProblemID(id string) bool {
	return problemIDRe.MatchString(id)
}

// TestCase is a single input/expected pair for a problem.
type TestCase struct {
	// Input holds the positional arguments passed to the entry point.
	Input []json.RawMessage `json:"input"`
	// Expected is the deep-equal comparison target.
	Expected json.RawMessage `json:"expected"`
}

// Problem is one entry in the catalog.
type Problem struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Difficulty  string     `json:"difficulty"`
	Tags        []string   `json:"tags"`
	Description string     `json:"description"`
	// EntryPoint is the function name learner code must define.
	EntryPoint string     `json:"entry_point"`
	Tests      []TestCase `json:"tests"`
}

// Catalog is the set of problems known to the server.
type Catalog struct {
	problems map[string]*Problem
	ordered  []*Problem
}

// Load reads every *.json file in dir as a Problem. Files that do not
// parse, or whose id does not match the filename, are skipped with a
// warning so one bad file cannot take down startup.
func Load(dir string, log zerolog.Logger) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read problems dir: %w", err)
	}

	c := &Catalog{problems: make(map[string]*Problem)}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name()).Msg("skipping unreadable problem file")
			continue
		}
		var p Problem
		if err := json.Unmarshal(data, &p); err != nil {
			log.Warn().Err(err).Str("file", e.Name()).Msg("skipping malformed problem file")
			continue
		}
		if !ValidProblemID(p.ID) {
			log.Warn().Str("file", e.Name()).Str("id", p.ID).Msg("skipping problem with invalid id")
			continue
		}
		if p.ID != strings.TrimSuffix(e.Name(), ".json") {
			log.Warn().Str("file", e.Name()).Str("id", p.ID).Msg("skipping problem whose id does not match filename")
			continue
		}
		if p.EntryPoint == "" || len(p.Tests) == 0 {
			log.Warn().Str("id", p.ID).Msg("skipping problem without entry point or tests")
			continue
		}
		c.problems[p.ID] = &p
	}

	for _, p := range c.problems {
		c.ordered = append(c.ordered, p)
	}
	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i].ID < c.ordered[j].ID })

	log.Info().Int("problems", len(c.ordered)).Str("dir", dir).Msg("catalog loaded")
	return c, nil
}

// Get returns the problem with the given id.
func (c *Catalog) Get(id string) (*Problem, bool) {
	p, ok := c.problems[id]
	return p, ok
}

// List returns all problems sorted by id. Callers must not mutate the
// returned slice or the problems it points to.
func (c *Catalog) List() []*Problem {
	return c.ordered
}
