package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/joestump/algotutor/internal/catalog"
)

const historyFile = "_problem_history.json"

// ProblemCounters tracks shared attempt/solve history for one problem.
// Counters are monotonic non-decreasing.
type ProblemCounters struct {
	Attempts      int        `json:"attempts"`
	Solves        int        `json:"solves"`
	LastAttemptAt time.Time  `json:"last_attempt_at"`
	LastSolveAt   *time.Time `json:"last_solve_at,omitempty"`
	FirstSolveAt  *time.Time `json:"first_solve_at,omitempty"`
}

// History is the counter sub-store, shared by every session. A single
// mutex wraps the read-modify-write cycle of every mutation so
// concurrent submits never lose an increment.
type History struct {
	path string
	log  zerolog.Logger

	mu sync.Mutex
}

// NewHistory returns the counter sub-store rooted in the sessions dir.
func NewHistory(sessionsDir string, log zerolog.Logger) (*History, error) {
	abs, err := filepath.Abs(sessionsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve sessions dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &History{
		path: filepath.Join(abs, historyFile),
		log:  log.With().Str("component", "history").Logger(),
	}, nil
}

// load reads the counter map. A missing file is an empty map; a corrupt
// file is logged and replaced on the next write rather than crashing.
func (h *History) load() map[string]*ProblemCounters {
	counters := make(map[string]*ProblemCounters)
	data, err := os.ReadFile(h.path)
	if err != nil {
		if !os.IsNotExist(err) {
			h.log.Warn().Err(err).Msg("read problem history")
		}
		return counters
	}
	if err := json.Unmarshal(data, &counters); err != nil {
		h.log.Warn().Err(err).Msg("problem history corrupt, starting fresh")
		return make(map[string]*ProblemCounters)
	}
	return counters
}

func (h *History) write(counters map[string]*ProblemCounters) error {
	pending, err := renameio.NewPendingFile(h.path)
	if err != nil {
		return fmt.Errorf("create pending history file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			h.log.Debug().Err(err).Msg("cleanup pending history file")
		}
	}()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(counters); err != nil {
		return fmt.Errorf("encode problem history: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace problem history: %w", err)
	}
	return nil
}

// record applies fn to the problem's counters under the mutex and
// persists the whole map atomically.
func (h *History) record(problemID string, fn func(*ProblemCounters)) error {
	if !catalog.ValidProblemID(problemID) {
		return fmt.Errorf("invalid problem id %q", problemID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	counters := h.load()
	pc, ok := counters[problemID]
	if !ok {
		pc = &ProblemCounters{}
		counters[problemID] = pc
	}
	fn(pc)
	return h.write(counters)
}

// RecordAttempt increments the attempt counter for a problem.
func (h *History) RecordAttempt(problemID string) error {
	return h.record(problemID, func(pc *ProblemCounters) {
		pc.Attempts++
		pc.LastAttemptAt = time.Now().UTC()
	})
}

// RecordSolve increments the solve counter for a problem.
func (h *History) RecordSolve(problemID string) error {
	return h.record(problemID, func(pc *ProblemCounters) {
		now := time.Now().UTC()
		pc.Solves++
		pc.LastSolveAt = &now
		if pc.FirstSolveAt == nil {
			pc.FirstSolveAt = &now
		}
	})
}

// RecordSubmission increments attempts and, when the submission passed,
// solves, both under a single lock acquisition so the pair is atomic.
func (h *History) RecordSubmission(problemID string, solved bool) error {
	return h.record(problemID, func(pc *ProblemCounters) {
		now := time.Now().UTC()
		pc.Attempts++
		pc.LastAttemptAt = now
		if solved {
			pc.Solves++
			pc.LastSolveAt = &now
			if pc.FirstSolveAt == nil {
				pc.FirstSolveAt = &now
			}
		}
	})
}

// Counters returns a copy of the full counter map.
func (h *History) Counters() map[string]ProblemCounters {
	h.mu.Lock()
	defer h.mu.Unlock()

	counters := h.load()
	out := make(map[string]ProblemCounters, len(counters))
	for id, pc := range counters {
		out[id] = *pc
	}
	return out
}
