// Package store persists session transcripts and the shared
// problem-attempt history as JSON files. Every write is atomic
// (temp file + fsync + rename) so a crash mid-write leaves the
// previous version intact.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// sessionIDRe is checked before any path is constructed from an id.
var sessionIDRe = regexp.MustCompile(`^[0-9a-f]{16}$`)

var (
	// ErrNotFound is returned for unknown or invalid session ids.
	ErrNotFound = errors.New("session not found")
	// ErrCorrupt is returned when a session file exists but does not parse.
	ErrCorrupt = errors.New("session file corrupt")
)

// ValidSessionID reports whether id is a well-formed session id.
func ValidSessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}

// Store is the sole writer of session files under its directory.
// All mutating operations take the store mutex for the full
// read-modify-write cycle.
type Store struct {
	dir string
	log zerolog.Logger

	mu sync.Mutex
}

// New creates the sessions directory if needed and returns a Store.
func New(dir string, log zerolog.Logger) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve sessions dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{dir: abs, log: log.With().Str("component", "store").Logger()}, nil
}

// path validates id and returns the session file path. The resolved path
// must be a strict descendant of the sessions directory; anything else is
// rejected before any file access.
func (s *Store) path(id string) (string, error) {
	if !ValidSessionID(id) {
		return "", ErrNotFound
	}
	p := filepath.Join(s.dir, id+".json")
	if filepath.Dir(filepath.Clean(p)) != s.dir {
		return "", ErrNotFound
	}
	return p, nil
}

// NewSessionID returns a fresh 16-hex-character id from a cryptographic
// RNG. A collision with an existing session file is retried up to 3
// times and then treated as fatal.
func (s *Store) NewSessionID() (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("generate session id: %w", err)
		}
		id := hex.EncodeToString(buf[:])
		p, err := s.path(id)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return id, nil
		}
		s.log.Warn().Str("session", id).Msg("session id collision, retrying")
	}
	return "", errors.New("session id collision after 3 attempts")
}

// write serializes sess and atomically replaces its file. renameio
// creates the temp file in the same directory, fsyncs, and renames.
func (s *Store) write(sess *Session) error {
	p, err := s.path(sess.ID)
	if err != nil {
		return err
	}
	pending, err := renameio.NewPendingFile(p)
	if err != nil {
		return fmt.Errorf("create pending session file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			s.log.Debug().Err(err).Msg("cleanup pending session file")
		}
	}()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sess); err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// read loads a session without taking the mutex. Callers that mutate
// must hold it.
func (s *Store) read(id string) (*Session, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, id)
	}
	return &sess, nil
}

// mutate applies fn to the stored session under the store mutex and
// persists the result atomically.
func (s *Store) mutate(id string, fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.read(id)
	if err != nil {
		return err
	}
	fn(sess)
	return s.write(sess)
}

// Create persists a brand-new session record.
func (s *Store) Create(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(sess)
}

// Get returns the stored session. ErrCorrupt distinguishes an unparseable
// file from an absent one; neither is fatal to the process.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// List returns summaries of every parseable session, newest first.
// Corrupt files are skipped with a warning.
func (s *Store) List() ([]SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var out []SessionSummary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if !ValidSessionID(id) {
			continue
		}
		sess, err := s.read(id)
		if err != nil {
			s.log.Warn().Err(err).Str("session", id).Msg("skipping unreadable session file")
			continue
		}
		out = append(out, sess.summary())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// LatestResumable returns the id of the most recent session for the
// problem that has not been explicitly ended, or "" if none exists.
func (s *Store) LatestResumable(problemID string) (string, error) {
	all, err := s.List()
	if err != nil {
		return "", err
	}
	for _, sum := range all {
		if sum.ProblemID == problemID && !sum.Ended {
			return sum.ID, nil
		}
	}
	return "", nil
}

// AppendMessage adds a chat message to the transcript.
func (s *Store) AppendMessage(id string, msg ChatMessage) error {
	return s.mutate(id, func(sess *Session) {
		sess.ChatHistory = append(sess.ChatHistory, msg)
	})
}

// SetCode records the latest editor contents.
func (s *Store) SetCode(id, code string) error {
	return s.mutate(id, func(sess *Session) {
		sess.LastEditorCode = code
	})
}

// SetTimer records the remaining interview time in seconds.
func (s *Store) SetTimer(id string, remaining int) error {
	return s.mutate(id, func(sess *Session) {
		sess.TimeRemaining = &remaining
	})
}

// SetPhase records the interview phase (e.g. "coding", "review").
func (s *Store) SetPhase(id, phase string) error {
	return s.mutate(id, func(sess *Session) {
		sess.InterviewPhase = phase
	})
}

// SetWhiteboard stores the free-form whiteboard blob.
func (s *Store) SetWhiteboard(id, state string) error {
	return s.mutate(id, func(sess *Session) {
		sess.WhiteboardState = state
	})
}

// SetConversationID records the tutor backend's conversation id.
func (s *Store) SetConversationID(id, convID string) error {
	return s.mutate(id, func(sess *Session) {
		sess.ConversationID = convID
	})
}

// SetSummary stores the generated end-of-session summary.
func (s *Store) SetSummary(id, summary string) error {
	return s.mutate(id, func(sess *Session) {
		sess.Summary = summary
	})
}

// IncrementHints bumps the hint counter by one.
func (s *Store) IncrementHints(id string) error {
	return s.mutate(id, func(sess *Session) {
		sess.HintCount++
	})
}

// Finalize stamps ended_at without closing the session; a parked session
// remains resumable.
func (s *Store) Finalize(id string) error {
	return s.mutate(id, func(sess *Session) {
		now := time.Now().UTC()
		sess.EndedAt = &now
	})
}

// End marks the session terminally ended.
func (s *Store) End(id string) error {
	return s.mutate(id, func(sess *Session) {
		now := time.Now().UTC()
		sess.EndedAt = &now
		sess.Ended = true
	})
}

// Delete removes the session file. Deleting an absent session is an
// ErrNotFound, not a crash.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}
