package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func newSession(t *testing.T, s *Store, problemID string, startedAt time.Time) string {
	t.Helper()
	id, err := s.NewSessionID()
	if err != nil {
		t.Fatalf("new session id: %v", err)
	}
	sess := &Session{
		ID:        id,
		ProblemID: problemID,
		Mode:      ModeLearning,
		StartedAt: startedAt,
	}
	if err := s.Create(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return id
}

func TestNewSessionIDFormat(t *testing.T) {
	s := testStore(t)
	id, err := s.NewSessionID()
	if err != nil {
		t.Fatalf("new session id: %v", err)
	}
	if !ValidSessionID(id) {
		t.Errorf("generated id %q is not valid", id)
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := testStore(t)
	id := newSession(t, s, "two-sum", time.Now().UTC())

	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProblemID != "two-sum" || got.Mode != ModeLearning {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Ended {
		t.Error("fresh session should not be ended")
	}
}

func TestGetRejectsInvalidIDs(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{
		"",
		"short",
		"../../etc/passwd",
		"ABCDEF0123456789",       // uppercase
		"0123456789abcdef0",      // too long
		"0123456789abcde/",       // separator
		"..%2f..%2fetc%2fpasswd", // encoded traversal
	} {
		if _, err := s.Get(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%q) = %v, want ErrNotFound", id, err)
		}
		if err := s.Delete(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Delete(%q) = %v, want ErrNotFound", id, err)
		}
	}
}

func TestGetCorruptFile(t *testing.T) {
	s := testStore(t)
	id := newSession(t, s, "two-sum", time.Now().UTC())

	p := filepath.Join(s.dir, id+".json")
	if err := os.WriteFile(p, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	if _, err := s.Get(id); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Get corrupt = %v, want ErrCorrupt", err)
	}
}

func TestListSkipsCorruptAndOrdersNewestFirst(t *testing.T) {
	s := testStore(t)
	old := newSession(t, s, "two-sum", time.Now().UTC().Add(-time.Hour))
	recent := newSession(t, s, "two-sum", time.Now().UTC())
	bad := newSession(t, s, "two-sum", time.Now().UTC())

	if err := os.WriteFile(filepath.Join(s.dir, bad+".json"), []byte("???"), 0o644); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}
	// Stray files in the directory are not session records.
	if err := os.WriteFile(filepath.Join(s.dir, "_problem_history.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write history file: %v", err)
	}

	sums, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("got %d summaries, want 2", len(sums))
	}
	if sums[0].ID != recent || sums[1].ID != old {
		t.Errorf("wrong order: %s then %s", sums[0].ID, sums[1].ID)
	}
}

func TestLatestResumable(t *testing.T) {
	s := testStore(t)
	older := newSession(t, s, "two-sum", time.Now().UTC().Add(-time.Hour))
	newest := newSession(t, s, "two-sum", time.Now().UTC())
	newSession(t, s, "merge-intervals", time.Now().UTC())

	id, err := s.LatestResumable("two-sum")
	if err != nil {
		t.Fatalf("latest resumable: %v", err)
	}
	if id != newest {
		t.Errorf("got %q, want newest %q", id, newest)
	}

	// An explicitly ended session is not resumable; the older one is.
	if err := s.End(newest); err != nil {
		t.Fatalf("end: %v", err)
	}
	id, err = s.LatestResumable("two-sum")
	if err != nil {
		t.Fatalf("latest resumable: %v", err)
	}
	if id != older {
		t.Errorf("got %q, want older %q", id, older)
	}

	id, err = s.LatestResumable("no-such-problem")
	if err != nil {
		t.Fatalf("latest resumable: %v", err)
	}
	if id != "" {
		t.Errorf("got %q for unknown problem, want empty", id)
	}
}

func TestFinalizeKeepsResumable(t *testing.T) {
	s := testStore(t)
	id := newSession(t, s, "two-sum", time.Now().UTC())

	if err := s.Finalize(id); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	sess, err := s.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.EndedAt == nil {
		t.Error("finalize should stamp ended_at")
	}
	if sess.Ended {
		t.Error("finalize should not mark the session ended")
	}

	if err := s.End(id); err != nil {
		t.Fatalf("end: %v", err)
	}
	sess, err = s.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !sess.Ended {
		t.Error("end should mark the session ended")
	}
}

func TestMutations(t *testing.T) {
	s := testStore(t)
	id := newSession(t, s, "two-sum", time.Now().UTC())

	msg := ChatMessage{Role: "user", Content: "hello", Timestamp: time.Now().UTC()}
	if err := s.AppendMessage(id, msg); err != nil {
		t.Fatalf("append message: %v", err)
	}
	if err := s.IncrementHints(id); err != nil {
		t.Fatalf("increment hints: %v", err)
	}
	if err := s.SetCode(id, "def solve(): pass"); err != nil {
		t.Fatalf("set code: %v", err)
	}
	if err := s.SetTimer(id, 1200); err != nil {
		t.Fatalf("set timer: %v", err)
	}
	if err := s.SetPhase(id, "review"); err != nil {
		t.Fatalf("set phase: %v", err)
	}
	if err := s.SetConversationID(id, "conv-123"); err != nil {
		t.Fatalf("set conversation id: %v", err)
	}

	sess, err := s.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(sess.ChatHistory) != 1 || sess.ChatHistory[0].Content != "hello" {
		t.Errorf("chat history = %+v", sess.ChatHistory)
	}
	if sess.HintCount != 1 {
		t.Errorf("hint count = %d, want 1", sess.HintCount)
	}
	if sess.LastEditorCode != "def solve(): pass" {
		t.Errorf("code = %q", sess.LastEditorCode)
	}
	if sess.TimeRemaining == nil || *sess.TimeRemaining != 1200 {
		t.Errorf("time remaining = %v", sess.TimeRemaining)
	}
	if sess.InterviewPhase != "review" {
		t.Errorf("phase = %q", sess.InterviewPhase)
	}
	if sess.ConversationID != "conv-123" {
		t.Errorf("conversation id = %q", sess.ConversationID)
	}
}

func TestMutateMissing(t *testing.T) {
	s := testStore(t)
	if err := s.IncrementHints("0123456789abcdef"); !errors.Is(err, ErrNotFound) {
		t.Errorf("mutate missing = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	id := newSession(t, s, "two-sum", time.Now().UTC())

	if err := s.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete = %v, want ErrNotFound", err)
	}
}
