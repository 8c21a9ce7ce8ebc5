package store

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func testHistory(t *testing.T) *History {
	t.Helper()
	h, err := NewHistory(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new history: %v", err)
	}
	return h
}

func TestRecordSubmission(t *testing.T) {
	h := testHistory(t)

	if err := h.RecordSubmission("two-sum", false); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := h.RecordSubmission("two-sum", true); err != nil {
		t.Fatalf("record: %v", err)
	}

	pc, ok := h.Counters()["two-sum"]
	if !ok {
		t.Fatal("no counters for two-sum")
	}
	if pc.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", pc.Attempts)
	}
	if pc.Solves != 1 {
		t.Errorf("solves = %d, want 1", pc.Solves)
	}
	if pc.FirstSolveAt == nil || pc.LastSolveAt == nil {
		t.Error("solve timestamps not set")
	}
}

func TestFirstSolveAtIsStable(t *testing.T) {
	h := testHistory(t)

	if err := h.RecordSolve("two-sum"); err != nil {
		t.Fatalf("record: %v", err)
	}
	first := *h.Counters()["two-sum"].FirstSolveAt

	if err := h.RecordSolve("two-sum"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := *h.Counters()["two-sum"].FirstSolveAt; !got.Equal(first) {
		t.Errorf("first solve moved from %v to %v", first, got)
	}
}

func TestRecordRejectsInvalidID(t *testing.T) {
	h := testHistory(t)
	for _, id := range []string{"", "../evil", "Two-Sum", "a b"} {
		if err := h.RecordAttempt(id); err == nil {
			t.Errorf("RecordAttempt(%q) succeeded, want error", id)
		}
	}
}

func TestConcurrentSubmissionsNeverLoseIncrements(t *testing.T) {
	h := testHistory(t)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(solved bool) {
			defer wg.Done()
			if err := h.RecordSubmission("two-sum", solved); err != nil {
				t.Errorf("record: %v", err)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	pc := h.Counters()["two-sum"]
	if pc.Attempts != workers {
		t.Errorf("attempts = %d, want %d", pc.Attempts, workers)
	}
	if pc.Solves != workers/2 {
		t.Errorf("solves = %d, want %d", pc.Solves, workers/2)
	}
}

func TestCorruptHistoryStartsFresh(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, historyFile), []byte("not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	h, err := NewHistory(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("new history: %v", err)
	}

	if got := h.Counters(); len(got) != 0 {
		t.Errorf("counters = %v, want empty", got)
	}
	if err := h.RecordAttempt("two-sum"); err != nil {
		t.Fatalf("record after corruption: %v", err)
	}
	if h.Counters()["two-sum"].Attempts != 1 {
		t.Error("attempt not recorded after corruption recovery")
	}
}
