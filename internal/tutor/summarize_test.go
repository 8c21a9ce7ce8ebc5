package tutor

import (
	"context"
	"testing"

	"github.com/joestump/algotutor/internal/store"
)

func TestSummariesEnabled(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if SummariesEnabled() {
		t.Error("summaries should be disabled without an API key")
	}

	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	if !SummariesEnabled() {
		t.Error("summaries should be enabled with an API key")
	}
}

func TestSummarizeEmptyHistory(t *testing.T) {
	// An empty transcript short-circuits before any API call.
	got, err := Summarize(context.Background(), nil, "claude-haiku-4-5")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if got != "" {
		t.Errorf("summary = %q, want empty", got)
	}

	got, err = Summarize(context.Background(), []store.ChatMessage{}, "claude-haiku-4-5")
	if err != nil || got != "" {
		t.Errorf("summarize empty slice = %q, %v", got, err)
	}
}
