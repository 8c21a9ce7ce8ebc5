package tutor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/joestump/algotutor/internal/store"
)

const summarizeSystemPrompt = "You are a concise technical summarizer. Summarize the following tutoring session transcript in 2-4 sentences. Focus on: what problem was worked on, where the learner struggled, and what they should review next. Be specific."

// SummariesEnabled reports whether summary generation can run at all.
// The SDK reads its key from the environment, so without one the call
// is skipped rather than attempted and failed.
func SummariesEnabled() bool {
	return os.Getenv("ANTHROPIC_API_KEY") != ""
}

// Summarize calls the Anthropic Messages API to generate a short
// plain-text recap of a session transcript.
func Summarize(ctx context.Context, history []store.ChatMessage, model string) (string, error) {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(fmt.Sprintf("[%s] %s\n", m.Role, m.Content))
	}
	if b.Len() == 0 {
		return "", nil
	}

	client := anthropic.NewClient()
	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 200,
		System: []anthropic.TextBlockParam{
			{Text: summarizeSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(b.String())),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text block in response")
}
