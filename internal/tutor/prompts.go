package tutor

import (
	"fmt"
	"strings"

	"github.com/joestump/algotutor/internal/catalog"
	"github.com/joestump/algotutor/internal/store"
)

// Per-mode framing for the tutor backend's system prompt.
const (
	learningFrame = "You are a patient algorithms tutor. Guide the learner with questions and small hints; never paste a full solution unless they explicitly give up."
	interviewFrame = "You are a technical interviewer running a timed coding interview. Probe the candidate's reasoning, ask for complexity analysis, and do not reveal the solution. When the interview enters the review phase, switch to retrospective feedback only."
	quizFrame     = "You are quizzing the learner on recognizing algorithmic patterns. Ask which pattern applies and why before discussing implementation."
)

// SystemPrompt frames the backend for a problem and mode.
func SystemPrompt(p *catalog.Problem, mode string) string {
	var frame string
	switch mode {
	case store.ModeInterview:
		frame = interviewFrame
	case store.ModePatternQuiz:
		frame = quizFrame
	default:
		frame = learningFrame
	}

	var b strings.Builder
	b.WriteString(frame)
	b.WriteString("\n\n## Problem: ")
	b.WriteString(p.Title)
	b.WriteString(fmt.Sprintf(" (%s)\n\n", p.Difficulty))
	b.WriteString(p.Description)
	b.WriteString("\n\nThe learner's current code and latest test results are available in your working directory (solution.py, test_results.json).")
	return b.String()
}

// ChatPrompt wraps a user message with the learner's current editor code.
func ChatPrompt(content, code string) string {
	if strings.TrimSpace(code) == "" {
		return content
	}
	return fmt.Sprintf("%s\n\nMy current code:\n```python\n%s\n```", content, code)
}

// HintPrompt templates a hint request.
func HintPrompt(code string) string {
	return ChatPrompt("I'm stuck. Give me one small hint that moves me forward without revealing the solution.", code)
}

// NudgePrompt templates a proactive nudge triggered by the client's
// inactivity or repeated-error heuristic.
func NudgePrompt(trigger, context string) string {
	msg := fmt.Sprintf("(proactive nudge, trigger: %s) The learner appears to need encouragement. Offer a brief, gentle prompt to get them unstuck.", trigger)
	if context != "" {
		msg += "\nContext: " + context
	}
	return msg
}

// ReviewPrompt announces the interview review phase after time is up.
func ReviewPrompt(code string) string {
	return ChatPrompt("Time is up. Walk me through how my solution holds up: correctness, complexity, and what I should have done differently.", code)
}

// ReplayPreamble formats persisted chat history for injection into a
// fresh adapter when a backend-level resume is not possible.
func ReplayPreamble(history []store.ChatMessage) string {
	var b strings.Builder
	b.WriteString("We are resuming an earlier tutoring session. The conversation so far:\n\n")
	for _, m := range history {
		role := m.Role
		if role == "" {
			role = "user"
		}
		b.WriteString(fmt.Sprintf("[%s] %s\n", role, m.Content))
	}
	b.WriteString("\nContinue the session from this point. Briefly acknowledge that we're resuming.")
	return b.String()
}
