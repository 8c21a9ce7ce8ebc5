package store

import "time"

// Session modes.
const (
	ModeLearning    = "learning"
	ModeInterview   = "interview"
	ModePatternQuiz = "pattern-quiz"
)

// ChatMessage is one entry in a session transcript.
type ChatMessage struct {
	Role      string    `json:"role"` // user | assistant | system
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the durable record of one tutoring session. It is mutated
// exclusively under the owning orchestrator's session lock and persisted
// on every mutation.
type Session struct {
	ID        string     `json:"id"`
	ProblemID string     `json:"problem_id"`
	Mode      string     `json:"mode"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	// Ended is set only by an explicit end_session; a session whose
	// connection dropped keeps Ended=false and stays resumable.
	Ended bool `json:"ended"`

	ChatHistory    []ChatMessage `json:"chat_history"`
	HintCount      int           `json:"hint_count"`
	LastEditorCode string        `json:"last_editor_code"`

	// Mode-specific state.
	TimeRemaining  *int   `json:"time_remaining,omitempty"`
	InterviewPhase string `json:"interview_phase,omitempty"`

	WhiteboardState string `json:"whiteboard_state,omitempty"`

	// ConversationID is the tutor backend's conversation id, recorded so
	// a fresh adapter can attempt a backend-level resume before falling
	// back to history replay.
	ConversationID string `json:"conversation_id,omitempty"`

	// Summary is an optional generated recap stored at session end.
	Summary string `json:"summary,omitempty"`
}

// Summary is the listing form of a session.
type SessionSummary struct {
	ID        string     `json:"id"`
	ProblemID string     `json:"problem_id"`
	Mode      string     `json:"mode"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Ended     bool       `json:"ended"`
	Messages  int        `json:"messages"`
	HintCount int        `json:"hint_count"`
}

func (s *Session) summary() SessionSummary {
	return SessionSummary{
		ID:        s.ID,
		ProblemID: s.ProblemID,
		Mode:      s.Mode,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
		Ended:     s.Ended,
		Messages:  len(s.ChatHistory),
		HintCount: s.HintCount,
	}
}
