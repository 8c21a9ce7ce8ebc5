package ws

import "github.com/joestump/algotutor/internal/store"

// Error codes surfaced in error envelopes.
const (
	CodeAuthRejected    = "AUTH_REJECTED"
	CodeValidation      = "VALIDATION"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeExecutorTimeout = "EXECUTOR_TIMEOUT"
	CodeExecutorSpawn   = "EXECUTOR_SPAWN"
	CodeExecutorRuntime = "EXECUTOR_RUNTIME"
	CodeTutorSpawn      = "TUTOR_SPAWN"
	CodeTutorStream     = "TUTOR_STREAM"
	CodeStoreCorrupt    = "STORE_CORRUPT"
	CodeStoreIO         = "STORE_IO"
	CodeInternal        = "INTERNAL"
)

// closeAuthRejected is the websocket close code telling the client to
// re-authenticate and reconnect.
const closeAuthRejected = 4001

// clientMessage is the inbound envelope. Type selects which fields are
// required; handlers validate per type.
type clientMessage struct {
	Type string `json:"type"`

	Token string `json:"token,omitempty"`

	ProblemID string `json:"problem_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Content string `json:"content,omitempty"`
	Code    string `json:"code,omitempty"`

	Trigger string `json:"trigger,omitempty"`
	Context string `json:"context,omitempty"`

	TimeRemaining *int `json:"time_remaining,omitempty"`

	// Data carries the whiteboard blob for whiteboard_update.
	Data string `json:"data,omitempty"`
}

// serverMessage is the outbound envelope.
type serverMessage struct {
	Type string `json:"type"`

	SessionID string `json:"session_id,omitempty"`
	ProblemID string `json:"problem_id,omitempty"`
	Mode      string `json:"mode,omitempty"`

	Content string `json:"content,omitempty"`

	ChatHistory     []store.ChatMessage `json:"chat_history,omitempty"`
	LastEditorCode  string              `json:"last_editor_code,omitempty"`
	TimeRemaining   *int                `json:"time_remaining,omitempty"`
	InterviewPhase  string              `json:"interview_phase,omitempty"`
	WhiteboardState string              `json:"whiteboard_state,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func errorMessage(code, message string) serverMessage {
	return serverMessage{Type: "error", Code: code, Message: message}
}
