package web

import (
	"github.com/joestump/algotutor/internal/catalog"
	"github.com/joestump/algotutor/internal/store"
)

// --- Requests ---

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	Password string `json:"password"`
}

// RunRequest is the body of POST /api/run and /api/submit. SessionID is
// optional: when set, the run executes in that session's workspace and
// is logged to its record, so the tutor can inspect the code and
// results.
type RunRequest struct {
	Code      string `json:"code"`
	ProblemID string `json:"problem_id"`
	SessionID string `json:"session_id,omitempty"`
}

// --- Responses ---

// LoginResponse carries the issued bearer token.
type LoginResponse struct {
	Token string `json:"token"`
}

// AuthStatusResponse reports whether authentication is enabled.
type AuthStatusResponse struct {
	AuthRequired bool `json:"auth_required"`
}

// APIProblemSummary is one row of GET /api/problems. Status reflects the
// shared attempt history: "", "attempted", or "solved".
type APIProblemSummary struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Difficulty string   `json:"difficulty"`
	Tags       []string `json:"tags"`
	Status     string   `json:"status,omitempty"`
}

// APIProblem is the detail form, with the statement rendered to HTML.
type APIProblem struct {
	ID              string             `json:"id"`
	Title           string             `json:"title"`
	Difficulty      string             `json:"difficulty"`
	Tags            []string           `json:"tags"`
	Description     string             `json:"description"`
	DescriptionHTML string             `json:"description_html"`
	EntryPoint      string             `json:"entry_point"`
	Tests           []catalog.TestCase `json:"tests"`
}

// APISessionsResponse wraps the session list.
type APISessionsResponse struct {
	Sessions []store.SessionSummary `json:"sessions"`
}

// LatestResumableResponse carries the most recent resumable session id
// for a problem, or null.
type LatestResumableResponse struct {
	SessionID *string `json:"session_id"`
}
