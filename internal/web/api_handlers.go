package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joestump/algotutor/internal/catalog"
	"github.com/joestump/algotutor/internal/executor"
	"github.com/joestump/algotutor/internal/store"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeBody reads a bounded JSON body. Oversize payloads answer 413,
// anything unparseable 400; the return value says whether to continue.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, AuthStatusResponse{AuthRequired: s.tokens.Required()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.tokens.CheckPassword(req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: s.tokens.Issue()})
}

func (s *Server) handleListProblems(w http.ResponseWriter, r *http.Request) {
	counters := s.history.Counters()
	problems := s.catalog.List()
	out := make([]APIProblemSummary, 0, len(problems))
	for _, p := range problems {
		sum := APIProblemSummary{
			ID:         p.ID,
			Title:      p.Title,
			Difficulty: p.Difficulty,
			Tags:       p.Tags,
		}
		if pc, ok := counters[p.ID]; ok {
			if pc.Solves > 0 {
				sum.Status = "solved"
			} else if pc.Attempts > 0 {
				sum.Status = "attempted"
			}
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProblem(w http.ResponseWriter, r *http.Request) {
	p, ok := s.catalog.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "problem not found")
		return
	}
	writeJSON(w, http.StatusOK, APIProblem{
		ID:              p.ID,
		Title:           p.Title,
		Difficulty:      p.Difficulty,
		Tags:            p.Tags,
		Description:     p.Description,
		DescriptionHTML: renderMarkdown(p.Description),
		EntryPoint:      p.EntryPoint,
		Tests:           p.Tests,
	})
}

// renderMarkdown converts a problem statement to HTML with GFM
// extensions (tables, autolinks). Clients fall back to the raw
// description when the HTML field is empty.
func renderMarkdown(md string) string {
	gm := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := gm.Convert([]byte(md), &buf); err != nil {
		return ""
	}
	return buf.String()
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	s.runCode(w, r, executor.ModeRun)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.runCode(w, r, executor.ModeSubmit)
}

// runCode executes submitted code in a throwaway workspace. Submits
// additionally update the shared problem-attempt counters; attempts and
// solves move together atomically.
func (s *Server) runCode(w http.ResponseWriter, r *http.Request, mode string) {
	var req RunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Code) == 0 || len(req.Code) > executor.MaxCodeBytes {
		writeError(w, http.StatusBadRequest, "code missing or too large")
		return
	}
	if !catalog.ValidProblemID(req.ProblemID) {
		writeError(w, http.StatusBadRequest, "invalid problem id")
		return
	}
	problem, ok := s.catalog.Get(req.ProblemID)
	if !ok {
		writeError(w, http.StatusNotFound, "problem not found")
		return
	}

	// A session-bound run executes in the session workspace so the tutor
	// can read solution.py and test_results.json; a sessionless run gets
	// a throwaway directory.
	var workspace string
	if req.SessionID != "" {
		if !store.ValidSessionID(req.SessionID) {
			writeError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		if _, err := s.store.Get(req.SessionID); err != nil {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		workspace = filepath.Join(s.cfg.WorkspacesDir, req.SessionID)
	} else {
		workspace = filepath.Join(s.cfg.WorkspacesDir, "run-"+uuid.NewString())
		defer func() {
			if err := os.RemoveAll(workspace); err != nil {
				s.log.Warn().Err(err).Msg("remove run workspace")
			}
		}()
	}

	result, err := s.exec.Run(r.Context(), workspace, req.Code, problem)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if mode == executor.ModeSubmit {
		solved := result.Failed == 0 && result.Passed > 0
		if err := s.history.RecordSubmission(problem.ID, solved); err != nil {
			s.log.Error().Err(err).Str("problem", problem.ID).Msg("record submission")
		}
	}

	if req.SessionID != "" {
		s.logRunToSession(req.SessionID, req.Code, mode, result)
	}

	writeJSON(w, http.StatusOK, result)
}

// logRunToSession records the code snapshot and a run summary on the
// session transcript, best effort.
func (s *Server) logRunToSession(sessionID, code, mode string, result *executor.Result) {
	if err := s.store.SetCode(sessionID, code); err != nil {
		s.log.Warn().Err(err).Str("session", sessionID).Msg("persist run code")
		return
	}
	summary := fmt.Sprintf("%s: %d passed, %d failed", mode, result.Passed, result.Failed)
	if err := s.store.AppendMessage(sessionID, store.ChatMessage{
		Role:      "system",
		Content:   summary,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		s.log.Warn().Err(err).Str("session", sessionID).Msg("persist run summary")
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.List()
	if err != nil {
		s.log.Error().Err(err).Msg("list sessions")
		writeError(w, http.StatusInternalServerError, "could not list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, APISessionsResponse{Sessions: sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrCorrupt):
		writeError(w, http.StatusUnprocessableEntity, "session record corrupt")
	case err != nil:
		s.log.Error().Err(err).Msg("get session")
		writeError(w, http.StatusInternalServerError, "could not read session")
	default:
		writeJSON(w, http.StatusOK, sess)
	}
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.store.Delete(r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		s.log.Error().Err(err).Msg("delete session")
		writeError(w, http.StatusInternalServerError, "could not delete session")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleLatestResumable(w http.ResponseWriter, r *http.Request) {
	problemID := r.URL.Query().Get("problem_id")
	if !catalog.ValidProblemID(problemID) {
		writeError(w, http.StatusBadRequest, "invalid problem id")
		return
	}
	id, err := s.store.LatestResumable(problemID)
	if err != nil {
		s.log.Error().Err(err).Msg("latest resumable")
		writeError(w, http.StatusInternalServerError, "could not scan sessions")
		return
	}
	var resp LatestResumableResponse
	if id != "" {
		resp.SessionID = &id
	}
	writeJSON(w, http.StatusOK, resp)
}
