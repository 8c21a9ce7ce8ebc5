// Package ws implements the session orchestrator: a per-connection state
// machine that routes typed client messages to the tutor adapter, the
// executor workspace, and the session store, serializing every mutation
// of a session behind its lock.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/joestump/algotutor/internal/auth"
	"github.com/joestump/algotutor/internal/catalog"
	"github.com/joestump/algotutor/internal/config"
	"github.com/joestump/algotutor/internal/store"
	"github.com/joestump/algotutor/internal/tutor"
)

const (
	// readLimit bounds a single inbound frame (code + whiteboard blobs).
	readLimit = 512 * 1024

	// authDeadline is how long the client has to send its auth message.
	authDeadline = 30 * time.Second

	// resumeDeadline bounds the server-side resume attempt so a wedged
	// adapter cannot hang the orchestrator.
	resumeDeadline = 30 * time.Second

	// summaryDeadline bounds end-of-session summary generation.
	summaryDeadline = 15 * time.Second

	pingInterval = 30 * time.Second
	pongWait     = 90 * time.Second
)

// interview phases.
const (
	phaseCoding = "coding"
	phaseReview = "review"
)

// Handler owns the cross-connection state: which sessions are currently
// bound to a live connection. It creates one Orchestrator per connection.
type Handler struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    *store.Store
	catalog  *catalog.Catalog
	registry *tutor.Registry
	runner   tutor.ProcessRunner
	tokens   *auth.TokenStore

	mu     sync.Mutex
	active map[string]struct{}
}

// NewHandler wires the orchestrator dependencies.
func NewHandler(cfg *config.Config, st *store.Store, cat *catalog.Catalog, reg *tutor.Registry, runner tutor.ProcessRunner, tokens *auth.TokenStore, log zerolog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		log:      log.With().Str("component", "orchestrator").Logger(),
		store:    st,
		catalog:  cat,
		registry: reg,
		runner:   runner,
		tokens:   tokens,
		active:   make(map[string]struct{}),
	}
}

// acquire claims exclusive ownership of a session id for one connection.
func (h *Handler) acquire(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.active[sessionID]; taken {
		return false
	}
	h.active[sessionID] = struct{}{}
	return true
}

func (h *Handler) releaseSession(sessionID string) {
	h.mu.Lock()
	delete(h.active, sessionID)
	h.mu.Unlock()
}

// HandleConn runs the orchestration loop for one websocket connection.
// It returns when the connection is gone; all cleanup has happened.
func (h *Handler) HandleConn(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	o := &orchestrator{
		h:       h,
		conn:    conn,
		log:     h.log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		connCtx: ctx,
		cancel:  cancel,
	}
	o.run()
}

// orchestrator is the per-connection state machine. All session state is
// mutated under mu, the per-session lock; it is held for the duration of
// a single message-handling step including full chat streams.
type orchestrator struct {
	h    *Handler
	conn *websocket.Conn
	log  zerolog.Logger

	connCtx context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex

	mu        sync.Mutex
	token     string
	sessionID string
	mode      string
	adapter   *tutor.Adapter
}

func (o *orchestrator) run() {
	defer o.cleanup()

	o.conn.SetReadLimit(readLimit)
	_ = o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go o.pingLoop()

	if !o.authenticate() {
		return
	}

	for {
		_, data, err := o.conn.ReadMessage()
		if err != nil {
			o.log.Debug().Err(err).Msg("connection closed")
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			o.send(errorMessage(CodeValidation, "malformed message"))
			continue
		}
		o.dispatch(msg)
	}
}

// pingLoop keeps the connection alive and doubles as the disconnect
// detector for handlers stuck mid-stream: a failed ping cancels connCtx,
// which unblocks streamTurn even though the read loop cannot observe the
// dead socket while dispatch is running.
func (o *orchestrator) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.connCtx.Done():
			return
		case <-ticker.C:
			if err := o.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				o.cancel()
				return
			}
		}
	}
}

// authenticate expects the first client message to be auth. An invalid
// token closes the connection with the auth-rejected code so the client
// knows to re-authenticate and reconnect.
func (o *orchestrator) authenticate() bool {
	_ = o.conn.SetReadDeadline(time.Now().Add(authDeadline))
	_, data, err := o.conn.ReadMessage()
	if err != nil {
		return false
	}
	_ = o.conn.SetReadDeadline(time.Now().Add(pongWait))

	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "auth" {
		o.closeWith(websocket.ClosePolicyViolation, "expected auth message")
		return false
	}
	if !o.h.tokens.Validate(msg.Token) {
		o.closeWith(closeAuthRejected, "auth rejected")
		return false
	}
	o.token = msg.Token
	o.h.tokens.Acquire(msg.Token)
	o.send(serverMessage{Type: "auth_ok"})
	return true
}

// dispatch runs one handler under the session lock, converting any panic
// into an error envelope instead of tearing down the connection.
func (o *orchestrator) dispatch(msg clientMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			o.log.Error().Interface("panic", rec).Str("type", msg.Type).Msg("handler panicked")
			o.send(errorMessage(CodeInternal, "internal error"))
		}
	}()

	switch msg.Type {
	case "auth":
		// Already authenticated; a repeat is harmless.
		o.send(serverMessage{Type: "auth_ok"})
	case "start_session":
		o.handleStartSession(msg)
	case "resume_session":
		o.handleResumeSession(msg)
	case "message":
		o.handleChat(msg)
	case "request_hint":
		o.handleHint(msg)
	case "nudge_request":
		o.handleNudge(msg)
	case "time_update":
		o.handleTimeUpdate(msg)
	case "time_up":
		o.handleTimeUp(msg)
	case "whiteboard_update":
		o.handleWhiteboard(msg)
	case "end_session":
		o.handleEndSession()
	default:
		o.send(errorMessage(CodeValidation, fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

func (o *orchestrator) handleStartSession(msg clientMessage) {
	problem, ok := o.h.catalog.Get(msg.ProblemID)
	if !ok {
		o.send(errorMessage(CodeNotFound, "unknown problem"))
		return
	}
	switch msg.Mode {
	case store.ModeLearning, store.ModeInterview, store.ModePatternQuiz:
	default:
		o.send(errorMessage(CodeValidation, "invalid mode"))
		return
	}

	// A session switch ends the previous session outright.
	o.teardownSession(false)

	id, err := o.h.store.NewSessionID()
	if err != nil {
		o.log.Error().Err(err).Msg("session id generation failed")
		o.send(errorMessage(CodeInternal, "could not create session"))
		return
	}
	if !o.h.acquire(id) {
		o.send(errorMessage(CodeConflict, "session already active"))
		return
	}

	workspace := o.workspacePath(id)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		o.h.releaseSession(id)
		o.log.Error().Err(err).Msg("create workspace")
		o.send(errorMessage(CodeStoreIO, "could not create session"))
		return
	}

	sess := &store.Session{
		ID:        id,
		ProblemID: problem.ID,
		Mode:      msg.Mode,
		StartedAt: time.Now().UTC(),
	}
	if msg.Mode == store.ModeInterview {
		sess.InterviewPhase = phaseCoding
	}
	if err := o.h.store.Create(sess); err != nil {
		o.h.releaseSession(id)
		o.log.Error().Err(err).Msg("persist new session")
		o.send(errorMessage(CodeStoreIO, "could not create session"))
		return
	}

	adapter := tutor.NewAdapter(id, workspace, o.h.cfg.TutorModel, o.h.runner, o.log)
	if err := adapter.Start(tutor.SystemPrompt(problem, msg.Mode)); err != nil {
		o.h.releaseSession(id)
		o.log.Error().Err(err).Msg("tutor spawn failed")
		o.send(errorMessage(CodeTutorSpawn, "tutor unavailable"))
		return
	}

	o.sessionID = id
	o.mode = msg.Mode
	o.adapter = adapter

	o.log.Info().Str("session", id).Str("problem", problem.ID).Str("mode", msg.Mode).Msg("session started")
	o.send(serverMessage{Type: "session_started", SessionID: id})
}

func (o *orchestrator) handleResumeSession(msg clientMessage) {
	if !store.ValidSessionID(msg.SessionID) {
		o.send(errorMessage(CodeValidation, "invalid session id"))
		return
	}

	sess, err := o.h.store.Get(msg.SessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		o.send(errorMessage(CodeNotFound, "session not found"))
		return
	case errors.Is(err, store.ErrCorrupt):
		o.send(errorMessage(CodeStoreCorrupt, "session record unreadable"))
		return
	case err != nil:
		o.log.Error().Err(err).Msg("load session")
		o.send(errorMessage(CodeStoreIO, "could not load session"))
		return
	}
	if sess.Ended {
		o.send(errorMessage(CodeValidation, "session already ended"))
		return
	}
	problem, ok := o.h.catalog.Get(sess.ProblemID)
	if !ok {
		o.send(errorMessage(CodeNotFound, "problem no longer in catalog"))
		return
	}

	if !o.h.acquire(sess.ID) {
		o.send(errorMessage(CodeConflict, "session active on another connection"))
		return
	}

	o.teardownSession(false)

	ctx, cancel := context.WithTimeout(o.connCtx, resumeDeadline)
	defer cancel()
	adapter, err := o.establishAdapter(ctx, sess, problem)
	if err != nil {
		o.h.releaseSession(sess.ID)
		o.log.Error().Err(err).Str("session", sess.ID).Msg("resume failed")
		o.send(errorMessage(CodeTutorSpawn, "could not resume session"))
		return
	}

	o.sessionID = sess.ID
	o.mode = sess.Mode
	o.adapter = adapter

	o.log.Info().Str("session", sess.ID).Msg("session resumed")
	o.send(serverMessage{
		Type:            "session_resumed",
		SessionID:       sess.ID,
		ProblemID:       sess.ProblemID,
		Mode:            sess.Mode,
		ChatHistory:     sess.ChatHistory,
		LastEditorCode:  sess.LastEditorCode,
		TimeRemaining:   sess.TimeRemaining,
		InterviewPhase:  sess.InterviewPhase,
		WhiteboardState: sess.WhiteboardState,
	})
}

// establishAdapter reclaims a parked adapter, or spawns a fresh one:
// first attempting a backend-level conversation resume, then falling
// back to replaying the persisted history into the system prompt. The
// whole attempt is bounded by ctx.
func (o *orchestrator) establishAdapter(ctx context.Context, sess *store.Session, problem *catalog.Problem) (*tutor.Adapter, error) {
	if a := o.h.registry.Reclaim(sess.ID); a != nil && a.Alive() {
		return a, nil
	}

	type outcome struct {
		adapter *tutor.Adapter
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		system := tutor.SystemPrompt(problem, sess.Mode)
		workspace := o.workspacePath(sess.ID)

		a := tutor.NewAdapter(sess.ID, workspace, o.h.cfg.TutorModel, o.h.runner, o.log)
		err := a.Resume(system, sess.ConversationID)
		if err == nil {
			ch <- outcome{adapter: a}
			return
		}
		if !errors.Is(err, tutor.ErrResumeLost) {
			ch <- outcome{err: err}
			return
		}

		// Replay: fresh adapter primed with the persisted transcript.
		o.log.Info().Str("session", sess.ID).Msg("conversation lost, replaying history")
		if len(sess.ChatHistory) > 0 {
			system += "\n\n" + tutor.ReplayPreamble(sess.ChatHistory)
		}
		a = tutor.NewAdapter(sess.ID, workspace, o.h.cfg.TutorModel, o.h.runner, o.log)
		if err := a.Start(system); err != nil {
			ch <- outcome{err: err}
			return
		}
		ch <- outcome{adapter: a}
	}()

	select {
	case out := <-ch:
		return out.adapter, out.err
	case <-ctx.Done():
		// The goroutine's adapter is orphaned; make sure it dies.
		go func() {
			if out := <-ch; out.adapter != nil {
				out.adapter.End()
			}
		}()
		return nil, fmt.Errorf("resume attempt timed out")
	}
}

func (o *orchestrator) handleChat(msg clientMessage) {
	if msg.Content == "" {
		o.send(errorMessage(CodeValidation, "content is required"))
		return
	}
	if !o.requireSession() {
		return
	}

	o.persistUserTurn(msg.Content, msg.Code)
	o.streamTurn(tutor.ChatPrompt(msg.Content, msg.Code), false)
}

func (o *orchestrator) handleHint(msg clientMessage) {
	if !o.requireSession() {
		return
	}

	o.persistUserTurn("Requested a hint.", msg.Code)
	// Hint count is incremented only once the response begins streaming,
	// so a failed hint never counts.
	o.streamTurn(tutor.HintPrompt(msg.Code), true)
}

func (o *orchestrator) handleNudge(msg clientMessage) {
	if msg.Trigger == "" {
		o.send(errorMessage(CodeValidation, "trigger is required"))
		return
	}
	if !o.requireSession() {
		return
	}

	if err := o.h.store.AppendMessage(o.sessionID, store.ChatMessage{
		Role:      "system",
		Content:   "nudge: " + msg.Trigger,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		o.log.Warn().Err(err).Msg("persist nudge marker")
	}
	o.streamTurn(tutor.NudgePrompt(msg.Trigger, msg.Context), false)
}

func (o *orchestrator) handleTimeUpdate(msg clientMessage) {
	if msg.TimeRemaining == nil {
		o.send(errorMessage(CodeValidation, "time_remaining is required"))
		return
	}
	if !o.requireSession() {
		return
	}
	if err := o.h.store.SetTimer(o.sessionID, *msg.TimeRemaining); err != nil {
		o.log.Warn().Err(err).Msg("persist timer")
		o.send(errorMessage(CodeStoreIO, "could not persist timer"))
	}
}

func (o *orchestrator) handleTimeUp(msg clientMessage) {
	if !o.requireSession() {
		return
	}
	if o.mode != store.ModeInterview {
		o.send(errorMessage(CodeValidation, "time_up only applies to interview mode"))
		return
	}

	if msg.Code != "" {
		if err := o.h.store.SetCode(o.sessionID, msg.Code); err != nil {
			o.log.Warn().Err(err).Msg("persist code at time up")
		}
	}
	if err := o.h.store.SetPhase(o.sessionID, phaseReview); err != nil {
		o.log.Warn().Err(err).Msg("persist review phase")
	}
	o.send(serverMessage{Type: "review_phase_started", SessionID: o.sessionID})

	o.persistUserTurn("Time is up. Let's review my solution.", msg.Code)
	o.streamTurn(tutor.ReviewPrompt(msg.Code), false)
}

func (o *orchestrator) handleWhiteboard(msg clientMessage) {
	if !o.requireSession() {
		return
	}
	if err := o.h.store.SetWhiteboard(o.sessionID, msg.Data); err != nil {
		o.log.Warn().Err(err).Msg("persist whiteboard")
		o.send(errorMessage(CodeStoreIO, "could not persist whiteboard"))
	}
}

func (o *orchestrator) handleEndSession() {
	if !o.requireSession() {
		return
	}
	id := o.sessionID
	o.summarizeSession(id)
	o.teardownSession(false)
	o.send(serverMessage{Type: "session_ended", SessionID: id})
}

// requireSession guards handlers that need an active session.
func (o *orchestrator) requireSession() bool {
	if o.sessionID == "" {
		o.send(errorMessage(CodeValidation, "no active session"))
		return false
	}
	return true
}

// persistUserTurn records the user message and current editor code.
func (o *orchestrator) persistUserTurn(content, code string) {
	if err := o.h.store.AppendMessage(o.sessionID, store.ChatMessage{
		Role:      "user",
		Content:   content,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		o.log.Warn().Err(err).Msg("persist user message")
	}
	if code != "" {
		if err := o.h.store.SetCode(o.sessionID, code); err != nil {
			o.log.Warn().Err(err).Msg("persist editor code")
		}
	}
}

// streamTurn drives one chat turn: assistant_chunk* then exactly one
// assistant_message or error. The session lock is held throughout, so
// concurrent turns on the same session are queued, never interleaved.
func (o *orchestrator) streamTurn(prompt string, hint bool) {
	if o.adapter == nil || !o.adapter.Alive() {
		o.send(errorMessage(CodeTutorSpawn, "tutor unavailable"))
		return
	}

	ch, err := o.adapter.Chat(o.connCtx, prompt)
	if err != nil {
		o.log.Error().Err(err).Msg("chat failed")
		o.send(errorMessage(CodeTutorStream, "tutor unavailable"))
		return
	}

	counted := !hint
	for {
		var chunk tutor.Chunk
		var open bool
		select {
		case chunk, open = <-ch:
			if !open {
				return
			}
		case <-o.connCtx.Done():
			// Connection gone while the backend is still (or never)
			// streaming. Close out the turn so a reclaimed adapter can
			// accept a fresh chat, and let run unwind to cleanup.
			o.log.Debug().Str("session", o.sessionID).Msg("connection lost mid-turn")
			o.adapter.CancelTurn()
			return
		}

		if chunk.Err != nil {
			o.log.Warn().Err(chunk.Err).Str("session", o.sessionID).Msg("tutor stream error")
			o.send(errorMessage(CodeTutorStream, "tutor stream interrupted"))
			return
		}
		if !chunk.Done {
			if !counted {
				counted = true
				if err := o.h.store.IncrementHints(o.sessionID); err != nil {
					o.log.Warn().Err(err).Msg("increment hint count")
				}
			}
			o.send(serverMessage{Type: "assistant_chunk", SessionID: o.sessionID, Content: chunk.Delta})
			continue
		}

		if !counted {
			counted = true
			if err := o.h.store.IncrementHints(o.sessionID); err != nil {
				o.log.Warn().Err(err).Msg("increment hint count")
			}
		}
		if err := o.h.store.AppendMessage(o.sessionID, store.ChatMessage{
			Role:      "assistant",
			Content:   chunk.Message,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			o.log.Warn().Err(err).Msg("persist assistant message")
		}
		if convID := o.adapter.ConversationID(); convID != "" {
			if err := o.h.store.SetConversationID(o.sessionID, convID); err != nil {
				o.log.Warn().Err(err).Msg("persist conversation id")
			}
		}
		o.send(serverMessage{Type: "assistant_message", SessionID: o.sessionID, Content: chunk.Message})
		return
	}
}

// summarizeSession generates and stores a transcript recap, best effort.
func (o *orchestrator) summarizeSession(id string) {
	if !tutor.SummariesEnabled() || o.h.cfg.SummaryModel == "" {
		return
	}
	sess, err := o.h.store.Get(id)
	if err != nil || len(sess.ChatHistory) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), summaryDeadline)
	defer cancel()
	summary, err := tutor.Summarize(ctx, sess.ChatHistory, o.h.cfg.SummaryModel)
	if err != nil {
		o.log.Warn().Err(err).Str("session", id).Msg("summary generation failed")
		return
	}
	if summary != "" {
		if err := o.h.store.SetSummary(id, summary); err != nil {
			o.log.Warn().Err(err).Msg("persist summary")
		}
	}
}

// teardownSession terminally ends the current session, if any. With
// park=true the adapter survives in the registry instead of dying; that
// path is only taken from cleanup on disconnect.
func (o *orchestrator) teardownSession(park bool) {
	if o.sessionID == "" {
		return
	}
	id := o.sessionID

	if err := o.h.store.End(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.log.Warn().Err(err).Str("session", id).Msg("finalize session record")
	}

	if o.adapter != nil {
		if park {
			o.h.registry.Park(id, o.adapter)
		} else {
			o.adapter.End()
			if err := os.RemoveAll(o.workspacePath(id)); err != nil {
				o.log.Warn().Err(err).Str("session", id).Msg("remove workspace")
			}
		}
		o.adapter = nil
	}

	o.h.releaseSession(id)
	o.sessionID = ""
	o.mode = ""
}

// cleanup runs on every connection exit. Each step is independently
// fault-isolated so one failure cannot skip the rest.
func (o *orchestrator) cleanup() {
	o.cancel()

	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.sessionID
	adapter := o.adapter

	// (a) finalize the durable record: stamp ended_at but keep the
	// session resumable.
	if id != "" {
		if err := o.h.store.Finalize(id); err != nil && !errors.Is(err, store.ErrNotFound) {
			o.log.Warn().Err(err).Str("session", id).Msg("finalize on disconnect")
		}
	}

	// (b) park the adapter so a quick reconnect can reclaim it.
	parked := false
	if id != "" && adapter != nil && adapter.Alive() {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					o.log.Error().Interface("panic", rec).Msg("park on disconnect panicked")
				}
			}()
			o.h.registry.Park(id, adapter)
			parked = true
		}()
	}

	// (c) remove the workspace only when the adapter is gone for good.
	if id != "" && !parked {
		if adapter != nil {
			adapter.End()
		}
		if err := os.RemoveAll(o.workspacePath(id)); err != nil {
			o.log.Warn().Err(err).Str("session", id).Msg("remove workspace on disconnect")
		}
	}

	// (d) release this connection's token reference.
	if o.token != "" {
		o.h.tokens.Release(o.token)
	}

	// (e) give up session ownership last.
	if id != "" {
		o.h.releaseSession(id)
	}
	o.adapter = nil
	o.sessionID = ""
}

func (o *orchestrator) workspacePath(sessionID string) string {
	return filepath.Join(o.h.cfg.WorkspacesDir, sessionID)
}

// send writes one envelope; gorilla allows a single writer, hence the
// write mutex. A failed write means the peer is gone, so it also cancels
// connCtx to unblock any in-flight stream.
func (o *orchestrator) send(msg serverMessage) {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if err := o.conn.WriteJSON(msg); err != nil {
		o.log.Debug().Err(err).Str("type", msg.Type).Msg("write failed")
		o.cancel()
	}
}

func (o *orchestrator) closeWith(code int, reason string) {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	_ = o.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
