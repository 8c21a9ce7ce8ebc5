// Package tutor owns the per-session tutor subprocess: spawning it,
// streaming its replies, parking it across client disconnects, and
// terminating it exactly once.
package tutor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrChatInFlight is returned when a second chat is attempted before
	// the previous turn finished. Callers serialize chats behind the
	// session lock, so hitting this indicates a caller bug.
	ErrChatInFlight = errors.New("chat already in flight")
	// ErrAdapterClosed is returned after End.
	ErrAdapterClosed = errors.New("adapter closed")
	// ErrResumeLost means the backend could not reattach the conversation;
	// the caller should replay history into a fresh adapter.
	ErrResumeLost = errors.New("conversation lost")
	// ErrTurnCanceled terminates a turn abandoned by its consumer.
	ErrTurnCanceled = errors.New("turn canceled")
)

// chunkQueueCap bounds the per-turn chunk queue so a slow client cannot
// grow memory unboundedly; once full the reader blocks on the turn
// context instead of buffering.
const chunkQueueCap = 256

// resumeAckTimeout is how long Resume waits for the backend's init event.
const resumeAckTimeout = 10 * time.Second

// Chunk is one item of a chat turn stream: zero or more deltas followed
// by exactly one terminal chunk carrying the final message or an error.
type Chunk struct {
	Delta   string
	Done    bool
	Message string
	Err     error
}

// streamEvent is a minimal representation of a backend stream-json
// NDJSON line.
type streamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   struct {
		Content []contentBlock `json:"content"`
	} `json:"message,omitempty"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// userEvent is the NDJSON frame written to the backend's stdin.
type userEvent struct {
	Type    string `json:"type"`
	Message struct {
		Role    string         `json:"role"`
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

// turn is the in-flight chat turn the reader routes chunks into. Its own
// mutex makes the closed check, the channel send, and the close a single
// critical section: both the reader goroutine and Chat's write-error path
// finish turns, and a delta racing the close would otherwise hit a closed
// channel and panic the reader.
type turn struct {
	ch  chan Chunk
	ctx context.Context

	mu     sync.Mutex
	text   []string // accumulated deltas, fallback final message
	closed bool
}

// send queues a delta, dropping it once the turn is finished or its
// context is cancelled (client gone) rather than buffering forever.
func (t *turn) send(c Chunk) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.text = append(t.text, c.Delta)
	select {
	case t.ch <- c:
	case <-t.ctx.Done():
	}
}

// finish delivers the terminal chunk and closes the stream, exactly once.
func (t *turn) finish(final Chunk) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if final.Err == nil && final.Message == "" {
		// Some backends omit the result text; fall back to the deltas.
		for _, s := range t.text {
			final.Message += s
		}
	}
	select {
	case t.ch <- final:
	case <-t.ctx.Done():
	}
	close(t.ch)
}

func (t *turn) done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Adapter owns exactly one tutor subprocess and its two pipes. At most
// one chat is in flight at any time; the orchestrator's session lock
// enforces this.
type Adapter struct {
	SessionID string
	Workspace string

	runner ProcessRunner
	model  string
	log    zerolog.Logger

	mu      sync.Mutex
	proc    *TutorProcess
	current *turn
	convID  string
	initCh  chan struct{}
	inited  bool
	ended   bool
}

// NewAdapter returns an unstarted adapter for one session.
func NewAdapter(sessionID, workspace, model string, runner ProcessRunner, log zerolog.Logger) *Adapter {
	return &Adapter{
		SessionID: sessionID,
		Workspace: workspace,
		runner:    runner,
		model:     model,
		log:       log.With().Str("component", "tutor").Str("session", sessionID).Logger(),
		initCh:    make(chan struct{}),
	}
}

// Start spawns the tutor backend and begins draining its event stream.
func (a *Adapter) Start(systemPrompt string) error {
	return a.start(systemPrompt, "")
}

// Resume spawns the backend attached to a previous conversation id and
// waits for the init acknowledgement. ErrResumeLost means the caller
// must fall back to replaying persisted history into a fresh Start.
func (a *Adapter) Resume(systemPrompt, conversationID string) error {
	if conversationID == "" {
		return ErrResumeLost
	}
	if err := a.start(systemPrompt, conversationID); err != nil {
		return ErrResumeLost
	}
	select {
	case <-a.initCh:
		return nil
	case <-time.After(resumeAckTimeout):
		a.End()
		return ErrResumeLost
	}
}

func (a *Adapter) start(systemPrompt, resumeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ended {
		return ErrAdapterClosed
	}
	if a.proc != nil {
		return errors.New("adapter already started")
	}

	proc, err := a.runner.Start(StartOptions{
		Model:        a.model,
		Workspace:    a.Workspace,
		ResumeID:     resumeID,
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		return fmt.Errorf("spawn tutor: %w", err)
	}
	a.proc = proc

	go a.readLoop(proc)
	return nil
}

// Alive reports whether the subprocess is still usable.
func (a *Adapter) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.proc != nil && !a.ended
}

// ConversationID returns the backend conversation id recorded from the
// latest init event, or "" if none arrived yet.
func (a *Adapter) ConversationID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.convID
}

// Chat sends one user message and returns the chunk stream for the turn.
// The stream terminates with exactly one Done or Err chunk. ctx cancels
// delivery: once it is done the reader drops this turn's chunks.
func (a *Adapter) Chat(ctx context.Context, text string) (<-chan Chunk, error) {
	a.mu.Lock()
	if a.ended || a.proc == nil {
		a.mu.Unlock()
		return nil, ErrAdapterClosed
	}
	if a.current != nil && !a.current.done() {
		a.mu.Unlock()
		return nil, ErrChatInFlight
	}
	t := &turn{ch: make(chan Chunk, chunkQueueCap), ctx: ctx}
	a.current = t
	stdin := a.proc.Stdin
	a.mu.Unlock()

	var ev userEvent
	ev.Type = "user"
	ev.Message.Role = "user"
	ev.Message.Content = []contentBlock{{Type: "text", Text: text}}
	frame, err := json.Marshal(ev)
	if err != nil {
		t.finish(Chunk{Done: true, Err: fmt.Errorf("encode prompt: %w", err)})
		return t.ch, nil
	}
	frame = append(frame, '\n')
	if _, err := stdin.Write(frame); err != nil {
		t.finish(Chunk{Done: true, Err: fmt.Errorf("write prompt: %w", err)})
		return t.ch, nil
	}

	return t.ch, nil
}

// readLoop drains backend NDJSON events for the lifetime of the process
// and routes assistant text into the current turn.
func (a *Adapter) readLoop(proc *TutorProcess) {
	scanner := bufio.NewScanner(proc.Stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		var evt streamEvent
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			a.log.Debug().Str("line", scanner.Text()).Msg("unparseable backend event")
			continue
		}

		switch evt.Type {
		case "system":
			if evt.Subtype == "init" {
				a.mu.Lock()
				if evt.SessionID != "" {
					a.convID = evt.SessionID
				}
				if !a.inited {
					a.inited = true
					close(a.initCh)
				}
				a.mu.Unlock()
			}

		case "assistant":
			for _, block := range evt.Message.Content {
				if block.Type == "text" && block.Text != "" {
					a.deliver(Chunk{Delta: block.Text})
				}
			}

		case "result":
			if evt.SessionID != "" {
				a.mu.Lock()
				a.convID = evt.SessionID
				a.mu.Unlock()
			}
			if evt.IsError {
				a.closeTurn(Chunk{Done: true, Err: errors.New("tutor stream error")})
			} else {
				a.closeTurn(Chunk{Done: true, Message: evt.Result})
			}
		}
	}

	// Stream ended: the process died or End closed the pipe. Fail any
	// turn still in flight so callers never wait forever.
	a.closeTurn(Chunk{Done: true, Err: errors.New("tutor stream closed")})
	_ = proc.Wait()
}

// deliver routes a delta to the current turn.
func (a *Adapter) deliver(c Chunk) {
	if t := a.currentTurn(); t != nil {
		t.send(c)
	}
}

// closeTurn finishes the current turn with the given terminal chunk.
func (a *Adapter) closeTurn(final Chunk) {
	if t := a.currentTurn(); t != nil {
		t.finish(final)
	}
}

func (a *Adapter) currentTurn() *turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// CancelTurn fails any in-flight turn with ErrTurnCanceled without
// touching the subprocess, so the adapter can accept a new chat after
// its consumer abandons the stream mid-turn.
func (a *Adapter) CancelTurn() {
	a.closeTurn(Chunk{Done: true, Err: ErrTurnCanceled})
}

// End terminates the subprocess: close stdin, then signal the process
// group. It is idempotent; a double End is a no-op.
func (a *Adapter) End() {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return
	}
	a.ended = true
	proc := a.proc
	a.mu.Unlock()

	if proc == nil {
		return
	}
	if err := proc.Stdin.Close(); err != nil {
		a.log.Debug().Err(err).Msg("close tutor stdin")
	}
	proc.Kill()
	a.log.Info().Msg("tutor adapter terminated")
}
