package tutor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockProc is an in-memory tutor backend: the test scripts its event
// stream and observes the prompt frames the adapter writes.
type mockProc struct {
	stdinR *io.PipeReader
	stdinW *io.PipeWriter

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	// prompts carries the NDJSON frames the adapter writes to stdin,
	// drained by a dedicated goroutine so a synchronous Chat write never
	// blocks on the unbuffered pipe.
	prompts chan []byte

	mu     sync.Mutex
	killed int
}

// drainStdin reads stdin frames into the prompts channel for the
// lifetime of the pipe, the way a real subprocess consumes its stdin.
func (p *mockProc) drainStdin() {
	scanner := bufio.NewScanner(p.stdinR)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case p.prompts <- line:
		default:
		}
	}
	close(p.prompts)
}

func (p *mockProc) emit(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	data = append(data, '\n')
	if _, err := p.stdoutW.Write(data); err != nil {
		t.Fatalf("write event: %v", err)
	}
}

func (p *mockProc) emitInit(t *testing.T, convID string) {
	t.Helper()
	p.emit(t, map[string]any{"type": "system", "subtype": "init", "session_id": convID})
}

func (p *mockProc) emitDelta(t *testing.T, text string) {
	t.Helper()
	p.emit(t, map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	})
}

func (p *mockProc) emitResult(t *testing.T, result string, isError bool) {
	t.Helper()
	p.emit(t, map[string]any{"type": "result", "result": result, "is_error": isError})
}

// readPrompt reads one NDJSON frame the adapter wrote to stdin.
func (p *mockProc) readPrompt(t *testing.T) userEvent {
	t.Helper()
	select {
	case line, ok := <-p.prompts:
		if !ok {
			t.Fatal("no prompt frame written")
		}
		var ev userEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			t.Fatalf("unmarshal prompt frame: %v", err)
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for prompt frame")
		return userEvent{}
	}
}

func (p *mockProc) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type mockRunner struct {
	mu       sync.Mutex
	procs    []*mockProc
	lastOpts StartOptions
	startErr error
}

func (r *mockRunner) Start(opts StartOptions) (*TutorProcess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.lastOpts = opts

	p := &mockProc{prompts: make(chan []byte, 64)}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	go p.drainStdin()
	r.procs = append(r.procs, p)

	return &TutorProcess{
		Stdin:  p.stdinW,
		Stdout: p.stdoutR,
		Wait:   func() error { return nil },
		Kill: func() {
			p.mu.Lock()
			p.killed++
			p.mu.Unlock()
			p.stdoutW.Close()
			p.stdinR.Close()
		},
	}, nil
}

func startedAdapter(t *testing.T) (*Adapter, *mockProc) {
	t.Helper()
	runner := &mockRunner{}
	a := NewAdapter("0123456789abcdef", t.TempDir(), "sonnet", runner, zerolog.Nop())
	if err := a.Start("You are a tutor."); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(a.End)
	return a, runner.procs[0]
}

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-deadline:
			t.Fatal("timed out waiting for chunks")
		}
	}
}

func TestChatStreamsDeltasThenFinalMessage(t *testing.T) {
	a, p := startedAdapter(t)
	p.emitInit(t, "conv-1")

	ch, err := a.Chat(context.Background(), "explain big-O")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	frame := p.readPrompt(t)
	if frame.Type != "user" || frame.Message.Role != "user" {
		t.Errorf("prompt frame = %+v", frame)
	}
	if len(frame.Message.Content) != 1 || frame.Message.Content[0].Text != "explain big-O" {
		t.Errorf("prompt content = %+v", frame.Message.Content)
	}

	p.emitDelta(t, "Big-O ")
	p.emitDelta(t, "describes growth.")
	p.emitResult(t, "Big-O describes growth.", false)

	chunks := collect(t, ch)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3: %+v", len(chunks), chunks)
	}
	if chunks[0].Delta != "Big-O " || chunks[1].Delta != "describes growth." {
		t.Errorf("deltas = %+v", chunks[:2])
	}
	final := chunks[2]
	if !final.Done || final.Err != nil || final.Message != "Big-O describes growth." {
		t.Errorf("final chunk = %+v", final)
	}
}

func TestFinalMessageFallsBackToDeltas(t *testing.T) {
	a, p := startedAdapter(t)

	ch, err := a.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	p.readPrompt(t)
	p.emitDelta(t, "hello ")
	p.emitDelta(t, "there")
	p.emitResult(t, "", false)

	chunks := collect(t, ch)
	final := chunks[len(chunks)-1]
	if final.Message != "hello there" {
		t.Errorf("final message = %q, want delta concatenation", final.Message)
	}
}

func TestErrorResultFailsTurn(t *testing.T) {
	a, p := startedAdapter(t)

	ch, err := a.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	p.readPrompt(t)
	p.emitResult(t, "", true)

	chunks := collect(t, ch)
	final := chunks[len(chunks)-1]
	if !final.Done || final.Err == nil {
		t.Errorf("final chunk = %+v, want error", final)
	}
}

func TestStreamCloseFailsInFlightTurn(t *testing.T) {
	a, p := startedAdapter(t)

	ch, err := a.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	p.readPrompt(t)
	p.stdoutW.Close()

	chunks := collect(t, ch)
	final := chunks[len(chunks)-1]
	if final.Err == nil {
		t.Errorf("final chunk = %+v, want stream-closed error", final)
	}
}

func TestStdinFailureWhileBackendStreams(t *testing.T) {
	a, p := startedAdapter(t)

	// Prompt writes fail from here on while the backend keeps emitting
	// assistant events; the failed turn and the incoming deltas race to
	// settle the stream, and it must end with exactly one error chunk.
	p.stdinR.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			select {
			case <-stop:
				return
			default:
			}
			p.emitDelta(t, "still talking")
		}
	}()

	ch, err := a.Chat(context.Background(), "hello?")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	chunks := collect(t, ch)
	close(stop)
	wg.Wait()

	final := chunks[len(chunks)-1]
	if !final.Done || final.Err == nil {
		t.Errorf("final chunk = %+v, want write error", final)
	}
	for _, c := range chunks[:len(chunks)-1] {
		if c.Done || c.Err != nil {
			t.Errorf("stream carried more than one terminal chunk: %+v", chunks)
			break
		}
	}

	// The failed turn is settled, so the adapter accepts the next chat
	// instead of reporting one in flight.
	if _, err := a.Chat(context.Background(), "again"); errors.Is(err, ErrChatInFlight) {
		t.Errorf("chat after failed turn = %v", err)
	}
}

func TestCancelTurnSettlesInFlightTurn(t *testing.T) {
	a, p := startedAdapter(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := a.Chat(ctx, "hi")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	p.readPrompt(t)

	cancel()
	a.CancelTurn()

	chunks := collect(t, ch)
	if len(chunks) > 0 {
		final := chunks[len(chunks)-1]
		if !final.Done || !errors.Is(final.Err, ErrTurnCanceled) {
			t.Errorf("final chunk = %+v, want ErrTurnCanceled", final)
		}
	}

	// Drain the next prompt frame so the write does not block.
	go io.Copy(io.Discard, p.stdinR)

	if _, err := a.Chat(context.Background(), "next"); errors.Is(err, ErrChatInFlight) {
		t.Errorf("chat after cancel = %v, want new turn accepted", err)
	}
}

func TestConversationIDRecorded(t *testing.T) {
	a, p := startedAdapter(t)

	if got := a.ConversationID(); got != "" {
		t.Errorf("conversation id before init = %q", got)
	}
	p.emitInit(t, "conv-42")

	deadline := time.Now().Add(5 * time.Second)
	for a.ConversationID() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := a.ConversationID(); got != "conv-42" {
		t.Errorf("conversation id = %q, want conv-42", got)
	}
}

func TestSecondChatWhileInFlight(t *testing.T) {
	a, p := startedAdapter(t)

	if _, err := a.Chat(context.Background(), "first"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	p.readPrompt(t)

	if _, err := a.Chat(context.Background(), "second"); !errors.Is(err, ErrChatInFlight) {
		t.Errorf("second chat = %v, want ErrChatInFlight", err)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	a, p := startedAdapter(t)

	a.End()
	a.End()

	if p.killCount() != 1 {
		t.Errorf("kill count = %d, want 1", p.killCount())
	}
	if a.Alive() {
		t.Error("adapter should not be alive after End")
	}
	if _, err := a.Chat(context.Background(), "hi"); !errors.Is(err, ErrAdapterClosed) {
		t.Errorf("chat after end = %v, want ErrAdapterClosed", err)
	}
}

func TestResumeRequiresConversationID(t *testing.T) {
	runner := &mockRunner{}
	a := NewAdapter("0123456789abcdef", t.TempDir(), "sonnet", runner, zerolog.Nop())

	if err := a.Resume("prompt", ""); !errors.Is(err, ErrResumeLost) {
		t.Errorf("resume without id = %v, want ErrResumeLost", err)
	}
}

func TestResumePassesResumeIDAndWaitsForInit(t *testing.T) {
	runner := &mockRunner{}
	a := NewAdapter("0123456789abcdef", t.TempDir(), "sonnet", runner, zerolog.Nop())
	t.Cleanup(a.End)

	done := make(chan error, 1)
	go func() { done <- a.Resume("prompt", "conv-7") }()

	// Wait for the subprocess, then acknowledge.
	deadline := time.Now().Add(5 * time.Second)
	for {
		runner.mu.Lock()
		n := len(runner.procs)
		runner.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	runner.mu.Lock()
	p := runner.procs[0]
	opts := runner.lastOpts
	runner.mu.Unlock()

	if opts.ResumeID != "conv-7" {
		t.Errorf("resume id = %q, want conv-7", opts.ResumeID)
	}
	p.emitInit(t, "conv-7")

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("resume = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("resume did not return")
	}
}

func TestStartFailurePropagates(t *testing.T) {
	runner := &mockRunner{startErr: errors.New("no such binary")}
	a := NewAdapter("0123456789abcdef", t.TempDir(), "sonnet", runner, zerolog.Nop())

	if err := a.Start("prompt"); err == nil {
		t.Error("expected start error")
	}
}
