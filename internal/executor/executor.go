// Package executor runs untrusted learner code against catalog test
// cases inside a resource-capped subprocess. The result is captured
// through a per-invocation random marker so learner prints can never be
// mistaken for the result stream.
package executor

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/joestump/algotutor/internal/catalog"
	"github.com/joestump/algotutor/internal/config"
)

// Run modes.
const (
	ModeRun    = "run"
	ModeSubmit = "submit"
)

// Categorical error strings surfaced to clients.
const (
	ErrCategoryRuntime = "RuntimeError"
	ErrCategoryTimeout = "TimeLimitExceeded"
	ErrCategorySpawn   = "SpawnFailed"
)

// MaxCodeBytes bounds submitted code size.
const MaxCodeBytes = 50 * 1024

// killGrace is how long after SIGTERM the process group gets before
// SIGKILL.
const killGrace = 2 * time.Second

// TestResult is the outcome of a single test case.
type TestResult struct {
	TestNum   int             `json:"test_num"`
	Input     json.RawMessage `json:"input,omitempty"`
	Expected  json.RawMessage `json:"expected,omitempty"`
	Actual    json.RawMessage `json:"actual"`
	Passed    bool            `json:"passed"`
	RuntimeMs int             `json:"runtime_ms"`
	Stdout    string          `json:"stdout"`
	Error     string          `json:"error,omitempty"`
}

// Result is the outcome of one executor invocation.
type Result struct {
	Passed  int          `json:"passed"`
	Failed  int          `json:"failed"`
	Results []TestResult `json:"results"`
}

// driverPayload is what the generated driver emits inside the marker
// envelope.
type driverPayload struct {
	Passed         int          `json:"passed"`
	Failed         int          `json:"failed"`
	Results        []TestResult `json:"results"`
	LimitsDegraded bool         `json:"limits_degraded"`
}

// Executor runs learner code. It owns the per-run temp files and child
// processes; neither escapes a Run call.
type Executor struct {
	cfg *config.Config
	log zerolog.Logger
}

// New returns an Executor using the configured interpreter and caps.
func New(cfg *config.Config, log zerolog.Logger) *Executor {
	return &Executor{cfg: cfg, log: log.With().Str("component", "executor").Logger()}
}

// newMarker returns a 128-bit random marker, hex-encoded. It is generated
// fresh per invocation in the parent so learner code cannot guess it.
func newMarker() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate marker: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// Run executes code against the problem's tests inside workspace. Input
// validation failures return an error; execution failures are folded into
// the Result as a single categorical test failure and never propagate.
func (e *Executor) Run(ctx context.Context, workspace, code string, problem *catalog.Problem) (*Result, error) {
	if len(code) > MaxCodeBytes {
		return nil, fmt.Errorf("code exceeds %d bytes", MaxCodeBytes)
	}
	if !catalog.ValidProblemID(problem.ID) {
		return nil, fmt.Errorf("invalid problem id")
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return e.failure(ErrCategorySpawn, "workspace unavailable"), nil
	}

	marker, err := newMarker()
	if err != nil {
		return nil, err
	}

	// Per-run temp files carry a random suffix so concurrent runs in the
	// same workspace cannot collide.
	runID := uuid.NewString()
	driverPath := filepath.Join(workspace, "_runner_"+runID+".py")
	testsPath := filepath.Join(workspace, "_tests_"+runID+".json")
	solutionPath := filepath.Join(workspace, "solution.py")
	defer func() {
		// Temp files are removed on every exit path; solution.py stays
		// as the workspace scratch copy.
		_ = os.Remove(driverPath)
		_ = os.Remove(testsPath)
	}()

	if err := os.WriteFile(solutionPath, []byte(code), 0o644); err != nil {
		return e.failure(ErrCategorySpawn, "cannot write solution"), nil
	}
	driver := renderDriver(e.cfg.ExecCPUSeconds, e.cfg.ExecMemoryMB, problem.EntryPoint)
	if err := os.WriteFile(driverPath, []byte(driver), 0o644); err != nil {
		return e.failure(ErrCategorySpawn, "cannot write driver"), nil
	}
	testsJSON, err := json.Marshal(problem.Tests)
	if err != nil {
		return nil, fmt.Errorf("marshal tests: %w", err)
	}
	if err := os.WriteFile(testsPath, testsJSON, 0o644); err != nil {
		return e.failure(ErrCategorySpawn, "cannot write tests"), nil
	}

	result := e.exec(ctx, workspace, driverPath, testsPath, marker)

	// Persist the latest results into the workspace for the tutor to read.
	if data, err := json.MarshalIndent(result, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(workspace, "test_results.json"), data, 0o644)
	}

	return result, nil
}

// exec spawns the driver and parses the marker envelope from its output.
func (e *Executor) exec(ctx context.Context, workspace, driverPath, testsPath, marker string) *Result {
	// Wall-clock deadline: CPU cap plus grace for interpreter startup.
	deadline := time.Duration(e.cfg.ExecCPUSeconds)*time.Second + 5*time.Second
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.Command(e.cfg.PythonBin, driverPath, testsPath)
	cmd.Dir = workspace
	// Fresh process group so the whole subtree can be signalled at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Sanitized environment: code-search variables like PYTHONPATH are
	// deliberately absent.
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + workspace,
		"LANG=" + os.Getenv("LANG"),
		"RESULT_MARKER=" + marker,
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		e.log.Error().Err(err).Msg("spawn failed")
		return e.failure(ErrCategorySpawn, "could not start execution")
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timedOut bool
	select {
	case <-runCtx.Done():
		timedOut = true
		e.killGroup(cmd.Process.Pid)
		<-done
	case err := <-done:
		if err != nil {
			// Non-zero exit usually means the rlimit fired or the driver
			// itself died; the envelope scan below decides which.
			e.log.Debug().Err(err).Msg("driver exited non-zero")
		}
	}

	if timedOut {
		return e.failure(ErrCategoryTimeout, fmt.Sprintf("execution exceeded %ds", e.cfg.ExecCPUSeconds))
	}

	payload, userOut, ok := parseEnvelope(stdout.String(), marker)
	if !ok {
		// No envelope: the driver never reached its final write. A kernel
		// kill at the CPU rlimit lands here before the wall-clock deadline,
		// so check the wait status first; anything else surfaces the
		// scrubbed last stderr line as a runtime error.
		if ps := cmd.ProcessState; ps != nil {
			if st, isWait := ps.Sys().(syscall.WaitStatus); isWait && cpuLimitKill(st) {
				return e.failure(ErrCategoryTimeout, fmt.Sprintf("execution exceeded %ds of cpu time", e.cfg.ExecCPUSeconds))
			}
		}
		msg := lastLine(scrubPaths(stderr.String()))
		if msg == "" {
			msg = "execution produced no result"
		}
		return e.failure(ErrCategoryRuntime, msg)
	}
	if userOut != "" {
		e.log.Debug().Int("bytes", len(userOut)).Msg("stray output outside marker envelope")
	}

	var parsed driverPayload
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		e.log.Warn().Err(err).Msg("unparseable driver payload")
		return e.failure(ErrCategoryRuntime, "malformed execution result")
	}
	if parsed.LimitsDegraded {
		e.log.Warn().Msg("address-space cap not supported on this platform; wall-clock timeout still enforced")
	}
	for i := range parsed.Results {
		if parsed.Results[i].Error != "" {
			parsed.Results[i].Error = scrubPaths(parsed.Results[i].Error)
		}
	}

	return &Result{Passed: parsed.Passed, Failed: parsed.Failed, Results: parsed.Results}
}

// cpuLimitKill reports whether the wait status is the kernel terminating
// the child at its CPU rlimit: SIGXCPU at the soft cap, SIGKILL once the
// hard cap is reached.
func cpuLimitKill(st syscall.WaitStatus) bool {
	return st.Signaled() && (st.Signal() == syscall.SIGXCPU || st.Signal() == syscall.SIGKILL)
}

// killGroup terminates the child's entire process group, escalating to
// SIGKILL after a grace period.
func (e *Executor) killGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		e.log.Debug().Err(err).Int("pid", pid).Msg("sigterm process group")
	}
	time.Sleep(killGrace)
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		e.log.Debug().Err(err).Int("pid", pid).Msg("sigkill process group")
	}
}

// failure folds a categorical error into a single-test failure result.
func (e *Executor) failure(category, detail string) *Result {
	msg := category
	if detail != "" {
		msg = category + ": " + detail
	}
	return &Result{
		Passed: 0,
		Failed: 1,
		Results: []TestResult{{
			TestNum: 1,
			Actual:  json.RawMessage("null"),
			Passed:  false,
			Error:   msg,
		}},
	}
}

// parseEnvelope extracts the payload between the first and last marker
// occurrence. Content outside the envelope is returned as user output.
func parseEnvelope(out, marker string) (payload, userOut string, ok bool) {
	first := strings.Index(out, marker)
	if first < 0 {
		return "", out, false
	}
	rest := out[first+len(marker):]
	last := strings.LastIndex(rest, marker)
	if last < 0 {
		return "", out, false
	}
	userOut = out[:first] + rest[last+len(marker):]
	return rest[:last], userOut, true
}

var (
	unixPathRe    = regexp.MustCompile(`(/[\w.\-]+)+/?`)
	windowsPathRe = regexp.MustCompile(`[A-Za-z]:\\[^\s'"]*`)
	homeSegmentRe = regexp.MustCompile(`(?i)(/home/|/Users/|\\Users\\)[^\s/'"\\]*`)
)

// scrubPaths strips absolute filesystem paths from learner-visible error
// text so internal layout never leaks to clients.
func scrubPaths(s string) string {
	s = homeSegmentRe.ReplaceAllString(s, "<path>")
	s = windowsPathRe.ReplaceAllString(s, "<path>")
	s = unixPathRe.ReplaceAllString(s, "<path>")
	return s
}

// lastLine returns the final non-empty line of s, which for a Python
// traceback is the exception message.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
