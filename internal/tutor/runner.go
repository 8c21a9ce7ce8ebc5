package tutor

import (
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"
)

// StartOptions describes one tutor backend invocation.
type StartOptions struct {
	Model string
	// Workspace is the per-session scratch directory the backend may read.
	Workspace string
	// ResumeID reattaches to an existing backend conversation when set.
	ResumeID string
	// SystemPrompt frames the tutoring mode and problem.
	SystemPrompt string
}

// TutorProcess is a started tutor backend: an NDJSON prompt sink, an
// NDJSON event stream, and termination handles. Kill signals the whole
// process group; the backend exposes no cleaner shutdown than its
// stdin closing, so termination always falls through to signalling.
type TutorProcess struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Wait   func() error
	Kill   func()
}

// ProcessRunner abstracts the spawning of a tutor backend subprocess so
// that tests can substitute a mock implementation.
type ProcessRunner interface {
	Start(opts StartOptions) (*TutorProcess, error)
}

// killGroupGrace is the pause between SIGTERM and SIGKILL when tearing
// down a backend process group.
const killGroupGrace = 2 * time.Second

// CLIRunner implements ProcessRunner by spawning the real tutor CLI
// binary in bidirectional stream-json mode.
type CLIRunner struct {
	// Bin is the backend binary name, e.g. "claude".
	Bin string
}

// Start builds and starts a tutor backend process scoped to the session
// workspace, in its own process group.
func (r *CLIRunner) Start(opts StartOptions) (*TutorProcess, error) {
	args := []string{
		"--model", opts.Model,
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}

	cmd := exec.Command(r.Bin, args...)
	cmd.Dir = opts.Workspace
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.Bin, err)
	}

	pid := cmd.Process.Pid
	kill := func() {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		time.Sleep(killGroupGrace)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}

	return &TutorProcess{Stdin: stdin, Stdout: stdout, Wait: cmd.Wait, Kill: kill}, nil
}
