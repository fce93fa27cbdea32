// Package procmgr supervises agent CLI processes. It owns the live
// mapping from agent id to running process and is the only component
// allowed to spawn, signal, or reap them.
package procmgr

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/crewdock/crewdock/internal/server/store"
)

// OutputHandler is called for each NDJSON line the agent process writes
// to stdout. The line is passed verbatim (not parsed).
type OutputHandler func(line []byte)

// StderrHandler is called for each line the agent process writes to
// stderr.
type StderrHandler func(line string)

// Options configures a spawned agent process.
type Options struct {
	AgentID         string
	Binary          string // agent CLI binary (default "claude")
	Model           string
	WorktreePath    string
	Mode            store.AgentMode
	Permissions     []string // capability tags passed as allowed tools
	ResumeSessionID string   // if set, resumes a previous CLI session
	StopGrace       time.Duration
}

func (o Options) binary() string {
	if o.Binary != "" {
		return o.Binary
	}
	return "claude"
}

func (o Options) stopGrace() time.Duration {
	if o.StopGrace > 0 {
		return o.StopGrace
	}
	return 3 * time.Second
}

// Process is one live agent CLI process. Exactly one Process may exist
// per agent id at any instant; the Manager enforces that invariant.
type Process struct {
	agentID   string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	cancel    context.CancelFunc
	stopGrace time.Duration

	done    chan struct{} // closed when the process has exited
	waitErr error         // set before done is closed

	mu         sync.Mutex
	stopped    bool
	stderrTail bytes.Buffer
}

// userInput is the frame written to the CLI's stdin for a user message
// when using --input-format stream-json.
type userInput struct {
	Type    string           `json:"type"`
	Message userInputMessage `json:"message"`
}

type userInputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Spawn starts the agent CLI bound to the worktree path and begins
// streaming its output. The process lifetime is detached from ctx;
// callers stop it via Stop or Kill.
func Spawn(ctx context.Context, opts Options, onOutput OutputHandler, onStderr StderrHandler) (*Process, error) {
	ctx, cancel := context.WithCancel(ctx)

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	switch opts.Mode {
	case store.ModeAuto:
		args = append(args, "--dangerously-skip-permissions")
	case store.ModePlan:
		args = append(args, "--permission-mode", "plan")
	}
	for _, perm := range opts.Permissions {
		args = append(args, "--allowed-tools", perm)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}

	cmd := exec.CommandContext(ctx, opts.binary(), args...)
	cmd.Dir = opts.WorktreePath

	// Send SIGTERM (instead of the default SIGKILL) when the context is
	// cancelled, giving the CLI a chance to persist its session state.
	// If the process doesn't exit within WaitDelay after SIGTERM, Go
	// sends SIGKILL automatically.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	p := &Process{
		agentID:   opts.AgentID,
		cmd:       cmd,
		stdin:     stdin,
		cancel:    cancel,
		stopGrace: opts.stopGrace(),
		done:      make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", opts.binary(), err)
	}

	// Drain both pipes before reaping: cmd.Wait closes the pipes, so it
	// must not run while the scanners are still reading.
	var pipes sync.WaitGroup
	pipes.Add(2)

	go func() {
		defer pipes.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			// Copy: the scanner reuses its buffer.
			lineCopy := make([]byte, len(line))
			copy(lineCopy, line)
			onOutput(lineCopy)
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("agent stdout read error", "agent_id", p.agentID, "error", err)
		}
	}()

	go func() {
		defer pipes.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			p.recordStderr(line)
			if onStderr != nil {
				onStderr(line)
			}
		}
	}()

	go func() {
		pipes.Wait()
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// SendInput writes a user message to the process's stdin.
func (p *Process) SendInput(content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return errors.New("process is stopped")
	}

	data, err := json.Marshal(userInput{
		Type:    "user",
		Message: userInputMessage{Role: "user", Content: content},
	})
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	data = append(data, '\n')
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Stop terminates the process gracefully: stdin EOF first (the CLI
// treats it as a shutdown signal), then after the grace period SIGTERM
// via context cancellation (with SIGKILL after WaitDelay). When force
// is set the escalation after the grace period is an immediate SIGKILL.
// Stop marks the process as intentionally stopped; it does not wait for
// the exit — use Wait or Done for that.
func (p *Process) Stop(force bool) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	_ = p.stdin.Close()

	select {
	case <-p.done:
		return
	case <-time.After(p.stopGrace):
	}

	if force {
		_ = p.cmd.Process.Kill()
		return
	}
	p.cancel()
}

// Kill terminates the process immediately without marking it as an
// intentional stop. Used when a listener failure forces the agent into
// the error state.
func (p *Process) Kill() {
	_ = p.cmd.Process.Kill()
	p.cancel()
}

// Stopped reports whether the process was intentionally stopped via Stop.
func (p *Process) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Done returns a channel closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// PID returns the OS process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// StderrTail returns the most recent captured stderr output.
func (p *Process) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderrTail.String()
}

const stderrTailLimit = 4096

func (p *Process) recordStderr(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stderrTail.WriteString(line)
	p.stderrTail.WriteByte('\n')
	if p.stderrTail.Len() > stderrTailLimit {
		b := p.stderrTail.Bytes()
		trimmed := make([]byte, stderrTailLimit)
		copy(trimmed, b[len(b)-stderrTailLimit:])
		p.stderrTail.Reset()
		p.stderrTail.Write(trimmed)
	}
}

// exitOutcome extracts the exit code or terminating signal from a Wait
// error. A nil error is exit code 0.
func exitOutcome(err error) (exitCode *int, signal *string) {
	if err == nil {
		zero := 0
		return &zero, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return nil, nil
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal().String()
		return nil, &sig
	}
	code := exitErr.ExitCode()
	return &code, nil
}
