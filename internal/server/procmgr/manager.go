package procmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewdock/crewdock/internal/metrics"
	"github.com/crewdock/crewdock/internal/server/id"
	"github.com/crewdock/crewdock/internal/server/store"
	"github.com/crewdock/crewdock/internal/util/sanitize"
)

var (
	// ErrAgentNotFound is returned when the agent row does not exist, is
	// archived, or (for Stop) has no live process handle.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentRunning is returned when starting an agent that already
	// holds a process slot.
	ErrAgentRunning = errors.New("agent is already running")

	// ErrAgentStarting is returned when stopping an agent whose process
	// slot is claimed but whose spawn has not finished.
	ErrAgentStarting = errors.New("agent is starting")
)

// ProcessError wraps a failure at the OS process boundary (spawn,
// signal). Callers map it to a distinct API error class.
type ProcessError struct {
	Op  string
	Err error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("process %s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Broadcaster pushes agent lifecycle and output events to subscribed
// clients. Implemented by ws.EventBroadcaster.
type Broadcaster interface {
	AgentOutput(agentID, content string)
	AgentError(agentID, message string)
	AgentTerminated(agentID string, exitCode *int, signal *string)
	AgentStatus(agentID, workspaceID string, status string)
}

// startFunc spawns a process; swapped out in tests.
type startFunc func(ctx context.Context, opts Options, onOutput OutputHandler, onStderr StderrHandler) (*Process, error)

// Config holds the spawn parameters shared by every agent process.
type Config struct {
	Binary    string
	Model     string
	StopGrace time.Duration
}

// handle is one claimed process slot. proc is nil between the claim and
// the completed spawn; Stop treats that window as a conflict.
type handle struct {
	agentID     string
	workspaceID string
	proc        *Process
	transcript  *transcriber
	failed      atomic.Bool   // listener failure forces the error outcome
	reaped      chan struct{} // closed once the exit has been fully processed
}

// Manager owns the agent-id to process mapping. All spawns, signals and
// reaps go through it; it is the sole writer of the running/stopped
// status transitions.
type Manager struct {
	store  *store.Queries
	events Broadcaster
	cfg    Config
	start  startFunc

	mu      sync.Mutex
	handles map[string]*handle
}

// New creates a Manager. Processes spawn via the real CLI binary.
func New(queries *store.Queries, events Broadcaster, cfg Config) *Manager {
	return &Manager{
		store:   queries,
		events:  events,
		cfg:     cfg,
		start:   Spawn,
		handles: make(map[string]*handle),
	}
}

// Start spawns the agent's CLI process and transitions it to running.
// The slot is claimed before the spawn begins, so two concurrent Start
// calls for the same agent cannot both succeed. A non-empty prompt is
// persisted as the first user message and written to the process.
func (m *Manager) Start(ctx context.Context, agentID, prompt string) (store.Agent, error) {
	agent, err := m.store.GetAgentByID(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Agent{}, ErrAgentNotFound
	}
	if err != nil {
		return store.Agent{}, err
	}
	if agent.Archived() {
		return store.Agent{}, ErrAgentNotFound
	}
	if agent.Status == store.StatusRunning {
		return store.Agent{}, ErrAgentRunning
	}

	// Claim the slot before spawning. The claim, not the spawn, is what
	// closes the double-start race.
	m.mu.Lock()
	if _, exists := m.handles[agentID]; exists {
		m.mu.Unlock()
		return store.Agent{}, ErrAgentRunning
	}
	h := &handle{agentID: agentID, reaped: make(chan struct{})}
	m.handles[agentID] = h
	m.mu.Unlock()

	agent, err = m.spawn(ctx, h, agent, prompt)
	if err != nil {
		m.release(agentID)
		return store.Agent{}, err
	}
	return agent, nil
}

func (m *Manager) spawn(ctx context.Context, h *handle, agent store.Agent, prompt string) (store.Agent, error) {
	worktree, err := m.store.GetWorktreeByID(ctx, agent.WorktreeID)
	if err != nil {
		return store.Agent{}, fmt.Errorf("resolve worktree: %w", err)
	}
	h.workspaceID = worktree.WorkspaceID
	h.transcript = newTranscriber(agent.ID, m.store, m.events)

	opts := Options{
		AgentID:      agent.ID,
		Binary:       m.cfg.Binary,
		Model:        m.cfg.Model,
		WorktreePath: worktree.Path,
		Mode:         agent.Mode,
		Permissions:  agent.Permissions,
		StopGrace:    m.cfg.StopGrace,
	}
	if agent.SessionID != nil {
		opts.ResumeSessionID = *agent.SessionID
	}

	onOutput := func(line []byte) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("agent output listener panicked", "agent_id", agent.ID, "panic", r)
				m.failAgent(agent.ID)
			}
		}()
		if err := h.transcript.HandleLine(context.Background(), line); err != nil {
			slog.Error("agent transcript write failed", "agent_id", agent.ID, "error", err)
			m.failAgent(agent.ID)
		}
	}
	onStderr := func(line string) {
		if msg := sanitize.Line(line, 500); msg != "" {
			m.events.AgentError(agent.ID, msg)
		}
	}

	// The process must outlive the request that started it.
	proc, err := m.start(context.Background(), opts, onOutput, onStderr)
	if err != nil {
		return store.Agent{}, &ProcessError{Op: "spawn", Err: err}
	}

	now := time.Now()
	if err := m.store.MarkAgentRunning(ctx, agent.ID, proc.PID(), now); err != nil {
		proc.Kill()
		return store.Agent{}, fmt.Errorf("mark running: %w", err)
	}

	if prompt != "" {
		if err := m.store.CreateMessage(ctx, store.CreateMessageParams{
			ID:         id.New(id.Message),
			AgentID:    agent.ID,
			Role:       store.RoleUser,
			Content:    prompt,
			IsComplete: true,
			CreatedAt:  now,
		}); err != nil {
			slog.Warn("persist initial prompt failed", "agent_id", agent.ID, "error", err)
		}
		if err := proc.SendInput(prompt); err != nil {
			slog.Warn("send initial prompt failed", "agent_id", agent.ID, "error", err)
		}
	}

	// Publish the live process only after the agent row says running;
	// Stop racing in before this point sees a starting slot. A listener
	// failure during that window could not signal the process, so kill
	// it here.
	m.mu.Lock()
	h.proc = proc
	failed := h.failed.Load()
	m.mu.Unlock()
	if failed {
		proc.Kill()
	}

	metrics.RunningAgents.Inc()
	metrics.AgentStartsTotal.Inc()
	m.events.AgentStatus(agent.ID, h.workspaceID, string(store.StatusRunning))
	slog.Info("agent started", "agent_id", agent.ID, "pid", proc.PID())

	go m.reap(h)

	agent, err = m.store.GetAgentByID(ctx, agent.ID)
	if err != nil {
		return store.Agent{}, err
	}
	return agent, nil
}

// reap waits for the process to exit, persists the terminal status, and
// releases the slot. It is the only goroutine that transitions a
// running agent out of running.
func (m *Manager) reap(h *handle) {
	defer close(h.reaped)
	waitErr := h.proc.Wait()

	m.release(h.agentID)
	metrics.RunningAgents.Dec()

	ctx := context.Background()
	if err := h.transcript.Finalize(ctx); err != nil {
		slog.Warn("finalize transcript failed", "agent_id", h.agentID, "error", err)
	}

	status := store.StatusFinished
	switch {
	case h.failed.Load():
		status = store.StatusError
	case h.proc.Stopped():
		// Operator-requested stop is a clean finish regardless of the
		// exit code the signal produced.
	case waitErr != nil:
		status = store.StatusError
	}

	if err := m.store.MarkAgentStopped(ctx, h.agentID, status, time.Now()); err != nil {
		slog.Error("mark agent stopped failed", "agent_id", h.agentID, "error", err)
	}

	exitCode, signal := exitOutcome(waitErr)
	outcome := "finished"
	if status == store.StatusError {
		outcome = "error"
		if tail := h.proc.StderrTail(); tail != "" {
			slog.Warn("agent exited with error", "agent_id", h.agentID, "stderr", sanitize.Line(tail, 1000))
		}
	}
	metrics.AgentExitsTotal.WithLabelValues(outcome).Inc()

	m.events.AgentStatus(h.agentID, h.workspaceID, string(status))
	m.events.AgentTerminated(h.agentID, exitCode, signal)
	slog.Info("agent exited", "agent_id", h.agentID, "status", status, "error", waitErr)
}

// Stop terminates a running agent's process and waits for the exit to
// be reaped. With force, escalation after the grace period is SIGKILL
// instead of SIGTERM.
func (m *Manager) Stop(ctx context.Context, agentID string, force bool) error {
	m.mu.Lock()
	h, exists := m.handles[agentID]
	var proc *Process
	if exists {
		proc = h.proc
	}
	m.mu.Unlock()

	if !exists {
		return ErrAgentNotFound
	}
	if proc == nil {
		return ErrAgentStarting
	}

	proc.Stop(force)

	// Wait for the reap, not just the exit, so the terminal status is
	// persisted and the slot released before Stop returns.
	select {
	case <-h.reaped:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.StopGrace + 10*time.Second):
		// Grace and SIGTERM both failed; nothing survives SIGKILL.
		proc.Kill()
		<-h.reaped
	}
	return nil
}

// StopAll stops every supervised agent in parallel and waits for all of
// them to exit. Used during server shutdown; stragglers are force
// killed.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for agentID := range m.handles {
		ids = append(ids, agentID)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, agentID := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Stop(ctx, agentID, true); err != nil &&
				!errors.Is(err, ErrAgentNotFound) {
				slog.Warn("stop agent during shutdown", "agent_id", agentID, "error", err)
			}
		}()
	}
	wg.Wait()
}

// SendInput writes a user message to a running agent's stdin and
// appends it to the transcript.
func (m *Manager) SendInput(ctx context.Context, agentID, content string) error {
	m.mu.Lock()
	h, exists := m.handles[agentID]
	var proc *Process
	if exists {
		proc = h.proc
	}
	m.mu.Unlock()

	if !exists {
		return ErrAgentNotFound
	}
	if proc == nil {
		return ErrAgentStarting
	}

	if err := m.store.CreateMessage(ctx, store.CreateMessageParams{
		ID:         id.New(id.Message),
		AgentID:    agentID,
		Role:       store.RoleUser,
		Content:    content,
		IsComplete: true,
		CreatedAt:  time.Now(),
	}); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	if err := proc.SendInput(content); err != nil {
		return &ProcessError{Op: "input", Err: err}
	}
	return nil
}

// RunningCount returns the number of live process slots, including ones
// still spawning.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// RecoverOrphans reconciles persisted state with reality after a server
// restart: any agent still marked running or waiting with a recorded
// pid lost its process when the previous server died, so it is moved to
// finished with the pid cleared. Returns the number of rows fixed.
func (m *Manager) RecoverOrphans(ctx context.Context) (int64, error) {
	n, err := m.store.ClearOrphanedPids(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear orphaned pids: %w", err)
	}
	if n > 0 {
		slog.Info("recovered orphaned agents", "count", n)
	}
	return n, nil
}

// Reset drops the in-memory handle map without touching persisted state
// or signalling processes. Test teardown only.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles = make(map[string]*handle)
}

// failAgent force-terminates an agent whose listener failed; the reaper
// records the error outcome. If the process has not been published yet,
// spawn issues the kill after publishing.
func (m *Manager) failAgent(agentID string) {
	m.mu.Lock()
	h, exists := m.handles[agentID]
	var proc *Process
	if exists {
		h.failed.Store(true)
		proc = h.proc
	}
	m.mu.Unlock()

	if proc != nil {
		proc.Kill()
	}
}

func (m *Manager) release(agentID string) {
	m.mu.Lock()
	delete(m.handles, agentID)
	m.mu.Unlock()
}
