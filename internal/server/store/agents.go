package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateWorkspace inserts a workspace row.
func (q *Queries) CreateWorkspace(ctx context.Context, w Workspace) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, created_at) VALUES (?, ?, ?)`,
		w.ID, w.Name, millis(w.CreatedAt))
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

// CreateWorktree inserts a worktree row.
func (q *Queries) CreateWorktree(ctx context.Context, w Worktree) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO worktrees (id, workspace_id, path, branch, created_at) VALUES (?, ?, ?, ?, ?)`,
		w.ID, w.WorkspaceID, w.Path, w.Branch, millis(w.CreatedAt))
	if err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}
	return nil
}

// GetWorktreeByID returns a worktree row by id.
func (q *Queries) GetWorktreeByID(ctx context.Context, worktreeID string) (Worktree, error) {
	var w Worktree
	var createdAt int64
	err := q.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, path, branch, created_at FROM worktrees WHERE id = ?`,
		worktreeID).Scan(&w.ID, &w.WorkspaceID, &w.Path, &w.Branch, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Worktree{}, ErrNotFound
	}
	if err != nil {
		return Worktree{}, fmt.Errorf("get worktree: %w", err)
	}
	w.CreatedAt = fromMillis(createdAt)
	return w, nil
}

// CreateAgentParams holds the caller-supplied fields for a new agent row.
type CreateAgentParams struct {
	ID            string
	WorktreeID    string
	Mode          AgentMode
	Permissions   []string
	DisplayOrder  int
	ParentAgentID *string
	CreatedAt     time.Time
}

// CreateAgent inserts a new agent in the waiting state. When a parent
// agent id is given (fork lineage) the parent must already exist; the
// lookup runs before the insert so the failure maps to ErrNotFound
// rather than a bare foreign-key violation.
func (q *Queries) CreateAgent(ctx context.Context, p CreateAgentParams) error {
	if p.ParentAgentID != nil {
		if _, err := q.GetAgentByID(ctx, *p.ParentAgentID); err != nil {
			return fmt.Errorf("parent agent: %w", err)
		}
	}

	perms := p.Permissions
	if perms == nil {
		perms = []string{}
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO agents (id, worktree_id, status, mode, permissions, display_order, parent_agent_id, created_at)
		 VALUES (?, ?, 'waiting', ?, ?, ?, ?, ?)`,
		p.ID, p.WorktreeID, string(p.Mode), string(permsJSON), p.DisplayOrder,
		nullStr(p.ParentAgentID), millis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

const agentColumns = `id, worktree_id, status, mode, permissions, pid, session_id,
	display_order, parent_agent_id, created_at, started_at, stopped_at, deleted_at`

func scanAgent(row interface{ Scan(...any) error }) (Agent, error) {
	var a Agent
	var perms string
	var pid, startedAt, stoppedAt, deletedAt sql.NullInt64
	var sessionID, parentID sql.NullString
	var created int64

	err := row.Scan(&a.ID, &a.WorktreeID, (*string)(&a.Status), (*string)(&a.Mode),
		&perms, &pid, &sessionID, &a.DisplayOrder, &parentID,
		&created, &startedAt, &stoppedAt, &deletedAt)
	if err != nil {
		return Agent{}, err
	}

	if err := json.Unmarshal([]byte(perms), &a.Permissions); err != nil {
		return Agent{}, fmt.Errorf("unmarshal permissions: %w", err)
	}
	a.PID = intPtr(pid)
	a.SessionID = strPtr(sessionID)
	a.ParentAgentID = strPtr(parentID)
	a.CreatedAt = fromMillis(created)
	a.StartedAt = timePtr(startedAt)
	a.StoppedAt = timePtr(stoppedAt)
	a.DeletedAt = timePtr(deletedAt)
	return a, nil
}

// GetAgentByID returns an agent row. Archived agents are returned too;
// callers that must reject them check Archived(). A missing row maps to
// ErrNotFound.
func (q *Queries) GetAgentByID(ctx context.Context, agentID string) (Agent, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgentsByWorktree returns agents for a worktree ordered by display
// order. Archived agents are excluded unless includeArchived is set.
func (q *Queries) ListAgentsByWorktree(ctx context.Context, worktreeID string, includeArchived bool) ([]Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE worktree_id = ?`
	if !includeArchived {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY display_order, created_at`

	rows, err := q.db.QueryContext(ctx, query, worktreeID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// MarkAgentRunning atomically records a successful process start:
// status=running, pid set, started_at set, stopped_at cleared.
func (q *Queries) MarkAgentRunning(ctx context.Context, agentID string, pid int, startedAt time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE agents SET status = 'running', pid = ?, started_at = ?, stopped_at = NULL
		 WHERE id = ? AND deleted_at IS NULL`,
		pid, millis(startedAt), agentID)
	if err != nil {
		return fmt.Errorf("mark agent running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAgentStopped atomically records a process exit: terminal status,
// pid cleared, stopped_at set.
func (q *Queries) MarkAgentStopped(ctx context.Context, agentID string, status AgentStatus, stoppedAt time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, pid = NULL, stopped_at = ? WHERE id = ?`,
		string(status), millis(stoppedAt), agentID)
	if err != nil {
		return fmt.Errorf("mark agent stopped: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAgentSessionID records the resume token extracted from the CLI's
// init message.
func (q *Queries) SetAgentSessionID(ctx context.Context, agentID, sessionID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE agents SET session_id = ? WHERE id = ?`, sessionID, agentID)
	if err != nil {
		return fmt.Errorf("set agent session id: %w", err)
	}
	return nil
}

// ClearOrphanedPids reconciles rows claiming a live process from a
// previous server lifetime. No in-memory handle can survive a restart,
// so any running/waiting row with a pid is demoted to finished with the
// pid cleared. Returns the number of rows fixed.
func (q *Queries) ClearOrphanedPids(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE agents SET status = 'finished', pid = NULL
		 WHERE pid IS NOT NULL AND status IN ('running', 'waiting')`)
	if err != nil {
		return 0, fmt.Errorf("clear orphaned pids: %w", err)
	}
	return res.RowsAffected()
}

// ArchiveAgent soft-deletes an agent. The row and its transcript are
// retained; the agent disappears from default listings.
func (q *Queries) ArchiveAgent(ctx context.Context, agentID string, deletedAt time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE agents SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		millis(deletedAt), agentID)
	if err != nil {
		return fmt.Errorf("archive agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RestoreAgent clears the soft-delete marker.
func (q *Queries) RestoreAgent(ctx context.Context, agentID string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE agents SET deleted_at = NULL WHERE id = ? AND deleted_at IS NOT NULL`,
		agentID)
	if err != nil {
		return fmt.Errorf("restore agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeAgent permanently deletes an agent and its transcript.
func (q *Queries) PurgeAgent(ctx context.Context, agentID string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("purge messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("purge agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// WorkspaceIDForAgent resolves the workspace owning the agent's worktree.
func (q *Queries) WorkspaceIDForAgent(ctx context.Context, agentID string) (string, error) {
	var workspaceID string
	err := q.db.QueryRowContext(ctx,
		`SELECT w.workspace_id FROM agents a JOIN worktrees w ON w.id = a.worktree_id
		 WHERE a.id = ?`, agentID).Scan(&workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("workspace for agent: %w", err)
	}
	return workspaceID, nil
}
