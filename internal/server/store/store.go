// Package store implements the persistence layer for agents and their
// transcripts on top of SQLite. All reads and writes go through Queries;
// it is the only durable source of truth across server restarts.
package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/crewdock/crewdock/internal/server/msgcodec"
)

var (
	// ErrNotFound is returned when a referenced row does not exist
	// (or, for agents, has been archived).
	ErrNotFound = errors.New("not found")

	// ErrMessageComplete is returned when appending to a message that
	// has already been finalized.
	ErrMessageComplete = errors.New("message is complete")
)

// AgentStatus is the persisted lifecycle state of an agent.
type AgentStatus string

const (
	StatusWaiting  AgentStatus = "waiting"
	StatusRunning  AgentStatus = "running"
	StatusError    AgentStatus = "error"
	StatusFinished AgentStatus = "finished"
)

// AgentMode selects how much autonomy the agent CLI is given.
type AgentMode string

const (
	ModeAuto    AgentMode = "auto"
	ModePlan    AgentMode = "plan"
	ModeRegular AgentMode = "regular"
)

// MessageRole is the author of a transcript message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// Workspace is a named collection of worktrees.
type Workspace struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Worktree is a checked-out working copy of a branch within a workspace.
type Worktree struct {
	ID          string
	WorkspaceID string
	Path        string
	Branch      string
	CreatedAt   time.Time
}

// Agent is one supervised run of an interactive CLI session bound to a
// worktree.
type Agent struct {
	ID            string
	WorktreeID    string
	Status        AgentStatus
	Mode          AgentMode
	Permissions   []string
	PID           *int
	SessionID     *string
	DisplayOrder  int
	ParentAgentID *string
	CreatedAt     time.Time
	StartedAt     *time.Time
	StoppedAt     *time.Time
	DeletedAt     *time.Time
}

// Archived reports whether the agent has been soft-deleted.
func (a *Agent) Archived() bool {
	return a.DeletedAt != nil
}

// Message is one append-only transcript entry. Content is stored
// compressed; Content here is always the decompressed text.
type Message struct {
	ID         string
	AgentID    string
	Role       MessageRole
	Content    string
	TokenCount *int
	ToolName   *string
	ToolInput  *string
	ToolOutput *string
	IsComplete bool
	CreatedAt  time.Time
}

// Queries wraps a *sql.DB with typed accessors for the crewdock schema.
type Queries struct {
	db *sql.DB
}

// New creates a Queries over the given database handle.
func New(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// millis converts a time to the unix-millisecond representation used
// for every timestamp column.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

// decode decompresses a stored content blob.
func decode(content []byte, compression string) (string, error) {
	data, err := msgcodec.Decompress(content, msgcodec.Compression(compression))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
