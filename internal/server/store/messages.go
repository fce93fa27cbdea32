package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/crewdock/crewdock/internal/server/msgcodec"
)

// CreateMessageParams holds the fields for a new transcript entry.
type CreateMessageParams struct {
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

// CreateMessage appends a transcript entry. Content is compressed at
// rest; insertion order (created_at, id) is the ordering key.
func (q *Queries) CreateMessage(ctx context.Context, p CreateMessageParams) error {
	compressed, compression := msgcodec.Compress([]byte(p.Content))
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO messages (id, agent_id, role, content, compression, token_count,
		 tool_name, tool_input, tool_output, is_complete, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AgentID, string(p.Role), compressed, string(compression),
		nullInt(p.TokenCount), nullStr(p.ToolName), nullStr(p.ToolInput),
		nullStr(p.ToolOutput), p.IsComplete, millis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// AppendMessageContent appends a chunk to an incomplete message.
// Appending to a message that has been finalized (or that does not
// exist) is a contract violation and returns ErrMessageComplete /
// ErrNotFound respectively. The read-modify-write runs in a transaction
// so interleaved appends for the same message cannot lose chunks.
func (q *Queries) AppendMessageContent(ctx context.Context, messageID, chunk string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var content []byte
	var compression string
	var isComplete bool
	err = tx.QueryRowContext(ctx,
		`SELECT content, compression, is_complete FROM messages WHERE id = ?`,
		messageID).Scan(&content, &compression, &isComplete)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load message for append: %w", err)
	}
	if isComplete {
		return ErrMessageComplete
	}

	existing, err := decode(content, compression)
	if err != nil {
		return fmt.Errorf("decode message content: %w", err)
	}

	compressed, newCompression := msgcodec.Compress([]byte(existing + chunk))
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET content = ?, compression = ? WHERE id = ? AND is_complete = 0`,
		compressed, string(newCompression), messageID); err != nil {
		return fmt.Errorf("append message content: %w", err)
	}

	return tx.Commit()
}

// CompleteMessage finalizes an incomplete message, optionally recording
// its token count. Completing an already-complete message returns
// ErrMessageComplete.
func (q *Queries) CompleteMessage(ctx context.Context, messageID string, tokenCount *int) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE messages SET is_complete = 1, token_count = COALESCE(?, token_count)
		 WHERE id = ? AND is_complete = 0`,
		nullInt(tokenCount), messageID)
	if err != nil {
		return fmt.Errorf("complete message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish missing from already-complete for the caller.
		var exists bool
		if err := q.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM messages WHERE id = ?)`, messageID).Scan(&exists); err != nil {
			return fmt.Errorf("complete message: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrMessageComplete
	}
	return nil
}

// SetToolOutput records a tool invocation's result and finalizes the
// message. Returns ErrNotFound for a missing message and
// ErrMessageComplete when the result was already recorded.
func (q *Queries) SetToolOutput(ctx context.Context, messageID, output string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE messages SET tool_output = ?, is_complete = 1
		 WHERE id = ? AND is_complete = 0`,
		output, messageID)
	if err != nil {
		return fmt.Errorf("set tool output: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists bool
		if err := q.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM messages WHERE id = ?)`, messageID).Scan(&exists); err != nil {
			return fmt.Errorf("set tool output: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrMessageComplete
	}
	return nil
}

const messageColumns = `id, agent_id, role, content, compression, token_count,
	tool_name, tool_input, tool_output, is_complete, created_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	var content []byte
	var compression string
	var tokenCount sql.NullInt64
	var toolName, toolInput, toolOutput sql.NullString
	var createdAt int64

	err := row.Scan(&m.ID, &m.AgentID, (*string)(&m.Role), &content, &compression,
		&tokenCount, &toolName, &toolInput, &toolOutput, &m.IsComplete, &createdAt)
	if err != nil {
		return Message{}, err
	}

	text, err := decode(content, compression)
	if err != nil {
		return Message{}, fmt.Errorf("decode message content: %w", err)
	}
	m.Content = text
	m.TokenCount = intPtr(tokenCount)
	m.ToolName = strPtr(toolName)
	m.ToolInput = strPtr(toolInput)
	m.ToolOutput = strPtr(toolOutput)
	m.CreatedAt = fromMillis(createdAt)
	return m, nil
}

// GetMessageByID returns a single transcript entry.
func (q *Queries) GetMessageByID(ctx context.Context, messageID string) (Message, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListMessagesByAgent returns up to limit transcript entries for an
// agent in insertion order. A non-zero before bounds the window to
// entries created strictly earlier (time-window pagination: pass the
// oldest timestamp of the previous page).
func (q *Queries) ListMessagesByAgent(ctx context.Context, agentID string, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE agent_id = ?`
	args := []any{agentID}
	if !before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, millis(before))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first query for the LIMIT, oldest-first result for callers.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SumTokenCounts returns the total token count of messages created at
// or after since. Used by the usage collector.
func (q *Queries) SumTokenCounts(ctx context.Context, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := q.db.QueryRowContext(ctx,
		`SELECT SUM(token_count) FROM messages WHERE created_at >= ?`,
		millis(since)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum token counts: %w", err)
	}
	return total.Int64, nil
}
