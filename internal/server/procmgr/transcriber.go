package procmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crewdock/crewdock/internal/server/id"
	"github.com/crewdock/crewdock/internal/server/store"
)

// transcriber turns the agent CLI's NDJSON stream into persisted
// transcript messages and live agent:output events. It holds at most
// one incomplete assistant message and one incomplete tool message at
// a time; a turn boundary (result line) or process exit finalizes them.
type transcriber struct {
	agentID string
	store   *store.Queries
	events  Broadcaster

	mu             sync.Mutex
	assistantMsgID string
	toolMsgID      string
	toolByUseID    map[string]string // tool_use block id -> message id
	sessionSeen    bool
}

func newTranscriber(agentID string, queries *store.Queries, events Broadcaster) *transcriber {
	return &transcriber{
		agentID:     agentID,
		store:       queries,
		events:      events,
		toolByUseID: make(map[string]string),
	}
}

// HandleLine processes one stdout line: it is pushed to subscribers
// verbatim, then parsed and folded into the transcript. Lines that are
// not valid envelopes are pushed but not persisted.
func (t *transcriber) HandleLine(ctx context.Context, line []byte) error {
	t.events.AgentOutput(t.agentID, string(line))

	var ev streamLine
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case "system":
		return t.handleSystem(ctx, ev, line)
	case "assistant":
		return t.handleAssistant(ctx, ev)
	case "user":
		return t.handleUser(ctx, ev)
	case "result":
		return t.finalizeTurnLocked(ctx, ev.Usage.total())
	}
	return nil
}

func (t *transcriber) handleSystem(ctx context.Context, ev streamLine, line []byte) error {
	if ev.SessionID != "" && !t.sessionSeen {
		if err := t.store.SetAgentSessionID(ctx, t.agentID, ev.SessionID); err != nil {
			return fmt.Errorf("record session id: %w", err)
		}
		t.sessionSeen = true
	}
	if ev.Subtype != "init" {
		return nil
	}
	return t.store.CreateMessage(ctx, store.CreateMessageParams{
		ID:         id.New(id.Message),
		AgentID:    t.agentID,
		Role:       store.RoleSystem,
		Content:    string(line),
		IsComplete: true,
		CreatedAt:  time.Now(),
	})
}

func (t *transcriber) handleAssistant(ctx context.Context, ev streamLine) error {
	if ev.Message == nil {
		return nil
	}
	for _, block := range ev.Message.Content {
		switch block.Type {
		case "text":
			if err := t.appendAssistantText(ctx, block.Text); err != nil {
				return err
			}
		case "tool_use":
			if err := t.openToolMessage(ctx, block); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *transcriber) appendAssistantText(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	if t.assistantMsgID == "" {
		msgID := id.New(id.Message)
		if err := t.store.CreateMessage(ctx, store.CreateMessageParams{
			ID:        msgID,
			AgentID:   t.agentID,
			Role:      store.RoleAssistant,
			Content:   text,
			CreatedAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("create assistant message: %w", err)
		}
		t.assistantMsgID = msgID
		return nil
	}
	if err := t.store.AppendMessageContent(ctx, t.assistantMsgID, text); err != nil {
		return fmt.Errorf("append assistant message: %w", err)
	}
	return nil
}

func (t *transcriber) openToolMessage(ctx context.Context, block contentBlock) error {
	// One incomplete tool message at a time: a new invocation finalizes
	// any predecessor whose result never arrived.
	if t.toolMsgID != "" {
		if err := t.completeQuiet(ctx, t.toolMsgID); err != nil {
			return err
		}
		t.toolMsgID = ""
	}

	name := block.Name
	input := string(block.Input)
	msgID := id.New(id.Message)
	if err := t.store.CreateMessage(ctx, store.CreateMessageParams{
		ID:        msgID,
		AgentID:   t.agentID,
		Role:      store.RoleTool,
		ToolName:  &name,
		ToolInput: &input,
		CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("create tool message: %w", err)
	}
	t.toolMsgID = msgID
	if block.ID != "" {
		t.toolByUseID[block.ID] = msgID
	}
	return nil
}

func (t *transcriber) handleUser(ctx context.Context, ev streamLine) error {
	if ev.Message == nil {
		return nil
	}
	for _, block := range ev.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		msgID, ok := t.toolByUseID[block.ToolUseID]
		if !ok {
			continue
		}
		delete(t.toolByUseID, block.ToolUseID)
		err := t.store.SetToolOutput(ctx, msgID, block.resultText())
		if err != nil && !errors.Is(err, store.ErrMessageComplete) {
			return fmt.Errorf("record tool output: %w", err)
		}
		if msgID == t.toolMsgID {
			t.toolMsgID = ""
		}
	}
	return nil
}

// finalizeTurnLocked closes the open assistant and tool messages at a
// turn boundary, attributing the turn's token usage to the assistant
// message.
func (t *transcriber) finalizeTurnLocked(ctx context.Context, tokens int) error {
	if t.assistantMsgID != "" {
		var tokenCount *int
		if tokens > 0 {
			tokenCount = &tokens
		}
		err := t.store.CompleteMessage(ctx, t.assistantMsgID, tokenCount)
		if err != nil && !errors.Is(err, store.ErrMessageComplete) {
			return fmt.Errorf("complete assistant message: %w", err)
		}
		t.assistantMsgID = ""
	}
	if t.toolMsgID != "" {
		if err := t.completeQuiet(ctx, t.toolMsgID); err != nil {
			return err
		}
		t.toolMsgID = ""
	}
	return nil
}

// Finalize closes any messages still open when the process exits, so a
// crash mid-turn never leaves dangling incomplete rows.
func (t *transcriber) Finalize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalizeTurnLocked(ctx, 0)
}

func (t *transcriber) completeQuiet(ctx context.Context, msgID string) error {
	err := t.store.CompleteMessage(ctx, msgID, nil)
	if err != nil && !errors.Is(err, store.ErrMessageComplete) && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("complete message: %w", err)
	}
	return nil
}
