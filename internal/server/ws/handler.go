package ws

import (
	"encoding/json"
	"time"

	"github.com/crewdock/crewdock/internal/server/id"
	"github.com/crewdock/crewdock/internal/util/timefmt"
)

// MessageHandler decodes inbound control messages and applies them to
// the subscription registry. Every inbound frame produces exactly one
// reply (ack, pong, or error); nothing else mutates session interest.
type MessageHandler struct {
	clients *ClientManager
	now     func() time.Time // test hook
}

// NewMessageHandler creates a handler bound to the registry.
func NewMessageHandler(clients *ClientManager) *MessageHandler {
	return &MessageHandler{clients: clients, now: time.Now}
}

// Handle processes one inbound frame and returns the reply to send.
func (h *MessageHandler) Handle(s *Session, data []byte) any {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errorFrame(CodeInvalidJSON, "invalid JSON")
	}

	switch env.Type {
	case TypeSubscribeAgent:
		agentID, ok := agentTarget(env.Payload)
		if !ok {
			return errorFrame(CodeInvalidMessage, "missing or malformed agentId")
		}
		h.clients.SubscribeAgent(s, agentID)
		return ack(TypeSubscribed, ScopeAgent, agentID)

	case TypeUnsubscribeAgent:
		agentID, ok := agentTarget(env.Payload)
		if !ok {
			return errorFrame(CodeInvalidMessage, "missing or malformed agentId")
		}
		h.clients.UnsubscribeAgent(s, agentID)
		return ack(TypeUnsubscribed, ScopeAgent, agentID)

	case TypeSubscribeWorkspace:
		workspaceID, ok := workspaceTarget(env.Payload)
		if !ok {
			return errorFrame(CodeInvalidMessage, "missing or malformed workspaceId")
		}
		h.clients.SubscribeWorkspace(s, workspaceID)
		return ack(TypeSubscribed, ScopeWorkspace, workspaceID)

	case TypeUnsubscribeWorkspace:
		workspaceID, ok := workspaceTarget(env.Payload)
		if !ok {
			return errorFrame(CodeInvalidMessage, "missing or malformed workspaceId")
		}
		h.clients.UnsubscribeWorkspace(s, workspaceID)
		return ack(TypeUnsubscribed, ScopeWorkspace, workspaceID)

	case TypePing:
		s.touchPing(h.now())
		return Pong{Type: TypePong, Timestamp: timefmt.Format(h.now())}

	default:
		return errorFrame(CodeInvalidMessage, "unrecognized message type")
	}
}

// agentTarget extracts and validates the agent id from a payload.
// An invalid id rejects the frame without mutating state.
func agentTarget(payload json.RawMessage) (string, bool) {
	var p SubscribePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", false
	}
	if !id.Valid(id.Agent, p.AgentID) {
		return "", false
	}
	return p.AgentID, true
}

func workspaceTarget(payload json.RawMessage) (string, bool) {
	var p SubscribePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", false
	}
	if !id.Valid(id.Workspace, p.WorkspaceID) {
		return "", false
	}
	return p.WorkspaceID, true
}

func ack(typ, scope, targetID string) Outbound {
	return Outbound{Type: typ, Payload: ScopeAck{Type: scope, ID: targetID}}
}

func errorFrame(code, message string) Outbound {
	return Outbound{Type: TypeError, Payload: ErrorPayload{Code: code, Message: message}}
}
