// Package ws implements the push channel: per-connection subscription
// tracking, the JSON control protocol, and scoped event fan-out.
package ws

import "encoding/json"

// Subprotocol negotiated during the WebSocket handshake.
const Subprotocol = "crewdock.events.v1"

// Inbound control message types.
const (
	TypeSubscribeAgent       = "subscribe:agent"
	TypeUnsubscribeAgent     = "unsubscribe:agent"
	TypeSubscribeWorkspace   = "subscribe:workspace"
	TypeUnsubscribeWorkspace = "unsubscribe:workspace"
	TypePing                 = "ping"
)

// Outbound message types.
const (
	TypeSubscribed      = "subscribed"
	TypeUnsubscribed    = "unsubscribed"
	TypeError           = "error"
	TypePong            = "pong"
	TypeAgentOutput     = "agent:output"
	TypeAgentError      = "agent:error"
	TypeAgentTerminated = "agent:terminated"
	TypeAgentStatus     = "agent:status"
	TypeUsageUpdate     = "usage:update"
)

// Error codes for the outbound error frame.
const (
	CodeInvalidJSON    = "INVALID_JSON"
	CodeInvalidMessage = "INVALID_MESSAGE"
)

// Scope names used in subscribe/unsubscribe acknowledgements.
const (
	ScopeAgent     = "agent"
	ScopeWorkspace = "workspace"
)

// Envelope is the inbound wire frame: one JSON object per message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload carries the target id of a subscription mutation.
type SubscribePayload struct {
	AgentID     string `json:"agentId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// Outbound is the generic outbound wire frame.
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ScopeAck acknowledges a subscription mutation.
type ScopeAck struct {
	Type string `json:"type"` // "agent" or "workspace"
	ID   string `json:"id"`
}

// ErrorPayload is the payload of an outbound error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Pong is the reply to a ping. The timestamp sits at the top level of
// the frame, not inside a payload object.
type Pong struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// AgentOutputEvent streams one chunk of agent output.
type AgentOutputEvent struct {
	AgentID string `json:"agentId"`
	Content string `json:"content"`
}

// AgentErrorEvent reports a line of process stderr or a supervisor-side
// failure for the agent.
type AgentErrorEvent struct {
	AgentID string `json:"agentId"`
	Message string `json:"message"`
}

// AgentTerminatedEvent reports a process exit. ExitCode is present for
// normal exits, Signal when the process was killed by a signal.
type AgentTerminatedEvent struct {
	AgentID  string  `json:"agentId"`
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// AgentStatusEvent reports a persisted status transition.
type AgentStatusEvent struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}

// UsageWindow is one rolling usage window.
type UsageWindow struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
}

// UsageUpdateEvent is the global token-usage broadcast.
type UsageUpdateEvent struct {
	Daily  UsageWindow `json:"daily"`
	Weekly UsageWindow `json:"weekly"`
}
