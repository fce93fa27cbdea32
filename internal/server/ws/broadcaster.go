package ws

// EventBroadcaster fans domain events out to interested sessions.
// Fan-out is synchronous with respect to the caller: events for one
// agent are queued to each subscriber in the order they were observed.
// Delivery itself is best-effort (see Session.TrySend).
type EventBroadcaster struct {
	clients *ClientManager
}

// NewEventBroadcaster creates a broadcaster over the registry.
func NewEventBroadcaster(clients *ClientManager) *EventBroadcaster {
	return &EventBroadcaster{clients: clients}
}

// broadcastAgent delivers a frame to sessions subscribed to agentID.
func (b *EventBroadcaster) broadcastAgent(agentID string, msg Outbound) {
	b.clients.forEach(func(s *Session) {
		if s.SubscribedToAgent(agentID) {
			s.TrySend(msg)
		}
	})
}

// broadcastWorkspace delivers a frame to sessions subscribed to workspaceID.
func (b *EventBroadcaster) broadcastWorkspace(workspaceID string, msg Outbound) {
	b.clients.forEach(func(s *Session) {
		if s.SubscribedToWorkspace(workspaceID) {
			s.TrySend(msg)
		}
	})
}

// AgentOutput broadcasts one chunk of agent output to agent subscribers.
func (b *EventBroadcaster) AgentOutput(agentID, content string) {
	b.broadcastAgent(agentID, Outbound{
		Type:    TypeAgentOutput,
		Payload: AgentOutputEvent{AgentID: agentID, Content: content},
	})
}

// AgentError broadcasts a process error line to agent subscribers.
func (b *EventBroadcaster) AgentError(agentID, message string) {
	b.broadcastAgent(agentID, Outbound{
		Type:    TypeAgentError,
		Payload: AgentErrorEvent{AgentID: agentID, Message: message},
	})
}

// AgentTerminated broadcasts a process exit to agent subscribers.
func (b *EventBroadcaster) AgentTerminated(agentID string, exitCode *int, signal *string) {
	b.broadcastAgent(agentID, Outbound{
		Type:    TypeAgentTerminated,
		Payload: AgentTerminatedEvent{AgentID: agentID, ExitCode: exitCode, Signal: signal},
	})
}

// AgentStatus broadcasts a status transition. Agent subscribers and
// workspace subscribers are independent axes; lifecycle transitions are
// visible on both so workspace views can update without per-agent
// subscriptions.
func (b *EventBroadcaster) AgentStatus(agentID, workspaceID, status string) {
	msg := Outbound{
		Type:    TypeAgentStatus,
		Payload: AgentStatusEvent{AgentID: agentID, Status: status},
	}
	b.clients.forEach(func(s *Session) {
		if s.SubscribedToAgent(agentID) || (workspaceID != "" && s.SubscribedToWorkspace(workspaceID)) {
			s.TrySend(msg)
		}
	})
}

// UsageUpdate broadcasts token usage to every connected session.
// Usage is global, not per-entity.
func (b *EventBroadcaster) UsageUpdate(ev UsageUpdateEvent) {
	msg := Outbound{Type: TypeUsageUpdate, Payload: ev}
	b.clients.forEach(func(s *Session) {
		s.TrySend(msg)
	})
}
