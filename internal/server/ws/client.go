package ws

import (
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/crewdock/crewdock/internal/metrics"
)

// sendBufferSize bounds the per-session outbound queue. A slow reader
// loses events rather than blocking fan-out for everyone else.
const sendBufferSize = 64

// Session is the in-memory state of one live connection. It is created
// empty on connect, never persisted, and destroyed when the connection
// closes.
type Session struct {
	conn *websocket.Conn
	send chan any

	mu         sync.Mutex
	closed     bool
	agents     map[string]struct{}
	workspaces map[string]struct{}
	lastPing   time.Time
}

// TrySend queues an outbound message without blocking. Delivery is
// best-effort: a full buffer or a closed session drops the message.
// The mutex is held across the send; close takes the same mutex, so
// the channel cannot be closed mid-send.
func (s *Session) TrySend(msg any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.send <- msg:
		return true
	default:
		metrics.WSMessagesDropped.Inc()
		return false
	}
}

// close marks the session dead and releases its writer goroutine.
// Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// SubscribedToAgent reports whether the session cares about the agent.
func (s *Session) SubscribedToAgent(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.agents[agentID]
	return ok
}

// SubscribedToWorkspace reports whether the session cares about the workspace.
func (s *Session) SubscribedToWorkspace(workspaceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workspaces[workspaceID]
	return ok
}

// LastPing returns the time of the most recent ping from this session
// (or the connect time if it never pinged).
func (s *Session) LastPing() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPing
}

func (s *Session) touchPing(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPing = now
}

// ClientManager tracks connected observers and the subscription sets
// each currently holds. Purely in-memory; rebuilt empty on restart.
type ClientManager struct {
	mu       sync.RWMutex
	sessions map[*websocket.Conn]*Session
}

// NewClientManager creates an empty registry.
func NewClientManager() *ClientManager {
	return &ClientManager{
		sessions: make(map[*websocket.Conn]*Session),
	}
}

// AddClient registers a connection with an empty interest set.
func (m *ClientManager) AddClient(conn *websocket.Conn) *Session {
	s := &Session{
		conn:       conn,
		send:       make(chan any, sendBufferSize),
		agents:     make(map[string]struct{}),
		workspaces: make(map[string]struct{}),
		lastPing:   time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[conn] = s
	return s
}

// RemoveClient discards a session and all of its interest. Safe to call
// for a connection that was never added.
func (m *ClientManager) RemoveClient(conn *websocket.Conn) {
	m.mu.Lock()
	s, ok := m.sessions[conn]
	delete(m.sessions, conn)
	m.mu.Unlock()

	if ok {
		s.close()
	}
}

// GetClient returns the session for a connection, or nil.
func (m *ClientManager) GetClient(conn *websocket.Conn) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[conn]
}

// Count returns the number of live sessions.
func (m *ClientManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SubscribeAgent adds an agent id to the session's interest set.
func (m *ClientManager) SubscribeAgent(s *Session, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agentID] = struct{}{}
}

// UnsubscribeAgent removes an agent id from the session's interest set.
func (m *ClientManager) UnsubscribeAgent(s *Session, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
}

// SubscribeWorkspace adds a workspace id to the session's interest set.
func (m *ClientManager) SubscribeWorkspace(s *Session, workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[workspaceID] = struct{}{}
}

// UnsubscribeWorkspace removes a workspace id from the session's interest set.
func (m *ClientManager) UnsubscribeWorkspace(s *Session, workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workspaces, workspaceID)
}

// forEach visits every live session under the read lock.
func (m *ClientManager) forEach(fn func(*Session)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		fn(s)
	}
}

// StaleSessions returns sessions whose last ping predates cutoff.
func (m *ClientManager) StaleSessions(cutoff time.Time) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []*Session
	for _, s := range m.sessions {
		if s.LastPing().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	return stale
}
