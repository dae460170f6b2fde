package mcp

import "sync"

// SessionRegistry maps execution IDs to the MCP session that started or last
// advanced them. The progress notifier uses it to push updates to the session
// that is watching an execution.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // executionID -> sessionID
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an execution with a session. A later registration for
// the same execution replaces the earlier one (reconnect or handover).
func (r *SessionRegistry) Register(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[executionID] = sessionID
}

// SessionFor returns the session watching the execution, if any.
func (r *SessionRegistry) SessionFor(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[executionID]
	return sid, ok
}

// Remove drops every execution mapping held by the given session. Called when
// a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for execID, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, execID)
		}
	}
}

// Forget drops the mapping for a single execution, used once an execution
// reaches a terminal status.
func (r *SessionRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, executionID)
}
