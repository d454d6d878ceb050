package mcp

import "sync"

// SessionRegistry maps portal users to MCP session IDs.
// Populated when a user calls a tool that names them (actor or by).
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // user -> sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a user with a session ID, replacing any older session.
func (r *SessionRegistry) Register(user, sessionID string) {
	if user == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[user] = sessionID
}

// SessionFor returns the session ID for the given user, if connected.
func (r *SessionRegistry) SessionFor(user string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[user]
	return sid, ok
}

// Remove deletes every user mapped to the given session ID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for user, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, user)
		}
	}
}

// Len returns the number of mapped users.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
