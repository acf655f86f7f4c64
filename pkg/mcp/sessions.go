package mcp

import "sync"

// SessionRegistry maps instance IDs to the MCP session watching them.
// Populated when a session starts or answers an instance.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // instanceID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Watch associates an instance with a session. A later call from another
// session takes over the instance.
func (r *SessionRegistry) Watch(instanceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[instanceID] = sessionID
}

// SessionFor returns the session watching the given instance.
func (r *SessionRegistry) SessionFor(instanceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[instanceID]
	return sid, ok
}

// Forget drops the mapping for one instance.
func (r *SessionRegistry) Forget(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, instanceID)
}

// Remove deletes every instance mapping of the given session.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for iid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, iid)
		}
	}
}

// Len returns the number of watched instances.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
