package acp

import "sync"

// SessionMap keeps the bidirectional mapping between host-stable session
// identifiers and the agent's own ones, so nothing outside this package
// ever depends on agent-assigned IDs. Lookups fall back to the given ID
// when no binding exists, which covers updates that arrive before binding
// completes.
type SessionMap struct {
	mu       sync.Mutex
	toLocal  map[string]string // remote -> internal
	toRemote map[string]string // internal -> remote
}

func NewSessionMap() *SessionMap {
	return &SessionMap{
		toLocal:  make(map[string]string),
		toRemote: make(map[string]string),
	}
}

// Bind records the pairing of an agent-assigned remote ID with the
// host-stable internal ID, replacing any previous binding of either side.
func (m *SessionMap) Bind(remoteID, internalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.toRemote[internalID]; ok {
		delete(m.toLocal, old)
	}
	m.toLocal[remoteID] = internalID
	m.toRemote[internalID] = remoteID
}

// ToInternal maps a remote ID to the internal one, or returns the input
// unchanged when unbound.
func (m *SessionMap) ToInternal(remoteID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.toLocal[remoteID]; ok {
		return id
	}
	return remoteID
}

// ToRemote maps an internal ID to the remote one, or returns the input
// unchanged when unbound.
func (m *SessionMap) ToRemote(internalID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.toRemote[internalID]; ok {
		return id
	}
	return internalID
}
