package cache

import "sync"

// Manager indexes message caches by session id. Caches are created on
// first use and live until the session is deleted.
type Manager struct {
	mu     sync.RWMutex
	caches map[string]*MessageCache
}

// NewManager creates an empty cache manager.
func NewManager() *Manager {
	return &Manager{
		caches: make(map[string]*MessageCache),
	}
}

// GetOrCreate returns the cache for the session, creating it if absent.
func (m *Manager) GetOrCreate(sessionID string) *MessageCache {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.caches[sessionID]; ok {
		return c
	}
	c := NewMessageCache(sessionID)
	m.caches[sessionID] = c
	return c
}

// Get returns the cache for the session, or nil if none exists.
func (m *Manager) Get(sessionID string) *MessageCache {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.caches[sessionID]
}

// Remove drops the cache for a deleted session, terminating any entry
// still active so subscribers unblock.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	c, ok := m.caches[sessionID]
	if ok {
		delete(m.caches, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	for _, entry := range c.GetAllEntries() {
		entry.Terminate(ReasonTransportTerminated)
	}
}

// SessionIDs returns the ids of all sessions with a cache.
func (m *Manager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.caches))
	for id := range m.caches {
		ids = append(ids, id)
	}
	return ids
}
