package chat

import (
	"sync"

	"github.com/raphaelgruber/statdesk/internal/models"
)

// SessionCache holds the last authoritative copy of each session, keyed by id.
// All methods are thread-safe.
type SessionCache struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewSessionCache creates an empty cache.
func NewSessionCache() *SessionCache {
	return &SessionCache{sessions: make(map[string]*models.Session)}
}

// Get returns a copy of the cached session, or nil.
func (c *SessionCache) Get(id string) *models.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[id].Clone()
}

// Put replaces the cached copy of the session.
func (c *SessionCache) Put(s *models.Session) {
	if s == nil || s.ID == "" {
		return
	}
	c.mu.Lock()
	c.sessions[s.ID] = s.Clone()
	c.mu.Unlock()
}

// Invalidate drops the cached copy of a session.
func (c *SessionCache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}
