package scan

import (
	"log/slog"
	"sync"
)

// Manager tracks open sessions. Every session shares the provider and history.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	deps              Deps
	defaultCredential string
}

// NewManager creates a Manager. defaultCredential, when set, is applied to new sessions.
func NewManager(deps Deps, defaultCredential string) *Manager {
	if deps.IDs == nil {
		deps.IDs = &defaultIDGenerator{}
	}
	if deps.Clock == nil {
		deps.Clock = &defaultTimeSource{}
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		deps:              deps,
		defaultCredential: CleanCredential(defaultCredential),
	}
}

// HasDefaultCredential reports whether new sessions start with a credential
func (m *Manager) HasDefaultCredential() bool {
	return m.defaultCredential != "" || !m.deps.Provider.RequiresCredential()
}

// Create opens a new session
func (m *Manager) Create() *Session {
	s := NewSession(m.deps.IDs.Generate(), m.defaultCredential, m.deps)

	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.deps.Metrics.sessions(n)
	slog.Info("Session created", "session", s.ID)
	return s
}

// Get returns an open session
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// End closes and forgets a session
func (m *Manager) End(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.deps.Metrics.sessions(n)
	if err := s.Close(); err != nil {
		slog.Warn("Failed to close session", "session", id, "error", err)
	}
	return true
}

// Shutdown closes every session, draining their background history writes
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for id, s := range sessions {
		if err := s.Close(); err != nil {
			slog.Warn("Failed to close session", "session", id, "error", err)
		}
	}
	m.deps.Metrics.sessions(0)
}
