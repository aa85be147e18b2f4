package app

import (
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
)

// SessionManager owns the live sessions of the relay.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]core.SessionService
	logLimit int
}

func NewSessionManager(logLimit int) *SessionManager {
	return &SessionManager{sessions: make(map[domain.SessionID]core.SessionService), logLimit: logLimit}
}

func (m *SessionManager) Get(id domain.SessionID) (core.SessionService, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *SessionManager) GetOrCreate(id domain.SessionID) core.SessionService {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.sessions[id]; ok {
		return s
	}
	s = core.NewSessionService(id, m.logLimit)
	m.sessions[id] = s
	log.Info().Str("module", "app.sessions").Str("session", string(id)).Msg("session created")
	return s
}

func (m *SessionManager) List() []core.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.SessionInfo, 0, len(m.sessions))
	for id, s := range m.sessions {
		snap := s.Snapshot()
		out = append(out, core.SessionInfo{ID: id, Participants: len(snap.Participants), Version: snap.Version})
	}
	slices.SortFunc(out, func(a, b core.SessionInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StopIfIdle drops a session without participants or connections.
func (m *SessionManager) StopIfIdle(id domain.SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.ParticipantCount() > 0 || s.ConnCount() > 0 {
		return false
	}
	delete(m.sessions, id)
	log.Info().Str("module", "app.sessions").Str("session", string(id)).Msg("session stopped")
	return true
}
