package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomsync/internal/core"
	"github.com/dkeye/roomsync/internal/domain"
)

type connEntry struct {
	Session domain.SessionID
	Member  core.MemberSession
	Cancel  context.CancelFunc
}

// Registry tracks live duplex connections and the session each one is
// attached to.
type Registry struct {
	mu    sync.RWMutex
	conns map[core.ConnID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[core.ConnID]*connEntry)}
}

func (r *Registry) Bind(conn core.ConnID, ms core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn] = &connEntry{Member: ms, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("conn_id", string(conn)).Str("participant", string(ms.Participant())).Msg("bound connection")
}

func (r *Registry) Get(conn core.ConnID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[conn]; ok {
		return e.Member, true
	}
	return nil, false
}

// SessionOf returns the session conn is attached to.
func (r *Registry) SessionOf(conn core.ConnID) (domain.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[conn]
	if !ok || e.Session == "" {
		return "", false
	}
	return e.Session, true
}

func (r *Registry) SetSession(conn core.ConnID, sid domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[conn]
	if !ok {
		return false
	}
	e.Session = sid
	log.Info().Str("module", "app.registry").Str("conn_id", string(conn)).Str("session", string(sid)).Msg("updated session")
	return true
}

func (r *Registry) ClearSession(conn core.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[conn]; ok {
		e.Session = ""
	}
}

func (r *Registry) Unbind(conn core.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, conn)
	log.Info().Str("module", "app.registry").Str("conn_id", string(conn)).Msg("unbind connection")
}

// Find returns the connection id bound to ms.
func (r *Registry) Find(ms core.MemberSession) (core.ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for cid, e := range r.conns {
		if e.Member == ms {
			return cid, true
		}
	}
	return "", false
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Cancel stops the pumps of conn; the adapter then closes it.
func (r *Registry) Cancel(conn core.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[conn]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn_id", string(conn)).Msg("canceled connection")
	return true
}
