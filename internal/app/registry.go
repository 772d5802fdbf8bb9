package app

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrDuplicateWatch = errors.New("watch id already in use")
)

type sessionEntry struct {
	Identity domain.Identity
	Conn     core.SignalConnection
	Watches  map[uint64]core.Subscription
	Cancel   context.CancelFunc
}

// Registry tracks live relay connections and the watches each one holds.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
	}
}

func (r *Registry) Bind(sid core.SessionID, who domain.Identity, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{
		Identity: who,
		Conn:     conn,
		Watches:  make(map[uint64]core.Subscription),
		Cancel:   cancel,
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("member", string(who.ID)).Msg("bound session")
}

func (r *Registry) Identity(sid core.SessionID) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Identity, true
	}
	return domain.Identity{}, false
}

func (r *Registry) AddWatch(sid core.SessionID, id uint64, sub core.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return ErrUnknownSession
	}
	if _, dup := e.Watches[id]; dup {
		return ErrDuplicateWatch
	}
	e.Watches[id] = sub
	return nil
}

// RemoveWatch cancels and forgets one watch. It reports whether it existed.
func (r *Registry) RemoveWatch(sid core.SessionID, id uint64) bool {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	var sub core.Subscription
	if ok {
		sub, ok = e.Watches[id]
		delete(e.Watches, id)
	}
	r.mu.Unlock()
	if ok {
		sub.Cancel()
	}
	return ok
}

func (r *Registry) WatchCount(sid core.SessionID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return len(e.Watches)
	}
	return 0
}

// Unbind drops the session and cancels every watch it held.
func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	delete(r.sessions, sid)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, sub := range e.Watches {
		sub.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Int("watches", len(e.Watches)).Msg("unbind session")
}

// Online lists the distinct members with at least one live connection.
func (r *Registry) Online() []domain.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[domain.MemberID]struct{}, len(r.sessions))
	out := make([]domain.Identity, 0, len(r.sessions))
	for _, e := range r.sessions {
		if _, ok := seen[e.Identity.ID]; ok {
			continue
		}
		seen[e.Identity.ID] = struct{}{}
		out = append(out, e.Identity)
	}
	return out
}

// Connected reports whether the member has any live connection.
func (r *Registry) Connected(id domain.MemberID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.sessions {
		if e.Identity.ID == id {
			return true
		}
	}
	return false
}

// Sessions lists the live connections of one member.
func (r *Registry) Sessions(id domain.MemberID) []core.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []core.SessionID
	for sid, e := range r.sessions {
		if e.Identity.ID == id {
			out = append(out, sid)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Cancel stops the session's context and closes its connection.
func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	if e.Conn != nil {
		e.Conn.Close()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
