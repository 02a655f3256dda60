package session

import (
	"log/slog"
	"sync"
	"time"
)

// Registry tracks every active session and enforces the concurrent
// session limit that protects the speech engine from oversubscription.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	max      int
	closed   bool
	logger   *slog.Logger
}

// NewRegistry creates a registry with the given session limit.
func NewRegistry(max int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		max:      max,
		logger:   logger.With("component", "session.registry"),
	}
}

// Add registers a session and activates it. Fails with
// ErrCapacityExceeded at the limit, ErrRegistryClosed during shutdown,
// and ErrDuplicateSession when the id is already registered; in all
// three cases the session is not registered and the existing session
// for that id, if any, is untouched.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if _, exists := r.sessions[s.ID]; exists {
		r.mu.Unlock()
		return ErrDuplicateSession
	}
	if len(r.sessions) >= r.max {
		r.mu.Unlock()
		return ErrCapacityExceeded
	}
	r.sessions[s.ID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	if err := s.Activate(); err != nil {
		r.Remove(s.ID)
		return err
	}

	r.logger.Info("session registered", "session_id", s.ID, "total", count)
	return nil
}

// Get returns a session by id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Remove unregisters and closes a session. Idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return
	}
	s.Close()
	r.logger.Info("session removed", "session_id", id, "total", count)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of all registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll rejects new registrations, moves every session to closing
// so no new inbound work is accepted, waits up to grace for outbound
// buffers to drain, then closes the sessions. Idempotent and safe to
// call concurrently with Add.
func (r *Registry) CloseAll(grace time.Duration) {
	r.mu.Lock()
	alreadyClosed := r.closed
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if alreadyClosed && len(sessions) == 0 {
		return
	}

	for _, s := range sessions {
		s.BeginClose()
	}

	deadline := time.Now().Add(grace)
	for _, s := range sessions {
		remaining := time.Until(deadline)
		if remaining > 0 {
			waitDrain(s, remaining)
		}
		s.Close()
	}
	r.logger.Info("registry closed", "sessions_closed", len(sessions))
}

// waitDrain gives the write pump a bounded chance to flush the
// session's outbound buffer before the session is torn down.
func waitDrain(s *Session, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for len(s.send) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

// Info describes a session for the management API.
type Info struct {
	ID             string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	State          State     `json:"state"`
	BrainRouting   bool      `json:"brain_routing"`
	Connected      time.Time `json:"connected"`
	LastActivity   time.Time `json:"last_activity"`
}

// Infos returns management-API snapshots for all sessions.
func (r *Registry) Infos() []Info {
	sessions := r.Sessions()
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, Info{
			ID:             s.ID,
			ConversationID: s.ConversationID,
			State:          s.State(),
			BrainRouting:   s.BrainRouting,
			Connected:      s.Connected,
			LastActivity:   s.LastActivity(),
		})
	}
	return infos
}
