// Package session tracks one entry per active client connection.
// The registry owns every session; other components borrow a reference
// for the duration of one message and must not retain it.
package session

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the session package.
var (
	// ErrCapacityExceeded indicates the maximum concurrent-session
	// count was reached and the connection must be refused.
	ErrCapacityExceeded = errors.New("session: capacity exceeded")

	// ErrRegistryClosed indicates the registry is shutting down and
	// rejects new sessions.
	ErrRegistryClosed = errors.New("session: registry closed")

	// ErrDuplicateSession indicates a session id that is already
	// registered. The new connection is refused; the live session for
	// that id is untouched.
	ErrDuplicateSession = errors.New("session: duplicate session id")

	// ErrSendBufferFull indicates the client's outbound buffer is full.
	ErrSendBufferFull = errors.New("session: send buffer full")

	// ErrClosed indicates the session is closing or closed.
	ErrClosed = errors.New("session: closed")

	// ErrInvalidTransition indicates a lifecycle transition that the
	// state machine does not allow.
	ErrInvalidTransition = errors.New("session: invalid state transition")
)

// State is a session lifecycle state.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

const (
	// sendBuffer is the outbound channel depth per client.
	sendBuffer = 256

	// historyLimit caps the per-session transcript ring.
	historyLimit = 50
)

var whitespace = regexp.MustCompile(`\s+`)

// Normalize collapses whitespace in transcript text. Identical
// consecutive normalized text is suppressed from history and memory.
func Normalize(text string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// TranscriptEntry is one line of conversation history.
type TranscriptEntry struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the per-connection state owned by the Registry.
type Session struct {
	ID             string
	ConversationID string
	Persona        string
	Voice          string
	Connected      time.Time

	// BrainRouting selects the authoritative reply path for this
	// session. Latched at creation so behavior stays consistent for
	// the session's lifetime.
	BrainRouting bool

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	pending      map[string]context.CancelFunc
	history      []TranscriptEntry
	lastText     map[string]string // speaker -> last normalized text
	linkFailures int

	send chan []byte
	done chan struct{}
}

// New creates a Session in the connecting state.
func New(id, conversationID string, brainRouting bool) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	now := time.Now()
	return &Session{
		ID:             id,
		ConversationID: conversationID,
		Connected:      now,
		BrainRouting:   brainRouting,
		state:          StateConnecting,
		lastActivity:   now,
		pending:        make(map[string]context.CancelFunc),
		lastText:       make(map[string]string),
		send:           make(chan []byte, sendBuffer),
		done:           make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activate transitions connecting → active after registration.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return ErrInvalidTransition
	}
	s.state = StateActive
	return nil
}

// BeginClose moves a live session to closing. New inbound work is
// refused from this point while queued outbound frames remain
// deliverable. No-op once the session is already closing or closed.
func (s *Session) BeginClose() {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateActive {
		s.state = StateClosing
	}
	s.mu.Unlock()
}

// Close cancels all pending requests and transitions the session to
// closed. Safe to call more than once; later calls are no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	cancels := make([]context.CancelFunc, 0, len(s.pending))
	for id, cancel := range s.pending {
		cancels = append(cancels, cancel)
		delete(s.pending, id)
	}
	s.state = StateClosed
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	close(s.done)
}

// Done is closed when the session reaches the closed state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send enqueues an outbound frame for the client. It never blocks: a
// full buffer means the client is too slow and the caller decides
// whether to drop the frame or the session.
func (s *Session) Send(data []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Outbound returns the channel the write pump drains.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Touch records client activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the most recent inbound activity time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// TrackPending registers an in-flight downstream request so session
// teardown can cancel it.
func (s *Session) TrackPending(requestID string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrClosed
	}
	s.pending[requestID] = cancel
	return nil
}

// ResolvePending removes a pending request. Idempotent: resolving a
// request that already completed or was cancelled is a no-op.
func (s *Session) ResolvePending(requestID string) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

// PendingCount returns the number of in-flight downstream requests.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// AddTranscript appends a history entry unless it repeats the
// speaker's previous normalized text. Returns the normalized text and
// whether it was recorded.
func (s *Session) AddTranscript(speaker, text string) (string, bool) {
	normalized := Normalize(text)
	if len(normalized) < 2 {
		return normalized, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastText[speaker] == normalized {
		return normalized, false
	}
	s.lastText[speaker] = normalized
	s.history = append(s.history, TranscriptEntry{
		Speaker:   speaker,
		Text:      normalized,
		Timestamp: time.Now().UTC(),
	})
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	return normalized, true
}

// History returns a copy of the transcript ring.
func (s *Session) History() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptEntry, len(s.history))
	copy(out, s.history)
	return out
}

// RecordLinkFailure increments the consecutive link-failure counter
// and returns the new count.
func (s *Session) RecordLinkFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linkFailures++
	return s.linkFailures
}

// ResetLinkFailures clears the consecutive link-failure counter after
// a successful round trip.
func (s *Session) ResetLinkFailures() {
	s.mu.Lock()
	s.linkFailures = 0
	s.mu.Unlock()
}
