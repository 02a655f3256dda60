// Package bridge wires the session registry, event router, brain
// client, engine link, and health monitor behind the client-facing
// WebSocket server.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mycosoft/go-voicebridge/pkg/brain"
	"github.com/mycosoft/go-voicebridge/pkg/engine"
	"github.com/mycosoft/go-voicebridge/pkg/protocol"
	"github.com/mycosoft/go-voicebridge/pkg/session"
)

// Speaker labels used in transcript history and memory entries.
const (
	speakerUser      = "user"
	speakerAssistant = "myca"
)

// warnAfterLinkFailures is the consecutive per-session link-failure
// count that escalates to a session-level warning event.
const warnAfterLinkFailures = 3

// Brain is the reasoning-service surface the router dispatches to.
type Brain interface {
	Ask(ctx context.Context, conversationID, text string) (string, error)
	LogMemory(entry brain.MemoryEntry)
}

// Stream receives correlated engine frames.
type Stream interface {
	ID() string
	Frames() <-chan engine.Frame
	Close()
}

// Link is the engine transport surface the router dispatches to.
type Link interface {
	Synthesize(text string) (Stream, error)
	SendAudio(streamID string, audio []byte) error
	OpenStream(id string) Stream
}

// WrapLink narrows *engine.Link to the router's Link interface.
func WrapLink(l *engine.Link) Link {
	return linkAdapter{link: l}
}

// linkAdapter narrows *engine.Link to the Link interface.
type linkAdapter struct {
	link *engine.Link
}

func (a linkAdapter) Synthesize(text string) (Stream, error) {
	s, err := a.link.Synthesize(text)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a linkAdapter) SendAudio(streamID string, audio []byte) error {
	return a.link.SendAudio(streamID, audio)
}

func (a linkAdapter) OpenStream(id string) Stream {
	return a.link.OpenStream(id)
}

// Stats counts router traffic for the metrics endpoint.
type Stats struct {
	MessagesReceived uint64 `json:"messages_received"`
	AudioFramesSent  uint64 `json:"audio_frames_sent"`
	AudioDropped     uint64 `json:"audio_dropped"`
	BrainFailures    uint64 `json:"brain_failures"`
	LinkFailures     uint64 `json:"link_failures"`
}

// Router classifies inbound client messages and dispatches them to
// the brain or the engine link, then routes responses back to the
// originating session. It borrows a session reference only for the
// duration of one message.
type Router struct {
	brain  Brain
	link   Link
	logger *slog.Logger

	// directRetry is the pause before a direct-mode session reopens
	// its engine stream after a failure.
	directRetry time.Duration

	messagesReceived atomic.Uint64
	audioFramesSent  atomic.Uint64
	audioDropped     atomic.Uint64
	brainFailures    atomic.Uint64
	linkFailures     atomic.Uint64
}

// NewRouter creates a router over the given dependency clients.
func NewRouter(b Brain, l Link, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		brain:       b,
		link:        l,
		logger:      logger.With("component", "bridge.router"),
		directRetry: time.Second,
	}
}

// Stats returns a snapshot of the router's counters.
func (r *Router) Stats() Stats {
	return Stats{
		MessagesReceived: r.messagesReceived.Load(),
		AudioFramesSent:  r.audioFramesSent.Load(),
		AudioDropped:     r.audioDropped.Load(),
		BrainFailures:    r.brainFailures.Load(),
		LinkFailures:     r.linkFailures.Load(),
	}
}

// HandleMessage processes one inbound client message on the session's
// read loop. Messages within a session are handled in order; a
// non-nil return is fatal for the session.
func (r *Router) HandleMessage(s *session.Session, data []byte) error {
	r.messagesReceived.Add(1)
	s.Touch()

	ev, err := protocol.ParseClientEvent(data)
	if err != nil {
		r.sendError(s, protocol.KindProtocolViolation, err.Error())
		return err
	}

	switch ev.Type {
	case protocol.TypeTranscript:
		r.handleTranscript(s, ev.Text)
	case protocol.TypeAudioFrame:
		r.handleAudioFrame(s, ev)
	case protocol.TypeControl:
		// Synthesis-only instruction, bypasses the brain entirely.
		r.relayReply(s, ev.Text)
	}
	return nil
}

// handleTranscript routes a finalized utterance. With brain routing
// enabled the brain's reply is the single authoritative response for
// the utterance; the raw audio that produced it never gets a second,
// independent reply from the engine.
func (r *Router) handleTranscript(s *session.Session, text string) {
	normalized, recorded := s.AddTranscript(speakerUser, text)
	if recorded {
		r.brain.LogMemory(brain.MemoryEntry{
			ConversationID: s.ConversationID,
			SessionID:      s.ID,
			Speaker:        speakerUser,
			Text:           normalized,
		})
	}

	if !s.BrainRouting {
		// Direct mode: the engine converses full duplex on the raw
		// audio; transcripts are only cloned for memory.
		return
	}

	reqID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.TrackPending(reqID, cancel); err != nil {
		return
	}
	defer s.ResolvePending(reqID)

	reply, err := r.brain.Ask(ctx, s.ConversationID, normalized)
	if err != nil {
		r.brainFailures.Add(1)
		kind := protocol.KindBrainError
		if brain.IsUnavailable(err) {
			kind = protocol.KindBrainUnavailable
		}
		r.logger.Warn("brain request failed", "session_id", s.ID, "error", err)
		r.sendError(s, kind, err.Error())
		return
	}

	if replyNorm, ok := s.AddTranscript(speakerAssistant, reply); ok {
		r.brain.LogMemory(brain.MemoryEntry{
			ConversationID: s.ConversationID,
			SessionID:      s.ID,
			Speaker:        speakerAssistant,
			Text:           replyNorm,
		})
	}

	r.send(s, func() ([]byte, error) { return protocol.NewResponse(reply, speakerAssistant) })
	r.relayReply(s, reply)
}

// handleAudioFrame forwards raw audio to the engine only when brain
// routing is disabled for the session; otherwise the frame is dropped
// under the exclusivity rule so two conflicting spoken responses
// never overlap.
func (r *Router) handleAudioFrame(s *session.Session, ev *protocol.ClientEvent) {
	if s.BrainRouting {
		r.audioDropped.Add(1)
		r.logger.Debug("audio frame dropped, brain routing active", "session_id", s.ID)
		return
	}

	audio, err := ev.Audio()
	if err != nil {
		// ParseClientEvent already validated the payload.
		return
	}
	if err := r.link.SendAudio(s.ID, audio); err != nil {
		r.reportLinkFailure(s, err)
	}
}

// relayReply asks the engine to synthesize text and relays the audio
// frames to the client in order, framed so playback can start before
// the full utterance completes.
func (r *Router) relayReply(s *session.Session, text string) {
	stream, err := r.link.Synthesize(text)
	if err != nil {
		r.reportLinkFailure(s, err)
		return
	}
	defer stream.Close()

	reqID := stream.ID()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.TrackPending(reqID, cancel); err != nil {
		return
	}
	defer s.ResolvePending(reqID)

	for {
		select {
		case <-s.Done():
			// Session teardown: remaining frames are discarded.
			return
		case f, ok := <-stream.Frames():
			if !ok {
				s.ResetLinkFailures()
				return
			}
			if f.Err != nil {
				r.reportLinkFailure(s, f.Err)
				return
			}
			if f.Audio != nil {
				if !r.sendAudio(s, f.Audio, f.Seq) {
					return
				}
			}
		}
	}
}

// relayDirect pumps a session's full-duplex engine stream to the
// client. It reports true when the relay is finished for good and
// false when the stream died but the session is still alive, so the
// caller can bind a replacement stream.
func (r *Router) relayDirect(s *session.Session, stream Stream) bool {
	defer stream.Close()
	for {
		select {
		case <-s.Done():
			return true
		case f, ok := <-stream.Frames():
			if !ok {
				return false
			}
			if f.Err != nil {
				r.reportLinkFailure(s, f.Err)
				return errors.Is(f.Err, engine.ErrClosed)
			}
			if f.Audio != nil {
				if !r.sendAudio(s, f.Audio, f.Seq) {
					return true
				}
				continue
			}
			if f.Text != "" {
				if norm, ok := s.AddTranscript(speakerAssistant, f.Text); ok {
					r.brain.LogMemory(brain.MemoryEntry{
						ConversationID: s.ConversationID,
						SessionID:      s.ID,
						Speaker:        speakerAssistant,
						Text:           norm,
					})
				}
				r.send(s, func() ([]byte, error) { return protocol.NewResponse(f.Text, speakerAssistant) })
			}
		}
	}
}

// StartDirect binds a direct-mode session to its engine stream and
// keeps it bound for the life of the session. When a link drop kills
// the stream the relay reopens it, so engine replies resume after the
// link reconnects instead of leaving the client silent. No-op for
// brain-routed sessions.
func (r *Router) StartDirect(s *session.Session) {
	if s.BrainRouting {
		return
	}
	go func() {
		for {
			stream := r.link.OpenStream(s.ID)
			if r.relayDirect(s, stream) {
				return
			}
			select {
			case <-s.Done():
				return
			case <-time.After(r.directRetry):
			}
		}
	}()
}

func (r *Router) sendAudio(s *session.Session, audio []byte, seq uint64) bool {
	data, err := protocol.NewAudioOut(audio, seq)
	if err != nil {
		return false
	}
	if err := s.Send(data); err != nil {
		if !errors.Is(err, session.ErrClosed) {
			r.logger.Warn("dropping audio for slow client", "session_id", s.ID)
		}
		return false
	}
	r.audioFramesSent.Add(1)
	return true
}

// reportLinkFailure surfaces a per-request transport failure to the
// client and escalates to a session-level warning after repeated
// consecutive failures. The session itself stays open.
func (r *Router) reportLinkFailure(s *session.Session, err error) {
	r.linkFailures.Add(1)

	kind := protocol.KindLinkUnavailable
	if errors.Is(err, engine.ErrQueueFull) {
		kind = protocol.KindQueueFull
	}
	r.logger.Warn("engine request failed", "session_id", s.ID, "error", err)
	r.sendError(s, kind, err.Error())

	if s.RecordLinkFailure() == warnAfterLinkFailures {
		r.send(s, func() ([]byte, error) {
			return protocol.NewWarning("speech engine is unavailable, replies may be delayed")
		})
	}
}

func (r *Router) sendError(s *session.Session, kind, detail string) {
	r.send(s, func() ([]byte, error) { return protocol.NewError(kind, detail) })
}

func (r *Router) send(s *session.Session, build func() ([]byte, error)) {
	data, err := build()
	if err != nil {
		return
	}
	_ = s.Send(data)
}
