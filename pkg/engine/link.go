// Package engine maintains the durable logical channel to the remote
// speech engine. The engine may be reachable only through a reverse
// tunnel, so the dial target is a prioritized candidate list resolved
// once: the link commits to the first candidate that accepts a
// connection and treats later failures as link degradation, not as
// cause to re-resolve.
package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the link lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"

	// StateDegraded means the transport-level connection is open but
	// recent requests keep timing out.
	StateDegraded State = "degraded"
)

// Config holds the link's tunable parameters.
type Config struct {
	// Targets is the prioritized dial candidate list: direct address
	// first, then the tunnel-relative loopback address.
	Targets []string

	// DialParams are forwarded as query parameters on the engine URL
	// (persona prompt, voice prompt, temperatures).
	DialParams url.Values

	DialTimeout    time.Duration
	RequestTimeout time.Duration
	QueueDepth     int
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration

	// DegradedAfter is the consecutive-timeout count that flips the
	// link to degraded; ReconnectAfter forces a reconnect.
	DegradedAfter  int
	ReconnectAfter int
}

func (c *Config) withDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = 64
	}
	if c.ReconnectMin == 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.DegradedAfter == 0 {
		c.DegradedAfter = 3
	}
	if c.ReconnectAfter == 0 {
		c.ReconnectAfter = 6
	}
}

// wire is the JSON envelope on the engine socket.
type wire struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Text    string `json:"text,omitempty"`
	Payload string `json:"payload,omitempty"` // base64 audio
	Seq     uint64 `json:"seq,omitempty"`
	Final   bool   `json:"final,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	wireSynthesize = "synthesize"
	wireAudioIn    = "audio_in"
	wireAudio      = "audio"
	wireTranscript = "transcript"
	wireError      = "error"
)

// Link is the single shared connection to the engine. All sessions'
// outbound traffic serializes through its bounded send queue; the
// reader fans responses back out by correlation id.
type Link struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	target       string // committed candidate, empty until first connect
	connectDone  chan struct{}
	reconnecting bool
	closed       bool
	lastSuccess  time.Time
	timeouts     int // consecutive request timeouts

	streamMu sync.Mutex
	streams  map[string]*Stream

	sendq   chan []byte
	closeCh chan struct{}
}

// NewLink creates a link. Call Connect to establish the connection.
func NewLink(cfg Config, logger *slog.Logger) (*Link, error) {
	if len(cfg.Targets) == 0 {
		return nil, ErrNoTargets
	}
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	l := &Link{
		cfg:     cfg,
		logger:  logger.With("component", "engine.link"),
		state:   StateDisconnected,
		streams: make(map[string]*Stream),
		sendq:   make(chan []byte, cfg.QueueDepth),
		closeCh: make(chan struct{}),
	}
	go l.writeLoop()
	return l, nil
}

// State returns the current link state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Target returns the committed dial candidate, empty before the first
// successful connect.
func (l *Link) Target() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target
}

// LastSuccess returns the completion time of the most recent
// successful round trip. The health monitor derives engine
// reachability from this plus the link state.
func (l *Link) LastSuccess() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSuccess
}

// Connect establishes the connection. At most one physical attempt is
// in flight at any time; concurrent callers await it instead of
// dialing again.
func (l *Link) Connect(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return ErrClosed
		}
		switch l.state {
		case StateConnected, StateDegraded:
			l.mu.Unlock()
			return nil
		case StateConnecting:
			wait := l.connectDone
			l.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			l.state = StateConnecting
			l.connectDone = make(chan struct{})
			l.mu.Unlock()
		}

		err := l.dial(ctx)

		l.mu.Lock()
		done := l.connectDone
		if err != nil {
			l.state = StateDisconnected
		}
		l.mu.Unlock()
		close(done)
		return err
	}
}

// dial tries candidates in priority order until one accepts, then
// commits to it. Once committed only that candidate is redialed.
func (l *Link) dial(ctx context.Context) error {
	l.mu.Lock()
	committed := l.target
	l.mu.Unlock()

	candidates := l.cfg.Targets
	if committed != "" {
		candidates = []string{committed}
	}

	dialer := websocket.Dialer{HandshakeTimeout: l.cfg.DialTimeout}

	var lastErr error
	for _, target := range candidates {
		u, err := l.buildURL(target)
		if err != nil {
			lastErr = err
			continue
		}

		conn, _, err := dialer.DialContext(ctx, u, nil)
		if err != nil {
			l.logger.Warn("dial candidate failed", "target", target, "error", err)
			lastErr = err
			continue
		}

		l.mu.Lock()
		if l.closed {
			// Close won the race while this dial was in flight. The
			// new conn must not revive the link.
			l.mu.Unlock()
			conn.Close()
			return ErrClosed
		}
		l.conn = conn
		l.state = StateConnected
		l.target = target
		l.timeouts = 0
		l.mu.Unlock()

		go l.readLoop(conn)
		l.logger.Info("engine link connected", "target", target)
		return nil
	}

	if lastErr == nil {
		lastErr = ErrNoTargets
	}
	return fmt.Errorf("engine: dial failed: %w", lastErr)
}

func (l *Link) buildURL(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("engine: invalid target %q: %w", target, err)
	}
	if len(l.cfg.DialParams) > 0 {
		q := u.Query()
		for k, vs := range l.cfg.DialParams {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Synthesize asks the engine to speak text and returns the stream of
// audio frames for the reply. The per-request deadline is armed
// immediately; on expiry the stream fails with ErrRequestTimeout.
func (l *Link) Synthesize(text string) (*Stream, error) {
	id := uuid.NewString()
	s := l.register(id)

	msg, err := json.Marshal(wire{Type: wireSynthesize, ID: id, Text: text})
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := l.enqueue(msg); err != nil {
		s.Close()
		return nil, err
	}
	s.arm(l.cfg.RequestTimeout)
	return s, nil
}

// OpenStream registers a long-lived receiver for raw-audio replies.
// Used when brain routing is disabled and the engine answers
// full-duplex. The caller closes it with the session.
func (l *Link) OpenStream(id string) *Stream {
	return l.register(id)
}

// SendAudio forwards a raw client audio frame tagged with the
// stream id. Replies arrive on the stream opened with OpenStream.
func (l *Link) SendAudio(streamID string, audio []byte) error {
	msg, err := json.Marshal(wire{
		Type:    wireAudioIn,
		ID:      streamID,
		Payload: base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil {
		return err
	}
	return l.enqueue(msg)
}

// enqueue places a frame on the bounded send queue. Fails fast with
// ErrLinkUnavailable while disconnected rather than buffering.
func (l *Link) enqueue(msg []byte) error {
	l.mu.Lock()
	state := l.state
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if state != StateConnected && state != StateDegraded {
		return ErrLinkUnavailable
	}

	select {
	case l.sendq <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (l *Link) register(id string) *Stream {
	s := newStream(id, l)
	l.streamMu.Lock()
	l.streams[id] = s
	l.streamMu.Unlock()
	return s
}

func (l *Link) dropStream(id string) {
	l.streamMu.Lock()
	delete(l.streams, id)
	l.streamMu.Unlock()
}

func (l *Link) lookupStream(id string) *Stream {
	l.streamMu.Lock()
	defer l.streamMu.Unlock()
	return l.streams[id]
}

// writeLoop is the single writer for the connection.
func (l *Link) writeLoop() {
	for {
		select {
		case <-l.closeCh:
			return
		case msg := <-l.sendq:
			l.mu.Lock()
			conn := l.conn
			l.mu.Unlock()
			if conn == nil {
				// Link dropped between enqueue and write; the
				// request's own deadline reports the failure.
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				l.logger.Error("engine write failed", "error", err)
				l.handleDisconnect(conn)
			}
		}
	}
}

// readLoop reads one connection until it fails, dispatching frames to
// streams by correlation id.
func (l *Link) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.logger.Error("engine read failed", "error", err)
			}
			l.handleDisconnect(conn)
			return
		}

		var msg wire
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Warn("unparseable engine message", "error", err)
			continue
		}
		l.dispatch(msg)
	}
}

func (l *Link) dispatch(msg wire) {
	s := l.lookupStream(msg.ID)
	if s == nil {
		l.logger.Debug("frame for unknown stream", "id", msg.ID, "type", msg.Type)
		return
	}

	switch msg.Type {
	case wireAudio:
		audio, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			l.logger.Warn("engine audio payload not base64", "id", msg.ID)
			return
		}
		delivered, open := s.deliver(Frame{Audio: audio, Seq: msg.Seq, Final: msg.Final})
		if !open {
			l.dropStream(msg.ID)
		}
		if delivered && msg.Final {
			l.recordSuccess()
		}
	case wireTranscript:
		delivered, open := s.deliver(Frame{Text: msg.Text, Seq: msg.Seq, Final: msg.Final})
		if !open {
			l.dropStream(msg.ID)
		}
		if delivered && msg.Final {
			l.recordSuccess()
		}
	case wireError:
		s.fail(fmt.Errorf("engine: %s", msg.Message))
		l.dropStream(msg.ID)
	default:
		l.logger.Debug("unknown engine message type", "type", msg.Type)
	}
}

// recordSuccess resets degradation accounting after a completed round
// trip and restores a degraded link to connected.
func (l *Link) recordSuccess() {
	l.mu.Lock()
	l.lastSuccess = time.Now()
	l.timeouts = 0
	if l.state == StateDegraded {
		l.state = StateConnected
	}
	l.mu.Unlock()
}

// recordTimeout tracks consecutive request timeouts while the
// connection stays open. Past DegradedAfter the link reports
// degraded; past ReconnectAfter it forces a reconnect.
func (l *Link) recordTimeout() {
	l.mu.Lock()
	l.timeouts++
	timeouts := l.timeouts
	conn := l.conn
	if timeouts >= l.cfg.DegradedAfter && l.state == StateConnected {
		l.state = StateDegraded
		l.logger.Warn("engine link degraded", "consecutive_timeouts", timeouts)
	}
	force := timeouts >= l.cfg.ReconnectAfter && conn != nil
	l.mu.Unlock()

	if force {
		l.logger.Warn("forcing engine reconnect", "consecutive_timeouts", timeouts)
		conn.Close() // readLoop notices and drives the reconnect
	}
}

// handleDisconnect transitions to disconnected and starts the single
// reconnect goroutine. Stale calls for an already-replaced connection
// are ignored.
func (l *Link) handleDisconnect(conn *websocket.Conn) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.state = StateDisconnected
	startReconnect := !l.reconnecting && !l.closed
	if startReconnect {
		l.reconnecting = true
	}
	l.mu.Unlock()

	conn.Close()
	l.failPending(ErrLinkUnavailable)

	if startReconnect {
		go l.reconnectLoop()
	}
}

// failPending errors out every registered stream. Called on
// disconnect and close; queued sends fail fast separately.
func (l *Link) failPending(err error) {
	l.streamMu.Lock()
	streams := make([]*Stream, 0, len(l.streams))
	for id, s := range l.streams {
		streams = append(streams, s)
		delete(l.streams, id)
	}
	l.streamMu.Unlock()

	for _, s := range streams {
		s.fail(err)
	}
}

// reconnectLoop retries with exponential backoff until connected.
// Only one instance runs at a time.
func (l *Link) reconnectLoop() {
	delay := l.cfg.ReconnectMin

	for {
		select {
		case <-l.closeCh:
			return
		case <-time.After(delay):
		}

		l.logger.Info("reconnecting to engine", "delay", delay)
		err := l.Connect(context.Background())
		if err == nil {
			l.mu.Lock()
			l.reconnecting = false
			l.mu.Unlock()
			l.logger.Info("engine link restored")
			return
		}
		if err == ErrClosed {
			return
		}

		delay *= 2
		if delay > l.cfg.ReconnectMax {
			delay = l.cfg.ReconnectMax
		}
	}
}

// Close shuts the link down permanently.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	l.conn = nil
	l.state = StateDisconnected
	l.mu.Unlock()

	close(l.closeCh)
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		conn.Close()
	}
	l.failPending(ErrClosed)
	return nil
}
