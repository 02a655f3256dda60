package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/mycosoft/go-voicebridge/internal/config"
	"github.com/mycosoft/go-voicebridge/pkg/health"
	"github.com/mycosoft/go-voicebridge/pkg/protocol"
	"github.com/mycosoft/go-voicebridge/pkg/session"
)

const (
	// writeWait bounds a single frame write to the client.
	writeWait = 10 * time.Second

	// pongWait is how long a client may stay silent before the read
	// loop gives up on it.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound client frames. Audio frames are the
	// largest legitimate payload.
	maxMessageSize = 1 << 20
)

// createParams holds per-session options supplied via POST /session
// before the WebSocket connects.
type createParams struct {
	ConversationID string `json:"conversation_id"`
	Persona        string `json:"persona"`
	Voice          string `json:"voice"`
}

// Server is the client-facing HTTP/WebSocket surface of the bridge.
type Server struct {
	cfg      *config.Config
	app      *fiber.App
	registry *session.Registry
	router   *Router
	monitor  *health.Monitor
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]createParams

	closing      atomic.Bool
	shutdownOnce sync.Once
}

// NewServer wires the fiber app, routes, and middleware.
func NewServer(cfg *config.Config, registry *session.Registry, router *Router, monitor *health.Monitor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		router:   router,
		monitor:  monitor,
		logger:   logger.With("component", "bridge.server"),
		pending:  make(map[string]createParams),
	}

	app := fiber.New(fiber.Config{
		AppName:               "voicebridge",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))

	s.app = app
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// WebSocket upgrade middleware
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	s.app.Get("/ws", websocket.New(s.handleClient))
	s.app.Get("/ws/:id", websocket.New(s.handleClient))

	s.app.Post("/session", s.handleCreateSession)
	s.app.Get("/session/:id/history", s.handleHistory)

	api := s.app.Group("/api")
	api.Get("/sessions", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sessions": s.registry.Infos(),
			"count":    s.registry.Len(),
		})
	})

	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", s.handleMetrics)
}

// handleCreateSession pre-registers session parameters so a client can
// bind a conversation id and persona before opening the WebSocket.
func (s *Server) handleCreateSession(c *fiber.Ctx) error {
	if s.closing.Load() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "shutting down"})
	}

	var params createParams
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&params); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
	}
	if params.ConversationID == "" {
		params.ConversationID = uuid.NewString()
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.pending[id] = params
	s.mu.Unlock()

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"session_id":      id,
		"conversation_id": params.ConversationID,
		"websocket_path":  "/ws/" + id,
	})
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	sess := s.registry.Get(c.Params("id"))
	if sess == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	}
	return c.JSON(fiber.Map{
		"session_id":      sess.ID,
		"conversation_id": sess.ConversationID,
		"history":         sess.History(),
	})
}

// handleHealth serves the cached composite view. Responds in bounded
// time regardless of dependency state.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	view := s.monitor.Composite()
	code := fiber.StatusOK
	if !view.Healthy {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(view)
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	stats := s.router.Stats()
	return c.SendString(fmt.Sprintf(`# HELP voicebridge_sessions Active session count
# TYPE voicebridge_sessions gauge
voicebridge_sessions %d

# HELP voicebridge_messages_received Total client messages received
# TYPE voicebridge_messages_received counter
voicebridge_messages_received %d

# HELP voicebridge_audio_frames_sent Total audio frames relayed to clients
# TYPE voicebridge_audio_frames_sent counter
voicebridge_audio_frames_sent %d

# HELP voicebridge_audio_frames_dropped Audio frames dropped under brain routing
# TYPE voicebridge_audio_frames_dropped counter
voicebridge_audio_frames_dropped %d

# HELP voicebridge_brain_failures Total failed brain requests
# TYPE voicebridge_brain_failures counter
voicebridge_brain_failures %d

# HELP voicebridge_link_failures Total failed engine requests
# TYPE voicebridge_link_failures counter
voicebridge_link_failures %d
`, s.registry.Len(), stats.MessagesReceived, stats.AudioFramesSent,
		stats.AudioDropped, stats.BrainFailures, stats.LinkFailures))
}

// takePending consumes pre-registered parameters for a session id.
func (s *Server) takePending(id string) createParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	params, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return params
}

// handleClient owns one browser WebSocket connection for its lifetime.
func (s *Server) handleClient(c *websocket.Conn) {
	defer c.Close()

	if s.closing.Load() {
		s.refuse(c, protocol.KindCapacityExceeded, "shutting down")
		return
	}

	id := c.Params("id")
	params := s.takePending(id)

	sess := session.New(id, params.ConversationID, s.cfg.BrainRouting)
	sess.Persona = params.Persona
	sess.Voice = params.Voice

	if err := s.registry.Add(sess); err != nil {
		s.logger.Warn("connection refused", "session_id", sess.ID, "error", err)
		kind := protocol.KindCapacityExceeded
		if errors.Is(err, session.ErrDuplicateSession) {
			kind = protocol.KindDuplicateSession
		}
		s.refuse(c, kind, err.Error())
		return
	}
	defer s.registry.Remove(sess.ID)

	s.logger.Info("client connected",
		"session_id", sess.ID,
		"conversation_id", sess.ConversationID,
		"brain_routing", sess.BrainRouting)

	go s.writePump(sess, c)

	// Tell the client where its dependencies stand right away.
	if data, err := protocol.NewStatus(s.monitor.Composite()); err == nil {
		_ = sess.Send(data)
	}

	s.router.StartDirect(sess)
	s.readLoop(sess, c)

	s.logger.Info("client disconnected", "session_id", sess.ID)
}

// refuse writes a single error event and a close frame, used before a
// session is registered.
func (s *Server) refuse(c *websocket.Conn, kind, detail string) {
	if data, err := protocol.NewError(kind, detail); err == nil {
		_ = c.WriteMessage(websocket.TextMessage, data)
	}
	_ = c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, kind),
		time.Now().Add(writeWait))
}

// readLoop pumps client messages through the router until the
// connection drops, the session closes, or the router reports a fatal
// protocol violation.
func (s *Server) readLoop(sess *session.Session, c *websocket.Conn) {
	c.SetReadLimit(maxMessageSize)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		_ = c.SetReadDeadline(time.Now().Add(pongWait))

		if err := s.router.HandleMessage(sess, data); err != nil {
			s.logger.Warn("closing session on protocol violation",
				"session_id", sess.ID, "error", err)
			return
		}
	}
}

// writePump drains the session's outbound channel onto the wire and
// keeps the connection alive with pings. It is the only writer on the
// connection after the handshake.
func (s *Server) writePump(sess *session.Session, c *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-sess.Outbound():
			if !ok {
				return
			}
			_ = c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sess.Done():
			_ = c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// Listen starts serving. Blocks until Shutdown or a listener error.
func (s *Server) Listen() error {
	s.monitor.SetReady(true)
	s.logger.Info("listening", "addr", s.cfg.ListenAddr)
	return s.app.Listen(s.cfg.ListenAddr)
}

// Shutdown stops accepting connections, drains sessions within the
// configured grace period, and stops the HTTP server. Idempotent.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		s.closing.Store(true)
		s.monitor.SetReady(false)
		s.logger.Info("shutting down", "sessions", s.registry.Len())

		s.registry.CloseAll(s.cfg.ShutdownGrace)
		err = s.app.ShutdownWithTimeout(s.cfg.ShutdownGrace)
	})
	return err
}
