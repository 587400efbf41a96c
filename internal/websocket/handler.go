package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"teleconsult/internal/auth"
	"teleconsult/internal/presence"
	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/metrics"
	"teleconsult/pkg/types"
)

// WebSocket upgrader with production-ready settings
// ARCHITECTURAL DISCOVERY: Separate upgrader configuration enables reuse
// and consistent WebSocket settings across different handler instances
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// origin policy is enforced by the HTTP layer's CORS settings
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// SessionJoiner is the orchestration surface a socket needs.
type SessionJoiner interface {
	JoinAsPatient(ctx context.Context, req types.JoinRequest) (*types.JoinResult, error)
	JoinAsPractitioner(ctx context.Context, req types.JoinRequest) (*types.JoinResult, error)
	Heartbeat(ctx context.Context, connID string, quality *float64) error
	Disconnect(ctx context.Context, connID, reason string) bool
}

// FrameHandler processes inbound text frames of a joined connection.
type FrameHandler interface {
	HandleFrame(ctx context.Context, conn interfaces.Connection, data []byte)
	ConnectionClosed(ctx context.Context, conn interfaces.Connection)
}

type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: defaultWriteTimeout,
		BufferSize:   defaultBufferSize,
	}
}

// Handler upgrades authenticated requests and binds each socket to a session
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic
// integrates with Registry for connection management and interfaces for orchestration
type Handler struct {
	registry  *Registry
	sessions  SessionJoiner
	frames    FrameHandler
	validator *auth.TokenValidator
	cfg       Config
	metrics   *metrics.Collector
	log       *logrus.Entry
}

func NewHandler(registry *Registry, sessions SessionJoiner, frames FrameHandler, validator *auth.TokenValidator, cfg Config, m *metrics.Collector, log *logger.Logger) *Handler {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	return &Handler{
		registry:  registry,
		sessions:  sessions,
		frames:    frames,
		validator: validator,
		cfg:       cfg,
		metrics:   m,
		log:       log.WithComponent("websocket"),
	}
}

// HandleWebSocket handles WebSocket connection requests
// ARCHITECTURAL DISCOVERY: Multi-stage validation (parameters -> token -> WebSocket -> registration -> join)
// prevents invalid connections from consuming resources
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, ErrMissingSession.Error(), http.StatusBadRequest)
		return
	}

	actor, err := h.validator.Validate(bearerToken(r))
	if err != nil {
		h.log.WithError(err).Debug("Rejected WebSocket handshake")
		http.Error(w, "Invalid or missing token", http.StatusUnauthorized)
		return
	}

	// FUNCTIONAL DISCOVERY: WebSocket upgrade after validation prevents resource waste
	// on invalid requests while providing proper HTTP error responses
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	conn := NewConnection(uuid.New().String(), ws, h.cfg.BufferSize, h.cfg.WriteTimeout)
	conn.SetCredentials(actor.UserID, string(actor.Role), sessionID)
	if err := h.registry.Register(conn); err != nil {
		h.log.WithError(err).Error("Failed to register connection")
		_ = conn.Close()
		return
	}
	h.metrics.ConnectionOpened()

	ctx := logger.ContextWithCorrelation(context.Background(), conn.ID())
	if !h.join(ctx, conn, actor) {
		h.release(ctx, conn, false)
		return
	}

	go h.handleConnection(ctx, conn)
}

// join binds the registered connection to its session and answers with an
// ack or an error event.
func (h *Handler) join(ctx context.Context, conn *Connection, actor types.Actor) bool {
	req := types.JoinRequest{
		ConnID:    conn.ID(),
		SessionID: conn.GetSessionID(),
		UserID:    actor.UserID,
		Role:      actor.Role,
	}

	var (
		result *types.JoinResult
		err    error
	)
	if actor.Role.IsPatientSide() {
		result, err = h.sessions.JoinAsPatient(ctx, req)
	} else {
		result, err = h.sessions.JoinAsPractitioner(ctx, req)
	}
	if err != nil {
		h.reply(conn, "join", types.ErrorEnvelope(err))
		h.log.WithError(err).WithFields(logrus.Fields{
			"session_id": req.SessionID,
			"user_id":    req.UserID,
		}).Info("Join refused")
		return false
	}
	h.reply(conn, "join", types.SuccessEnvelope(http.StatusOK, "joined", result, result.Warnings))
	return true
}

func (h *Handler) reply(conn *Connection, request string, env types.Envelope) {
	event := types.ReplyEvent(uuid.New().String(), conn.GetSessionID(), request, env, time.Now())
	if err := conn.WriteJSON(event); err != nil {
		h.log.WithError(err).WithField("conn_id", conn.ID()).Debug("Failed to send reply")
	}
}

// release tears the connection down. disconnect is false when the join never
// succeeded and presence holds nothing for it.
func (h *Handler) release(ctx context.Context, conn *Connection, disconnect bool) {
	if disconnect {
		h.frames.ConnectionClosed(ctx, conn)
		h.sessions.Disconnect(ctx, conn.ID(), presence.ReasonClientClosed)
	}
	h.registry.Unregister(conn.ID())
	if disconnect {
		_ = conn.Close()
	} else {
		// let the queued error reach the client before the close frame
		time.AfterFunc(time.Second, func() { _ = conn.CloseWithReason("join refused") })
	}
	h.metrics.ConnectionClosed()
}

// handleConnection manages the connection lifecycle with heartbeat monitoring
// ARCHITECTURAL DISCOVERY: Single goroutine per connection handles reading while a
// ticker goroutine sends pings; every pong counts as a presence heartbeat
func (h *Handler) handleConnection(ctx context.Context, conn *Connection) {
	// FUNCTIONAL DISCOVERY: Deferred cleanup ensures resources are released
	// even if connection handling panics or exits unexpectedly
	defer h.release(ctx, conn, true)

	ws := conn.conn
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		h.log.WithError(err).Warn("Failed to set read deadline")
		return
	}
	ws.SetPongHandler(func(string) error {
		if err := h.sessions.Heartbeat(ctx, conn.ID(), nil); err != nil {
			h.log.WithError(err).WithField("conn_id", conn.ID()).Debug("Heartbeat rejected")
		}
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(conn.writeTimeout)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).WithField("conn_id", conn.ID()).Debug("WebSocket closed unexpectedly")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
			return
		}
		h.frames.HandleFrame(ctx, conn, data)
	}
}

// bearerToken reads the token query parameter, falling back to the
// Authorization header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
