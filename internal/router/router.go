// Package router dispatches inbound socket frames to the orchestration layer.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"teleconsult/internal/presence"
	"teleconsult/pkg/clock"
	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/types"
)

// Inbound frame types.
const (
	FrameHeartbeat         = "heartbeat"
	FrameEnterWaitingRoom  = "enter_waiting_room"
	FrameLeaveWaitingRoom  = "leave_waiting_room"
	FrameAdmitPatient      = "admit_patient"
	FrameEndSession        = "end_session"
	FrameTyping            = "typing"
	FrameConnectionQuality = "connection_quality"
	FrameMediaResource     = "media_resource"
	FrameLeave             = "leave"
)

// Frame is one client message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type admitPayload struct {
	PatientID string `json:"patient_id"`
}

type typingPayload struct {
	Typing *bool `json:"typing"`
}

type qualityPayload struct {
	Score *float64 `json:"score"`
}

type mediaPayload struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Orchestrator is the session surface frames act on.
type Orchestrator interface {
	Heartbeat(ctx context.Context, connID string, quality *float64) error
	Disconnect(ctx context.Context, connID, reason string) bool
	EnterWaitingRoom(ctx context.Context, actor types.Actor, sessionID string) (*types.JoinResult, error)
	LeaveWaitingRoom(ctx context.Context, actor types.Actor, sessionID string) (*types.WaitingRoomEntry, error)
	AdmitPatient(ctx context.Context, actor types.Actor, sessionID, patientID string) (*types.AdmitResult, error)
	EndSession(ctx context.Context, actor types.Actor, sessionID string) (*types.SessionResult, error)
}

// MediaTracker records media resources owned by a connection.
type MediaTracker interface {
	TrackMediaResource(connID string, kind presence.MediaKind, id string) error
}

// Broadcaster pushes ephemeral events to a session channel.
type Broadcaster interface {
	Broadcast(ctx context.Context, sessionID, eventType string, payload map[string]interface{}) error
}

type Config struct {
	RateLimit     int
	RateWindow    time.Duration
	TypingTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{RateLimit: 100, RateWindow: time.Minute, TypingTimeout: 3 * time.Second}
}

// Router validates, rate limits and dispatches frames
// ARCHITECTURAL DISCOVERY: Pure routing logic without session management or connection handling
// maintains clean separation between routing decisions and the state machine
type Router struct {
	sessions    Orchestrator
	media       MediaTracker
	broadcaster Broadcaster
	clock       clock.Clock
	rateLimiter *RateLimiter
	cfg         Config
	log         *logrus.Entry

	mu     sync.Mutex
	typing map[string]*typingState // connID -> indicator
}

type typingState struct {
	sessionID string
	userID    string
	timer     clock.Timer
}

func NewRouter(sessions Orchestrator, media MediaTracker, broadcaster Broadcaster, clk clock.Clock, cfg Config, log *logger.Logger) *Router {
	def := DefaultConfig()
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = def.TypingTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Router{
		sessions:    sessions,
		media:       media,
		broadcaster: broadcaster,
		clock:       clk,
		rateLimiter: NewRateLimiter(clk, cfg.RateLimit, cfg.RateWindow),
		cfg:         cfg,
		log:         log.WithComponent("router"),
		typing:      make(map[string]*typingState),
	}
}

// HandleFrame decodes and dispatches one frame, then answers the sender with
// an ack or an error event. Heartbeats and typing frames are not acknowledged.
func (r *Router) HandleFrame(ctx context.Context, conn interfaces.Connection, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		r.reply(conn, "", nil, ErrInvalidFrame)
		return
	}

	// TECHNICAL DISCOVERY: Rate limiting applied per connection before dispatch
	if !r.rateLimiter.Allow(conn.ID()) {
		r.reply(conn, frame.Type, nil, ErrRateLimitExceeded)
		return
	}

	result, warnings, err := r.Dispatch(ctx, conn, frame)
	if err == nil && (frame.Type == FrameHeartbeat || frame.Type == FrameTyping) {
		return
	}
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"conn_id": conn.ID(),
			"type":    frame.Type,
		}).Debug("Frame rejected")
	}
	r.replyWithWarnings(conn, frame.Type, result, warnings, err)
}

// Dispatch runs frame on behalf of conn.
func (r *Router) Dispatch(ctx context.Context, conn interfaces.Connection, frame Frame) (interface{}, types.Warnings, error) {
	if !isValidFrameType(frame.Type) {
		return nil, nil, ErrUnknownFrameType
	}
	role := types.Role(conn.GetRole())
	if !canSendFrame(role, frame.Type) {
		return nil, nil, ErrUnauthorizedFrameType
	}

	actor := types.Actor{UserID: conn.GetUserID(), Role: role}
	sessionID := conn.GetSessionID()

	switch frame.Type {
	case FrameHeartbeat:
		return nil, nil, r.sessions.Heartbeat(ctx, conn.ID(), nil)

	case FrameConnectionQuality:
		var p qualityPayload
		if err := decode(frame.Payload, &p); err != nil || p.Score == nil || *p.Score < 0 || *p.Score > 1 {
			return nil, nil, ErrInvalidPayload
		}
		if err := r.sessions.Heartbeat(ctx, conn.ID(), p.Score); err != nil {
			return nil, nil, err
		}
		_ = r.broadcaster.Broadcast(ctx, sessionID, types.EventConnectionQuality, map[string]interface{}{
			"user_id": actor.UserID,
			"score":   *p.Score,
		})
		return map[string]interface{}{"score": *p.Score}, nil, nil

	case FrameEnterWaitingRoom:
		res, err := r.sessions.EnterWaitingRoom(ctx, actor, sessionID)
		if err != nil {
			return nil, nil, err
		}
		return res, res.Warnings, nil

	case FrameLeaveWaitingRoom:
		entry, err := r.sessions.LeaveWaitingRoom(ctx, actor, sessionID)
		return entry, nil, err

	case FrameAdmitPatient:
		var p admitPayload
		if err := decode(frame.Payload, &p); err != nil || p.PatientID == "" {
			return nil, nil, ErrInvalidPayload
		}
		res, err := r.sessions.AdmitPatient(ctx, actor, sessionID, p.PatientID)
		if err != nil {
			return nil, nil, err
		}
		return res, res.Warnings, nil

	case FrameEndSession:
		res, err := r.sessions.EndSession(ctx, actor, sessionID)
		if err != nil {
			return nil, nil, err
		}
		return res, res.Warnings, nil

	case FrameTyping:
		var p typingPayload
		if err := decode(frame.Payload, &p); err != nil {
			return nil, nil, ErrInvalidPayload
		}
		if p.Typing != nil && !*p.Typing {
			r.stopTyping(ctx, conn.ID())
			return nil, nil, nil
		}
		r.startTyping(ctx, conn.ID(), sessionID, actor.UserID)
		return nil, nil, nil

	case FrameMediaResource:
		var p mediaPayload
		if err := decode(frame.Payload, &p); err != nil {
			return nil, nil, ErrInvalidPayload
		}
		if err := r.media.TrackMediaResource(conn.ID(), presence.MediaKind(p.Kind), p.ID); err != nil {
			if errors.Is(err, presence.ErrUnknownMediaKind) {
				return nil, nil, ErrInvalidPayload
			}
			return nil, nil, err
		}
		return map[string]interface{}{"kind": p.Kind, "id": p.ID}, nil, nil

	case FrameLeave:
		r.stopTyping(ctx, conn.ID())
		r.sessions.Disconnect(ctx, conn.ID(), presence.ReasonLeft)
		return map[string]interface{}{"left": true}, nil, nil
	}
	return nil, nil, ErrUnknownFrameType
}

// ConnectionClosed drops the per-connection state of conn.
func (r *Router) ConnectionClosed(ctx context.Context, conn interfaces.Connection) {
	r.stopTyping(ctx, conn.ID())
	r.rateLimiter.Forget(conn.ID())
}

// startTyping broadcasts the indicator once and (re)arms its expiry.
func (r *Router) startTyping(ctx context.Context, connID, sessionID, userID string) {
	r.mu.Lock()
	state, active := r.typing[connID]
	if active {
		state.timer.Reset(r.cfg.TypingTimeout)
		r.mu.Unlock()
		return
	}
	state = &typingState{sessionID: sessionID, userID: userID}
	state.timer = r.clock.AfterFunc(r.cfg.TypingTimeout, func() {
		r.stopTyping(context.Background(), connID)
	})
	r.typing[connID] = state
	r.mu.Unlock()

	_ = r.broadcaster.Broadcast(ctx, sessionID, types.EventTyping, map[string]interface{}{
		"user_id": userID,
		"typing":  true,
	})
}

func (r *Router) stopTyping(ctx context.Context, connID string) {
	r.mu.Lock()
	state, active := r.typing[connID]
	if active {
		delete(r.typing, connID)
		state.timer.Stop()
	}
	r.mu.Unlock()
	if !active {
		return
	}
	_ = r.broadcaster.Broadcast(ctx, state.sessionID, types.EventTyping, map[string]interface{}{
		"user_id": state.userID,
		"typing":  false,
	})
}

func (r *Router) reply(conn interfaces.Connection, request string, data interface{}, err error) {
	r.replyWithWarnings(conn, request, data, nil, err)
}

func (r *Router) replyWithWarnings(conn interfaces.Connection, request string, data interface{}, warnings types.Warnings, err error) {
	env := types.SuccessEnvelope(http.StatusOK, request+" ok", data, warnings)
	if err != nil {
		env = types.ErrorEnvelope(classify(err))
	}
	event := types.ReplyEvent(uuid.New().String(), conn.GetSessionID(), request, env, r.clock.Now())
	encoded, mErr := json.Marshal(event)
	if mErr != nil {
		r.log.WithError(mErr).Error("Failed to encode reply")
		return
	}
	if sErr := conn.Send(encoded); sErr != nil {
		r.log.WithError(sErr).WithField("conn_id", conn.ID()).Debug("Failed to send reply")
	}
}

// Role-based frame permissions
// FUNCTIONAL DISCOVERY: waiting-room moves belong to the patient side, queue and
// lifecycle control to privileged roles; liveness frames are open to everyone
func canSendFrame(role types.Role, frameType string) bool {
	switch frameType {
	case FrameEnterWaitingRoom, FrameLeaveWaitingRoom:
		return role.IsPatientSide()
	case FrameAdmitPatient, FrameEndSession:
		return role.IsPrivileged() || role == types.RoleAdmin
	default:
		return types.IsValidRole(role)
	}
}

func isValidFrameType(frameType string) bool {
	switch frameType {
	case FrameHeartbeat, FrameEnterWaitingRoom, FrameLeaveWaitingRoom, FrameAdmitPatient,
		FrameEndSession, FrameTyping, FrameConnectionQuality, FrameMediaResource, FrameLeave:
		return true
	}
	return false
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
