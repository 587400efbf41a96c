// Package presence maps live connections to session participants and drives
// the heartbeat timeout that marks them inactive.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"teleconsult/internal/notify"
	"teleconsult/pkg/clock"
	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/metrics"
	"teleconsult/pkg/types"
)

// Disconnect reasons passed to the observer and the transport.
const (
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonReplaced         = "session_replaced"
	ReasonClientClosed     = "client_closed"
	ReasonLeft             = "left"
)

// MediaKind names a media-plane resource owned by a connection.
type MediaKind string

const (
	MediaTransport MediaKind = "transport"
	MediaProducer  MediaKind = "producer"
	MediaConsumer  MediaKind = "consumer"
)

var ErrUnknownMediaKind = errors.New("unknown media resource kind")

type Config struct {
	HeartbeatInterval time.Duration
	GraceBeats        int
}

func DefaultConfig() Config {
	return Config{HeartbeatInterval: 30 * time.Second, GraceBeats: 2}
}

// Timeout is how long a connection may stay silent.
func (c Config) Timeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.GraceBeats)
}

type memberKey struct {
	sessionID string
	userID    string
}

type connection struct {
	info  types.PresenceInfo
	timer clock.Timer
	media map[MediaKind][]string
}

// Registry is the process-local presence map. The store remains the source
// of truth for Participant.isActive; the registry only owns live connections.
type Registry struct {
	mu       sync.Mutex
	conns    map[string]*connection
	byMember map[memberKey]string

	store     interfaces.ParticipantStore
	transport interfaces.Transport
	media     interfaces.MediaManager
	notifier  *notify.Notifier
	clock     clock.Clock
	cfg       Config
	metrics   *metrics.Collector
	observer  interfaces.PresenceObserver
	log       *logrus.Entry
}

func NewRegistry(store interfaces.ParticipantStore, transport interfaces.Transport, media interfaces.MediaManager, notifier *notify.Notifier, clk clock.Clock, cfg Config, m *metrics.Collector, log *logger.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.GraceBeats <= 0 {
		cfg.GraceBeats = def.GraceBeats
	}
	return &Registry{
		conns:     make(map[string]*connection),
		byMember:  make(map[memberKey]string),
		store:     store,
		transport: transport,
		media:     media,
		notifier:  notifier,
		clock:     clk,
		cfg:       cfg,
		metrics:   m,
		log:       log.WithComponent("presence"),
	}
}

// SetObserver registers the component told about participants going inactive.
// It must be called before the first connection is accepted.
func (r *Registry) SetObserver(o interfaces.PresenceObserver) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

// Timeout returns the heartbeat timeout.
func (r *Registry) Timeout() time.Duration {
	return r.cfg.Timeout()
}

// Connect binds req.ConnID to the participant and marks it active. Privileged
// roles are exclusive per session: a second live holder is rejected with
// Conflict unless the current holder went silent past the heartbeat timeout.
// A reconnect of the same user replaces the previous connection; the boolean
// reports that.
func (r *Registry) Connect(ctx context.Context, req types.JoinRequest) (*types.Participant, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	key := memberKey{req.SessionID, req.UserID}

	r.mu.Lock()
	if existing, ok := r.conns[req.ConnID]; ok {
		r.mu.Unlock()
		if existing.info.SessionID != req.SessionID || existing.info.UserID != req.UserID {
			return nil, false, types.NewValidation("connection is already bound to another participant")
		}
		p, err := r.touch(ctx, req.ConnID, nil)
		return p, false, err
	}
	r.mu.Unlock()

	exclusive := req.Role.IsPrivileged()
	now := r.clock.Now()
	candidate := &types.Participant{
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		Role:         req.Role,
		JoinedAt:     &now,
		LastActiveAt: &now,
	}

	participant, err := r.store.ActivateParticipant(ctx, candidate, exclusive)
	if errors.Is(err, interfaces.ErrRoleOccupied) && r.releaseStaleOccupants(ctx, req) {
		participant, err = r.store.ActivateParticipant(ctx, candidate, exclusive)
	}
	if err != nil {
		if errors.Is(err, interfaces.ErrRoleOccupied) {
			r.log.WithFields(logrus.Fields{
				"session_id": req.SessionID,
				"user_id":    req.UserID,
				"role":       req.Role,
			}).Warn("Rejected connection, role already active")
		}
		return nil, false, interfaces.TranslateStoreError(err, "participant", types.CodeParticipantNotFound)
	}

	conn := &connection{
		info: types.PresenceInfo{
			ConnID:      req.ConnID,
			SessionID:   req.SessionID,
			UserID:      req.UserID,
			Role:        participant.Role,
			ConnectedAt: now,
			LastSeen:    now,
		},
		media: make(map[MediaKind][]string),
	}
	connID := req.ConnID
	conn.timer = r.clock.AfterFunc(r.cfg.Timeout(), func() { r.expire(connID) })

	r.mu.Lock()
	var previous *connection
	if prevID, ok := r.byMember[key]; ok && prevID != connID {
		previous = r.conns[prevID]
		delete(r.conns, prevID)
	}
	r.conns[connID] = conn
	r.byMember[key] = connID
	r.mu.Unlock()

	if previous != nil {
		r.replace(ctx, previous)
	}
	for _, channel := range []string{types.SessionChannel(req.SessionID), types.UserChannel(req.UserID)} {
		if err := r.transport.JoinChannel(connID, channel); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{"conn_id": connID, "channel": channel}).Warn("Failed to join channel")
		}
	}
	r.metrics.ConnectionOpened()

	r.log.WithFields(logrus.Fields{
		"conn_id":    connID,
		"session_id": req.SessionID,
		"user_id":    req.UserID,
		"role":       participant.Role,
		"replaced":   previous != nil,
	}).Info("Participant connected")
	return participant, previous != nil, nil
}

// replace drops a superseded connection without an inactive transition.
func (r *Registry) replace(ctx context.Context, old *connection) {
	old.timer.Stop()
	info := old.info
	if r.notifier != nil {
		_ = r.notifier.ToConnection(ctx, info.ConnID, info.SessionID, types.EventSessionReplaced,
			map[string]interface{}{"reason": ReasonReplaced})
	}
	r.leaveChannels(info)
	r.closeMedia(ctx, old)
	if err := r.transport.Disconnect(info.ConnID, ReasonReplaced); err != nil {
		r.log.WithError(err).WithField("conn_id", info.ConnID).Debug("Replaced connection already gone")
	}
	r.metrics.ConnectionClosed()
}

// releaseStaleOccupants deactivates holders of req.Role that have no local
// connection and went silent past the heartbeat timeout, which is what a
// crashed process leaves behind. It reports whether any was released.
func (r *Registry) releaseStaleOccupants(ctx context.Context, req types.JoinRequest) bool {
	participants, err := r.store.ListParticipants(ctx, req.SessionID)
	if err != nil {
		r.log.WithError(err).WithField("session_id", req.SessionID).Warn("Failed to inspect role occupants")
		return false
	}
	cutoff := r.clock.Now().Add(-r.cfg.Timeout())
	released := false
	for _, p := range participants {
		if p.UserID == req.UserID || !p.IsActive || p.Role != req.Role {
			continue
		}
		if r.IsConnected(p.SessionID, p.UserID) {
			return false
		}
		if p.LastActiveAt != nil && p.LastActiveAt.After(cutoff) {
			return false
		}
		_, err := r.store.UpdateParticipant(ctx, p.SessionID, p.UserID, func(row *types.Participant) error {
			row.IsActive = false
			return nil
		})
		if err != nil {
			r.log.WithError(err).WithField("user_id", p.UserID).Warn("Failed to release stale occupant")
			return false
		}
		r.log.WithFields(logrus.Fields{
			"session_id": p.SessionID,
			"user_id":    p.UserID,
			"role":       p.Role,
		}).Warn("Released stale role occupant")
		released = true
	}
	return released
}

// Heartbeat resets the connection's timeout and records its quality score.
func (r *Registry) Heartbeat(ctx context.Context, connID string, quality *float64) error {
	_, err := r.touch(ctx, connID, quality)
	return err
}

func (r *Registry) touch(ctx context.Context, connID string, quality *float64) (*types.Participant, error) {
	now := r.clock.Now()
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return nil, types.NewNotFound(types.CodeParticipantNotFound, "connection is not registered")
	}
	conn.timer.Reset(r.cfg.Timeout())
	conn.info.LastSeen = now
	info := conn.info
	r.mu.Unlock()

	p, err := r.store.UpdateParticipant(ctx, info.SessionID, info.UserID, func(p *types.Participant) error {
		p.LastActiveAt = &now
		if quality != nil {
			p.ConnectionQualityScore = *quality
		}
		return nil
	})
	if err != nil {
		return nil, interfaces.TranslateStoreError(err, "participant", types.CodeParticipantNotFound)
	}
	return p, nil
}

// TrackMediaResource remembers a media resource to close when the connection goes away.
func (r *Registry) TrackMediaResource(connID string, kind MediaKind, id string) error {
	switch kind {
	case MediaTransport, MediaProducer, MediaConsumer:
	default:
		return ErrUnknownMediaKind
	}
	if id == "" {
		return types.NewValidation("media resource id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return types.NewNotFound(types.CodeParticipantNotFound, "connection is not registered")
	}
	conn.media[kind] = append(conn.media[kind], id)
	return nil
}

// Disconnect releases the connection, marks the participant inactive and
// tells the observer. It is idempotent and reports whether it did anything.
func (r *Registry) Disconnect(ctx context.Context, connID, reason string) bool {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, connID)
	key := memberKey{conn.info.SessionID, conn.info.UserID}
	if r.byMember[key] == connID {
		delete(r.byMember, key)
	}
	observer := r.observer
	r.mu.Unlock()

	conn.timer.Stop()
	info := conn.info
	r.leaveChannels(info)
	r.closeMedia(ctx, conn)

	now := r.clock.Now()
	_, err := r.store.UpdateParticipant(ctx, info.SessionID, info.UserID, func(p *types.Participant) error {
		// a reconnect that raced this disconnect keeps the row active
		if !r.IsConnected(info.SessionID, info.UserID) {
			p.IsActive = false
		}
		p.LastActiveAt = &now
		return nil
	})
	if err != nil {
		r.log.WithError(err).WithField("conn_id", connID).Warn("Failed to mark participant inactive")
	}
	r.metrics.ConnectionClosed()
	if r.IsConnected(info.SessionID, info.UserID) {
		observer = nil
	}

	r.log.WithFields(logrus.Fields{
		"conn_id":    connID,
		"session_id": info.SessionID,
		"user_id":    info.UserID,
		"reason":     reason,
	}).Info("Participant disconnected")

	if observer != nil {
		observer.ParticipantInactive(ctx, info, reason)
	}
	return true
}

func (r *Registry) expire(connID string) {
	ctx := logger.ContextWithCorrelation(context.Background(), "heartbeat:"+connID)
	if r.Disconnect(ctx, connID, ReasonHeartbeatTimeout) {
		if err := r.transport.Disconnect(connID, ReasonHeartbeatTimeout); err != nil {
			r.log.WithError(err).WithField("conn_id", connID).Debug("Timed out connection already gone")
		}
	}
}

func (r *Registry) leaveChannels(info types.PresenceInfo) {
	r.transport.LeaveChannel(info.ConnID, types.SessionChannel(info.SessionID))
	r.transport.LeaveChannel(info.ConnID, types.UserChannel(info.UserID))
}

func (r *Registry) closeMedia(ctx context.Context, conn *connection) {
	if r.media == nil {
		return
	}
	closers := []struct {
		kind  MediaKind
		close func(context.Context, string) error
	}{
		{MediaConsumer, r.media.CloseConsumer},
		{MediaProducer, r.media.CloseProducer},
		{MediaTransport, r.media.CloseTransport},
	}
	for _, c := range closers {
		for _, id := range conn.media[c.kind] {
			if err := c.close(ctx, id); err != nil {
				r.log.WithError(err).WithFields(logrus.Fields{"kind": c.kind, "id": id}).Warn("Failed to close media resource")
			}
		}
	}
}

// ActiveInSession lists live connections of the session by connect time.
func (r *Registry) ActiveInSession(sessionID string) []types.PresenceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.PresenceInfo
	for _, c := range r.conns {
		if c.info.SessionID == sessionID {
			out = append(out, c.info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnID < out[j].ConnID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// OnlineCount is the number of live connections in the session.
func (r *Registry) OnlineCount(sessionID string) int {
	return len(r.ActiveInSession(sessionID))
}

// IsOnline reports whether the user holds a live connection in any session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.byMember {
		if key.userID == userID {
			return true
		}
	}
	return false
}

// IsConnected reports whether the user holds a live connection to the session.
func (r *Registry) IsConnected(sessionID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byMember[memberKey{sessionID, userID}]
	return ok
}

func (r *Registry) Lookup(connID string) (types.PresenceInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return types.PresenceInfo{}, false
	}
	return c.info, true
}
