// Package notify fans real-time events out to session, user and connection
// targets and debounces the duplicate-prone waiting-room alerts.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"teleconsult/pkg/clock"
	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/metrics"
	"teleconsult/pkg/types"
)

const (
	outcomeEmitted    = "emitted"
	outcomeSuppressed = "suppressed"
	outcomeFailed     = "failed"
)

type Config struct {
	JoinCooldown    time.Duration
	WaitingCooldown time.Duration
}

func DefaultConfig() Config {
	return Config{JoinCooldown: 10 * time.Second, WaitingCooldown: 60 * time.Second}
}

// Notifier emits events through the transport. Debounce state lives in the
// injected cache and is safe to lose.
type Notifier struct {
	transport interfaces.Transport
	cache     interfaces.KeyedCache
	clock     clock.Clock
	cfg       Config
	metrics   *metrics.Collector
	log       *logrus.Entry
}

func New(transport interfaces.Transport, cache interfaces.KeyedCache, clk clock.Clock, cfg Config, m *metrics.Collector, log *logger.Logger) *Notifier {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.JoinCooldown <= 0 {
		cfg.JoinCooldown = DefaultConfig().JoinCooldown
	}
	if cfg.WaitingCooldown <= 0 {
		cfg.WaitingCooldown = DefaultConfig().WaitingCooldown
	}
	return &Notifier{
		transport: transport,
		cache:     cache,
		clock:     clk,
		cfg:       cfg,
		metrics:   m,
		log:       log.WithComponent("notify"),
	}
}

// Event builds an event carrying the correlation id of ctx, or a fresh one.
func (n *Notifier) Event(ctx context.Context, eventType, sessionID string, payload map[string]interface{}) *types.Event {
	correlationID := logger.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return &types.Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		SessionID:     sessionID,
		CorrelationID: correlationID,
		Timestamp:     n.clock.Now(),
		Payload:       payload,
	}
}

// Broadcast sends to every connection joined to the session channel.
func (n *Notifier) Broadcast(ctx context.Context, sessionID, eventType string, payload map[string]interface{}) error {
	event := n.Event(ctx, eventType, sessionID, payload)
	return n.emit(event, types.SessionChannel(sessionID), func() error {
		return n.transport.EmitToChannel(types.SessionChannel(sessionID), event)
	})
}

// ToUser sends to every connection of the user, in any session.
func (n *Notifier) ToUser(ctx context.Context, userID, sessionID, eventType string, payload map[string]interface{}) error {
	event := n.Event(ctx, eventType, sessionID, payload)
	return n.emit(event, types.UserChannel(userID), func() error {
		return n.transport.EmitToChannel(types.UserChannel(userID), event)
	})
}

// ToConnection sends to a single connection.
func (n *Notifier) ToConnection(ctx context.Context, connID, sessionID, eventType string, payload map[string]interface{}) error {
	event := n.Event(ctx, eventType, sessionID, payload)
	return n.emit(event, "conn:"+connID, func() error {
		return n.transport.EmitToConnection(connID, event)
	})
}

// PatientJoined tells a practitioner that a patient arrived. Further join
// alerts to the same (session, practitioner) pair inside the join cooldown are
// suppressed. It reports whether the event was emitted.
func (n *Notifier) PatientJoined(ctx context.Context, sessionID, practitionerID string, payload map[string]interface{}) (bool, error) {
	key := fmt.Sprintf("notify:%s:%s:%s", types.EventPatientJoined, sessionID, practitionerID)
	return n.debounced(ctx, key, n.cfg.JoinCooldown, practitionerID, sessionID, types.EventPatientJoined, payload)
}

// PatientWaiting is the generic "someone is waiting" notice with the longer cooldown.
func (n *Notifier) PatientWaiting(ctx context.Context, sessionID, practitionerID string, payload map[string]interface{}) (bool, error) {
	key := fmt.Sprintf("notify:%s:%s:%s", types.EventPatientWaiting, sessionID, practitionerID)
	return n.debounced(ctx, key, n.cfg.WaitingCooldown, practitionerID, sessionID, types.EventPatientWaiting, payload)
}

func (n *Notifier) debounced(ctx context.Context, key string, cooldown time.Duration, userID, sessionID, eventType string, payload map[string]interface{}) (bool, error) {
	event := n.Event(ctx, eventType, sessionID, payload)
	fields := logrus.Fields{
		"correlation_id": event.CorrelationID,
		"event_id":       event.ID,
		"type":           eventType,
		"session_id":     sessionID,
		"target":         types.UserChannel(userID),
	}

	if n.cache != nil {
		fresh, err := n.cache.SetNX(ctx, key, event.ID, cooldown)
		switch {
		case err != nil:
			// fail open: a duplicate alert beats a lost one
			n.log.WithError(err).WithFields(fields).Warn("Debounce cache unavailable")
		case !fresh:
			n.metrics.RecordNotification(eventType, outcomeSuppressed)
			n.log.WithFields(fields).Info("Notification suppressed")
			return false, nil
		}
	}

	err := n.emit(event, types.UserChannel(userID), func() error {
		return n.transport.EmitToChannel(types.UserChannel(userID), event)
	})
	return err == nil, err
}

func (n *Notifier) emit(event *types.Event, target string, send func() error) error {
	fields := logrus.Fields{
		"correlation_id": event.CorrelationID,
		"event_id":       event.ID,
		"type":           event.Type,
		"session_id":     event.SessionID,
		"target":         target,
	}
	if err := send(); err != nil {
		n.metrics.RecordNotification(event.Type, outcomeFailed)
		n.log.WithError(err).WithFields(fields).Warn("Notification failed")
		return fmt.Errorf("emit %s to %s: %w", event.Type, target, err)
	}
	n.metrics.RecordNotification(event.Type, outcomeEmitted)
	n.log.WithFields(fields).Info("Notification emitted")
	return nil
}
