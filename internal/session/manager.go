// Package session is the orchestration surface: it owns the consultation
// state machine and coordinates presence, waiting room, invitations and
// notifications. Request handlers, socket events and the reminder sweep all
// call into the same Manager.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"teleconsult/internal/invitation"
	"teleconsult/internal/notify"
	"teleconsult/internal/presence"
	"teleconsult/internal/waitingroom"
	"teleconsult/pkg/clock"
	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/metrics"
	"teleconsult/pkg/types"
)

const transitionRetries = 3

var _ interfaces.PresenceObserver = (*Manager)(nil)

type Config struct {
	// JoinBaseURL prefixes the token in join links sent to invitees.
	JoinBaseURL string
}

// Deps are the collaborators of the Manager. Media and Delivery may be nil.
type Deps struct {
	Store       interfaces.Store
	Presence    *presence.Registry
	Queue       *waitingroom.Queue
	Invitations *invitation.Service
	Notifier    *notify.Notifier
	Media       interfaces.MediaManager
	Delivery    interfaces.Notifier
	Clock       clock.Clock
	Metrics     *metrics.Collector
	Logger      *logger.Logger
}

// Manager implements every orchestration operation. It keeps no in-memory
// session state; concurrent callers are serialized by versioned store writes.
type Manager struct {
	store       interfaces.Store
	presence    *presence.Registry
	queue       *waitingroom.Queue
	invitations *invitation.Service
	notifier    *notify.Notifier
	media       interfaces.MediaManager
	delivery    interfaces.Notifier
	clock       clock.Clock
	metrics     *metrics.Collector
	cfg         Config
	logger      *logger.Logger
	log         *logrus.Entry
}

// NewManager creates the orchestrator and registers it as the presence observer.
func NewManager(deps Deps, cfg Config) *Manager {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	m := &Manager{
		store:       deps.Store,
		presence:    deps.Presence,
		queue:       deps.Queue,
		invitations: deps.Invitations,
		notifier:    deps.Notifier,
		media:       deps.Media,
		delivery:    deps.Delivery,
		clock:       clk,
		metrics:     deps.Metrics,
		cfg:         cfg,
		logger:      deps.Logger,
		log:         deps.Logger.WithComponent("session"),
	}
	if m.presence != nil {
		m.presence.SetObserver(m)
	}
	return m
}

// JoinURL builds the live join link for an invitation token.
func (m *Manager) JoinURL(token string) string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(m.cfg.JoinBaseURL, "/"), token)
}

func (m *Manager) getSession(ctx context.Context, sessionID string) (*types.Session, error) {
	if sessionID == "" {
		return nil, types.NewValidation("session id is required")
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, interfaces.TranslateStoreError(err, "session", types.CodeSessionNotFound)
	}
	return s, nil
}

func (m *Manager) getParticipant(ctx context.Context, sessionID, userID string) (*types.Participant, error) {
	p, err := m.store.GetParticipant(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, types.NewForbidden(types.CodeNotMember, "user is not a participant of this session")
		}
		return nil, interfaces.TranslateStoreError(err, "participant", types.CodeParticipantNotFound)
	}
	return p, nil
}

// update applies a versioned write to the session, re-reading and retrying
// on version conflicts. apply edits the copy it is given; returning
// errSkipped abandons the update without error.
func (m *Manager) update(ctx context.Context, sessionID, operation string, apply func(*types.Session) error) (*types.Session, bool, error) {
	for attempt := 0; attempt < transitionRetries; attempt++ {
		current, err := m.getSession(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		next := current.Clone()
		if err := apply(next); err != nil {
			if errors.Is(err, errSkipped) {
				return current, false, nil
			}
			return nil, false, err
		}
		next.UpdatedAt = m.clock.Now()

		err = m.store.UpdateSessionIfVersion(ctx, next, current.Version)
		if err == nil {
			if next.Status != current.Status {
				m.transitioned(ctx, current.Status, next)
			}
			return next, true, nil
		}
		if !errors.Is(err, interfaces.ErrVersionConflict) {
			return nil, false, interfaces.TranslateStoreError(err, "session", types.CodeSessionNotFound)
		}
		m.metrics.RecordConflict(operation)
	}
	return nil, false, types.NewConflict(types.CodeVersionConflict, "session was modified concurrently, refresh and retry")
}

// autoTransition moves the session to `to` when its current status is one of
// from. A precondition that no longer holds is skipped silently. The boolean
// reports whether this call performed the transition.
func (m *Manager) autoTransition(ctx context.Context, sessionID string, to types.SessionStatus, from []types.SessionStatus, mutate func(*types.Session)) (*types.Session, bool, error) {
	return m.update(ctx, sessionID, "auto_"+strings.ToLower(string(to)), func(s *types.Session) error {
		if !statusIn(s.Status, from) || !types.CanTransition(s.Status, to) {
			return errSkipped
		}
		s.Status = to
		if mutate != nil {
			mutate(s)
		}
		return nil
	})
}

// transitioned records and broadcasts an accepted status change.
func (m *Manager) transitioned(ctx context.Context, from types.SessionStatus, s *types.Session) {
	m.metrics.RecordTransition(string(from), string(s.Status))
	m.log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"from":       from,
		"to":         s.Status,
		"version":    s.Version,
	}).Info("Session status changed")
	_ = m.notifier.Broadcast(ctx, s.ID, types.EventSessionStatus, map[string]interface{}{
		"status":   s.Status,
		"previous": from,
		"version":  s.Version,
	})
}

// markStarted sets startedAt on the first start.
func (m *Manager) markStarted(s *types.Session) {
	if s.StartedAt == nil {
		s.StartedAt = types.TimePtr(m.clock.Now())
	}
}

func (m *Manager) ensureRouter(ctx context.Context, sessionID string, w *types.Warnings) {
	if m.media == nil {
		return
	}
	if err := m.media.EnsureRouter(ctx, sessionID); err != nil {
		m.warn(w, "media router", err)
	}
}

func (m *Manager) cleanupRouter(ctx context.Context, sessionID string, w *types.Warnings) {
	if m.media == nil {
		return
	}
	if err := m.media.CleanupRouter(ctx, sessionID); err != nil {
		m.warn(w, "media cleanup", err)
	}
}

// warn logs a collaborator failure and attaches it to the result.
func (m *Manager) warn(w *types.Warnings, what string, err error) {
	m.log.WithError(err).WithField("collaborator", what).Warn("Collaborator failure")
	if w != nil {
		w.Add(what + " failed: " + err.Error())
	}
}

// activePrivileged returns the active privileged participants, excluding exceptUserID.
func (m *Manager) activePrivileged(ctx context.Context, sessionID, exceptUserID string) ([]*types.Participant, error) {
	participants, err := m.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, interfaces.TranslateStoreError(err, "participant", types.CodeParticipantNotFound)
	}
	var out []*types.Participant
	for _, p := range participants {
		if p.IsActive && p.Role.IsPrivileged() && p.UserID != exceptUserID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Manager) hasActivePatient(ctx context.Context, sessionID, exceptUserID string) (bool, error) {
	participants, err := m.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return false, interfaces.TranslateStoreError(err, "participant", types.CodeParticipantNotFound)
	}
	for _, p := range participants {
		if p.IsActive && p.Role.IsPatientSide() && p.UserID != exceptUserID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) hasActivePractitioner(ctx context.Context, sessionID string) bool {
	active, err := m.activePrivileged(ctx, sessionID, "")
	if err != nil {
		m.log.WithError(err).WithField("session_id", sessionID).Warn("Failed to list practitioners")
		return false
	}
	for _, p := range active {
		if p.Role == types.RolePractitioner {
			return true
		}
	}
	return false
}

func statusIn(s types.SessionStatus, set []types.SessionStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
