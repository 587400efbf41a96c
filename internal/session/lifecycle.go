package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/types"
)

const maxTitleLength = 200

// CreateSession creates a consultation in DRAFT, or SCHEDULED when a time is
// given. A practitioner creator becomes the owner; an admin may name one or
// leave the session unassigned for the first practitioner to claim.
func (m *Manager) CreateSession(ctx context.Context, actor types.Actor, req types.CreateSessionRequest) (*types.SessionResult, error) {
	const op = "create_session"
	if actor.Role != types.RolePractitioner && !actor.IsAdmin() {
		return nil, m.fail(ctx, actor, op, "", types.NewForbidden(types.CodeRoleNotAllowed, "only practitioners and administrators create sessions"))
	}
	title := strings.TrimSpace(req.Title)
	if len(title) > maxTitleLength {
		return nil, m.fail(ctx, actor, op, "", types.NewValidation("title must be at most 200 characters"))
	}

	owner := req.OwnerID
	if actor.Role == types.RolePractitioner {
		owner = actor.UserID
	}
	if owner != "" && !types.IsValidUserID(owner) {
		return nil, m.fail(ctx, actor, op, "", types.NewValidation("owner id is invalid"))
	}
	patients := uniqueIDs(req.PatientIDs)
	for _, id := range patients {
		if !types.IsValidUserID(id) {
			return nil, m.fail(ctx, actor, op, "", types.NewValidation("patient id is invalid").WithDetail("patient_id", id))
		}
	}

	now := m.clock.Now()
	status := types.StatusDraft
	if req.ScheduledAt != nil {
		if !req.ScheduledAt.After(now) {
			return nil, m.fail(ctx, actor, op, "", types.NewValidation("scheduled time must be in the future"))
		}
		status = types.StatusScheduled
	}

	s := &types.Session{
		ID:                 uuid.New().String(),
		Title:              title,
		OwnerID:            owner,
		Status:             status,
		ScheduledAt:        req.ScheduledAt,
		WaitingRoomEnabled: req.WaitingRoomEnabled,
		AutoAdmitPatients:  req.AutoAdmitPatients,
		CreatedBy:          actor.UserID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, m.fail(ctx, actor, op, s.ID, interfaces.TranslateStoreError(err, "session", types.CodeSessionNotFound))
	}

	if owner != "" {
		if _, err := m.ensureParticipant(ctx, s.ID, owner, types.RolePractitioner); err != nil {
			return nil, m.fail(ctx, actor, op, s.ID, err)
		}
	}
	for _, id := range patients {
		if _, err := m.ensureParticipant(ctx, s.ID, id, types.RolePatient); err != nil {
			return nil, m.fail(ctx, actor, op, s.ID, err)
		}
	}

	m.audit(actor, op, s.ID, map[string]interface{}{"status": s.Status, "patients": len(patients)})
	return &types.SessionResult{Session: s}, nil
}

// AddParticipant grants a user membership in the session.
func (m *Manager) AddParticipant(ctx context.Context, actor types.Actor, sessionID, userID string, role types.Role) (*types.Participant, error) {
	const op = "add_participant"
	s, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	if !isOwnerOrAdmin(actor, s) {
		return nil, m.fail(ctx, actor, op, sessionID, errNotOwner())
	}
	if s.Status.IsTerminal() {
		return nil, m.fail(ctx, actor, op, sessionID, errSessionClosed())
	}
	if !types.IsValidUserID(userID) {
		return nil, m.fail(ctx, actor, op, sessionID, types.NewValidation("user id is invalid"))
	}
	switch role {
	case types.RolePatient, types.RoleGuest, types.RoleExpert:
	default:
		return nil, m.fail(ctx, actor, op, sessionID, types.NewValidation("participants may be added as PATIENT, GUEST or EXPERT"))
	}

	p, err := m.ensureParticipant(ctx, sessionID, userID, role)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	if p.Role != role {
		return nil, m.fail(ctx, actor, op, sessionID, types.NewConflict(types.CodeDuplicate, "user already participates with another role").
			WithDetail("role", p.Role))
	}
	m.audit(actor, op, sessionID, map[string]interface{}{"user_id": userID, "role": role})
	return p, nil
}

// ScheduleSession sets the appointment time, moving DRAFT to SCHEDULED. A
// SCHEDULED session is rescheduled in place.
func (m *Manager) ScheduleSession(ctx context.Context, actor types.Actor, sessionID string, at time.Time, expectedVersion int64) (*types.SessionResult, error) {
	const op = "schedule_session"
	s, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	if !isOwnerOrAdmin(actor, s) {
		return nil, m.fail(ctx, actor, op, sessionID, errNotOwner())
	}
	if !at.After(m.clock.Now()) {
		return nil, m.fail(ctx, actor, op, sessionID, types.NewValidation("scheduled time must be in the future"))
	}
	if s.Version != expectedVersion {
		m.metrics.RecordConflict(op)
		return nil, m.fail(ctx, actor, op, sessionID, types.NewConflict(types.CodeVersionConflict, "session was modified, refresh and retry"))
	}
	if s.Status != types.StatusDraft && s.Status != types.StatusScheduled {
		return nil, m.fail(ctx, actor, op, sessionID, errInvalidTransition(s.Status, types.StatusScheduled))
	}

	prev := s.Status
	next := s.Clone()
	next.Status = types.StatusScheduled
	next.ScheduledAt = types.TimePtr(at)
	next.UpdatedAt = m.clock.Now()
	if err := m.store.UpdateSessionIfVersion(ctx, next, expectedVersion); err != nil {
		if errors.Is(err, interfaces.ErrVersionConflict) {
			m.metrics.RecordConflict(op)
		}
		return nil, m.fail(ctx, actor, op, sessionID, interfaces.TranslateStoreError(err, "session", types.CodeSessionNotFound))
	}
	if prev != next.Status {
		m.transitioned(ctx, prev, next)
	}
	m.audit(actor, op, sessionID, map[string]interface{}{"scheduled_at": at})
	return &types.SessionResult{Session: next}, nil
}

// Admit is the explicit admission of a WAITING session. The version check
// comes first: a caller holding stale state always gets Conflict.
func (m *Manager) Admit(ctx context.Context, actor types.Actor, sessionID string, expectedVersion int64) (*types.SessionResult, error) {
	const op = "admit"
	s, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	if err := m.requirePrivileged(ctx, actor, s); err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	if s.Version != expectedVersion {
		m.metrics.RecordConflict(op)
		return nil, m.fail(ctx, actor, op, sessionID, types.NewConflict(types.CodeVersionConflict, "session was modified, refresh and retry").
			WithDetail("current_version", s.Version))
	}
	if s.Status != types.StatusWaiting {
		return nil, m.fail(ctx, actor, op, sessionID, errInvalidTransition(s.Status, types.StatusActive))
	}

	next := s.Clone()
	next.Status = types.StatusActive
	m.markStarted(next)
	next.UpdatedAt = m.clock.Now()
	if err := m.store.UpdateSessionIfVersion(ctx, next, expectedVersion); err != nil {
		if errors.Is(err, interfaces.ErrVersionConflict) {
			m.metrics.RecordConflict(op)
		}
		return nil, m.fail(ctx, actor, op, sessionID, interfaces.TranslateStoreError(err, "session", types.CodeSessionNotFound))
	}
	m.transitioned(ctx, s.Status, next)

	result := &types.SessionResult{Session: next}
	m.ensureRouter(ctx, sessionID, &result.Warnings)
	m.audit(actor, op, sessionID, map[string]interface{}{"version": next.Version})
	return result, nil
}

// EndSession completes the consultation: waiting entries are closed, media
// is torn down and every patient becomes eligible to rate.
func (m *Manager) EndSession(ctx context.Context, actor types.Actor, sessionID string) (*types.SessionResult, error) {
	const op = "end_session"
	s, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	if !isOwnerOrAdmin(actor, s) {
		return nil, m.fail(ctx, actor, op, sessionID, errNotOwner())
	}

	ended, _, err := m.update(ctx, sessionID, op, func(s *types.Session) error {
		if s.Status.IsTerminal() {
			return errSessionClosed()
		}
		s.Status = types.StatusCompleted
		s.ClosedAt = types.TimePtr(m.clock.Now())
		return nil
	})
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}

	result := &types.SessionResult{Session: ended}
	m.teardown(ctx, ended, &result.Warnings)
	_ = m.notifier.Broadcast(ctx, sessionID, types.EventSessionEnded, map[string]interface{}{
		"status":    ended.Status,
		"closed_at": ended.ClosedAt,
		"ended_by":  actor.UserID,
	})

	participants, err := m.store.ListParticipants(ctx, sessionID)
	if err != nil {
		m.warn(&result.Warnings, "rating eligibility", err)
	}
	for _, p := range participants {
		if p.Role == types.RolePatient {
			_ = m.notifier.ToUser(ctx, p.UserID, sessionID, types.EventRatingEligible, map[string]interface{}{"session_id": sessionID})
		}
	}
	m.audit(actor, op, sessionID, nil)
	return result, nil
}

// CancelSession is the administrative cancel of a non-terminal session.
func (m *Manager) CancelSession(ctx context.Context, actor types.Actor, sessionID, reason string) (*types.SessionResult, error) {
	const op = "cancel_session"
	if !actor.IsAdmin() {
		return nil, m.fail(ctx, actor, op, sessionID, types.NewForbidden(types.CodeRoleNotAllowed, "only administrators cancel sessions"))
	}
	cancelled, _, err := m.update(ctx, sessionID, op, func(s *types.Session) error {
		if s.Status.IsTerminal() {
			return errSessionClosed()
		}
		s.Status = types.StatusCancelled
		s.ClosedAt = types.TimePtr(m.clock.Now())
		s.CancelReason = reason
		return nil
	})
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}

	result := &types.SessionResult{Session: cancelled}
	m.teardown(ctx, cancelled, &result.Warnings)
	_ = m.notifier.Broadcast(ctx, sessionID, types.EventSessionEnded, map[string]interface{}{
		"status": cancelled.Status,
		"reason": reason,
	})
	m.audit(actor, op, sessionID, map[string]interface{}{"reason": reason})
	return result, nil
}

// teardown closes the queue and the media router of a closed session.
func (m *Manager) teardown(ctx context.Context, s *types.Session, w *types.Warnings) {
	closed, err := m.queue.CloseAll(ctx, s.ID)
	if err != nil {
		m.warn(w, "waiting room close", err)
	}
	for _, e := range closed {
		if _, err := m.store.UpdateParticipant(ctx, s.ID, e.UserID, func(p *types.Participant) error {
			p.InWaitingRoom = false
			return nil
		}); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			m.log.WithError(err).WithField("user_id", e.UserID).Warn("Failed to clear waiting flag")
		}
	}
	m.cleanupRouter(ctx, s.ID, w)
}

// RateSession records a patient's score for a completed consultation.
func (m *Manager) RateSession(ctx context.Context, actor types.Actor, sessionID string, score int, comment string) (*types.Rating, error) {
	const op = "rate_session"
	s, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	if s.Status != types.StatusCompleted {
		return nil, m.fail(ctx, actor, op, sessionID, types.NewInvalidState(types.CodeInvalidTransition, "only completed sessions can be rated"))
	}
	p, err := m.getParticipant(ctx, sessionID, actor.UserID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	if p.Role != types.RolePatient {
		return nil, m.fail(ctx, actor, op, sessionID, types.NewForbidden(types.CodeRoleNotAllowed, "only patients rate sessions"))
	}

	rating := &types.Rating{
		SessionID: sessionID,
		UserID:    actor.UserID,
		Score:     score,
		Comment:   strings.TrimSpace(comment),
		CreatedAt: m.clock.Now(),
	}
	if err := rating.Validate(); err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	if err := m.store.CreateRating(ctx, rating); err != nil {
		if errors.Is(err, interfaces.ErrDuplicate) {
			err = types.NewConflict(types.CodeAlreadyRated, "session already rated")
		}
		return nil, m.fail(ctx, actor, op, sessionID, interfaces.TranslateStoreError(err, "rating", types.CodeSessionNotFound))
	}
	m.audit(actor, op, sessionID, map[string]interface{}{"score": score})
	return rating, nil
}

// Snapshot returns the status read model of a session.
func (m *Manager) Snapshot(ctx context.Context, actor types.Actor, sessionID string) (*types.StatusSnapshot, error) {
	const op = "snapshot"
	s, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	if !isOwnerOrAdmin(actor, s) {
		if _, err := m.getParticipant(ctx, sessionID, actor.UserID); err != nil {
			return nil, m.fail(ctx, actor, op, sessionID, err)
		}
	}

	participants, err := m.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, interfaces.TranslateStoreError(err, "participant", types.CodeParticipantNotFound))
	}
	waiting, err := m.queue.List(ctx, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}

	snap := &types.StatusSnapshot{
		Session:      s,
		Participants: participants,
		WaitingRoom:  waiting,
	}
	for _, p := range participants {
		if p.IsActive && p.Role == types.RolePractitioner {
			snap.ActivePractitioner = p.UserID
		}
	}
	if m.presence != nil {
		snap.OnlineCount = m.presence.OnlineCount(sessionID)
	}
	return snap, nil
}

func (m *Manager) ensureParticipant(ctx context.Context, sessionID, userID string, role types.Role) (*types.Participant, error) {
	p, created, err := m.store.EnsureParticipant(ctx, &types.Participant{SessionID: sessionID, UserID: userID, Role: role})
	if err != nil {
		return nil, interfaces.TranslateStoreError(err, "participant", types.CodeParticipantNotFound)
	}
	if created {
		m.log.WithFields(logrus.Fields{"session_id": sessionID, "user_id": userID, "role": role}).Debug("Participant added")
	}
	return p, nil
}

func isOwnerOrAdmin(actor types.Actor, s *types.Session) bool {
	return actor.IsAdmin() || (s.OwnerID != "" && actor.UserID == s.OwnerID)
}

// requirePrivileged allows admins, the system, the owner and privileged
// participants of the session.
func (m *Manager) requirePrivileged(ctx context.Context, actor types.Actor, s *types.Session) error {
	if actor.System || isOwnerOrAdmin(actor, s) {
		return nil
	}
	p, err := m.getParticipant(ctx, s.ID, actor.UserID)
	if err != nil {
		return err
	}
	if !p.Role.IsPrivileged() {
		return types.NewForbidden(types.CodeRoleNotAllowed, "a practitioner role is required")
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
