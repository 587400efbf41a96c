package session

import (
	"context"

	"github.com/sirupsen/logrus"

	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/types"
)

var (
	toWaiting        = []types.SessionStatus{types.StatusDraft, types.StatusScheduled}
	toActive         = []types.SessionStatus{types.StatusScheduled, types.StatusWaiting, types.StatusTerminatedOpen}
	toActiveByAdmit  = []types.SessionStatus{types.StatusScheduled, types.StatusWaiting}
	toTerminatedOpen = []types.SessionStatus{types.StatusActive}
	toScheduled      = []types.SessionStatus{types.StatusWaiting}
)

// JoinAsPatient binds a patient or guest connection to the session. With the
// waiting room enabled a not yet admitted patient is queued and the
// practitioners are told.
func (m *Manager) JoinAsPatient(ctx context.Context, req types.JoinRequest) (*types.JoinResult, error) {
	const op = "join_as_patient"
	actor := types.Actor{UserID: req.UserID, Role: req.Role}
	if err := req.Validate(); err != nil {
		return nil, m.fail(ctx, actor, op, req.SessionID, err)
	}
	s, err := m.getSession(ctx, req.SessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, req.SessionID, err)
	}
	if s.Status.IsTerminal() {
		return nil, m.fail(ctx, actor, op, req.SessionID, errSessionClosed())
	}
	member, err := m.getParticipant(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, req.SessionID, err)
	}
	if !member.Role.IsPatientSide() {
		return nil, m.fail(ctx, actor, op, req.SessionID, types.NewForbidden(types.CodeRoleNotAllowed, "join as practitioner instead"))
	}
	req.Role = member.Role

	p, replaced, err := m.presence.Connect(ctx, req)
	if err != nil {
		return nil, m.fail(ctx, actor, op, req.SessionID, err)
	}
	result := &types.JoinResult{Session: s, Participant: p, Replaced: replaced}

	if s.WaitingRoomEnabled && p.AdmittedAt == nil {
		if err := m.queuePatient(ctx, s, p, result); err != nil {
			return nil, m.fail(ctx, actor, op, req.SessionID, err)
		}
		return result, nil
	}

	_ = m.notifier.Broadcast(ctx, s.ID, types.EventParticipantJoined, map[string]interface{}{
		"user_id": p.UserID,
		"role":    p.Role,
	})
	return result, nil
}

// queuePatient places p in the waiting room and runs everything that follows
// from it: the WAITING transition, practitioner alerts and auto-admission.
func (m *Manager) queuePatient(ctx context.Context, s *types.Session, p *types.Participant, result *types.JoinResult) error {
	if _, err := m.queue.RecoverOrphans(ctx, s.ID); err != nil {
		m.log.WithError(err).WithField("session_id", s.ID).Warn("Orphan recovery failed")
	}
	entry, created, err := m.queue.Enter(ctx, s.ID, p.UserID)
	if err != nil {
		return err
	}
	result.WaitingEntry = entry

	updated, err := m.store.UpdateParticipant(ctx, s.ID, p.UserID, func(row *types.Participant) error {
		row.InWaitingRoom = true
		row.WaitingRoomEnteredAt = types.TimePtr(entry.EnteredAt)
		return nil
	})
	if err != nil {
		return interfaces.TranslateStoreError(err, "participant", types.CodeParticipantNotFound)
	}
	result.Participant = updated

	if next, _, err := m.autoTransition(ctx, s.ID, types.StatusWaiting, toWaiting, nil); err != nil {
		m.log.WithError(err).WithField("session_id", s.ID).Warn("Waiting transition failed")
	} else {
		result.Session = next
	}

	m.alertPractitioners(ctx, result.Session, updated, entry, created)
	_ = m.notifier.ToUser(ctx, p.UserID, s.ID, types.EventQueuePosition, queuePayload(entry))

	if result.Session.AutoAdmitPatients && m.hasActivePractitioner(ctx, s.ID) {
		admitted, err := m.AdmitPatient(ctx, types.SystemActor("auto-admit"), s.ID, p.UserID)
		if err != nil {
			m.log.WithError(err).WithField("user_id", p.UserID).Warn("Auto-admission failed")
			return nil
		}
		result.Session = admitted.Session
		result.Participant = admitted.Participant
		result.WaitingEntry = admitted.Entry
		result.Warnings = append(result.Warnings, admitted.Warnings...)
	}
	return nil
}

// alertPractitioners sends the focused and the generic waiting notices to
// the owner and every active privileged participant. Both are debounced.
func (m *Manager) alertPractitioners(ctx context.Context, s *types.Session, p *types.Participant, entry *types.WaitingRoomEntry, fresh bool) {
	targets := make(map[string]bool)
	if s.OwnerID != "" {
		targets[s.OwnerID] = true
	}
	active, err := m.activePrivileged(ctx, s.ID, "")
	if err != nil {
		m.log.WithError(err).WithField("session_id", s.ID).Warn("Failed to list practitioners")
	}
	for _, a := range active {
		targets[a.UserID] = true
	}

	waiting, err := m.queue.List(ctx, s.ID)
	if err != nil {
		m.log.WithError(err).WithField("session_id", s.ID).Warn("Failed to list waiting room")
	}
	for practitioner := range targets {
		_, _ = m.notifier.PatientJoined(ctx, s.ID, practitioner, map[string]interface{}{
			"user_id":        p.UserID,
			"role":           p.Role,
			"queue_position": entry.QueuePosition,
			"new_entry":      fresh,
		})
		_, _ = m.notifier.PatientWaiting(ctx, s.ID, practitioner, map[string]interface{}{
			"waiting": len(waiting),
		})
	}
}

// JoinAsPractitioner binds a practitioner, expert or admin connection. A
// practitioner must own the session or claims it when unassigned; an expert
// must have been invited. A practitioner join starts the consultation.
func (m *Manager) JoinAsPractitioner(ctx context.Context, req types.JoinRequest) (*types.JoinResult, error) {
	const op = "join_as_practitioner"
	actor := types.Actor{UserID: req.UserID, Role: req.Role}
	if err := req.Validate(); err != nil {
		return nil, m.fail(ctx, actor, op, req.SessionID, err)
	}
	if !req.Role.IsPrivileged() && req.Role != types.RoleAdmin {
		return nil, m.fail(ctx, actor, op, req.SessionID, types.NewForbidden(types.CodeRoleNotAllowed, "join as patient instead"))
	}
	s, err := m.getSession(ctx, req.SessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, req.SessionID, err)
	}
	if s.Status.IsTerminal() {
		return nil, m.fail(ctx, actor, op, req.SessionID, errSessionClosed())
	}

	switch req.Role {
	case types.RolePractitioner:
		if s.OwnerID == "" {
			claimed, _, err := m.update(ctx, s.ID, "claim", func(next *types.Session) error {
				if next.OwnerID != "" && next.OwnerID != req.UserID {
					return errNotOwner()
				}
				if next.OwnerID == req.UserID {
					return errSkipped
				}
				next.OwnerID = req.UserID
				return nil
			})
			if err != nil {
				return nil, m.fail(ctx, actor, op, req.SessionID, err)
			}
			s = claimed
			m.audit(actor, "claim_session", s.ID, nil)
		}
		if s.OwnerID != req.UserID {
			return nil, m.fail(ctx, actor, op, req.SessionID, errNotOwner())
		}
		if _, err := m.ensureParticipant(ctx, s.ID, req.UserID, types.RolePractitioner); err != nil {
			return nil, m.fail(ctx, actor, op, req.SessionID, err)
		}
	case types.RoleExpert:
		member, err := m.getParticipant(ctx, s.ID, req.UserID)
		if err != nil {
			return nil, m.fail(ctx, actor, op, req.SessionID, err)
		}
		if member.Role != types.RoleExpert {
			return nil, m.fail(ctx, actor, op, req.SessionID, types.NewForbidden(types.CodeRoleNotAllowed, "user was not invited as an expert"))
		}
	case types.RoleAdmin:
		if _, err := m.ensureParticipant(ctx, s.ID, req.UserID, types.RoleAdmin); err != nil {
			return nil, m.fail(ctx, actor, op, req.SessionID, err)
		}
	}

	p, replaced, err := m.presence.Connect(ctx, req)
	if err != nil {
		return nil, m.fail(ctx, actor, op, req.SessionID, err)
	}
	result := &types.JoinResult{Session: s, Participant: p, Replaced: replaced}

	if req.Role == types.RolePractitioner {
		next, _, err := m.autoTransition(ctx, s.ID, types.StatusActive, toActive, m.markStarted)
		if err != nil {
			return nil, m.fail(ctx, actor, op, req.SessionID, err)
		}
		result.Session = next
	}
	if result.Session.Status == types.StatusActive {
		m.ensureRouter(ctx, s.ID, &result.Warnings)
	}

	_ = m.notifier.Broadcast(ctx, s.ID, types.EventPractitionerJoined, map[string]interface{}{
		"user_id": p.UserID,
		"role":    p.Role,
	})

	if req.Role == types.RolePractitioner && result.Session.AutoAdmitPatients {
		admitted, err := m.AdmitAllWaiting(ctx, types.SystemActor("auto-admit"), s.ID)
		if err != nil {
			m.warn(&result.Warnings, "auto-admission", err)
		}
		if n := len(admitted); n > 0 {
			result.Session = admitted[n-1].Session
		}
	}
	return result, nil
}

// Heartbeat forwards a liveness beat with an optional quality score.
func (m *Manager) Heartbeat(ctx context.Context, connID string, quality *float64) error {
	return m.presence.Heartbeat(ctx, connID, quality)
}

// Disconnect releases a connection. The resulting state transitions run in
// ParticipantInactive.
func (m *Manager) Disconnect(ctx context.Context, connID, reason string) bool {
	return m.presence.Disconnect(ctx, connID, reason)
}

// ParticipantInactive applies the presence-driven transitions once a
// participant has no live connection left.
func (m *Manager) ParticipantInactive(ctx context.Context, info types.PresenceInfo, reason string) {
	fields := logrus.Fields{
		"session_id": info.SessionID,
		"user_id":    info.UserID,
		"role":       info.Role,
		"reason":     reason,
	}

	switch {
	case info.Role.IsPrivileged():
		_ = m.notifier.Broadcast(ctx, info.SessionID, types.EventPractitionerLeft, map[string]interface{}{
			"user_id": info.UserID,
			"role":    info.Role,
			"reason":  reason,
		})
		others, err := m.activePrivileged(ctx, info.SessionID, info.UserID)
		if err != nil {
			m.log.WithError(err).WithFields(fields).Warn("Failed to check remaining practitioners")
			return
		}
		if len(others) > 0 {
			return
		}
		_, transitioned, err := m.autoTransition(ctx, info.SessionID, types.StatusTerminatedOpen, toTerminatedOpen, nil)
		if err != nil {
			m.log.WithError(err).WithFields(fields).Warn("Open termination failed")
			return
		}
		if transitioned {
			// cleanup follows the transition, so concurrent disconnects run it once
			m.cleanupRouter(ctx, info.SessionID, nil)
		}

	case info.Role.IsPatientSide():
		_ = m.notifier.Broadcast(ctx, info.SessionID, types.EventPatientLeft, map[string]interface{}{
			"user_id": info.UserID,
			"reason":  reason,
		})
		remaining, err := m.hasActivePatient(ctx, info.SessionID, info.UserID)
		if err != nil {
			m.log.WithError(err).WithFields(fields).Warn("Failed to check remaining patients")
			return
		}
		if remaining {
			return
		}
		if _, _, err := m.autoTransition(ctx, info.SessionID, types.StatusScheduled, toScheduled, nil); err != nil {
			m.log.WithError(err).WithFields(fields).Warn("Return to scheduled failed")
		}
	}
}

func queuePayload(e *types.WaitingRoomEntry) map[string]interface{} {
	return map[string]interface{}{
		"queue_position":         e.QueuePosition,
		"estimated_wait_minutes": e.EstimatedWaitMinutes,
	}
}
