package session

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/types"
)

// AdmitPatient moves one waiting patient into the consultation. The actor
// must be privileged in the session, an admin or the system.
func (m *Manager) AdmitPatient(ctx context.Context, actor types.Actor, sessionID, patientID string) (*types.AdmitResult, error) {
	const op = "admit_patient"
	s, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	if s.Status.IsTerminal() {
		return nil, m.fail(ctx, actor, op, sessionID, errSessionClosed())
	}
	if err := m.requirePrivileged(ctx, actor, s); err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}

	entry, remaining, err := m.queue.Admit(ctx, sessionID, patientID, actor.UserID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	result := &types.AdmitResult{Session: s, Entry: entry}

	p, err := m.store.UpdateParticipant(ctx, sessionID, patientID, func(row *types.Participant) error {
		row.InWaitingRoom = false
		row.AdmittedAt = entry.AdmittedAt
		row.AdmittedBy = actor.UserID
		return nil
	})
	if err != nil {
		m.warn(&result.Warnings, "participant admission", interfaces.TranslateStoreError(err, "participant", types.CodeParticipantNotFound))
	}
	result.Participant = p

	next, _, err := m.autoTransition(ctx, sessionID, types.StatusActive, toActiveByAdmit, m.markStarted)
	if err != nil {
		m.warn(&result.Warnings, "session activation", err)
	} else {
		result.Session = next
	}
	m.ensureRouter(ctx, sessionID, &result.Warnings)

	_ = m.notifier.ToUser(ctx, patientID, sessionID, types.EventPatientAdmitted, map[string]interface{}{
		"session_id":  sessionID,
		"admitted_by": actor.UserID,
	})
	m.announceQueue(ctx, sessionID, remaining)

	m.audit(actor, op, sessionID, map[string]interface{}{"patient_id": patientID, "remaining": len(remaining)})
	return result, nil
}

// AdmitAllWaiting admits every waiting patient in queue order. Entries that
// changed underneath are skipped.
func (m *Manager) AdmitAllWaiting(ctx context.Context, actor types.Actor, sessionID string) ([]*types.AdmitResult, error) {
	waiting, err := m.queue.List(ctx, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, "admit_all", sessionID, err)
	}
	var admitted []*types.AdmitResult
	for _, e := range waiting {
		result, err := m.AdmitPatient(ctx, actor, sessionID, e.UserID)
		if err != nil {
			switch types.KindOf(err) {
			case types.KindConflict, types.KindInvalidState, types.KindNotFound:
				continue
			}
			return admitted, err
		}
		admitted = append(admitted, result)
	}
	if len(admitted) > 0 {
		m.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"admitted":   len(admitted),
			"actor":      actor.UserID,
		}).Info("Admitted waiting patients")
	}
	return admitted, nil
}

// EnterWaitingRoom queues a patient explicitly, outside of a join.
func (m *Manager) EnterWaitingRoom(ctx context.Context, actor types.Actor, sessionID string) (*types.JoinResult, error) {
	const op = "enter_waiting_room"
	s, p, err := m.patientContext(ctx, actor, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	if p.AdmittedAt != nil {
		return nil, m.fail(ctx, actor, op, sessionID, types.NewInvalidState(types.CodeNotWaiting, "patient was already admitted"))
	}
	result := &types.JoinResult{Session: s, Participant: p}
	if err := m.queuePatient(ctx, s, p, result); err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	return result, nil
}

// LeaveWaitingRoom removes the patient from the queue and re-ranks it.
func (m *Manager) LeaveWaitingRoom(ctx context.Context, actor types.Actor, sessionID string) (*types.WaitingRoomEntry, error) {
	const op = "leave_waiting_room"
	s, _, err := m.patientContext(ctx, actor, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	entry, remaining, err := m.queue.Leave(ctx, s.ID, actor.UserID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	if _, err := m.store.UpdateParticipant(ctx, s.ID, actor.UserID, func(row *types.Participant) error {
		row.InWaitingRoom = false
		return nil
	}); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		m.log.WithError(err).WithField("user_id", actor.UserID).Warn("Failed to clear waiting flag")
	}

	_ = m.notifier.Broadcast(ctx, s.ID, types.EventPatientLeft, map[string]interface{}{
		"user_id": actor.UserID,
		"reason":  "left_waiting_room",
	})
	m.announceQueue(ctx, s.ID, remaining)
	return entry, nil
}

// ListWaitingRoom returns the queue to privileged viewers.
func (m *Manager) ListWaitingRoom(ctx context.Context, actor types.Actor, sessionID string) ([]*types.WaitingRoomEntry, error) {
	const op = "list_waiting_room"
	s, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	if err := m.requirePrivileged(ctx, actor, s); err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	list, err := m.queue.List(ctx, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	return list, nil
}

// WaitingRoomStats summarizes the queue for privileged viewers.
func (m *Manager) WaitingRoomStats(ctx context.Context, actor types.Actor, sessionID string) (*types.WaitingRoomStats, error) {
	const op = "waiting_room_stats"
	s, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	if err := m.requirePrivileged(ctx, actor, s); err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	stats, err := m.queue.Stats(ctx, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	return stats, nil
}

// patientContext loads the session and the actor's patient-side membership
// for waiting-room operations.
func (m *Manager) patientContext(ctx context.Context, actor types.Actor, sessionID string) (*types.Session, *types.Participant, error) {
	s, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if s.Status.IsTerminal() {
		return nil, nil, errSessionClosed()
	}
	if !s.WaitingRoomEnabled {
		return nil, nil, types.NewInvalidState(types.CodeWaitingRoomDisabled, "session has no waiting room")
	}
	p, err := m.getParticipant(ctx, sessionID, actor.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !p.Role.IsPatientSide() {
		return nil, nil, types.NewForbidden(types.CodeRoleNotAllowed, "only patients use the waiting room")
	}
	return s, p, nil
}

// announceQueue tells the session the queue changed and every remaining
// patient their new position.
func (m *Manager) announceQueue(ctx context.Context, sessionID string, remaining []*types.WaitingRoomEntry) {
	_ = m.notifier.Broadcast(ctx, sessionID, types.EventWaitingRoomUpdated, map[string]interface{}{
		"waiting": len(remaining),
	})
	for _, e := range remaining {
		_ = m.notifier.ToUser(ctx, e.UserID, sessionID, types.EventQueuePosition, queuePayload(e))
	}
}
