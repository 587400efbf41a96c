package session

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"teleconsult/pkg/types"
)

// errSkipped aborts an automatic transition whose precondition no longer holds.
var errSkipped = errors.New("transition precondition no longer holds")

func errSessionClosed() error {
	return types.NewInvalidState(types.CodeSessionClosed, "session is closed")
}

func errNotOwner() error {
	return types.NewForbidden(types.CodeNotOwner, "only the session owner or an administrator may do this")
}

func errInvalidTransition(from, to types.SessionStatus) error {
	return types.NewInvalidState(types.CodeInvalidTransition, "transition is not allowed").
		WithDetail("from", from).
		WithDetail("to", to)
}

// fail logs err at the severity its kind calls for and returns it unchanged.
// Conflict and Expired are expected; InvalidState and Forbidden are audited
// with the actor.
func (m *Manager) fail(ctx context.Context, actor types.Actor, operation, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	entry := m.logger.WithContext(ctx).WithFields(logrus.Fields{
		"component":  "session",
		"operation":  operation,
		"session_id": sessionID,
		"actor":      actor.UserID,
		"actor_role": actor.Role,
		"code":       types.CodeOf(err),
	})
	switch types.KindOf(err) {
	case types.KindConflict, types.KindExpired, types.KindNotFound, types.KindValidationFailed:
		entry.WithError(err).Debug("Operation rejected")
	case types.KindInvalidState, types.KindForbidden:
		entry.WithError(err).Warn("Operation refused")
		m.logger.Audit(actor.UserID, operation, sessionID, false, map[string]interface{}{"code": types.CodeOf(err)})
	default:
		entry.WithError(err).Error("Operation failed")
	}
	return err
}

func (m *Manager) audit(actor types.Actor, operation, sessionID string, details map[string]interface{}) {
	m.logger.Audit(actor.UserID, operation, sessionID, true, details)
}
