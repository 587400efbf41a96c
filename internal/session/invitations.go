package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"teleconsult/pkg/types"
)

// CreateInvitation issues an invitation and hands it to delivery. A delivery
// failure leaves the invitation in place and is reported as a warning.
func (m *Manager) CreateInvitation(ctx context.Context, actor types.Actor, req types.CreateInvitationRequest) (*types.InvitationResult, error) {
	const op = "create_invitation"
	s, err := m.getSession(ctx, req.SessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, req.SessionID, err)
	}
	if err := m.requirePrivileged(ctx, actor, s); err != nil {
		return nil, m.fail(ctx, actor, op, req.SessionID, err)
	}
	inv, err := m.invitations.Create(ctx, actor.UserID, req)
	if err != nil {
		return nil, m.fail(ctx, actor, op, req.SessionID, err)
	}

	result := &types.InvitationResult{Invitation: inv, Session: s}
	if m.delivery != nil {
		args := map[string]interface{}{
			"token":      inv.Token,
			"session_id": s.ID,
			"join_url":   m.JoinURL(inv.Token),
			"role":       inv.Role,
		}
		if s.ScheduledAt != nil {
			args["scheduled_at"] = s.ScheduledAt.Format(time.RFC3339)
		}
		if err := m.delivery.Send(ctx, types.DeliveryInvitation, inv.InviteEmail, args); err != nil {
			m.warn(&result.Warnings, "invitation delivery", err)
		}
	}

	m.audit(actor, op, s.ID, map[string]interface{}{"role": inv.Role})
	return result, nil
}

// ListInvitations returns the invitations of a session to privileged viewers.
func (m *Manager) ListInvitations(ctx context.Context, actor types.Actor, sessionID string) ([]*types.Invitation, error) {
	const op = "list_invitations"
	s, err := m.getSession(ctx, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	if err := m.requirePrivileged(ctx, actor, s); err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	list, err := m.invitations.ListForSession(ctx, sessionID)
	if err != nil {
		return nil, m.fail(ctx, actor, op, sessionID, err)
	}
	return list, nil
}

// RevokeInvitation withdraws a pending invitation. The inviter, the owner,
// privileged participants and admins may revoke.
func (m *Manager) RevokeInvitation(ctx context.Context, actor types.Actor, token, reason string) (*types.Invitation, error) {
	const op = "revoke_invitation"
	inv, err := m.invitations.Get(ctx, token)
	if err != nil {
		return nil, m.fail(ctx, actor, op, "", err)
	}
	if inv.CreatedBy != actor.UserID {
		s, err := m.getSession(ctx, inv.SessionID)
		if err != nil {
			return nil, m.fail(ctx, actor, op, inv.SessionID, err)
		}
		if err := m.requirePrivileged(ctx, actor, s); err != nil {
			return nil, m.fail(ctx, actor, op, inv.SessionID, err)
		}
	}
	revoked, err := m.invitations.Revoke(ctx, token, reason)
	if err != nil {
		return nil, m.fail(ctx, actor, op, inv.SessionID, err)
	}
	m.audit(actor, op, inv.SessionID, map[string]interface{}{"reason": revoked.RevokeReason})
	return revoked, nil
}

// ValidateInvitation is a token-authenticated read. It may write EXPIRED.
func (m *Manager) ValidateInvitation(ctx context.Context, token string) (*types.InvitationResult, error) {
	inv, s, err := m.invitations.Validate(ctx, token)
	if err != nil {
		return nil, m.fail(ctx, tokenActor(), "validate_invitation", "", err)
	}
	return &types.InvitationResult{Invitation: inv, Session: s}, nil
}

// AcknowledgeInvitation records that the invitee opened the link.
func (m *Manager) AcknowledgeInvitation(ctx context.Context, token string) (*types.InvitationResult, error) {
	inv, s, err := m.invitations.Acknowledge(ctx, token)
	if err != nil {
		return nil, m.fail(ctx, tokenActor(), "acknowledge_invitation", "", err)
	}
	return &types.InvitationResult{Invitation: inv, Session: s}, nil
}

// CompleteDeviceTest submits a pre-join device check for the token.
func (m *Manager) CompleteDeviceTest(ctx context.Context, token string, result types.DeviceTestResult) (*types.DeviceTestOutcome, error) {
	outcome, err := m.invitations.CompleteDeviceTest(ctx, token, result)
	if err != nil {
		return nil, m.fail(ctx, tokenActor(), "device_test", "", err)
	}
	return outcome, nil
}

// AcceptInvitation redeems the token for the actor and makes them a
// participant with the invited role.
func (m *Manager) AcceptInvitation(ctx context.Context, actor types.Actor, token string) (*types.InvitationResult, error) {
	const op = "accept_invitation"
	var p *types.Participant
	inv, s, err := m.invitations.Accept(ctx, token, actor.UserID, func(inv *types.Invitation, s *types.Session) error {
		var err error
		p, err = m.ensureParticipant(ctx, s.ID, actor.UserID, inv.Role)
		return err
	})
	if err != nil {
		return nil, m.fail(ctx, actor, op, "", err)
	}
	result := &types.InvitationResult{Invitation: inv, Session: s, Participant: p}
	if p.Role != inv.Role {
		result.Warnings.Add("user already participates with role " + string(p.Role))
	}

	if s.OwnerID != "" {
		_ = m.notifier.ToUser(ctx, s.OwnerID, s.ID, types.EventInvitationAccepted, map[string]interface{}{
			"user_id": actor.UserID,
			"role":    p.Role,
		})
	}
	m.log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"user_id":    actor.UserID,
		"role":       p.Role,
	}).Info("Invitation accepted")
	m.audit(actor, op, s.ID, nil)
	return result, nil
}

// RejectInvitation lets the invitee decline.
func (m *Manager) RejectInvitation(ctx context.Context, actor types.Actor, token string) (*types.Invitation, error) {
	inv, err := m.invitations.Reject(ctx, token, actor.UserID)
	if err != nil {
		return nil, m.fail(ctx, actor, "reject_invitation", "", err)
	}
	m.audit(actor, "reject_invitation", inv.SessionID, nil)
	return inv, nil
}

// tokenActor stands in for callers authenticated only by an invitation token.
func tokenActor() types.Actor {
	return types.Actor{UserID: "token", Role: types.RoleGuest}
}
