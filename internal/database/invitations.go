package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/types"
)

const invitationColumns = `token, session_id, invite_email, role, status, version, created_by, created_at,
	expires_at, used_at, invited_user_id, acknowledged_at, device_test_attempts, final_reminder_sent_at,
	revoked_at, revoke_reason`

// CreateInvitation inserts a new invitation
func (m *Manager) CreateInvitation(ctx context.Context, inv *types.Invitation) error {
	if inv.Version == 0 {
		inv.Version = 1
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO invitations (`+invitationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inv.Token,
			inv.SessionID,
			inv.InviteEmail,
			string(inv.Role),
			string(inv.Status),
			inv.Version,
			inv.CreatedBy,
			inv.CreatedAt.UTC(),
			inv.ExpiresAt.UTC(),
			nullTime(inv.UsedAt),
			inv.InvitedUserID,
			nullTime(inv.AcknowledgedAt),
			inv.DeviceTestAttempts,
			nullTime(inv.FinalReminderSentAt),
			nullTime(inv.RevokedAt),
			inv.RevokeReason,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrDuplicate
			}
			return fmt.Errorf("failed to insert invitation: %w", err)
		}
		return nil
	})
}

// GetInvitation retrieves an invitation by token
func (m *Manager) GetInvitation(ctx context.Context, token string) (*types.Invitation, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE token = ?`, token)
	inv, err := scanInvitation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query invitation: %w", err)
	}
	return inv, nil
}

// UpdateInvitationIfVersion writes inv while its stored version equals expectedVersion
func (m *Manager) UpdateInvitationIfVersion(ctx context.Context, inv *types.Invitation, expectedVersion int64) error {
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE invitations SET
				invite_email = ?, role = ?, status = ?, version = version + 1, expires_at = ?, used_at = ?,
				invited_user_id = ?, acknowledged_at = ?, device_test_attempts = ?, final_reminder_sent_at = ?,
				revoked_at = ?, revoke_reason = ?
			WHERE token = ? AND version = ?`,
			inv.InviteEmail,
			string(inv.Role),
			string(inv.Status),
			inv.ExpiresAt.UTC(),
			nullTime(inv.UsedAt),
			inv.InvitedUserID,
			nullTime(inv.AcknowledgedAt),
			inv.DeviceTestAttempts,
			nullTime(inv.FinalReminderSentAt),
			nullTime(inv.RevokedAt),
			inv.RevokeReason,
			inv.Token,
			expectedVersion,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrDuplicate
			}
			return fmt.Errorf("failed to update invitation: %w", err)
		}
		return checkAffected(ctx, db, res, "SELECT COUNT(*) FROM invitations WHERE token = ?", inv.Token, interfaces.ErrVersionConflict)
	})
	if err != nil {
		return err
	}
	inv.Version = expectedVersion + 1
	return nil
}

// ListInvitations returns the invitations of a session, oldest first
func (m *Manager) ListInvitations(ctx context.Context, sessionID string) ([]*types.Invitation, error) {
	return m.queryInvitations(ctx, `SELECT `+invitationColumns+` FROM invitations
		WHERE session_id = ? ORDER BY created_at ASC, token ASC`, sessionID)
}

// ListPendingInvitationsExpiringBefore returns PENDING invitations whose expiry is before cutoff
func (m *Manager) ListPendingInvitationsExpiringBefore(ctx context.Context, cutoff time.Time) ([]*types.Invitation, error) {
	return m.queryInvitations(ctx, `SELECT `+invitationColumns+` FROM invitations
		WHERE status = ? AND expires_at < ? ORDER BY expires_at ASC`, string(types.InvitationPending), cutoff.UTC())
}

func (m *Manager) queryInvitations(ctx context.Context, query string, args ...interface{}) ([]*types.Invitation, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invitations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var invitations []*types.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invitation row: %w", err)
		}
		invitations = append(invitations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invitation rows: %w", err)
	}
	return invitations, nil
}

func scanInvitation(row scanner) (*types.Invitation, error) {
	var (
		inv                                   types.Invitation
		role, status                          string
		used, acknowledged, reminded, revoked sql.NullTime
	)
	err := row.Scan(
		&inv.Token,
		&inv.SessionID,
		&inv.InviteEmail,
		&role,
		&status,
		&inv.Version,
		&inv.CreatedBy,
		&inv.CreatedAt,
		&inv.ExpiresAt,
		&used,
		&inv.InvitedUserID,
		&acknowledged,
		&inv.DeviceTestAttempts,
		&reminded,
		&revoked,
		&inv.RevokeReason,
	)
	if err != nil {
		return nil, err
	}
	inv.Role = types.Role(role)
	inv.Status = types.InvitationStatus(status)
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.ExpiresAt = inv.ExpiresAt.UTC()
	inv.UsedAt = timePtr(used)
	inv.AcknowledgedAt = timePtr(acknowledged)
	inv.FinalReminderSentAt = timePtr(reminded)
	inv.RevokedAt = timePtr(revoked)
	return &inv, nil
}
