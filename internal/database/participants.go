package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/types"
)

const participantColumns = `session_id, user_id, role, is_active, in_waiting_room, joined_at,
	waiting_room_entered_at, admitted_at, admitted_by, last_active_at, connection_quality_score`

// EnsureParticipant inserts p when (session, user) is unknown
func (m *Manager) EnsureParticipant(ctx context.Context, p *types.Participant) (*types.Participant, bool, error) {
	var (
		stored  *types.Participant
		created bool
	)
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		return withTx(ctx, db, func(tx *sql.Tx) error {
			existing, err := getParticipant(ctx, tx, p.SessionID, p.UserID)
			if err == nil {
				stored, created = existing, false
				return nil
			}
			if !errors.Is(err, interfaces.ErrNotFound) {
				return err
			}
			if err := insertParticipant(ctx, tx, p); err != nil {
				return err
			}
			stored, created = p.Clone(), true
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// ActivateParticipant marks the participant active, guarding exclusive roles
// ARCHITECTURAL DISCOVERY: the occupancy check and the write share one transaction
// on the single writer; the partial unique index backs it up at the schema level
func (m *Manager) ActivateParticipant(ctx context.Context, p *types.Participant, exclusive bool) (*types.Participant, error) {
	var stored *types.Participant
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		return withTx(ctx, db, func(tx *sql.Tx) error {
			existing, err := getParticipant(ctx, tx, p.SessionID, p.UserID)
			if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
				return err
			}

			role := p.Role
			if existing != nil {
				role = existing.Role
			}
			if exclusive {
				var occupant string
				err := tx.QueryRowContext(ctx, `
					SELECT user_id FROM participants
					WHERE session_id = ? AND role = ? AND is_active = 1 AND user_id <> ?
					LIMIT 1`, p.SessionID, string(role), p.UserID).Scan(&occupant)
				if err == nil {
					return interfaces.ErrRoleOccupied
				}
				if !errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("failed to check role occupancy: %w", err)
				}
			}

			next := p.Clone()
			if existing != nil {
				next = existing.Clone()
				next.LastActiveAt = p.LastActiveAt
				if next.JoinedAt == nil {
					next.JoinedAt = p.JoinedAt
				}
			}
			next.IsActive = true

			if existing == nil {
				err = insertParticipant(ctx, tx, next)
			} else {
				err = writeParticipant(ctx, tx, next)
			}
			if err != nil {
				if isUniqueViolation(err) {
					return interfaces.ErrRoleOccupied
				}
				return err
			}
			stored = next
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// UpdateParticipant applies mutate to the stored row in one transaction
func (m *Manager) UpdateParticipant(ctx context.Context, sessionID, userID string, mutate func(*types.Participant) error) (*types.Participant, error) {
	var stored *types.Participant
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		return withTx(ctx, db, func(tx *sql.Tx) error {
			existing, err := getParticipant(ctx, tx, sessionID, userID)
			if err != nil {
				return err
			}
			if err := mutate(existing); err != nil {
				return err
			}
			existing.SessionID, existing.UserID = sessionID, userID
			if err := writeParticipant(ctx, tx, existing); err != nil {
				if isUniqueViolation(err) {
					return interfaces.ErrRoleOccupied
				}
				return err
			}
			stored = existing
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// GetParticipant retrieves one membership
func (m *Manager) GetParticipant(ctx context.Context, sessionID, userID string) (*types.Participant, error) {
	return getParticipant(ctx, m.db, sessionID, userID)
}

// ListParticipants returns every membership of a session ordered by user
func (m *Manager) ListParticipants(ctx context.Context, sessionID string) ([]*types.Participant, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE session_id = ? ORDER BY user_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var participants []*types.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant row: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participant rows: %w", err)
	}
	return participants, nil
}

func getParticipant(ctx context.Context, q querier, sessionID, userID string) (*types.Participant, error) {
	row := q.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE session_id = ? AND user_id = ?`, sessionID, userID)
	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query participant: %w", err)
	}
	return p, nil
}

func insertParticipant(ctx context.Context, q querier, p *types.Participant) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO participants (`+participantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SessionID,
		p.UserID,
		string(p.Role),
		boolInt(p.IsActive),
		boolInt(p.InWaitingRoom),
		nullTime(p.JoinedAt),
		nullTime(p.WaitingRoomEnteredAt),
		nullTime(p.AdmittedAt),
		p.AdmittedBy,
		nullTime(p.LastActiveAt),
		p.ConnectionQualityScore,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("failed to insert participant: %w", err)
	}
	return nil
}

func writeParticipant(ctx context.Context, q querier, p *types.Participant) error {
	_, err := q.ExecContext(ctx, `
		UPDATE participants SET
			role = ?, is_active = ?, in_waiting_room = ?, joined_at = ?, waiting_room_entered_at = ?,
			admitted_at = ?, admitted_by = ?, last_active_at = ?, connection_quality_score = ?
		WHERE session_id = ? AND user_id = ?`,
		string(p.Role),
		boolInt(p.IsActive),
		boolInt(p.InWaitingRoom),
		nullTime(p.JoinedAt),
		nullTime(p.WaitingRoomEnteredAt),
		nullTime(p.AdmittedAt),
		p.AdmittedBy,
		nullTime(p.LastActiveAt),
		p.ConnectionQualityScore,
		p.SessionID,
		p.UserID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("failed to update participant: %w", err)
	}
	return nil
}

func scanParticipant(row scanner) (*types.Participant, error) {
	var (
		p                                     types.Participant
		role                                  string
		active, inWaiting                     int
		joined, entered, admitted, lastActive sql.NullTime
	)
	err := row.Scan(
		&p.SessionID,
		&p.UserID,
		&role,
		&active,
		&inWaiting,
		&joined,
		&entered,
		&admitted,
		&p.AdmittedBy,
		&lastActive,
		&p.ConnectionQualityScore,
	)
	if err != nil {
		return nil, err
	}
	p.Role = types.Role(role)
	p.IsActive = active == 1
	p.InWaitingRoom = inWaiting == 1
	p.JoinedAt = timePtr(joined)
	p.WaitingRoomEnteredAt = timePtr(entered)
	p.AdmittedAt = timePtr(admitted)
	p.LastActiveAt = timePtr(lastActive)
	return &p, nil
}
