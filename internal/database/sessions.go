package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/types"
)

const sessionColumns = `id, title, owner_id, status, scheduled_at, started_at, closed_at, version,
	waiting_room_enabled, auto_admit_patients, cancel_reason, created_by, created_at, updated_at`

// CreateSession inserts a new session. A zero version is stored as 1.
func (m *Manager) CreateSession(ctx context.Context, session *types.Session) error {
	if session.Version == 0 {
		session.Version = 1
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID,
			session.Title,
			nullString(session.OwnerID),
			string(session.Status),
			nullTime(session.ScheduledAt),
			nullTime(session.StartedAt),
			nullTime(session.ClosedAt),
			session.Version,
			boolInt(session.WaitingRoomEnabled),
			boolInt(session.AutoAdmitPatients),
			session.CancelReason,
			session.CreatedBy,
			session.CreatedAt.UTC(),
			session.UpdatedAt.UTC(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrDuplicate
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by ID
// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

// UpdateSessionIfVersion performs the optimistic-concurrency write
func (m *Manager) UpdateSessionIfVersion(ctx context.Context, session *types.Session, expectedVersion int64) error {
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE sessions SET
				title = ?, owner_id = ?, status = ?, scheduled_at = ?, started_at = ?, closed_at = ?,
				version = version + 1, waiting_room_enabled = ?, auto_admit_patients = ?,
				cancel_reason = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			session.Title,
			nullString(session.OwnerID),
			string(session.Status),
			nullTime(session.ScheduledAt),
			nullTime(session.StartedAt),
			nullTime(session.ClosedAt),
			boolInt(session.WaitingRoomEnabled),
			boolInt(session.AutoAdmitPatients),
			session.CancelReason,
			session.UpdatedAt.UTC(),
			session.ID,
			expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		return checkAffected(ctx, db, res, "SELECT COUNT(*) FROM sessions WHERE id = ?", session.ID, interfaces.ErrVersionConflict)
	})
	if err != nil {
		return err
	}
	session.Version = expectedVersion + 1
	return nil
}

// ListSessionsScheduledBetween returns sessions scheduled in [from, to] with one of statuses
func (m *Manager) ListSessionsScheduledBetween(ctx context.Context, from, to time.Time, statuses ...types.SessionStatus) ([]*types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE scheduled_at IS NOT NULL AND scheduled_at >= ? AND scheduled_at <= ?`
	args := []interface{}{from.UTC(), to.UTC()}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY scheduled_at ASC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

func scanSession(row scanner) (*types.Session, error) {
	var (
		s                            types.Session
		ownerID                      sql.NullString
		status                       string
		scheduledAt, started, closed sql.NullTime
		waitingRoom, autoAdmit       int
	)
	err := row.Scan(
		&s.ID,
		&s.Title,
		&ownerID,
		&status,
		&scheduledAt,
		&started,
		&closed,
		&s.Version,
		&waitingRoom,
		&autoAdmit,
		&s.CancelReason,
		&s.CreatedBy,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.OwnerID = ownerID.String
	s.Status = types.SessionStatus(status)
	s.ScheduledAt = timePtr(scheduledAt)
	s.StartedAt = timePtr(started)
	s.ClosedAt = timePtr(closed)
	s.WaitingRoomEnabled = waitingRoom == 1
	s.AutoAdmitPatients = autoAdmit == 1
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

// checkAffected turns a zero-row conditional write into ErrNotFound or onMismatch.
func checkAffected(ctx context.Context, q querier, res sql.Result, existsQuery string, key interface{}, onMismatch error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var count int
	if err := q.QueryRowContext(ctx, existsQuery, key).Scan(&count); err != nil {
		return fmt.Errorf("failed to check existence: %w", err)
	}
	if count == 0 {
		return interfaces.ErrNotFound
	}
	return onMismatch
}
