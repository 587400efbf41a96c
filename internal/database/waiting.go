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

const waitingColumns = `id, session_id, user_id, entered_at, queue_position, estimated_wait_minutes,
	status, admitted_at, admitted_by, left_at`

// CreateWaitingEntry inserts a new queue entry
func (m *Manager) CreateWaitingEntry(ctx context.Context, entry *types.WaitingRoomEntry) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO waiting_room_entries (`+waitingColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID,
			entry.SessionID,
			entry.UserID,
			entry.EnteredAt.UTC(),
			entry.QueuePosition,
			entry.EstimatedWaitMinutes,
			string(entry.Status),
			nullTime(entry.AdmittedAt),
			entry.AdmittedBy,
			nullTime(entry.LeftAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrDuplicate
			}
			return fmt.Errorf("failed to insert waiting entry: %w", err)
		}
		return nil
	})
}

// GetWaitingEntry returns the most recent entry of the user in the session
func (m *Manager) GetWaitingEntry(ctx context.Context, sessionID, userID string) (*types.WaitingRoomEntry, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+waitingColumns+` FROM waiting_room_entries
		WHERE session_id = ? AND user_id = ?
		ORDER BY entered_at DESC, rowid DESC LIMIT 1`, sessionID, userID)
	entry, err := scanWaitingEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query waiting entry: %w", err)
	}
	return entry, nil
}

// UpdateWaitingEntryIfStatus writes entry while the stored status equals expected
func (m *Manager) UpdateWaitingEntryIfStatus(ctx context.Context, entry *types.WaitingRoomEntry, expected types.WaitingStatus) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE waiting_room_entries SET
				queue_position = ?, estimated_wait_minutes = ?, status = ?, admitted_at = ?,
				admitted_by = ?, left_at = ?
			WHERE id = ? AND status = ?`,
			entry.QueuePosition,
			entry.EstimatedWaitMinutes,
			string(entry.Status),
			nullTime(entry.AdmittedAt),
			entry.AdmittedBy,
			nullTime(entry.LeftAt),
			entry.ID,
			string(expected),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrDuplicate
			}
			return fmt.Errorf("failed to update waiting entry: %w", err)
		}
		return checkAffected(ctx, db, res, "SELECT COUNT(*) FROM waiting_room_entries WHERE id = ?", entry.ID, interfaces.ErrStatusChanged)
	})
}

// ListWaitingEntries returns session entries ordered by entry time; empty status means all
func (m *Manager) ListWaitingEntries(ctx context.Context, sessionID string, status types.WaitingStatus) ([]*types.WaitingRoomEntry, error) {
	if status == "" {
		return queryWaitingEntries(ctx, m.db, `SELECT `+waitingColumns+` FROM waiting_room_entries
			WHERE session_id = ? ORDER BY entered_at ASC, rowid ASC`, sessionID)
	}
	return queryWaitingEntries(ctx, m.db, `SELECT `+waitingColumns+` FROM waiting_room_entries
		WHERE session_id = ? AND status = ? ORDER BY entered_at ASC, rowid ASC`, sessionID, string(status))
}

// ListStaleWaitingEntries returns waiting entries entered before cutoff
func (m *Manager) ListStaleWaitingEntries(ctx context.Context, cutoff time.Time) ([]*types.WaitingRoomEntry, error) {
	return queryWaitingEntries(ctx, m.db, `SELECT `+waitingColumns+` FROM waiting_room_entries
		WHERE status = ? AND entered_at < ? ORDER BY entered_at ASC`, string(types.WaitingStatusWaiting), cutoff.UTC())
}

// RerankWaitingEntries renumbers the waiting entries of a session in one transaction
func (m *Manager) RerankWaitingEntries(ctx context.Context, sessionID string, estimate func(position int) int) ([]*types.WaitingRoomEntry, error) {
	var ranked []*types.WaitingRoomEntry
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		return withTx(ctx, db, func(tx *sql.Tx) error {
			entries, err := queryWaitingEntries(ctx, tx, `SELECT `+waitingColumns+` FROM waiting_room_entries
				WHERE session_id = ? AND status = ? ORDER BY entered_at ASC, rowid ASC`,
				sessionID, string(types.WaitingStatusWaiting))
			if err != nil {
				return err
			}
			for i, entry := range entries {
				entry.QueuePosition = i + 1
				entry.EstimatedWaitMinutes = estimate(entry.QueuePosition)
				if _, err := tx.ExecContext(ctx,
					`UPDATE waiting_room_entries SET queue_position = ?, estimated_wait_minutes = ? WHERE id = ?`,
					entry.QueuePosition, entry.EstimatedWaitMinutes, entry.ID); err != nil {
					return fmt.Errorf("failed to rerank waiting entry: %w", err)
				}
			}
			ranked = entries
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ranked, nil
}

func queryWaitingEntries(ctx context.Context, q querier, query string, args ...interface{}) ([]*types.WaitingRoomEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query waiting entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.WaitingRoomEntry
	for rows.Next() {
		entry, err := scanWaitingEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan waiting entry row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating waiting entry rows: %w", err)
	}
	return entries, nil
}

func scanWaitingEntry(row scanner) (*types.WaitingRoomEntry, error) {
	var (
		e              types.WaitingRoomEntry
		status         string
		admitted, left sql.NullTime
	)
	err := row.Scan(
		&e.ID,
		&e.SessionID,
		&e.UserID,
		&e.EnteredAt,
		&e.QueuePosition,
		&e.EstimatedWaitMinutes,
		&status,
		&admitted,
		&e.AdmittedBy,
		&left,
	)
	if err != nil {
		return nil, err
	}
	e.Status = types.WaitingStatus(status)
	e.EnteredAt = e.EnteredAt.UTC()
	e.AdmittedAt = timePtr(admitted)
	e.LeftAt = timePtr(left)
	return &e, nil
}
