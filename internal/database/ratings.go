package database

import (
	"context"
	"database/sql"
	"fmt"

	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/types"
)

// CreateRating stores one rating per (session, user)
func (m *Manager) CreateRating(ctx context.Context, rating *types.Rating) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO ratings (session_id, user_id, score, comment, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			rating.SessionID, rating.UserID, rating.Score, rating.Comment, rating.CreatedAt.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrDuplicate
			}
			return fmt.Errorf("failed to insert rating: %w", err)
		}
		return nil
	})
}

// ListRatings returns the ratings left for a session
func (m *Manager) ListRatings(ctx context.Context, sessionID string) ([]*types.Rating, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT session_id, user_id, score, comment, created_at
		FROM ratings WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ratings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ratings []*types.Rating
	for rows.Next() {
		var r types.Rating
		if err := rows.Scan(&r.SessionID, &r.UserID, &r.Score, &r.Comment, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rating row: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		ratings = append(ratings, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rating rows: %w", err)
	}
	return ratings, nil
}
