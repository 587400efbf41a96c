package interfaces

import (
	"context"
	"time"

	"teleconsult/pkg/types"
)

// SessionStore persists consultation sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session *types.Session) error
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// UpdateSessionIfVersion writes session only if the stored version still equals
	// expectedVersion. On success session.Version is expectedVersion+1.
	// Returns ErrVersionConflict on mismatch and ErrNotFound if the row is gone.
	UpdateSessionIfVersion(ctx context.Context, session *types.Session, expectedVersion int64) error

	// ListSessionsScheduledBetween returns sessions whose scheduled time falls in [from, to]
	// and whose status is one of statuses.
	ListSessionsScheduledBetween(ctx context.Context, from, to time.Time, statuses ...types.SessionStatus) ([]*types.Session, error)
}

// ParticipantStore persists session memberships keyed by (sessionID, userID).
type ParticipantStore interface {
	// EnsureParticipant inserts p when the key is absent and returns the stored row.
	EnsureParticipant(ctx context.Context, p *types.Participant) (*types.Participant, bool, error)

	// ActivateParticipant upserts p as active. When exclusive is set the call fails with
	// ErrRoleOccupied if another user already holds p.Role actively in the session.
	// The check and the write are atomic.
	ActivateParticipant(ctx context.Context, p *types.Participant, exclusive bool) (*types.Participant, error)

	// UpdateParticipant applies mutate to the stored row atomically.
	UpdateParticipant(ctx context.Context, sessionID, userID string, mutate func(*types.Participant) error) (*types.Participant, error)

	GetParticipant(ctx context.Context, sessionID, userID string) (*types.Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]*types.Participant, error)
}

// InvitationStore persists invitation tokens.
type InvitationStore interface {
	// CreateInvitation fails with ErrDuplicate when a PENDING invitation already
	// exists for the same session and email.
	CreateInvitation(ctx context.Context, inv *types.Invitation) error
	GetInvitation(ctx context.Context, token string) (*types.Invitation, error)

	// UpdateInvitationIfVersion follows the same contract as UpdateSessionIfVersion.
	UpdateInvitationIfVersion(ctx context.Context, inv *types.Invitation, expectedVersion int64) error

	ListInvitations(ctx context.Context, sessionID string) ([]*types.Invitation, error)
	ListPendingInvitationsExpiringBefore(ctx context.Context, cutoff time.Time) ([]*types.Invitation, error)
}

// WaitingRoomStore persists waiting-room entries.
type WaitingRoomStore interface {
	CreateWaitingEntry(ctx context.Context, entry *types.WaitingRoomEntry) error

	// GetWaitingEntry returns the most recent entry for the user in the session.
	GetWaitingEntry(ctx context.Context, sessionID, userID string) (*types.WaitingRoomEntry, error)

	// UpdateWaitingEntryIfStatus writes entry only while the stored status equals expected.
	// Returns ErrStatusChanged otherwise.
	UpdateWaitingEntryIfStatus(ctx context.Context, entry *types.WaitingRoomEntry, expected types.WaitingStatus) error

	// ListWaitingEntries returns entries of the session with the given status ordered by
	// enteredAt ascending. An empty status returns every entry.
	ListWaitingEntries(ctx context.Context, sessionID string, status types.WaitingStatus) ([]*types.WaitingRoomEntry, error)

	// ListStaleWaitingEntries returns waiting entries entered before cutoff across sessions.
	ListStaleWaitingEntries(ctx context.Context, cutoff time.Time) ([]*types.WaitingRoomEntry, error)

	// RerankWaitingEntries atomically renumbers the waiting entries of a session 1..N by
	// enteredAt and sets each estimate from estimate(position).
	RerankWaitingEntries(ctx context.Context, sessionID string, estimate func(position int) int) ([]*types.WaitingRoomEntry, error)
}

// RatingStore persists post-session ratings.
type RatingStore interface {
	// CreateRating fails with ErrDuplicate when the user already rated the session.
	CreateRating(ctx context.Context, rating *types.Rating) error
	ListRatings(ctx context.Context, sessionID string) ([]*types.Rating, error)
}

// Store is the transactional store used by every orchestration component.
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// enables consistent transaction handling and connection management
type Store interface {
	SessionStore
	ParticipantStore
	InvitationStore
	WaitingRoomStore
	RatingStore

	// HealthCheck verifies store connectivity
	HealthCheck(ctx context.Context) error

	// Close releases store resources
	Close() error
}
