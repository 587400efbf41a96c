// Package memstore is an in-process implementation of interfaces.Store.
// It backs tests and the "memory" database driver.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/types"
)

var _ interfaces.Store = (*Store)(nil)

// ErrClosed is reported by HealthCheck after Close.
var ErrClosed = errors.New("memstore: closed")

type participantKey struct {
	sessionID string
	userID    string
}

// Store keeps every record in maps guarded by one mutex, so each method is atomic.
type Store struct {
	mu           sync.Mutex
	sessions     map[string]*types.Session
	participants map[participantKey]*types.Participant
	invitations  map[string]*types.Invitation
	entries      []*types.WaitingRoomEntry
	ratings      map[participantKey]*types.Rating
	closed       bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:     make(map[string]*types.Session),
		participants: make(map[participantKey]*types.Participant),
		invitations:  make(map[string]*types.Invitation),
		ratings:      make(map[participantKey]*types.Rating),
	}
}

func (s *Store) CreateSession(_ context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return interfaces.ErrDuplicate
	}
	if session.Version == 0 {
		session.Version = 1
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return session.Clone(), nil
}

func (s *Store) UpdateSessionIfVersion(_ context.Context, session *types.Session, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[session.ID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if current.Version != expectedVersion {
		return interfaces.ErrVersionConflict
	}
	next := session.Clone()
	next.Version = expectedVersion + 1
	next.CreatedAt, next.CreatedBy = current.CreatedAt, current.CreatedBy
	s.sessions[session.ID] = next
	session.Version = next.Version
	return nil
}

func (s *Store) ListSessionsScheduledBetween(_ context.Context, from, to time.Time, statuses ...types.SessionStatus) ([]*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Session
	for _, session := range s.sessions {
		if session.ScheduledAt == nil || session.ScheduledAt.Before(from) || session.ScheduledAt.After(to) {
			continue
		}
		if len(statuses) > 0 && !hasStatus(statuses, session.Status) {
			continue
		}
		out = append(out, session.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(*out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(*out[j].ScheduledAt)
	})
	return out, nil
}

func hasStatus(statuses []types.SessionStatus, status types.SessionStatus) bool {
	for _, st := range statuses {
		if st == status {
			return true
		}
	}
	return false
}

func (s *Store) EnsureParticipant(_ context.Context, p *types.Participant) (*types.Participant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey{p.SessionID, p.UserID}
	if existing, ok := s.participants[key]; ok {
		return existing.Clone(), false, nil
	}
	s.participants[key] = p.Clone()
	return p.Clone(), true, nil
}

func (s *Store) ActivateParticipant(_ context.Context, p *types.Participant, exclusive bool) (*types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey{p.SessionID, p.UserID}
	existing, ok := s.participants[key]

	next := p.Clone()
	if ok {
		next = existing.Clone()
		next.LastActiveAt = cloneTime(p.LastActiveAt)
		if next.JoinedAt == nil {
			next.JoinedAt = cloneTime(p.JoinedAt)
		}
	}
	// privileged roles are exclusive regardless of the flag, matching the sqlite partial index
	if exclusive || next.Role.IsPrivileged() {
		for k, other := range s.participants {
			if k.sessionID == p.SessionID && k.userID != p.UserID && other.IsActive && other.Role == next.Role {
				return nil, interfaces.ErrRoleOccupied
			}
		}
	}
	next.IsActive = true
	s.participants[key] = next
	return next.Clone(), nil
}

func (s *Store) UpdateParticipant(_ context.Context, sessionID, userID string, mutate func(*types.Participant) error) (*types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey{sessionID, userID}
	existing, ok := s.participants[key]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	next := existing.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.SessionID, next.UserID = sessionID, userID
	s.participants[key] = next
	return next.Clone(), nil
}

func (s *Store) GetParticipant(_ context.Context, sessionID, userID string) (*types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantKey{sessionID, userID}]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Store) ListParticipants(_ context.Context, sessionID string) ([]*types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Participant
	for k, p := range s.participants {
		if k.sessionID == sessionID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) CreateInvitation(_ context.Context, inv *types.Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invitations[inv.Token]; ok {
		return interfaces.ErrDuplicate
	}
	if inv.Status == types.InvitationPending && s.pendingFor(inv.SessionID, inv.InviteEmail, "") {
		return interfaces.ErrDuplicate
	}
	if inv.Version == 0 {
		inv.Version = 1
	}
	s.invitations[inv.Token] = inv.Clone()
	return nil
}

// pendingFor reports whether another pending invitation holds (session, email).
func (s *Store) pendingFor(sessionID, email, exceptToken string) bool {
	for token, other := range s.invitations {
		if token != exceptToken && other.SessionID == sessionID && other.InviteEmail == email && other.Status == types.InvitationPending {
			return true
		}
	}
	return false
}

func (s *Store) GetInvitation(_ context.Context, token string) (*types.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[token]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return inv.Clone(), nil
}

func (s *Store) UpdateInvitationIfVersion(_ context.Context, inv *types.Invitation, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.invitations[inv.Token]
	if !ok {
		return interfaces.ErrNotFound
	}
	if current.Version != expectedVersion {
		return interfaces.ErrVersionConflict
	}
	if inv.Status == types.InvitationPending && s.pendingFor(current.SessionID, inv.InviteEmail, inv.Token) {
		return interfaces.ErrDuplicate
	}
	next := inv.Clone()
	next.Version = expectedVersion + 1
	next.SessionID, next.CreatedAt, next.CreatedBy = current.SessionID, current.CreatedAt, current.CreatedBy
	s.invitations[inv.Token] = next
	inv.Version = next.Version
	return nil
}

func (s *Store) ListInvitations(_ context.Context, sessionID string) ([]*types.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Invitation
	for _, inv := range s.invitations {
		if inv.SessionID == sessionID {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ListPendingInvitationsExpiringBefore(_ context.Context, cutoff time.Time) ([]*types.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Invitation
	for _, inv := range s.invitations {
		if inv.Status == types.InvitationPending && inv.ExpiresAt.Before(cutoff) {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *Store) CreateWaitingEntry(_ context.Context, entry *types.WaitingRoomEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == entry.ID {
			return interfaces.ErrDuplicate
		}
		if entry.Status == types.WaitingStatusWaiting && e.Status == types.WaitingStatusWaiting &&
			e.SessionID == entry.SessionID && e.UserID == entry.UserID {
			return interfaces.ErrDuplicate
		}
	}
	s.entries = append(s.entries, entry.Clone())
	return nil
}

func (s *Store) GetWaitingEntry(_ context.Context, sessionID, userID string) (*types.WaitingRoomEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *types.WaitingRoomEntry
	for _, e := range s.entries {
		if e.SessionID != sessionID || e.UserID != userID {
			continue
		}
		// insertion order breaks ties
		if latest == nil || !e.EnteredAt.Before(latest.EnteredAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, interfaces.ErrNotFound
	}
	return latest.Clone(), nil
}

func (s *Store) UpdateWaitingEntryIfStatus(_ context.Context, entry *types.WaitingRoomEntry, expected types.WaitingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.ID != entry.ID {
			continue
		}
		if e.Status != expected {
			return interfaces.ErrStatusChanged
		}
		next := entry.Clone()
		next.SessionID, next.UserID, next.EnteredAt = e.SessionID, e.UserID, e.EnteredAt
		s.entries[i] = next
		return nil
	}
	return interfaces.ErrNotFound
}

func (s *Store) ListWaitingEntries(_ context.Context, sessionID string, status types.WaitingStatus) ([]*types.WaitingRoomEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterEntries(func(e *types.WaitingRoomEntry) bool {
		return e.SessionID == sessionID && (status == "" || e.Status == status)
	}), nil
}

func (s *Store) ListStaleWaitingEntries(_ context.Context, cutoff time.Time) ([]*types.WaitingRoomEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterEntries(func(e *types.WaitingRoomEntry) bool {
		return e.Status == types.WaitingStatusWaiting && e.EnteredAt.Before(cutoff)
	}), nil
}

func (s *Store) RerankWaitingEntries(_ context.Context, sessionID string, estimate func(position int) int) ([]*types.WaitingRoomEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var waiting []*types.WaitingRoomEntry
	for _, e := range s.entries {
		if e.SessionID == sessionID && e.Status == types.WaitingStatusWaiting {
			waiting = append(waiting, e)
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool { return waiting[i].EnteredAt.Before(waiting[j].EnteredAt) })

	out := make([]*types.WaitingRoomEntry, 0, len(waiting))
	for i, e := range waiting {
		e.QueuePosition = i + 1
		e.EstimatedWaitMinutes = estimate(e.QueuePosition)
		out = append(out, e.Clone())
	}
	return out, nil
}

// filterEntries returns clones ordered by entry time, preserving insertion order on ties.
func (s *Store) filterEntries(keep func(*types.WaitingRoomEntry) bool) []*types.WaitingRoomEntry {
	var out []*types.WaitingRoomEntry
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnteredAt.Before(out[j].EnteredAt) })
	return out
}

func (s *Store) CreateRating(_ context.Context, rating *types.Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey{rating.SessionID, rating.UserID}
	if _, ok := s.ratings[key]; ok {
		return interfaces.ErrDuplicate
	}
	c := *rating
	s.ratings[key] = &c
	return nil
}

func (s *Store) ListRatings(_ context.Context, sessionID string) ([]*types.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Rating
	for k, r := range s.ratings {
		if k.sessionID == sessionID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) HealthCheck(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
