// Package storetest holds the behavioural contract every interfaces.Store
// implementation must satisfy. Both the sqlite manager and the in-memory store
// run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/types"
)

// Factory builds a fresh, empty store for one sub-test.
type Factory func(t *testing.T) interfaces.Store

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// Run executes the full contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("SessionVersionRace", func(t *testing.T) { testSessionVersionRace(t, newStore(t)) })
	t.Run("Participants", func(t *testing.T) { testParticipants(t, newStore(t)) })
	t.Run("ExclusiveActivationRace", func(t *testing.T) { testExclusiveActivationRace(t, newStore(t)) })
	t.Run("Invitations", func(t *testing.T) { testInvitations(t, newStore(t)) })
	t.Run("WaitingRoom", func(t *testing.T) { testWaitingRoom(t, newStore(t)) })
	t.Run("Ratings", func(t *testing.T) { testRatings(t, newStore(t)) })
	t.Run("HealthCheck", func(t *testing.T) {
		require.NoError(t, newStore(t).HealthCheck(context.Background()))
	})
}

// NewSession returns a persistable session fixture.
func NewSession(id string, status types.SessionStatus, scheduledAt *time.Time) *types.Session {
	return &types.Session{
		ID:                 id,
		Title:              "Consultation " + id,
		OwnerID:            "dr-house",
		Status:             status,
		ScheduledAt:        scheduledAt,
		WaitingRoomEnabled: true,
		CreatedBy:          "dr-house",
		CreatedAt:          base,
		UpdatedAt:          base,
	}
}

func mustCreateSession(t *testing.T, store interfaces.Store, id string) *types.Session {
	t.Helper()
	s := NewSession(id, types.StatusScheduled, types.TimePtr(base.Add(time.Hour)))
	require.NoError(t, store.CreateSession(context.Background(), s))
	return s
}

func sameTime(t *testing.T, expected time.Time, actual *time.Time) {
	t.Helper()
	require.NotNil(t, actual)
	assert.True(t, expected.Equal(*actual), "expected %s, got %s", expected, *actual)
}

func testSessions(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	scheduled := base.Add(2 * time.Minute)
	s := NewSession("s-1", types.StatusScheduled, &scheduled)
	require.NoError(t, store.CreateSession(ctx, s))
	assert.Equal(t, int64(1), s.Version)

	assert.ErrorIs(t, store.CreateSession(ctx, NewSession("s-1", types.StatusDraft, nil)), interfaces.ErrDuplicate)

	got, err := store.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusScheduled, got.Status)
	assert.Equal(t, "dr-house", got.OwnerID)
	assert.True(t, got.WaitingRoomEnabled)
	sameTime(t, scheduled, got.ScheduledAt)
	assert.Nil(t, got.StartedAt)

	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	// Accepted update bumps the version by exactly one
	got.Status = types.StatusWaiting
	require.NoError(t, store.UpdateSessionIfVersion(ctx, got, 1))
	assert.Equal(t, int64(2), got.Version)

	stale := s.Clone()
	stale.Status = types.StatusActive
	assert.ErrorIs(t, store.UpdateSessionIfVersion(ctx, stale, 1), interfaces.ErrVersionConflict)

	reread, err := store.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, reread.Status)
	assert.Equal(t, int64(2), reread.Version)

	ghost := NewSession("ghost", types.StatusDraft, nil)
	assert.ErrorIs(t, store.UpdateSessionIfVersion(ctx, ghost, 1), interfaces.ErrNotFound)

	// Owner may be cleared and set again
	reread.OwnerID = ""
	require.NoError(t, store.UpdateSessionIfVersion(ctx, reread, 2))
	cleared, err := store.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Empty(t, cleared.OwnerID)

	later := base.Add(10 * time.Minute)
	require.NoError(t, store.CreateSession(ctx, NewSession("s-2", types.StatusWaiting, &later)))
	require.NoError(t, store.CreateSession(ctx, NewSession("s-3", types.StatusActive, &scheduled)))
	require.NoError(t, store.CreateSession(ctx, NewSession("s-4", types.StatusDraft, nil)))

	inBand, err := store.ListSessionsScheduledBetween(ctx, base, base.Add(5*time.Minute), types.StatusScheduled, types.StatusWaiting)
	require.NoError(t, err)
	require.Len(t, inBand, 1)
	assert.Equal(t, "s-1", inBand[0].ID)

	all, err := store.ListSessionsScheduledBetween(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "s-2", all[len(all)-1].ID, "ordered by scheduled time")
}

func testSessionVersionRace(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	mustCreateSession(t, store, "race")

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := store.GetSession(ctx, "race")
			if err != nil {
				return
			}
			s.Title = fmt.Sprintf("writer-%d", i)
			err = store.UpdateSessionIfVersion(ctx, s, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, interfaces.ErrVersionConflict):
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, writers-1, conflicts)

	s, err := store.GetSession(ctx, "race")
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Version)
}

func testParticipants(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	mustCreateSession(t, store, "p-1")

	joined := base.Add(time.Minute)
	patient := &types.Participant{SessionID: "p-1", UserID: "alice", Role: types.RolePatient}
	stored, created, err := store.EnsureParticipant(ctx, patient)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.RolePatient, stored.Role)

	again, created, err := store.EnsureParticipant(ctx, &types.Participant{SessionID: "p-1", UserID: "alice", Role: types.RoleGuest})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, types.RolePatient, again.Role, "existing row wins")

	doc := &types.Participant{SessionID: "p-1", UserID: "dr-a", Role: types.RolePractitioner, JoinedAt: &joined, LastActiveAt: &joined}
	active, err := store.ActivateParticipant(ctx, doc, true)
	require.NoError(t, err)
	assert.True(t, active.IsActive)
	sameTime(t, joined, active.JoinedAt)

	// Same user reconnecting keeps the first join time
	later := joined.Add(time.Minute)
	active, err = store.ActivateParticipant(ctx, &types.Participant{SessionID: "p-1", UserID: "dr-a", Role: types.RolePractitioner, JoinedAt: &later, LastActiveAt: &later}, true)
	require.NoError(t, err)
	sameTime(t, joined, active.JoinedAt)
	sameTime(t, later, active.LastActiveAt)

	rival := &types.Participant{SessionID: "p-1", UserID: "dr-b", Role: types.RolePractitioner, JoinedAt: &later, LastActiveAt: &later}
	_, err = store.ActivateParticipant(ctx, rival, true)
	assert.ErrorIs(t, err, interfaces.ErrRoleOccupied)

	_, err = store.GetParticipant(ctx, "p-1", "dr-b")
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "rejected activation leaves no row")

	// Non-privileged roles are never exclusive
	guest := &types.Participant{SessionID: "p-1", UserID: "bob", Role: types.RoleGuest, LastActiveAt: &later}
	_, err = store.ActivateParticipant(ctx, guest, false)
	require.NoError(t, err)

	_, err = store.UpdateParticipant(ctx, "p-1", "dr-a", func(p *types.Participant) error {
		p.IsActive = false
		return nil
	})
	require.NoError(t, err)

	_, err = store.ActivateParticipant(ctx, rival, true)
	require.NoError(t, err, "role frees once the occupant is inactive")

	updated, err := store.UpdateParticipant(ctx, "p-1", "alice", func(p *types.Participant) error {
		p.InWaitingRoom = true
		p.WaitingRoomEnteredAt = &later
		p.ConnectionQualityScore = 0.75
		return nil
	})
	require.NoError(t, err)
	assert.True(t, updated.InWaitingRoom)

	got, err := store.GetParticipant(ctx, "p-1", "alice")
	require.NoError(t, err)
	assert.True(t, got.InWaitingRoom)
	assert.InDelta(t, 0.75, got.ConnectionQualityScore, 0.0001)
	sameTime(t, later, got.WaitingRoomEnteredAt)

	boom := errors.New("boom")
	_, err = store.UpdateParticipant(ctx, "p-1", "alice", func(p *types.Participant) error {
		p.InWaitingRoom = false
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, err = store.GetParticipant(ctx, "p-1", "alice")
	require.NoError(t, err)
	assert.True(t, got.InWaitingRoom, "failed mutation is not persisted")

	_, err = store.UpdateParticipant(ctx, "p-1", "nobody", func(*types.Participant) error { return nil })
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	list, err := store.ListParticipants(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, []string{"alice", "bob", "dr-a", "dr-b"}, []string{list[0].UserID, list[1].UserID, list[2].UserID, list[3].UserID})
}

func testExclusiveActivationRace(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	mustCreateSession(t, store, "excl")

	const contenders = 6
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		occupied int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			now := base
			_, err := store.ActivateParticipant(ctx, &types.Participant{
				SessionID:    "excl",
				UserID:       fmt.Sprintf("dr-%d", i),
				Role:         types.RolePractitioner,
				JoinedAt:     &now,
				LastActiveAt: &now,
			}, true)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, interfaces.ErrRoleOccupied):
				occupied++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, contenders-1, occupied)
}

func newInvitation(token, sessionID, email string) *types.Invitation {
	return &types.Invitation{
		Token:       token,
		SessionID:   sessionID,
		InviteEmail: email,
		Role:        types.RolePatient,
		Status:      types.InvitationPending,
		CreatedBy:   "dr-house",
		CreatedAt:   base,
		ExpiresAt:   base.Add(24 * time.Hour),
	}
}

func testInvitations(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	mustCreateSession(t, store, "i-1")

	inv := newInvitation("tok-1", "i-1", "pat@example.com")
	require.NoError(t, store.CreateInvitation(ctx, inv))
	assert.Equal(t, int64(1), inv.Version)

	assert.ErrorIs(t, store.CreateInvitation(ctx, newInvitation("tok-2", "i-1", "pat@example.com")), interfaces.ErrDuplicate,
		"one pending invitation per session and email")
	assert.ErrorIs(t, store.CreateInvitation(ctx, newInvitation("tok-1", "i-1", "other@example.com")), interfaces.ErrDuplicate)

	got, err := store.GetInvitation(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, types.InvitationPending, got.Status)
	assert.True(t, base.Add(24*time.Hour).Equal(got.ExpiresAt))

	_, err = store.GetInvitation(ctx, "nope")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	used := base.Add(time.Minute)
	got.Status = types.InvitationUsed
	got.UsedAt = &used
	got.InvitedUserID = "alice"
	got.DeviceTestAttempts = 2
	require.NoError(t, store.UpdateInvitationIfVersion(ctx, got, 1))
	assert.Equal(t, int64(2), got.Version)

	stale := inv.Clone()
	stale.Status = types.InvitationRevoked
	assert.ErrorIs(t, store.UpdateInvitationIfVersion(ctx, stale, 1), interfaces.ErrVersionConflict)
	assert.ErrorIs(t, store.UpdateInvitationIfVersion(ctx, newInvitation("ghost", "i-1", "g@example.com"), 1), interfaces.ErrNotFound)

	reread, err := store.GetInvitation(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, types.InvitationUsed, reread.Status)
	assert.Equal(t, "alice", reread.InvitedUserID)
	assert.Equal(t, 2, reread.DeviceTestAttempts)
	sameTime(t, used, reread.UsedAt)

	// Redeemed invitations no longer block a new pending one
	soon := newInvitation("tok-3", "i-1", "pat@example.com")
	soon.ExpiresAt = base.Add(time.Hour)
	require.NoError(t, store.CreateInvitation(ctx, soon))

	list, err := store.ListInvitations(ctx, "i-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	expiring, err := store.ListPendingInvitationsExpiringBefore(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "tok-3", expiring[0].Token)
}

func newEntry(id, sessionID, userID string, enteredAt time.Time) *types.WaitingRoomEntry {
	return &types.WaitingRoomEntry{
		ID:        id,
		SessionID: sessionID,
		UserID:    userID,
		EnteredAt: enteredAt,
		Status:    types.WaitingStatusWaiting,
	}
}

func testWaitingRoom(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	mustCreateSession(t, store, "w-1")

	require.NoError(t, store.CreateWaitingEntry(ctx, newEntry("e-1", "w-1", "alice", base)))
	require.NoError(t, store.CreateWaitingEntry(ctx, newEntry("e-2", "w-1", "bob", base.Add(time.Minute))))
	require.NoError(t, store.CreateWaitingEntry(ctx, newEntry("e-3", "w-1", "carol", base.Add(2*time.Minute))))

	assert.ErrorIs(t, store.CreateWaitingEntry(ctx, newEntry("e-4", "w-1", "alice", base.Add(3*time.Minute))), interfaces.ErrDuplicate,
		"one waiting entry per user")

	ranked, err := store.RerankWaitingEntries(ctx, "w-1", func(pos int) int { return pos * 10 })
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	for i, e := range ranked {
		assert.Equal(t, i+1, e.QueuePosition)
		assert.Equal(t, (i+1)*10, e.EstimatedWaitMinutes)
	}

	alice, err := store.GetWaitingEntry(ctx, "w-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, alice.QueuePosition)

	admitted := base.Add(5 * time.Minute)
	alice.Status = types.WaitingStatusAdmitted
	alice.AdmittedAt = &admitted
	alice.AdmittedBy = "dr-house"
	require.NoError(t, store.UpdateWaitingEntryIfStatus(ctx, alice, types.WaitingStatusWaiting))

	// Second admission of the same entry loses
	assert.ErrorIs(t, store.UpdateWaitingEntryIfStatus(ctx, alice, types.WaitingStatusWaiting), interfaces.ErrStatusChanged)
	assert.ErrorIs(t, store.UpdateWaitingEntryIfStatus(ctx, newEntry("ghost", "w-1", "x", base), types.WaitingStatusWaiting), interfaces.ErrNotFound)

	ranked, err = store.RerankWaitingEntries(ctx, "w-1", func(pos int) int { return pos })
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "bob", ranked[0].UserID)
	assert.Equal(t, 1, ranked[0].QueuePosition)
	assert.Equal(t, "carol", ranked[1].UserID)
	assert.Equal(t, 2, ranked[1].QueuePosition)

	// Alice may queue again; the latest entry is returned
	require.NoError(t, store.CreateWaitingEntry(ctx, newEntry("e-5", "w-1", "alice", base.Add(6*time.Minute))))
	latest, err := store.GetWaitingEntry(ctx, "w-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "e-5", latest.ID)

	waiting, err := store.ListWaitingEntries(ctx, "w-1", types.WaitingStatusWaiting)
	require.NoError(t, err)
	assert.Len(t, waiting, 3)

	all, err := store.ListWaitingEntries(ctx, "w-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, "e-1", all[0].ID)

	stale, err := store.ListStaleWaitingEntries(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "bob", stale[0].UserID)

	_, err = store.GetWaitingEntry(ctx, "w-1", "nobody")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func testRatings(t *testing.T, store interfaces.Store) {
	ctx := context.Background()
	mustCreateSession(t, store, "r-1")

	rating := &types.Rating{SessionID: "r-1", UserID: "alice", Score: 5, Comment: "great", CreatedAt: base}
	require.NoError(t, store.CreateRating(ctx, rating))
	assert.ErrorIs(t, store.CreateRating(ctx, rating), interfaces.ErrDuplicate)

	ratings, err := store.ListRatings(ctx, "r-1")
	require.NoError(t, err)
	require.Len(t, ratings, 1)
	assert.Equal(t, 5, ratings[0].Score)
	assert.Equal(t, "great", ratings[0].Comment)
}
