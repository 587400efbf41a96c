package invitation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/internal/memstore"
	"teleconsult/pkg/clock"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/types"
)

var start = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store *memstore.Store
	clock *clock.Fake
	svc   *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := memstore.New()
	clk := clock.NewFake(start)
	return &fixture{store: store, clock: clk, svc: NewService(store, clk, cfg, logger.NewNop())}
}

func (f *fixture) session(t *testing.T, id string, scheduledAt *time.Time) *types.Session {
	t.Helper()
	status := types.StatusDraft
	if scheduledAt != nil {
		status = types.StatusScheduled
	}
	s := &types.Session{
		ID:                 id,
		OwnerID:            "dr-house",
		Status:             status,
		ScheduledAt:        scheduledAt,
		WaitingRoomEnabled: true,
		CreatedBy:          "dr-house",
		CreatedAt:          start,
		UpdatedAt:          start,
	}
	require.NoError(t, f.store.CreateSession(context.Background(), s))
	return s
}

func (f *fixture) invite(t *testing.T, sessionID, email string) *types.Invitation {
	t.Helper()
	inv, err := f.svc.Create(context.Background(), "dr-house", types.CreateInvitationRequest{
		SessionID: sessionID,
		Email:     email,
		Role:      types.RolePatient,
	})
	require.NoError(t, err)
	return inv
}

func (f *fixture) stored(t *testing.T, token string) *types.Invitation {
	t.Helper()
	inv, err := f.store.GetInvitation(context.Background(), token)
	require.NoError(t, err)
	return inv
}

func allPass() types.DeviceTestResult {
	return types.DeviceTestResult{Camera: true, Microphone: true, Speaker: true}
}

func TestCreate(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.session(t, "s-1", types.TimePtr(start.Add(time.Hour)))

	inv := f.invite(t, "s-1", "  Pat@Example.com ")
	assert.Equal(t, "pat@example.com", inv.InviteEmail)
	assert.Equal(t, types.InvitationPending, inv.Status)
	assert.Len(t, inv.Token, 43, "32 bytes base64url without padding")
	assert.True(t, start.Add(24*time.Hour).Equal(inv.ExpiresAt))

	_, err := f.svc.Create(ctx, "dr-house", types.CreateInvitationRequest{SessionID: "s-1", Email: "PAT@example.com"})
	assert.True(t, types.IsKind(err, types.KindConflict), "one pending invitation per email")

	_, err = f.svc.Create(ctx, "dr-house", types.CreateInvitationRequest{SessionID: "s-1", Email: "not-an-email"})
	assert.True(t, types.IsKind(err, types.KindValidationFailed))

	_, err = f.svc.Create(ctx, "dr-house", types.CreateInvitationRequest{SessionID: "s-1", Email: "a@example.com", Role: types.RoleAdmin})
	assert.True(t, types.IsKind(err, types.KindValidationFailed))

	_, err = f.svc.Create(ctx, "dr-house", types.CreateInvitationRequest{SessionID: "nope", Email: "a@example.com"})
	assert.True(t, types.IsKind(err, types.KindNotFound))

	other, err := NewToken()
	require.NoError(t, err)
	assert.NotEqual(t, inv.Token, other)
}

func TestCreate_RejectsClosedSession(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	s := f.session(t, "s-1", nil)
	s.Status = types.StatusCompleted
	require.NoError(t, f.store.UpdateSessionIfVersion(context.Background(), s, 1))

	_, err := f.svc.Create(context.Background(), "dr-house", types.CreateInvitationRequest{SessionID: "s-1", Email: "a@example.com"})
	assert.True(t, types.IsKind(err, types.KindInvalidState))
}

// FUNCTIONAL VALIDATION TEST: validity is anchored to the scheduled time, not the 24h expiry
func TestValidity_MonotoneAroundScheduledTime(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	scheduled := start.Add(48 * time.Hour) // beyond the 24h expiry
	f.session(t, "s-1", &scheduled)
	inv := f.invite(t, "s-1", "pat@example.com")

	f.clock.Set(scheduled.Add(-3 * time.Minute))
	got, _, err := f.svc.Acknowledge(ctx, inv.Token)
	require.NoError(t, err, "usable after expiresAt while before the appointment")
	require.NotNil(t, got.AcknowledgedAt)

	f.clock.Set(scheduled.Add(time.Second))
	_, _, err = f.svc.Acknowledge(ctx, inv.Token)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindExpired))
	assert.Equal(t, types.CodeInvitationExpired, types.CodeOf(err))

	// Validate is not a pure read: the expiry was written back
	assert.Equal(t, types.InvitationExpired, f.stored(t, inv.Token).Status)

	f.clock.Set(scheduled.Add(-time.Hour))
	_, _, err = f.svc.Validate(ctx, inv.Token)
	assert.True(t, types.IsKind(err, types.KindExpired), "EXPIRED never revalidates")
}

func TestValidity_FallsBackToExpiresAt(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.session(t, "s-1", nil)
	inv := f.invite(t, "s-1", "pat@example.com")

	f.clock.Advance(23 * time.Hour)
	_, _, err := f.svc.Validate(ctx, inv.Token)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, _, err = f.svc.Validate(ctx, inv.Token)
	assert.True(t, types.IsKind(err, types.KindExpired))
	assert.Equal(t, types.InvitationExpired, f.stored(t, inv.Token).Status)
}

func TestValidity_UnknownToken(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, _, err := f.svc.Validate(context.Background(), "missing")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestDeviceTest_WindowClosesBeforeAcknowledgement(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	scheduled := start.Add(time.Hour)
	f.session(t, "s-1", &scheduled)
	inv := f.invite(t, "s-1", "pat@example.com")

	f.clock.Set(scheduled.Add(-90 * time.Second))
	_, err := f.svc.CompleteDeviceTest(ctx, inv.Token, allPass())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindExpired))
	assert.Equal(t, types.CodeTestingWindowClosed, types.CodeOf(err))
	assert.Equal(t, types.InvitationPending, f.stored(t, inv.Token).Status, "window closure is not an expiry")

	_, _, err = f.svc.Acknowledge(ctx, inv.Token)
	assert.NoError(t, err, "acknowledgement still succeeds inside the last two minutes")
}

// FUNCTIONAL VALIDATION TEST: device test acceptance is all-or-nothing
func TestDeviceTest_AllOrNothing(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.session(t, "s-1", types.TimePtr(start.Add(time.Hour)))
	inv := f.invite(t, "s-1", "pat@example.com")

	partials := []types.DeviceTestResult{
		{Camera: false, Microphone: true, Speaker: true},
		{Camera: true, Microphone: false, Speaker: true},
		{Camera: true, Microphone: true, Speaker: false},
	}
	for _, result := range partials {
		outcome, err := f.svc.CompleteDeviceTest(ctx, inv.Token, result)
		require.NoError(t, err)
		assert.True(t, outcome.RequiresRetest)
		assert.False(t, outcome.Passed)
		assert.Len(t, outcome.FailedChecks, 1)
		assert.Equal(t, types.InvitationPending, f.stored(t, inv.Token).Status)
	}

	outcome, err := f.svc.CompleteDeviceTest(ctx, inv.Token, allPass())
	require.NoError(t, err)
	assert.True(t, outcome.Passed)
	assert.False(t, outcome.RequiresRetest)

	stored := f.stored(t, inv.Token)
	assert.Equal(t, types.InvitationUsed, stored.Status)
	assert.NotNil(t, stored.UsedAt)
	assert.Equal(t, 4, stored.DeviceTestAttempts)

	// USED re-validates while the session has not started
	_, err = f.svc.CompleteDeviceTest(ctx, inv.Token, allPass())
	require.NoError(t, err)
}

func TestDeviceTest_UsedFailsOnceSessionStarted(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	s := f.session(t, "s-1", types.TimePtr(start.Add(time.Hour)))
	inv := f.invite(t, "s-1", "pat@example.com")

	_, err := f.svc.CompleteDeviceTest(ctx, inv.Token, allPass())
	require.NoError(t, err)

	s.StartedAt = types.TimePtr(start.Add(time.Minute))
	s.Status = types.StatusActive
	require.NoError(t, f.store.UpdateSessionIfVersion(ctx, s, 1))

	_, _, err = f.svc.Validate(ctx, inv.Token)
	assert.True(t, types.IsKind(err, types.KindExpired))
	assert.Equal(t, types.CodeSessionStarted, types.CodeOf(err))
	assert.Equal(t, types.InvitationUsed, f.stored(t, inv.Token).Status, "USED is never rewritten")
}

func TestDeviceTest_AttemptLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDeviceTests = 2
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.session(t, "s-1", types.TimePtr(start.Add(time.Hour)))
	inv := f.invite(t, "s-1", "pat@example.com")

	failing := types.DeviceTestResult{Camera: true}
	outcome, err := f.svc.CompleteDeviceTest(ctx, inv.Token, failing)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.AttemptsLeft)

	outcome, err = f.svc.CompleteDeviceTest(ctx, inv.Token, failing)
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.AttemptsLeft)

	_, err = f.svc.CompleteDeviceTest(ctx, inv.Token, allPass())
	assert.True(t, types.IsKind(err, types.KindForbidden))
	assert.Equal(t, types.CodeRetestLimit, types.CodeOf(err))
}

func TestAccept_BindsRedeemingUser(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.session(t, "s-1", types.TimePtr(start.Add(time.Hour)))
	inv := f.invite(t, "s-1", "pat@example.com")

	got, session, err := f.svc.Accept(ctx, inv.Token, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, "s-1", session.ID)
	assert.Equal(t, types.InvitationUsed, got.Status)
	assert.Equal(t, "alice", got.InvitedUserID)

	_, _, err = f.svc.Accept(ctx, inv.Token, "alice", nil)
	assert.NoError(t, err, "re-accept by the same user is idempotent")

	_, _, err = f.svc.Accept(ctx, inv.Token, "mallory", nil)
	assert.True(t, types.IsKind(err, types.KindForbidden))
}

// FUNCTIONAL VALIDATION TEST: a refused redemption never consumes the token
func TestAccept_LeavesTokenPendingOnFailure(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.session(t, "s-1", types.TimePtr(start.Add(time.Hour)))
	inv := f.invite(t, "s-1", "pat@example.com")

	_, _, err := f.svc.Accept(ctx, inv.Token, "alice", func(*types.Invitation, *types.Session) error {
		return types.NewInternal("participant write failed", nil)
	})
	assert.True(t, types.IsKind(err, types.KindInternal))
	assert.Equal(t, types.InvitationPending, f.stored(t, inv.Token).Status)
	assert.Empty(t, f.stored(t, inv.Token).InvitedUserID)

	sess, err := f.store.GetSession(ctx, "s-1")
	require.NoError(t, err)
	sess.Status = types.StatusCancelled
	require.NoError(t, f.store.UpdateSessionIfVersion(ctx, sess, sess.Version))

	bound := false
	_, _, err = f.svc.Accept(ctx, inv.Token, "alice", func(*types.Invitation, *types.Session) error {
		bound = true
		return nil
	})
	assert.True(t, types.IsKind(err, types.KindInvalidState))
	assert.Equal(t, types.CodeSessionClosed, types.CodeOf(err))
	assert.False(t, bound, "closed sessions gain no participants")

	stored := f.stored(t, inv.Token)
	assert.Equal(t, types.InvitationPending, stored.Status)
	assert.Empty(t, stored.InvitedUserID)
	assert.Nil(t, stored.UsedAt)
}

func TestRejectAndRevoke(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.session(t, "s-1", types.TimePtr(start.Add(time.Hour)))

	rejected := f.invite(t, "s-1", "a@example.com")
	got, err := f.svc.Reject(ctx, rejected.Token, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.InvitationRevoked, got.Status)
	assert.Equal(t, "rejected", got.RevokeReason)

	_, _, err = f.svc.Validate(ctx, rejected.Token)
	assert.Equal(t, types.CodeInvitationRevoked, types.CodeOf(err))

	revoked := f.invite(t, "s-1", "b@example.com")
	got, err = f.svc.Revoke(ctx, revoked.Token, "")
	require.NoError(t, err)
	assert.Equal(t, "revoked", got.RevokeReason)

	_, err = f.svc.Revoke(ctx, revoked.Token, "again")
	assert.True(t, types.IsKind(err, types.KindInvalidState))

	// A revoked pending slot frees the email for a new invitation
	f.invite(t, "s-1", "b@example.com")
	list, err := f.svc.ListForSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestClaimFinalReminder_OncePerInvitation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.session(t, "s-1", types.TimePtr(start.Add(3*time.Minute)))
	inv := f.invite(t, "s-1", "pat@example.com")

	got, claimed, err := f.svc.ClaimFinalReminder(ctx, inv.Token)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, types.InvitationUsed, got.Status, "receiving the final reminder is implicit acceptance")
	assert.NotNil(t, got.FinalReminderSentAt)

	_, claimed, err = f.svc.ClaimFinalReminder(ctx, inv.Token)
	require.NoError(t, err)
	assert.False(t, claimed)

	revoked := f.invite(t, "s-1", "other@example.com")
	_, err = f.svc.Revoke(ctx, revoked.Token, "")
	require.NoError(t, err)
	_, claimed, err = f.svc.ClaimFinalReminder(ctx, revoked.Token)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.session(t, "unscheduled", nil)
	f.session(t, "later", types.TimePtr(start.Add(72*time.Hour)))

	lapsed := f.invite(t, "unscheduled", "a@example.com")
	extended := f.invite(t, "later", "b@example.com")

	f.clock.Advance(25 * time.Hour)
	n, err := f.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, types.InvitationExpired, f.stored(t, lapsed.Token).Status)
	assert.Equal(t, types.InvitationPending, f.stored(t, extended.Token).Status, "scheduled time extends validity")
}
