package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/internal/cache"
	"teleconsult/internal/invitation"
	"teleconsult/internal/memstore"
	"teleconsult/internal/notify"
	"teleconsult/internal/presence"
	"teleconsult/internal/session"
	"teleconsult/internal/transporttest"
	"teleconsult/internal/waitingroom"
	"teleconsult/pkg/clock"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/metrics"
	"teleconsult/pkg/types"
)

var house = types.Actor{UserID: "dr-house", Role: types.RolePractitioner}

type outbox struct {
	mu     sync.Mutex
	sent   map[string][]map[string]interface{}
	failTo map[string]bool
}

func newOutbox() *outbox {
	return &outbox{sent: make(map[string][]map[string]interface{}), failTo: make(map[string]bool)}
}

func (o *outbox) Send(_ context.Context, kind, recipient string, args map[string]interface{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failTo[recipient] {
		return errors.New("mailbox unavailable")
	}
	o.sent[kind+"/"+recipient] = append(o.sent[kind+"/"+recipient], args)
	return nil
}

func (o *outbox) reminders(recipient string) []map[string]interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent[types.DeliveryFinalReminder+"/"+recipient]
}

type fixture struct {
	sweep    *Sweep
	sessions *session.Manager
	queue    *waitingroom.Queue
	store    *memstore.Store
	clock    *clock.Fake
	outbox   *outbox
	metrics  *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   memstore.New(),
		clock:   clock.NewFake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)),
		outbox:  newOutbox(),
		metrics: metrics.NewCollector("test"),
	}
	log := logger.NewNop()
	transport := transporttest.NewRecorder()
	notifier := notify.New(transport, cache.NewMemoryCache(f.clock), f.clock, notify.DefaultConfig(), nil, log)
	registry := presence.NewRegistry(f.store, transport, nil, notifier, f.clock, presence.DefaultConfig(), nil, log)
	invitations := invitation.NewService(f.store, f.clock, invitation.DefaultConfig(), log)
	f.queue = waitingroom.NewQueue(f.store, f.clock, waitingroom.DefaultConfig(), registry, nil, log)
	f.sessions = session.NewManager(session.Deps{
		Store:       f.store,
		Presence:    registry,
		Queue:       f.queue,
		Invitations: invitations,
		Notifier:    notifier,
		Delivery:    f.outbox,
		Clock:       f.clock,
		Logger:      log,
	}, session.Config{JoinBaseURL: "https://consult.example.org/join"})
	f.sweep = New(Deps{
		Store:       f.store,
		Invitations: invitations,
		Queue:       f.queue,
		Sessions:    f.sessions,
		Delivery:    f.outbox,
		Clock:       f.clock,
		Metrics:     f.metrics,
		Logger:      log,
	}, DefaultConfig())
	return f
}

func (f *fixture) session(t *testing.T, in time.Duration, autoAdmit bool) *types.Session {
	t.Helper()
	req := types.CreateSessionRequest{
		Title:              "Follow-up",
		WaitingRoomEnabled: true,
		AutoAdmitPatients:  autoAdmit,
		PatientIDs:         []string{"alice"},
	}
	if in > 0 {
		req.ScheduledAt = types.TimePtr(f.clock.Now().Add(in))
	}
	res, err := f.sessions.CreateSession(context.Background(), house, req)
	require.NoError(t, err)
	return res.Session
}

func (f *fixture) invite(t *testing.T, sessionID, email string) *types.Invitation {
	t.Helper()
	res, err := f.sessions.CreateInvitation(context.Background(), house, types.CreateInvitationRequest{SessionID: sessionID, Email: email})
	require.NoError(t, err)
	return res.Invitation
}

// FUNCTIONAL VALIDATION TEST: a sweep at T-2m30s sends the final reminder and flips PENDING to USED
func TestScenario_FinalReminderAtLookahead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, 10*time.Minute, false)
	inv := f.invite(t, s.ID, "carol@example.org")

	f.clock.Advance(7*time.Minute + 30*time.Second)
	report, err := f.sweep.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sessions)
	assert.Equal(t, 1, report.RemindersSent)
	assert.Empty(t, report.Errors)

	sent := f.outbox.reminders("carol@example.org")
	require.Len(t, sent, 1)
	assert.Equal(t, "https://consult.example.org/join/"+inv.Token, sent[0]["join_url"])
	assert.Equal(t, s.ID, sent[0]["session_id"])

	stored, err := f.store.GetInvitation(ctx, inv.Token)
	require.NoError(t, err)
	assert.Equal(t, types.InvitationUsed, stored.Status)
	require.NotNil(t, stored.FinalReminderSentAt)
	assert.Equal(t, f.clock.Now(), *stored.FinalReminderSentAt)

	f.clock.Advance(20 * time.Second)
	again, err := f.sweep.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Sessions)
	assert.Zero(t, again.RemindersSent)
	assert.Len(t, f.outbox.reminders("carol@example.org"), 1)
}

func TestRunOnce_SessionOutsideBand(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 10*time.Minute, false)
	f.invite(t, s.ID, "carol@example.org")

	report, err := f.sweep.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Sessions)

	f.clock.Advance(8 * time.Minute)
	report, err = f.sweep.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sessions, "the band is inclusive at two minutes")
}

// TECHNICAL VALIDATION TEST: one failing recipient neither aborts the batch nor gets a second reminder
func TestRunOnce_DeliveryFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, 2*time.Minute+30*time.Second, false)
	broken := f.invite(t, s.ID, "broken@example.org")
	f.invite(t, s.ID, "dave@example.org")
	f.outbox.failTo["broken@example.org"] = true

	report, err := f.sweep.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RemindersSent)
	assert.Equal(t, 1, report.RemindersFailed)
	assert.Len(t, f.outbox.reminders("dave@example.org"), 1)

	stored, err := f.store.GetInvitation(ctx, broken.Token)
	require.NoError(t, err)
	assert.NotNil(t, stored.FinalReminderSentAt, "claimed before the send")

	report, err = f.sweep.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.RemindersSent+report.RemindersFailed)

	count, err := testutil.GatherAndCount(f.metrics.Registry(), "test_reminders_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRunOnce_SkipsClosedInvitations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, 2*time.Minute+30*time.Second, false)
	inv := f.invite(t, s.ID, "carol@example.org")
	_, err := f.sessions.RevokeInvitation(ctx, house, inv.Token, "")
	require.NoError(t, err)

	report, err := f.sweep.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.RemindersSent)
	assert.Equal(t, 1, report.RemindersSkipped)
	assert.Empty(t, f.outbox.reminders("carol@example.org"))
}

func TestRunOnce_AutoAdmitsWaitingPatients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, 2*time.Minute+30*time.Second, true)
	joined, err := f.sessions.JoinAsPatient(ctx, types.JoinRequest{ConnID: "c-alice", SessionID: s.ID, UserID: "alice", Role: types.RolePatient})
	require.NoError(t, err)
	require.Equal(t, types.StatusWaiting, joined.Session.Status)
	require.Equal(t, types.WaitingStatusWaiting, joined.WaitingEntry.Status)

	report, err := f.sweep.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AutoAdmitted)

	p, err := f.store.GetParticipant(ctx, s.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, p.AdmittedAt)
	assert.Equal(t, Actor.UserID, p.AdmittedBy)
	stored, err := f.store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, stored.Status)
}

func TestRunOnce_ExpiresInvitationsAndTimesOutOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft := f.session(t, 0, false)
	inv := f.invite(t, draft.ID, "carol@example.org")
	_, _, err := f.queue.Enter(ctx, draft.ID, "ghost")
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	report, err := f.sweep.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.InvitationsExpired)
	assert.Equal(t, 1, report.EntriesTimedOut)

	stored, err := f.store.GetInvitation(ctx, inv.Token)
	require.NoError(t, err)
	assert.Equal(t, types.InvitationExpired, stored.Status)
	entry, err := f.store.GetWaitingEntry(ctx, draft.ID, "ghost")
	require.NoError(t, err)
	assert.Equal(t, types.WaitingStatusTimeout, entry.Status)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 3*time.Minute+30*time.Second, false)
	f.invite(t, s.ID, "carol@example.org")

	require.NoError(t, f.sweep.Start(context.Background()))
	assert.ErrorIs(t, f.sweep.Start(context.Background()), ErrSweepAlreadyRunning)

	f.clock.Advance(30 * time.Second)
	assert.Empty(t, f.outbox.reminders("carol@example.org"))
	f.clock.Advance(30 * time.Second)
	assert.Len(t, f.outbox.reminders("carol@example.org"), 1)
	assert.Equal(t, 1, f.clock.Pending(), "next pass is scheduled")

	require.NoError(t, f.sweep.Stop())
	assert.ErrorIs(t, f.sweep.Stop(), ErrSweepNotRunning)
	assert.Zero(t, f.clock.Pending())
}

func TestStart_StopsWhenContextEnds(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.sweep.Start(ctx))
	cancel()

	f.clock.Advance(time.Minute)
	assert.ErrorIs(t, f.sweep.Stop(), ErrSweepNotRunning)
}
