package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/internal/cache"
	"teleconsult/internal/memstore"
	"teleconsult/internal/notify"
	"teleconsult/internal/transporttest"
	"teleconsult/pkg/clock"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/types"
)

type recordingMedia struct {
	mu     sync.Mutex
	closed []string
}

func (m *recordingMedia) EnsureRouter(context.Context, string) error { return nil }
func (m *recordingMedia) CleanupRouter(context.Context, string) error { return nil }

func (m *recordingMedia) CloseTransport(_ context.Context, id string) error {
	return m.record("transport:" + id)
}

func (m *recordingMedia) CloseProducer(_ context.Context, id string) error {
	return m.record("producer:" + id)
}

func (m *recordingMedia) CloseConsumer(_ context.Context, id string) error {
	return m.record("consumer:" + id)
}

func (m *recordingMedia) record(s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, s)
	return nil
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ParticipantInactive(_ context.Context, info types.PresenceInfo, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, info.UserID+":"+reason)
}

func (o *recordingObserver) Calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

type fixture struct {
	registry  *Registry
	store     *memstore.Store
	transport *transporttest.Recorder
	media     *recordingMedia
	observer  *recordingObserver
	clock     *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     memstore.New(),
		transport: transporttest.NewRecorder(),
		media:     &recordingMedia{},
		observer:  &recordingObserver{},
		clock:     clock.NewFake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)),
	}
	log := logger.NewNop()
	n := notify.New(f.transport, cache.NewMemoryCache(f.clock), f.clock, notify.DefaultConfig(), nil, log)
	f.registry = NewRegistry(f.store, f.transport, f.media, n, f.clock, DefaultConfig(), nil, log)
	f.registry.SetObserver(f.observer)
	return f
}

func (f *fixture) connect(t *testing.T, connID, userID string, role types.Role) *types.Participant {
	t.Helper()
	p, _, err := f.registry.Connect(context.Background(), types.JoinRequest{
		ConnID: connID, SessionID: "s-1", UserID: userID, Role: role,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) participant(t *testing.T, userID string) *types.Participant {
	t.Helper()
	p, err := f.store.GetParticipant(context.Background(), "s-1", userID)
	require.NoError(t, err)
	return p
}

func TestConnect_ActivatesAndJoinsChannels(t *testing.T) {
	f := newFixture(t)
	p := f.connect(t, "c-1", "alice", types.RolePatient)

	assert.True(t, p.IsActive)
	require.NotNil(t, p.JoinedAt)
	assert.Equal(t, []string{"c-1"}, f.transport.Members("session:s-1"))
	assert.Equal(t, []string{"c-1"}, f.transport.Members("user:alice"))

	assert.True(t, f.registry.IsConnected("s-1", "alice"))
	assert.True(t, f.registry.IsOnline("alice"))
	assert.False(t, f.registry.IsOnline("bob"))
	assert.Equal(t, 1, f.registry.OnlineCount("s-1"))

	info, ok := f.registry.Lookup("c-1")
	require.True(t, ok)
	assert.Equal(t, types.RolePatient, info.Role)
}

func TestConnect_ValidatesRequest(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.registry.Connect(context.Background(), types.JoinRequest{SessionID: "s-1", UserID: "alice", Role: types.RolePatient})
	assert.True(t, types.IsKind(err, types.KindValidationFailed))
}

// FUNCTIONAL VALIDATION TEST: a second practitioner is rejected until the first disconnects
func TestConnect_RoleUniqueness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c-house", "dr-house", types.RolePractitioner)

	_, _, err := f.registry.Connect(ctx, types.JoinRequest{ConnID: "c-wilson", SessionID: "s-1", UserID: "dr-wilson", Role: types.RolePractitioner})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindConflict))
	assert.Equal(t, types.CodeRoleAlreadyActive, types.CodeOf(err))

	// patients are not exclusive
	f.connect(t, "c-a", "alice", types.RolePatient)
	f.connect(t, "c-b", "bob", types.RolePatient)

	require.True(t, f.registry.Disconnect(ctx, "c-house", ReasonClientClosed))
	f.connect(t, "c-wilson", "dr-wilson", types.RolePractitioner)
	assert.False(t, f.participant(t, "dr-house").IsActive)
}

func TestConnect_ReleasesStaleOccupant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// an occupant left behind by a crashed process: active row, no live connection
	silentSince := f.clock.Now().Add(-5 * time.Minute)
	_, err := f.store.ActivateParticipant(ctx, &types.Participant{
		SessionID: "s-1", UserID: "dr-house", Role: types.RolePractitioner, LastActiveAt: &silentSince,
	}, true)
	require.NoError(t, err)

	f.connect(t, "c-wilson", "dr-wilson", types.RolePractitioner)
	assert.False(t, f.participant(t, "dr-house").IsActive)
	assert.True(t, f.participant(t, "dr-wilson").IsActive)
}

func TestConnect_RecentOccupantWithoutLocalConnectionStillBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recent := f.clock.Now().Add(-10 * time.Second)
	_, err := f.store.ActivateParticipant(ctx, &types.Participant{
		SessionID: "s-1", UserID: "dr-house", Role: types.RolePractitioner, LastActiveAt: &recent,
	}, true)
	require.NoError(t, err)

	_, _, err = f.registry.Connect(ctx, types.JoinRequest{ConnID: "c-wilson", SessionID: "s-1", UserID: "dr-wilson", Role: types.RolePractitioner})
	assert.True(t, types.IsKind(err, types.KindConflict))
}

// FUNCTIONAL VALIDATION TEST: reconnecting replaces the old connection without going inactive
func TestConnect_ReconnectReplacesPreviousConnection(t *testing.T) {
	f := newFixture(t)
	first := f.connect(t, "c-old", "dr-house", types.RolePractitioner)
	require.NoError(t, f.registry.TrackMediaResource("c-old", MediaProducer, "prod-1"))

	f.clock.Advance(10 * time.Second)
	p, replaced, err := f.registry.Connect(context.Background(), types.JoinRequest{
		ConnID: "c-new", SessionID: "s-1", UserID: "dr-house", Role: types.RolePractitioner,
	})
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.True(t, p.IsActive)
	assert.True(t, first.JoinedAt.Equal(*p.JoinedAt), "same row, first join time kept")

	assert.Len(t, f.transport.Events("conn:c-old", types.EventSessionReplaced), 1)
	reason, ok := f.transport.DisconnectReason("c-old")
	require.True(t, ok)
	assert.Equal(t, ReasonReplaced, reason)
	assert.Equal(t, []string{"producer:prod-1"}, f.media.closed)

	assert.Empty(t, f.observer.Calls(), "replacement is not an inactive transition")
	assert.False(t, f.registry.Disconnect(context.Background(), "c-old", ReasonClientClosed), "old socket exit is a no-op")
	assert.True(t, f.participant(t, "dr-house").IsActive)
	assert.Equal(t, []string{"c-new"}, f.transport.Members("session:s-1"))

	participants, err := f.store.ListParticipants(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Len(t, participants, 1)
}

func TestHeartbeat_KeepsConnectionAlive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c-1", "alice", types.RolePatient)

	f.clock.Advance(40 * time.Second)
	quality := 0.82
	require.NoError(t, f.registry.Heartbeat(ctx, "c-1", &quality))

	f.clock.Advance(40 * time.Second)
	assert.True(t, f.registry.IsConnected("s-1", "alice"))
	p := f.participant(t, "alice")
	assert.InDelta(t, 0.82, p.ConnectionQualityScore, 1e-9)
	assert.True(t, p.LastActiveAt.Equal(f.clock.Now().Add(-40*time.Second)))

	err := f.registry.Heartbeat(ctx, "unknown", nil)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

// FUNCTIONAL VALIDATION TEST: missed heartbeats past the grace period disconnect the participant
func TestHeartbeat_TimeoutDisconnects(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-1", "dr-house", types.RolePractitioner)
	require.NoError(t, f.registry.TrackMediaResource("c-1", MediaTransport, "tr-1"))
	require.NoError(t, f.registry.TrackMediaResource("c-1", MediaConsumer, "co-1"))

	f.clock.Advance(59 * time.Second)
	assert.True(t, f.registry.IsConnected("s-1", "dr-house"))

	f.clock.Advance(2 * time.Second)
	assert.False(t, f.registry.IsConnected("s-1", "dr-house"))
	assert.Equal(t, []string{"dr-house:" + ReasonHeartbeatTimeout}, f.observer.Calls())
	reason, ok := f.transport.DisconnectReason("c-1")
	require.True(t, ok)
	assert.Equal(t, ReasonHeartbeatTimeout, reason)
	assert.False(t, f.participant(t, "dr-house").IsActive)
	assert.Equal(t, []string{"consumer:co-1", "transport:tr-1"}, f.media.closed)
	assert.Equal(t, 0, f.clock.Pending())
}

func TestDisconnect_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "c-1", "alice", types.RolePatient)

	assert.True(t, f.registry.Disconnect(ctx, "c-1", ReasonLeft))
	assert.False(t, f.registry.Disconnect(ctx, "c-1", ReasonLeft))
	assert.Equal(t, []string{"alice:" + ReasonLeft}, f.observer.Calls())
	assert.Empty(t, f.transport.Members("session:s-1"))
	assert.Empty(t, f.registry.ActiveInSession("s-1"))
}

func TestTrackMediaResource_Validation(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-1", "alice", types.RolePatient)

	assert.ErrorIs(t, f.registry.TrackMediaResource("c-1", "datachannel", "x"), ErrUnknownMediaKind)
	assert.Error(t, f.registry.TrackMediaResource("c-1", MediaProducer, ""))
	assert.True(t, types.IsKind(f.registry.TrackMediaResource("nope", MediaProducer, "p"), types.KindNotFound))
}
