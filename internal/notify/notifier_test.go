package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/internal/cache"
	"teleconsult/internal/transporttest"
	"teleconsult/pkg/clock"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/metrics"
	"teleconsult/pkg/types"
)

// brokenCache fails every SetNX.
type brokenCache struct {
	*cache.MemoryCache
}

func (brokenCache) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func newNotifier(t *testing.T) (*Notifier, *transporttest.Recorder, *clock.Fake, *metrics.Collector) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	rec := transporttest.NewRecorder()
	m := metrics.NewCollector("test")
	n := New(rec, cache.NewMemoryCache(clk), clk, DefaultConfig(), m, logger.NewNop())
	return n, rec, clk, m
}

func TestEvent_CarriesCorrelationID(t *testing.T) {
	n, _, clk, _ := newNotifier(t)

	ctx := logger.ContextWithCorrelation(context.Background(), "req-42")
	event := n.Event(ctx, types.EventSessionStatus, "s-1", map[string]interface{}{"status": "ACTIVE"})
	assert.Equal(t, "req-42", event.CorrelationID)
	assert.Equal(t, "s-1", event.SessionID)
	assert.True(t, clk.Now().Equal(event.Timestamp))
	assert.NotEmpty(t, event.ID)

	fresh := n.Event(context.Background(), types.EventSessionStatus, "s-1", nil)
	assert.NotEmpty(t, fresh.CorrelationID)
	assert.NotEqual(t, event.ID, fresh.ID)
}

func TestTargets(t *testing.T) {
	n, rec, _, _ := newNotifier(t)
	ctx := context.Background()

	require.NoError(t, n.Broadcast(ctx, "s-1", types.EventSessionStatus, nil))
	require.NoError(t, n.ToUser(ctx, "alice", "s-1", types.EventQueuePosition, nil))
	require.NoError(t, n.ToConnection(ctx, "c-9", "s-1", types.EventSessionReplaced, nil))

	assert.Len(t, rec.Events("session:s-1", types.EventSessionStatus), 1)
	assert.Len(t, rec.Events("user:alice", types.EventQueuePosition), 1)
	assert.Len(t, rec.Events("conn:c-9", types.EventSessionReplaced), 1)
}

// FUNCTIONAL VALIDATION TEST: join alerts to the same session and practitioner inside the cooldown are suppressed
func TestPatientJoined_Debounce(t *testing.T) {
	n, rec, clk, m := newNotifier(t)
	ctx := context.Background()

	emitted, err := n.PatientJoined(ctx, "s-1", "dr-house", map[string]interface{}{"user_id": "alice"})
	require.NoError(t, err)
	assert.True(t, emitted)

	clk.Advance(5 * time.Second)
	emitted, err = n.PatientJoined(ctx, "s-1", "dr-house", map[string]interface{}{"user_id": "alice"})
	require.NoError(t, err)
	assert.False(t, emitted)

	emitted, _ = n.PatientJoined(ctx, "s-1", "dr-house", map[string]interface{}{"user_id": "bob"})
	assert.False(t, emitted, "the pair is debounced whichever patient joined")
	emitted, _ = n.PatientJoined(ctx, "s-1", "dr-wilson", map[string]interface{}{"user_id": "alice"})
	assert.True(t, emitted, "a different practitioner is a different pair")
	emitted, _ = n.PatientJoined(ctx, "s-2", "dr-house", map[string]interface{}{"user_id": "alice"})
	assert.True(t, emitted, "a different session is a different pair")

	clk.Advance(5 * time.Second)
	emitted, _ = n.PatientJoined(ctx, "s-1", "dr-house", map[string]interface{}{"user_id": "alice"})
	assert.True(t, emitted, "cooldown elapsed")

	assert.Len(t, rec.Events("user:dr-house", types.EventPatientJoined), 3)

	expected := `
# HELP test_notifications_total Real-time notifications by kind and outcome
# TYPE test_notifications_total counter
test_notifications_total{kind="patient_joined",outcome="emitted"} 4
test_notifications_total{kind="patient_joined",outcome="suppressed"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_notifications_total"))
}

func TestPatientWaiting_LongerCooldown(t *testing.T) {
	n, rec, clk, _ := newNotifier(t)
	ctx := context.Background()

	emitted, _ := n.PatientWaiting(ctx, "s-1", "dr-house", nil)
	assert.True(t, emitted)
	clk.Advance(30 * time.Second)
	emitted, _ = n.PatientWaiting(ctx, "s-1", "dr-house", nil)
	assert.False(t, emitted)
	clk.Advance(31 * time.Second)
	emitted, _ = n.PatientWaiting(ctx, "s-1", "dr-house", nil)
	assert.True(t, emitted)

	assert.Len(t, rec.Events("user:dr-house", types.EventPatientWaiting), 2)
}

func TestDebounce_FailsOpenOnCacheError(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	rec := transporttest.NewRecorder()
	n := New(rec, brokenCache{cache.NewMemoryCache(clk)}, clk, DefaultConfig(), nil, logger.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		emitted, err := n.PatientWaiting(ctx, "s-1", "dr-house", nil)
		require.NoError(t, err)
		assert.True(t, emitted)
	}
	assert.Len(t, rec.Events("user:dr-house", types.EventPatientWaiting), 2)
}

func TestEmitFailureIsReturned(t *testing.T) {
	n, rec, _, _ := newNotifier(t)
	rec.FailEmits = true

	err := n.Broadcast(context.Background(), "s-1", types.EventSessionStatus, nil)
	assert.Error(t, err)

	emitted, err := n.PatientJoined(context.Background(), "s-1", "dr-house", nil)
	assert.Error(t, err)
	assert.False(t, emitted)
}
