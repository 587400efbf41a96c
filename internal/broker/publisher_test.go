package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/pkg/logger"
	"teleconsult/pkg/types"
)

type published struct {
	exchange, key string
	body          []byte
}

type fakePublisher struct {
	messages []published
	err      error
	closed   bool
}

func (f *fakePublisher) Publish(exchange, routingKey string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, published{exchange, routingKey, body})
	return nil
}

func (f *fakePublisher) Close() error {
	f.closed = true
	return nil
}

func TestEventMirror_PublishesWithRoutingKey(t *testing.T) {
	pub := &fakePublisher{}
	mirror := NewEventMirror(pub, "teleconsult.events", logger.NewNop())

	event := &types.Event{
		ID:        "evt-1",
		Type:      types.EventSessionStatus,
		SessionID: "s-1",
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:   map[string]interface{}{"status": "ACTIVE"},
	}
	mirror.Mirror(context.Background(), event)

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "teleconsult.events", pub.messages[0].exchange)
	assert.Equal(t, "session.session_status", pub.messages[0].key)

	var decoded types.Event
	require.NoError(t, json.Unmarshal(pub.messages[0].body, &decoded))
	assert.Equal(t, "s-1", decoded.SessionID)
	assert.Equal(t, "ACTIVE", decoded.Payload["status"])

	require.NoError(t, mirror.Close())
	assert.True(t, pub.closed)
}

func TestEventMirror_SwallowsPublishErrors(t *testing.T) {
	mirror := NewEventMirror(&fakePublisher{err: errors.New("channel closed")}, "x", logger.NewNop())
	assert.NotPanics(t, func() {
		mirror.Mirror(context.Background(), &types.Event{Type: types.EventSessionEnded})
	})
}

func TestEventMirror_NilIsNoop(t *testing.T) {
	var mirror *EventMirror
	assert.NotPanics(t, func() {
		mirror.Mirror(context.Background(), &types.Event{Type: types.EventSessionEnded})
	})
	assert.NoError(t, mirror.Close())
}
