package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/internal/auth"
	"teleconsult/internal/presence"
	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/types"
)

const testSecret = "test-secret"

type fakeJoiner struct {
	mu          sync.Mutex
	joins       []string
	heartbeats  int
	disconnects map[string]string
	refuse      error
}

func (f *fakeJoiner) join(kind string, req types.JoinRequest) (*types.JoinResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, kind+":"+req.UserID)
	if f.refuse != nil {
		return nil, f.refuse
	}
	return &types.JoinResult{
		Session:     &types.Session{ID: req.SessionID, Status: types.StatusWaiting},
		Participant: &types.Participant{SessionID: req.SessionID, UserID: req.UserID, Role: req.Role},
	}, nil
}

func (f *fakeJoiner) joined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins...)
}

func (f *fakeJoiner) JoinAsPatient(_ context.Context, req types.JoinRequest) (*types.JoinResult, error) {
	return f.join("patient", req)
}

func (f *fakeJoiner) JoinAsPractitioner(_ context.Context, req types.JoinRequest) (*types.JoinResult, error) {
	return f.join("practitioner", req)
}

func (f *fakeJoiner) Heartbeat(context.Context, string, *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeJoiner) Disconnect(_ context.Context, connID, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnects == nil {
		f.disconnects = make(map[string]string)
	}
	f.disconnects[connID] = reason
	return true
}

func (f *fakeJoiner) disconnected() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.disconnects))
	for k, v := range f.disconnects {
		out[k] = v
	}
	return out
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []string
	closed []string
}

func (f *frameRecorder) ConnectionClosed(_ context.Context, conn interfaces.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, conn.ID())
}

func (f *frameRecorder) HandleFrame(_ context.Context, conn interfaces.Connection, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, conn.GetUserID()+":"+string(data))
}

func (f *frameRecorder) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

type handlerFixture struct {
	server    *httptest.Server
	registry  *Registry
	joiner    *fakeJoiner
	frames    *frameRecorder
	validator *auth.TokenValidator
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		registry:  NewRegistry(),
		joiner:    &fakeJoiner{},
		frames:    &frameRecorder{},
		validator: auth.NewTokenValidator(testSecret, "teleconsult", nil),
	}
	h := NewHandler(f.registry, f.joiner, f.frames, f.validator, DefaultConfig(), nil, logger.NewNop())
	f.server = httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(f.server.Close)
	return f
}

func (f *handlerFixture) url(sessionID, token string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?session_id=" + sessionID + "&token=" + token
}

func (f *handlerFixture) token(t *testing.T, userID string, role types.Role) string {
	t.Helper()
	token, err := f.validator.Issue(types.Actor{UserID: userID, Role: role}, time.Hour)
	require.NoError(t, err)
	return token
}

func readEvent(t *testing.T, ws *websocket.Conn) *types.Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var event types.Event
	require.NoError(t, json.Unmarshal(data, &event))
	return &event
}

func TestHandler_RejectsBadHandshake(t *testing.T) {
	f := newHandlerFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.url("", f.token(t, "alice", types.RolePatient)), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(f.url("s1", "garbage"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, f.joiner.joined())
}

func TestHandler_AcceptsBearerHeader(t *testing.T) {
	f := newHandlerFixture(t)
	header := http.Header{"Authorization": []string{"Bearer " + f.token(t, "dr-house", types.RolePractitioner)}}
	ws, _, err := websocket.DefaultDialer.Dial(f.url("s1", ""), header)
	require.NoError(t, err)
	defer ws.Close()

	ack := readEvent(t, ws)
	assert.Equal(t, types.EventAck, ack.Type)
	assert.Equal(t, []string{"practitioner:dr-house"}, f.joiner.joined())
}

// FUNCTIONAL VALIDATION TEST: patient-side roles go through the patient join path
func TestHandler_JoinForwardAndDisconnect(t *testing.T) {
	f := newHandlerFixture(t)
	ws, _, err := websocket.DefaultDialer.Dial(f.url("s1", f.token(t, "alice", types.RolePatient)), nil)
	require.NoError(t, err)

	ack := readEvent(t, ws)
	assert.Equal(t, types.EventAck, ack.Type)
	assert.Equal(t, "s1", ack.SessionID)
	assert.Equal(t, "join", ack.Payload["request"])
	assert.Equal(t, []string{"patient:alice"}, f.joiner.joined())
	assert.Equal(t, 1, f.registry.GetStats()["total_connections"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))
	assert.Eventually(t, func() bool { return len(f.frames.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `alice:{"type":"heartbeat"}`, f.frames.received()[0])

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return len(f.joiner.disconnected()) == 1 }, 2*time.Second, 10*time.Millisecond)
	for _, reason := range f.joiner.disconnected() {
		assert.Equal(t, presence.ReasonClientClosed, reason)
	}
	assert.Eventually(t, func() bool { return f.registry.GetStats()["total_connections"] == 0 }, 2*time.Second, 10*time.Millisecond)
}

// TECHNICAL VALIDATION TEST: a refused join answers with an error event and closes without a presence disconnect
func TestHandler_RefusedJoin(t *testing.T) {
	f := newHandlerFixture(t)
	f.joiner.refuse = types.NewInvalidState(types.CodeSessionClosed, "session is closed")

	ws, _, err := websocket.DefaultDialer.Dial(f.url("s1", f.token(t, "alice", types.RolePatient)), nil)
	require.NoError(t, err)
	defer ws.Close()

	event := readEvent(t, ws)
	assert.Equal(t, types.EventError, event.Type)
	response, ok := event.Payload["response"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, types.CodeSessionClosed, response["code"])

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Empty(t, f.joiner.disconnected())
	assert.Zero(t, f.registry.GetStats()["total_connections"])
}
