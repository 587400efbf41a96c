package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/internal/router"
	"teleconsult/internal/websocket"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/metrics"
	"teleconsult/pkg/types"
)

// socketServer mounts the real upgrade handler behind the full middleware chain.
func socketServer(t *testing.T, f *apiFixture) (*httptest.Server, *websocket.Registry) {
	t.Helper()
	log := logger.NewNop()
	registry := websocket.NewRegistry()
	frames := router.NewRouter(f.sessions, f.presence, f.notifier, f.clock, router.DefaultConfig(), log)
	handler := websocket.NewHandler(registry, f.sessions, frames, f.validator, websocket.DefaultConfig(), nil, log)
	srv := NewServer(f.sessions, f.validator, f.store, registry, metrics.NewCollector("ws_test"), log, Options{
		WebSocket:   http.HandlerFunc(handler.HandleWebSocket),
		MetricsPath: "/metrics",
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, registry
}

func socketURL(ts *httptest.Server, sessionID, token string) string {
	u, _ := url.Parse(ts.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// FUNCTIONAL VALIDATION TEST: a practitioner socket upgrades through every middleware and joins its session
func TestServer_WebSocketJoinThroughMiddleware(t *testing.T) {
	f := newAPIFixture(t, nil)
	ts, registry := socketServer(t, f)

	res, err := f.sessions.CreateSession(context.Background(), house, types.CreateSessionRequest{
		Title:              "Follow-up",
		ScheduledAt:        types.TimePtr(f.clock.Now().Add(10 * time.Minute)),
		WaitingRoomEnabled: true,
	})
	require.NoError(t, err)
	token, err := f.validator.Issue(house, time.Hour)
	require.NoError(t, err)

	ws, resp, err := gorillaws.DefaultDialer.Dial(socketURL(ts, res.Session.ID, token), nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var reply types.Event
	for {
		require.NoError(t, ws.ReadJSON(&reply))
		if reply.Payload["request"] == "join" {
			break
		}
	}
	assert.Equal(t, types.EventAck, reply.Type)
	assert.Equal(t, res.Session.ID, reply.SessionID)
	assert.Equal(t, 1, f.presence.OnlineCount(res.Session.ID))
	assert.Equal(t, 1, registry.GetStats()["total_connections"])

	// the upgrade is recorded once the handler returns
	assert.Eventually(t, func() bool {
		metricsResp, err := http.Get(ts.URL + "/metrics")
		if err != nil {
			return false
		}
		defer metricsResp.Body.Close()
		body, _ := io.ReadAll(metricsResp.Body)
		return strings.Contains(string(body), `status="101"`)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServer_WebSocketRefusesOutsider(t *testing.T) {
	f := newAPIFixture(t, nil)
	ts, _ := socketServer(t, f)

	res, err := f.sessions.CreateSession(context.Background(), house, types.CreateSessionRequest{Title: "Private"})
	require.NoError(t, err)
	token, err := f.validator.Issue(types.Actor{UserID: "mallory", Role: types.RolePatient}, time.Hour)
	require.NoError(t, err)

	ws, _, err := gorillaws.DefaultDialer.Dial(socketURL(ts, res.Session.ID, token), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var reply types.Event
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, types.EventError, reply.Type)
	assert.Zero(t, f.presence.OnlineCount(res.Session.ID))
}
