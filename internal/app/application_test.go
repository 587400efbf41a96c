package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/internal/config"
	"teleconsult/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.Driver = "memory"
	cfg.Log.Level = "error"
	cfg.Auth.JWTSecret = "application-test-secret"
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	application, err := NewApplication(cfg)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return application
}

// FUNCTIONAL VALIDATION TEST: the wired application serves health and metrics over a real listener
func TestApplication_StartServesHealth(t *testing.T) {
	application := startApp(t, testConfig(t))
	base := "http://" + application.GetAddr()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metricsResp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "teleconsult_")
}

func TestApplication_AuthenticatedRequest(t *testing.T) {
	application := startApp(t, testConfig(t))
	token, err := application.Validator().Issue(types.Actor{UserID: "dr-grey", Role: types.RolePractitioner}, time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, "http://"+application.GetAddr()+"/api/v1/sessions",
		strings.NewReader(`{"title":"Intake","waiting_room_enabled":true}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var env types.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.True(t, env.Success)
}

// FUNCTIONAL VALIDATION TEST: a practitioner socket joins its session and is acknowledged
func TestApplication_WebSocketJoin(t *testing.T) {
	application := startApp(t, testConfig(t))
	practitioner := types.Actor{UserID: "dr-grey", Role: types.RolePractitioner}

	res, err := application.Sessions().CreateSession(context.Background(), practitioner, types.CreateSessionRequest{
		Title:              "Follow-up",
		ScheduledAt:        types.TimePtr(time.Now().Add(10 * time.Minute)),
		WaitingRoomEnabled: true,
	})
	require.NoError(t, err)

	token, err := application.Validator().Issue(practitioner, time.Hour)
	require.NoError(t, err)
	u := url.URL{Scheme: "ws", Host: application.GetAddr(), Path: "/ws"}
	q := u.Query()
	q.Set("session_id", res.Session.ID)
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ws, _, err := gorillaws.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var event types.Event
		require.NoError(t, ws.ReadJSON(&event))
		if event.Payload["request"] != "join" {
			continue
		}
		assert.Equal(t, types.EventAck, event.Type)
		break
	}
}

func TestApplication_WebSocketRejectsMissingToken(t *testing.T) {
	application := startApp(t, testConfig(t))

	_, resp, err := gorillaws.DefaultDialer.Dial("ws://"+application.GetAddr()+"/ws?session_id=s-1", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	_, err := NewApplication(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestNewApplication_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "app.db")

	application := startApp(t, cfg)
	resp, err := http.Get("http://" + application.GetAddr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TECHNICAL VALIDATION TEST: lifecycle guards on Start and Stop
func TestApplication_Lifecycle(t *testing.T) {
	application, err := NewApplication(testConfig(t))
	require.NoError(t, err)

	require.NoError(t, application.Start(context.Background()))
	assert.Error(t, application.Start(context.Background()), "second start is refused")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, application.Stop(ctx))
	assert.NoError(t, application.Stop(ctx), "stop is idempotent")
}

func TestRouterConfig_FromWebSocketSection(t *testing.T) {
	cfg := testConfig(t)
	cfg.WebSocket.RateLimit = 20
	cfg.WebSocket.RateWindow = 10 * time.Second
	cfg.WebSocket.TypingTimeout = 5 * time.Second

	rc := routerConfig(cfg.WebSocket)
	assert.Equal(t, 20, rc.RateLimit)
	assert.Equal(t, 10*time.Second, rc.RateWindow)
	assert.Equal(t, 5*time.Second, rc.TypingTimeout)
}
