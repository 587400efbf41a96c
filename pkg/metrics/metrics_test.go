package metrics

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector("test")
	c.RecordTransition("WAITING", "ACTIVE")
	c.RecordTransition("WAITING", "ACTIVE")
	c.RecordConflict("admit")
	c.RecordNotification("patient_joined", "suppressed")
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("WAITING", "ACTIVE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.conflicts.WithLabelValues("admit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifications.WithLabelValues("patient_joined", "suppressed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeConnections))
}

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTransition("a", "b")
		c.RecordReminder("sent")
		c.SetWaiting("s1", 3)
	})
}

func TestCollector_HTTPMiddlewareAndHandler(t *testing.T) {
	c := NewCollector("test")
	h := c.HTTPMiddleware(func(*http.Request) string { return "/teapot" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/teapot", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/teapot", "418")))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "test_http_requests_total"))
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	server net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return h.server, bufio.NewReadWriter(bufio.NewReader(h.server), bufio.NewWriter(h.server)), nil
}

// TECHNICAL VALIDATION TEST: the websocket upgrade must still reach the connection through the middleware
func TestCollector_HTTPMiddlewarePreservesHijacker(t *testing.T) {
	c := NewCollector("test")
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	var hijacked net.Conn
	h := c.HTTPMiddleware(func(*http.Request) string { return "/ws" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok, "wrapped writer must implement http.Hijacker")
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		hijacked = conn
		_, isFlusher := w.(http.Flusher)
		assert.True(t, isFlusher)
	}))
	h.ServeHTTP(&hijackableRecorder{ResponseRecorder: httptest.NewRecorder(), server: server}, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Same(t, server, hijacked)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/ws", "101")))
}

func TestCollector_HijackWithoutSupport(t *testing.T) {
	c := NewCollector("test")
	h := c.HTTPMiddleware(func(*http.Request) string { return "/ws" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, err := w.(http.Hijacker).Hijack()
		assert.Error(t, err)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))
}
