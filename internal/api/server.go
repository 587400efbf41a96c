// Package api is the REST surface of the orchestrator. Handlers decode the
// request, call the session Manager and wrap the outcome in an envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"teleconsult/internal/auth"
	"teleconsult/internal/session"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/metrics"
	"teleconsult/pkg/types"
)

// HealthChecker reports whether the store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsProvider exposes live connection statistics.
type StatsProvider interface {
	GetStats() map[string]int
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	sessions   *session.Manager
	validator  *auth.TokenValidator
	health     HealthChecker
	stats      StatsProvider
	metrics    *metrics.Collector
	logger     *logger.Logger
	log        *logrus.Entry
	router     *mux.Router
	handler    http.Handler
	startedAt  time.Time
	metricPath string
}

type Options struct {
	// WebSocket is mounted at /ws when set.
	WebSocket http.Handler
	// MetricsPath serves the collector when non-empty.
	MetricsPath string
}

func NewServer(sessions *session.Manager, validator *auth.TokenValidator, health HealthChecker, stats StatsProvider, m *metrics.Collector, log *logger.Logger, opts Options) *Server {
	s := &Server{
		sessions:   sessions,
		validator:  validator,
		health:     health,
		stats:      stats,
		metrics:    m,
		logger:     log,
		log:        log.WithComponent("api"),
		router:     mux.NewRouter(),
		startedAt:  time.Now(),
		metricPath: opts.MetricsPath,
	}
	s.setupRoutes(opts)
	// CORS wraps the router so preflights for any path skip route matching
	s.handler = s.corsMiddleware(s.router)
	return s
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions with proper middleware
// Token-only invitation routes stay public; the token is the credential
func (s *Server) setupRoutes(opts Options) {
	r := s.router
	r.Use(s.requestIDMiddleware)
	r.Use(s.metrics.HTTPMiddleware(routeTemplate))

	r.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	if s.metricPath != "" && s.metrics != nil {
		r.Handle(s.metricPath, s.metrics.Handler()).Methods(http.MethodGet)
	}
	if opts.WebSocket != nil {
		r.Handle("/ws", opts.WebSocket)
	}

	public := r.PathPrefix("/api/v1").Subrouter()
	public.Use(s.jsonMiddleware)
	public.HandleFunc("/invitations/{token}", s.validateInvitation).Methods(http.MethodGet)
	public.HandleFunc("/invitations/{token}/acknowledge", s.acknowledgeInvitation).Methods(http.MethodPost)
	public.HandleFunc("/invitations/{token}/device-test", s.completeDeviceTest).Methods(http.MethodPost)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.jsonMiddleware, s.authMiddleware)

	api.HandleFunc("/sessions", s.createSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.getSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/schedule", s.scheduleSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/participants", s.addParticipant).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/admit", s.admitSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/end", s.endSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/cancel", s.cancelSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/rating", s.rateSession).Methods(http.MethodPost)

	api.HandleFunc("/sessions/{id}/waiting-room", s.listWaitingRoom).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/waiting-room/stats", s.waitingRoomStats).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/waiting-room/enter", s.enterWaitingRoom).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/waiting-room/leave", s.leaveWaitingRoom).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/waiting-room/admit-all", s.admitAllWaiting).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/waiting-room/{userId}/admit", s.admitPatient).Methods(http.MethodPost)

	api.HandleFunc("/sessions/{id}/invitations", s.createInvitation).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/invitations", s.listInvitations).Methods(http.MethodGet)
	api.HandleFunc("/invitations/{token}/accept", s.acceptInvitation).Methods(http.MethodPost)
	api.HandleFunc("/invitations/{token}/reject", s.rejectInvitation).Methods(http.MethodPost)
	api.HandleFunc("/invitations/{token}", s.revokeInvitation).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, types.ErrorEnvelope(types.NewNotFound("ROUTE_NOT_FOUND", "no such route")))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, types.Envelope{
			Success:    false,
			StatusCode: http.StatusMethodNotAllowed,
			Message:    r.Method + " is not allowed on " + r.URL.Path,
			Code:       "METHOD_NOT_ALLOWED",
		})
	})
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections,omitempty"`
	Uptime      string         `json:"uptime"`
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Database:  "healthy",
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.health != nil {
		if err := s.health.HealthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Database = "error: " + err.Error()
		}
	}
	if s.stats != nil {
		resp.Connections = s.stats.GetStats()
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// respond writes a success envelope, or the error envelope of err.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, message string, data interface{}, warnings types.Warnings, err error) {
	if err != nil {
		if types.KindOf(err) == types.KindInternal {
			s.logger.WithContext(r.Context()).WithError(err).WithFields(logrus.Fields{
				"component": "api",
				"path":      r.URL.Path,
			}).Error("Request failed")
		}
		writeEnvelope(w, types.ErrorEnvelope(err))
		return
	}
	writeEnvelope(w, types.SuccessEnvelope(status, message, data, warnings))
}

// FUNCTIONAL DISCOVERY: Consistent envelope format for every response
func writeEnvelope(w http.ResponseWriter, env types.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.StatusCode)
	_ = json.NewEncoder(w).Encode(env)
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return types.NewValidation("invalid JSON body: " + err.Error())
	}
	return nil
}
