package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"teleconsult/pkg/logger"
	"teleconsult/pkg/types"
)

type actorKey struct{}

const requestIDHeader = "X-Request-ID"

// requestIDMiddleware tags every request with an id, reusing the caller's
// header when present.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := logger.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FUNCTIONAL DISCOVERY: CORS middleware for cross-origin requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// jsonMiddleware rejects bodies that are not JSON.
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > 0 {
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				writeEnvelope(w, types.ErrorEnvelope(types.NewValidation("Content-Type must be application/json")))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ARCHITECTURAL DISCOVERY: Authentication happens once at the edge; handlers
// only ever see a validated Actor
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		actor, err := s.validator.Validate(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeUnauthorized(w, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeEnvelope(w, types.Envelope{
		Success:    false,
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Code:       "UNAUTHENTICATED",
	})
}

func actorFrom(ctx context.Context) types.Actor {
	actor, _ := ctx.Value(actorKey{}).(types.Actor)
	return actor
}
