// Package api is the thin HTTP surface for session CRUD and health.
// No coordination logic lives here; handlers translate HTTP to registry
// calls and JSON.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"liveclass/internal/auth"
	"liveclass/internal/registry"
	"liveclass/pkg/types"
)

// Stats exposes connection counts for the health payload.
type Stats interface {
	Stats() map[string]int
}

// Server handles the REST endpoints.
type Server struct {
	store  *registry.Store
	stats  Stats
	authn  auth.Authenticator
	logger *zap.Logger
	mux    *http.ServeMux
}

// NewServer builds the API server and its routes.
func NewServer(store *registry.Store, stats Stats, authn auth.Authenticator, logger *zap.Logger) *Server {
	s := &Server{
		store:  store,
		stats:  stats,
		authn:  authn,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.mux.Handle("/api/sessions", s.cors(http.HandlerFunc(s.handleSessions)))
	s.mux.Handle("/api/sessions/", s.cors(http.HandlerFunc(s.handleSessionByID)))
	s.mux.Handle("/health", s.cors(http.HandlerFunc(s.handleHealth)))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createSession(w, r)
	case http.MethodGet:
		s.listSessions(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type createSessionRequest struct {
	Name           string     `json:"name"`
	Kind           string     `json:"kind"`
	TestID         string     `json:"test_id,omitempty"`
	MaxUsers       int        `json:"max_users,omitempty"`
	Private        bool       `json:"private,omitempty"`
	PasswordNeeded bool       `json:"password_needed,omitempty"`
	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authn.Authenticate(r)
	if err != nil {
		s.sendError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if !identity.IsTeacher() && !identity.IsAdmin() {
		s.sendError(w, "only teachers may create sessions", http.StatusForbidden)
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	kind := types.SessionKind(req.Kind)
	if req.Kind == "" {
		kind = types.KindGeneral
	}
	maxUsers := req.MaxUsers
	if maxUsers == 0 {
		maxUsers = 50
	}

	session := &types.Session{
		Name:           req.Name,
		Kind:           kind,
		TestID:         req.TestID,
		CreatedBy:      identity.ID,
		Status:         types.StatusActive,
		MaxUsers:       maxUsers,
		Private:        req.Private,
		PasswordNeeded: req.PasswordNeeded,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
	}
	if err := session.Validate(); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.Create(r.Context(), session); err != nil {
		s.logger.Error("session creation failed", zap.Error(err))
		s.sendError(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	s.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("kind", string(session.Kind)),
		zap.String("created_by", identity.ID))
	s.sendJSON(w, http.StatusCreated, session)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	kind := types.SessionKind(r.URL.Query().Get("kind"))
	sessions, err := s.store.ListActive(r.Context(), kind)
	if err != nil {
		s.logger.Error("session listing failed", zap.Error(err))
		s.sendError(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/api/sessions/"):]
	if id == "" {
		s.sendError(w, "session id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		session, err := s.store.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				s.sendError(w, "session not found", http.StatusNotFound)
				return
			}
			s.logger.Error("session fetch failed", zap.Error(err))
			s.sendError(w, "failed to fetch session", http.StatusInternalServerError)
			return
		}
		s.sendJSON(w, http.StatusOK, session)

	case http.MethodDelete:
		identity, err := s.authn.Authenticate(r)
		if err != nil {
			s.sendError(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if !identity.IsTeacher() && !identity.IsAdmin() {
			s.sendError(w, "only teachers may delete sessions", http.StatusForbidden)
			return
		}
		if err := s.store.Delete(r.Context(), id); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				s.sendError(w, "session not found", http.StatusNotFound)
				return
			}
			s.logger.Error("session delete failed", zap.Error(err))
			s.sendError(w, "failed to delete session", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)

	default:
		s.sendError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "ok"
	code := http.StatusOK
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		s.logger.Warn("health check failed", zap.Error(err))
	}
	s.sendJSON(w, code, map[string]any{
		"status":      status,
		"connections": s.stats.Stats(),
		"time":        time.Now().UTC(),
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+auth.HeaderUserID+", "+auth.HeaderUserRole)
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encoding failed", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, msg string, code int) {
	s.sendJSON(w, code, map[string]string{"error": msg})
}
