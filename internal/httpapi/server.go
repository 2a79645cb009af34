// Package httpapi exposes the read-only status surface of the engine plus
// a manual cycle trigger. State always comes from the reconciliation store;
// the API never mutates assignments directly.
package httpapi

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/studystack/assignsync/internal/assignsync"
)

type ServerConfig struct {
	APIToken       string
	MaxBodyBytes   int64
	MetricsHandler http.Handler
}

// Server routes requests over the store's read surface. The optional
// runCycle callback wires the manual trigger to the coordinator; the server
// itself is stateless about scheduling.
type Server struct {
	store  *assignsync.Store
	runner func(r *http.Request) assignsync.CycleReport
	cfg    ServerConfig
	logger assignsync.Logger
}

func NewServer(store *assignsync.Store, runCycle func(r *http.Request) assignsync.CycleReport, cfg ServerConfig, logger assignsync.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if logger == nil {
		logger = assignsync.NopLogger()
	}
	return &Server{
		store:  store,
		runner: runCycle,
		cfg:    cfg,
		logger: logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		if s.cfg.MetricsHandler == nil {
			writeError(w, http.StatusNotFound, "not_found", "metrics disabled")
			return
		}
		s.cfg.MetricsHandler.ServeHTTP(w, r)
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/v1/") {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case len(parts) == 2 && parts[1] == "assignments" && r.Method == http.MethodGet:
		s.handleListAssignments(w, r)
	case len(parts) == 3 && parts[1] == "assignments" && r.Method == http.MethodGet:
		s.handleGetAssignment(w, r, parts[2])
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r)
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "stream" && r.Method == http.MethodGet:
		s.handleEventStream(w, r)
	case len(parts) == 2 && parts[1] == "reports" && r.Method == http.MethodGet:
		s.handleReports(w, r)
	case len(parts) == 3 && parts[1] == "reports" && parts[2] == "last" && r.Method == http.MethodGet:
		s.handleLastReport(w, r)
	case len(parts) == 2 && parts[1] == "deadletters" && r.Method == http.MethodGet:
		s.handleDeadLetters(w, r)
	case len(parts) == 3 && parts[1] == "cycles" && parts[2] == "run" && r.Method == http.MethodPost:
		s.handleRunCycle(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.APIToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return hmac.Equal([]byte(token), []byte(s.cfg.APIToken))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"store": s.store.Status()}
	if report, ok := s.store.LastReport(); ok {
		status["lastCycle"] = report
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	filter := assignsync.AssignmentFilter{
		Platform: r.URL.Query().Get("platform"),
		ClassID:  r.URL.Query().Get("class"),
	}
	if rawStatus := r.URL.Query().Get("status"); rawStatus != "" {
		status, ok := assignsync.ParseStatus(rawStatus)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown status filter")
			return
		}
		filter.Status = status
	}
	items := s.store.ListAssignments(filter)
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request, key string) {
	assignment, err := s.store.Get(key)
	if err != nil {
		if errors.Is(err, assignsync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "assignment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid limit")
			return
		}
		limit = parsed
	}
	events, nextCursor := s.store.Events(r.URL.Query().Get("cursor"), limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"events":     events,
		"nextCursor": nextCursor,
	})
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"reports": s.store.Reports()})
}

func (s *Server) handleLastReport(w http.ResponseWriter, r *http.Request) {
	report, ok := s.store.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no cycle has run yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.store.ListDeadLetters()})
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "cycle trigger not configured")
		return
	}
	report := s.runner(r)
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
