// Package api is the Execute façade: the thin HTTP transport that
// validates requests, routes them into internal/engine.SessionManager,
// and renders an Outcome as JSON. Grounded on steel-orchestrator's
// main.go handler functions, collapsed to a single endpoint and routed
// with go-chi/chi (used by wilke-cwe-cwl and divitsinghall-Vortex)
// instead of a bare http.ServeMux.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"cellrunner/internal/engine"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// executeRequest is the wire shape of POST /execute's body.
type executeRequest struct {
	Code string `json:"code"`
	ID   string `json:"id,omitempty"`
}

// executeResponse is the wire shape of POST /execute's body. Stdout,
// Stderr, and Error are all *string so that an absent field serializes as
// JSON null rather than an empty string: empty captured output on a
// stream is reported as null, not as the empty string.
type executeResponse struct {
	ID     string  `json:"id"`
	Stdout *string `json:"stdout"`
	Stderr *string `json:"stderr"`
	Error  *string `json:"error"`
}

// Server wires the Execute façade and the supplemented introspection
// routes onto a chi.Router.
type Server struct {
	sessions          *engine.SessionManager
	log               *zap.Logger
	enableDebugRoutes bool
}

func NewServer(sessions *engine.SessionManager, log *zap.Logger, enableDebugRoutes bool) *Server {
	return &Server{sessions: sessions, log: log, enableDebugRoutes: enableDebugRoutes}
}

// Router builds the HTTP mux, analogous to steel-orchestrator's main.go
// http.NewServeMux() wiring.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Post("/execute", s.handleExecute)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	if s.enableDebugRoutes {
		r.Post("/debug/sessions/{id}/crash", s.handleDebugCrash)
	}

	return r
}

// handleExecute validates the request, dispatches it, and renders the
// result. Status is always 200 for domain-level outcomes (including
// resource-limit errors); 422 is reserved for request-validation
// failures, which are this façade's own responsibility — the core engine
// never sees a malformed request.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "malformed JSON body")
		return
	}
	if len(req.Code) == 0 {
		writeValidationError(w, "code is required and must be non-empty")
		return
	}

	outcome := s.sessions.Execute(req.ID, req.Code)
	writeOutcome(w, outcome)
}

func writeValidationError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeOutcome(w http.ResponseWriter, o engine.Outcome) {
	resp := executeResponse{ID: o.ID, Stdout: o.Stdout, Stderr: o.Stderr}
	if o.IsError() {
		errStr := string(o.Error)
		resp.Error = &errStr
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type sessionStatus struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	LastActive time.Time `json:"last_active"`
}

// handleStatus reports pool/session counts for operators — no session
// code or captured output is exposed.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snaps := s.sessions.Snapshot()
	sessions := make([]sessionStatus, len(snaps))
	for i, sn := range snaps {
		sessions[i] = sessionStatus{ID: sn.ID, State: sn.State, LastActive: sn.LastActive}
	}

	status := map[string]interface{}{
		"active_sessions": s.sessions.Count(),
		"sessions":        sessions,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleDebugCrash kills the worker behind a session on demand — a direct
// test hook for the resource-limit/reaper paths, mirroring
// steel-orchestrator's /debug/crash-worker route. Only mounted when
// --enable-debug-routes is set.
func (s *Server) handleDebugCrash(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessions.CrashSession(id) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
