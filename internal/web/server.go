// Package web serves a read-only JSON API and SSE progress stream over
// the run ledger, blackboards and event log.
package web

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/lunarbay/scriptmill/internal/blackboard"
	"github.com/lunarbay/scriptmill/internal/eventlog"
	"github.com/lunarbay/scriptmill/internal/runstore"
)

// Server is the read-only status server. It never mutates pipeline
// state; all writes go through the CLI and runner.
type Server struct {
	store  *runstore.Store
	boards *blackboard.Manager
	events *eventlog.DB // nil disables event endpoints
	port   int
}

// NewServer creates a Server over the given stores. events may be nil.
func NewServer(store *runstore.Store, boards *blackboard.Manager, events *eventlog.DB, port int) *Server {
	return &Server{store: store, boards: boards, events: events, port: port}
}

// Handler returns the route mux, split out so tests can drive it with
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.routeRun)
	mux.HandleFunc("/api/batches/", s.handleBatch)
	mux.HandleFunc("/api/events", s.handleRecentEvents)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// Start begins listening. Blocks until the listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Printf("scriptmill status API: http://localhost%s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// routeRun dispatches /api/runs/{id}[/...] paths.
func (s *Server) routeRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		s.handleRunDetail(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "blackboard":
		s.handleBlackboard(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "events":
		s.handleRunEvents(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "stream":
		s.handleRunStream(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
