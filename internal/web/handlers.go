package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/lunarbay/scriptmill/internal/blackboard"
	"github.com/lunarbay/scriptmill/internal/runstore"
)

// handleRuns lists runs, optionally filtered by ?status=.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	status := runstore.RunStatus(r.URL.Query().Get("status"))
	runs, err := s.store.ListRuns(status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.store.GetRun(runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleBlackboard serves a read-only snapshot of a run's shared
// context. The board file is reloaded per request; this endpoint never
// holds a live board open.
func (s *Server) handleBlackboard(w http.ResponseWriter, r *http.Request, runID string) {
	board, err := blackboard.Load(s.boards.BoardPath(runID), 0)
	if err != nil {
		writeError(w, http.StatusNotFound, "no blackboard for run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    runID,
		"entries":   board.Entries(blackboard.Filter{}),
		"artifacts": board.Artifacts(),
	})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event log disabled")
		return
	}
	events, err := s.events.GetRunHistory(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "events": events})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event log disabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad limit")
			return
		}
		limit = n
	}
	events, err := s.events.RecentEvents(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event log disabled")
		return
	}
	stats, err := s.events.StagePassRates()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": stats})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	batchID := r.URL.Path[len("/api/batches/"):]
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "missing batch id")
		return
	}
	status, err := s.store.GetBatchStatus(batchID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}
