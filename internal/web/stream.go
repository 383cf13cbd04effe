package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// streamInterval is how often the run snapshot is polled and pushed.
var streamInterval = time.Second

// handleRunStream serves a Server-Sent Events stream of a run's ledger
// snapshot. It polls the ledger and pushes the full run as one SSE
// message per tick. When the run reaches a terminal status it sends a
// final "done" event and closes.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	send := func() (terminal bool) {
		run, err := s.store.GetRun(runID)
		if err != nil {
			sendDone("run not found")
			return true
		}
		data, err := json.Marshal(run)
		if err != nil {
			sendDone("encode failed")
			return true
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		if run.Status.Terminal() {
			sendDone(string(run.Status))
			return true
		}
		return false
	}

	if send() {
		return
	}

	tick := time.NewTicker(streamInterval)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}
		if send() {
			return
		}
	}
}
