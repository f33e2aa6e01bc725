package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"
)

const (
	eventBuffer       = 64
	heartbeatInterval = 15 * time.Second
)

// handleEvents streams state changes as server-sent events. The optional
// kind query parameter filters by entity kind (comma separated).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	kinds := splitList(r.URL.Query().Get("kind"))

	events, cancel := s.svc.Subscribe(eventBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if len(kinds) > 0 && !slices.Contains(kinds, string(ev.Kind)) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("Failed to encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
