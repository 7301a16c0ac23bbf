package api

import (
	"net/http"
	"strconv"

	"github.com/newswatch/ingest/internal/progress"
)

const defaultEventLimit = 50

// EventsReader serves the recent progress-event history.
type EventsReader interface {
	Recent(limit int) []progress.Event
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event history not configured")
		return
	}
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events := s.deps.Events.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}
