package handler

import (
	"net/http"
	"time"
)

// StatusHandler reports the running mode and escrow parameters.
type StatusHandler struct {
	Mode      string
	FeedID    string
	Store     string
	StartedAt time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, feedID, store string, startedAt time.Time) *StatusHandler {
	return &StatusHandler{Mode: mode, FeedID: feedID, Store: store, StartedAt: startedAt}
}

// GetStatus responds with the current mode, feed and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"feed_id":        h.FeedID,
		"store":          h.Store,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}
