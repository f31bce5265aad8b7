package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/bidwatch/internal/service"
)

// LiveStatus reports the live service's views.
type LiveStatus interface {
	Status() service.Status
}

// StatusHandler serves the backend status for operators.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	live      LiveStatus
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, startedAt time.Time, live LiveStatus) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, live: live}
}

// GetStatus responds with the mode, uptime and live view counts.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":          h.mode,
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
		"live":          h.live.Status(),
	})
}
