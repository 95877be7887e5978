package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger is a component that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusHandler reports per-component connectivity for the dashboard.
type StatusHandler struct {
	Mode       string
	WorkerID   string
	StartedAt  time.Time
	Components map[string]Pinger
}

// NewStatusHandler creates a StatusHandler. Components maps a display name
// ("postgres", "redis") to its pinger; nil entries are skipped.
func NewStatusHandler(mode, workerID string, components map[string]Pinger) *StatusHandler {
	return &StatusHandler{
		Mode:       mode,
		WorkerID:   workerID,
		StartedAt:  time.Now().UTC(),
		Components: components,
	}
}

// GetStatus responds with the worker mode, uptime, and the health of each
// registered component.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	components := make(map[string]string, len(h.Components))
	healthy := true
	for name, p := range h.Components {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			components[name] = "down: " + err.Error()
			healthy = false
		} else {
			components[name] = "ok"
		}
	}

	status := "ok"
	if !healthy {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"mode":           h.Mode,
		"worker_id":      h.WorkerID,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
		"components":     components,
	})
}
