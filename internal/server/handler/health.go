package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Check tests one dependency.
type Check func(ctx context.Context) error

// healthTimeout bounds all checks of one request.
const healthTimeout = 3 * time.Second

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks map[string]Check
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. checks may be nil.
func NewHealthHandler(checks map[string]Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logHandler(logger, "health")}
}

// HealthCheck runs every dependency check concurrently and reports "ok" or
// "degraded". A degraded service still answers 200; the body names the
// failing dependency.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]string, len(h.checks))
	)
	for name, check := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := "ok"
			if err := check(ctx); err != nil {
				status = err.Error()
				h.logger.WarnContext(ctx, "dependency unhealthy",
					slog.String("dependency", name),
					slog.String("error", status),
				)
			}
			mu.Lock()
			results[name] = status
			mu.Unlock()
		}()
	}
	wg.Wait()

	overall := "ok"
	names := make([]string, 0, len(results))
	for name, status := range results {
		names = append(names, name)
		if status != "ok" {
			overall = "degraded"
		}
	}
	sort.Strings(names)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       overall,
		"dependencies": results,
		"checked":      names,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}
