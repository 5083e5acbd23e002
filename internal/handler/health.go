package handler

import (
	"context"
	"net/http"
	"time"
)

// Version is reported by the health endpoint. Set at build time.
var Version = "dev"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services"`
}

// Health reports liveness and the state of each dependency. It always
// answers 200 so orchestrators do not restart the process over a
// dependency outage.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	services := h.checkDependencies(r.Context())

	status := "healthy"
	for _, s := range services {
		if s != "healthy" {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   status,
		Version:  Version,
		Services: services,
	})
}

// Ready returns 503 until every dependency answers. Authentication fails
// closed without them, so traffic should not be routed here.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	for name, s := range h.checkDependencies(r.Context()) {
		if s != "healthy" {
			writeError(w, r, http.StatusServiceUnavailable, "not_ready", name+" not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) checkDependencies(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	services := make(map[string]string, 2)
	for name, p := range map[string]Pinger{"postgres": h.db, "redis": h.rdb} {
		if err := p.HealthCheck(ctx); err != nil {
			h.log.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			services[name] = "unhealthy"
		} else {
			services[name] = "healthy"
		}
	}
	return services
}
