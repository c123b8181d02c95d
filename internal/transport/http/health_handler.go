package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"keygate/internal/cache"
	"keygate/internal/infrastructure"
	"keygate/internal/store"
)

// readinessTimeout bounds the dependency probes so a wedged database turns
// into an unready answer instead of a hung one.
const readinessTimeout = 2 * time.Second

// HealthHandler answers liveness and readiness probes.
type HealthHandler struct {
	store   *store.Store
	cache   cache.Cache
	logger  *slog.Logger
	started time.Time
}

// HealthStatus is the probe response shape.
type HealthStatus struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version string            `json:"version"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks,omitempty"`
	Cache   *cache.Stats      `json:"cache,omitempty"`
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(st *store.Store, c cache.Cache, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		store:   st,
		cache:   c,
		logger:  logger.With(slog.String("handler", "health")),
		started: time.Now(),
	}
}

// Live handles GET /healthz. It answers 200 while the process can serve
// requests at all; dependency state is the readiness probe's business.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, HealthStatus{
		Status:  "alive",
		Service: infrastructure.ServiceName,
		Version: infrastructure.ServiceVersion,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	})
}

// Ready handles GET /readyz, probing the database and reporting cache
// occupancy.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := map[string]string{"database": "ok"}
	status := "ready"
	code := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		h.logger.WarnContext(ctx, "readiness probe failed",
			slog.String("check", "database"),
			slog.String("error", err.Error()),
		)
		checks["database"] = "failed"
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	stats := h.cache.Stats()

	render.Status(r, code)
	render.JSON(w, r, HealthStatus{
		Status:  status,
		Service: infrastructure.ServiceName,
		Version: infrastructure.ServiceVersion,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Checks:  checks,
		Cache:   &stats,
	})
}
