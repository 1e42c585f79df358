package http

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	db        *sql.DB
	startedAt time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(db *sql.DB, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		db:        db,
		startedAt: time.Now(),
		logger:    logger.With(slog.String("handler", "health")),
	}
}

// Routes returns the health route tree.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Health)
	r.Get("/ready", h.Ready)
	r.Get("/version", h.Version)
	return r
}

// Health handles GET /health: process is up.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(h.startedAt).String(),
		"timestamp": time.Now().UTC(),
	})
}

// Ready handles GET /health/ready: process can serve, storage reachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "readiness check failed",
			slog.String("error", err.Error()))
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]any{
			"status": "unavailable",
			"reason": "storage unreachable",
		})
		return
	}

	render.JSON(w, r, map[string]any{"status": "ready"})
}

// Version handles GET /health/version.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"version":   Version,
		"timestamp": time.Now().UTC(),
	})
}
