package handlers

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmylchreest/brokerd/internal/backing"
	"github.com/jmylchreest/brokerd/internal/version"
)

// HealthHandler reports process and dependency health.
type HealthHandler struct {
	db    *sql.DB
	store *backing.Store
	start time.Time
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(db *sql.DB, store *backing.Store) *HealthHandler {
	return &HealthHandler{db: db, store: store, start: time.Now()}
}

// HealthOutput is the health check response.
type HealthOutput struct {
	Body struct {
		Status        string `json:"status"`
		Version       string `json:"version"`
		UptimeSeconds int64  `json:"uptime"`
		Redis         string `json:"redis"`
		Database      string `json:"database"`
	}
}

// Health reports overall service health. Degraded dependencies flip the
// status but the endpoint itself stays 200 so probes can read the detail.
func (h *HealthHandler) Health(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{}
	out.Body.Status = "ok"
	out.Body.Version = version.Get().Version
	out.Body.UptimeSeconds = int64(time.Since(h.start).Seconds())

	out.Body.Redis = "connected"
	if err := h.store.Ping(ctx); err != nil {
		out.Body.Redis = "disconnected"
		out.Body.Status = "degraded"
	}

	out.Body.Database = "connected"
	if err := h.db.PingContext(ctx); err != nil {
		out.Body.Database = "disconnected"
		out.Body.Status = "degraded"
	}
	return out, nil
}
