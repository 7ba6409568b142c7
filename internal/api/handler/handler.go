// Package handler provides HTTP handlers for the ops endpoints.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/albapepper/beacon-scheduler/internal/api/respond"
	"github.com/albapepper/beacon-scheduler/internal/beacon"
)

// Version is reported at / and overridden at build time.
var Version = "dev"

// DBChecker verifies database connectivity. *db.Pool satisfies it.
type DBChecker interface {
	HealthCheck(ctx context.Context) error
}

// CycleSource reports the last completed cycle. *beacon.Engine satisfies it.
type CycleSource interface {
	LastCycle() (beacon.CycleResult, bool)
}

// CycleTrigger starts a background cycle. *scheduler.Scheduler satisfies it.
type CycleTrigger interface {
	TriggerAsync(trigger string) error
	Running() bool
}

// Deps are the handler dependencies.
type Deps struct {
	DB      DBChecker
	Cycles  CycleSource
	Trigger CycleTrigger
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	db      DBChecker
	cycles  CycleSource
	trigger CycleTrigger
}

// New creates a Handler with shared dependencies.
func New(deps Deps) *Handler {
	return &Handler{db: deps.DB, cycles: deps.Cycles, trigger: deps.Trigger}
}

// Root serves service info at /.
// @Summary Service root info
// @Description Returns service name, version and status.
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"name":    "Beacon Scheduler",
		"version": Version,
		"status":  "running",
		"docs":    "/docs",
		"metrics": "/metrics",
	})
}

// HealthCheck returns basic health status.
// @Summary Health check
// @Description Returns basic health status, timestamp and whether a cycle is running.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"cycle_running": h.trigger.Running(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckDB verifies database connectivity.
// @Summary Database health check
// @Description Verifies Postgres connectivity.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/db [get]
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if err := h.db.HealthCheck(r.Context()); err != nil {
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unhealthy",
			"database":  "disconnected",
			"error":     "Database connection check failed",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
