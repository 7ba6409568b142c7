package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/albapepper/beacon-scheduler/internal/api/respond"
	"github.com/albapepper/beacon-scheduler/internal/beacon"
	"github.com/albapepper/beacon-scheduler/internal/scheduler"
)

type cycleResponse struct {
	ID                   string `json:"id"`
	StartedAt            string `json:"started_at"`
	DurationMS           int64  `json:"duration_ms"`
	OK                   bool   `json:"ok"`
	Error                string `json:"error,omitempty"`
	Summary              string `json:"summary"`
	BeaconsDeactivated   int64  `json:"beacons_deactivated"`
	NotificationsExpired int64  `json:"notifications_expired"`
	ActiveBeacons        int    `json:"active_beacons"`
	Candidates           int    `json:"candidates"`
	NotificationsCreated int    `json:"notifications_created"`
	Sent                 int    `json:"sent"`
	SentSilently         int    `json:"sent_silently"`
	Failed               int    `json:"failed"`
	Cancelled            int    `json:"cancelled"`
	Escalations          int    `json:"escalations"`
}

func newCycleResponse(res beacon.CycleResult) cycleResponse {
	return cycleResponse{
		ID:                   res.ID,
		StartedAt:            res.StartedAt.UTC().Format(time.RFC3339),
		DurationMS:           res.Duration.Milliseconds(),
		OK:                   res.OK(),
		Error:                res.Err,
		Summary:              res.Summary(),
		BeaconsDeactivated:   res.Sweep.BeaconsDeactivated,
		NotificationsExpired: res.Sweep.NotificationsExpired,
		ActiveBeacons:        res.Notify.ActiveBeacons,
		Candidates:           res.Notify.Candidates,
		NotificationsCreated: res.Notify.Created,
		Sent:                 res.Dispatch.Sent,
		SentSilently:         res.Dispatch.SentSilently,
		Failed:               res.Dispatch.Failed,
		Cancelled:            res.Dispatch.Cancelled,
		Escalations:          res.Escalate.Total(),
	}
}

// GetLastCycle returns the most recent cycle run by this process.
// @Summary Last cycle result
// @Description Returns counters of the most recent cycle run by this process.
// @Tags cycles
// @Produce json
// @Success 200 {object} handler.cycleResponse
// @Failure 404 {object} respond.ErrorResponse
// @Router /api/v1/cycles/last [get]
func (h *Handler) GetLastCycle(w http.ResponseWriter, r *http.Request) {
	res, ok := h.cycles.LastCycle()
	if !ok {
		respond.WriteError(w, http.StatusNotFound, "NO_CYCLE", "No cycle has run yet")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, newCycleResponse(res))
}

// TriggerCycle starts a cycle in the background.
// @Summary Trigger a cycle
// @Description Starts a scheduling cycle in the background.
// @Tags cycles
// @Produce json
// @Success 202 {object} map[string]interface{}
// @Failure 409 {object} respond.ErrorResponse
// @Router /api/v1/cycles [post]
func (h *Handler) TriggerCycle(w http.ResponseWriter, r *http.Request) {
	err := h.trigger.TriggerAsync(scheduler.TriggerManual)
	if errors.Is(err, scheduler.ErrAlreadyRunning) {
		respond.WriteError(w, http.StatusConflict, "CYCLE_RUNNING", "A cycle is already running")
		return
	}
	if err != nil {
		respond.WriteErrorDetail(w, http.StatusInternalServerError, "TRIGGER_FAILED", "Could not start a cycle", err.Error())
		return
	}
	respond.WriteJSONObject(w, http.StatusAccepted, map[string]interface{}{
		"status":    "accepted",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
