package beacon

import (
	"fmt"
	"time"
)

// CycleResult tracks the outcome of one scheduling cycle.
type CycleResult struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration
	Sweep     SweepResult
	Notify    NotifyResult
	Dispatch  DispatchResult
	Escalate  EscalationResult
	Err       string
}

// OK reports whether every phase completed.
func (r *CycleResult) OK() bool { return r.Err == "" }

// Summary returns a human-readable summary.
func (r *CycleResult) Summary() string {
	status := "ok"
	if !r.OK() {
		status = "FAILED"
	}
	return fmt.Sprintf(
		"deactivated=%d expired=%d beacons=%d candidates=%d created=%d sent=%d silent=%d failed=%d cancelled=%d escalations=%d status=%s dur=%s",
		r.Sweep.BeaconsDeactivated, r.Sweep.NotificationsExpired,
		r.Notify.ActiveBeacons, r.Notify.Candidates, r.Notify.Created,
		r.Dispatch.Sent, r.Dispatch.SentSilently, r.Dispatch.Failed, r.Dispatch.Cancelled,
		r.Escalate.Total(), status, r.Duration.Round(time.Millisecond))
}

// LogAttrs returns the cycle counters as slog key/value pairs.
func (r *CycleResult) LogAttrs() []any {
	return []any{
		"duration", r.Duration,
		"beacons_deactivated", r.Sweep.BeaconsDeactivated,
		"notifications_expired", r.Sweep.NotificationsExpired,
		"beacons_considered", r.Notify.ActiveBeacons,
		"candidates", r.Notify.Candidates,
		"notifications_created", r.Notify.Created,
		"sent", r.Dispatch.Sent,
		"sent_silently", r.Dispatch.SentSilently,
		"failed", r.Dispatch.Failed,
		"cancelled", r.Dispatch.Cancelled,
		"escalations", r.Escalate.Total(),
	}
}
