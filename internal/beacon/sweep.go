package beacon

import (
	"context"
	"fmt"
	"time"
)

// SweepResult counts rows changed by the expiry sweep.
type SweepResult struct {
	BeaconsDeactivated   int64
	NotificationsExpired int64
}

// sweep deactivates beacons expiring within the lookahead and expires
// delivered notifications of beacons that are past their expiry. Both
// writes are set-based and idempotent.
func (e *Engine) sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult

	n, err := e.store.DeactivateExpiring(ctx, now.Add(e.settings.ExpiryLookahead))
	if err != nil {
		return res, fmt.Errorf("deactivate expiring beacons: %w", err)
	}
	res.BeaconsDeactivated = n

	n, err = e.store.ExpireNotifications(ctx, now)
	if err != nil {
		return res, fmt.Errorf("expire notifications: %w", err)
	}
	res.NotificationsExpired = n

	if res.BeaconsDeactivated > 0 || res.NotificationsExpired > 0 {
		e.logger.Info("expiry sweep",
			"beacons_deactivated", res.BeaconsDeactivated,
			"notifications_expired", res.NotificationsExpired)
	}
	return res, nil
}
