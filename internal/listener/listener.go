// Package listener provides a Postgres LISTEN/NOTIFY consumer that starts a
// cycle early when beacons are created or replied to. It holds a dedicated
// pgx connection (not from the pool) listening on the `beacon_activity`
// channel.
//
// Triggers in the migrations fire pg_notify on beacon insert and when a
// notification moves to REPLIED. Bursts are coalesced into one cycle; a
// cycle already in flight absorbs the event and the next tick picks up
// anything it missed.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/albapepper/beacon-scheduler/internal/scheduler"
)

const (
	channel          = "beacon_activity"
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second

	// DefaultDebounce is how long to wait for more events before triggering.
	DefaultDebounce = 2 * time.Second
)

// Event is the JSON payload from pg_notify('beacon_activity', ...).
type Event struct {
	Kind     string `json:"kind"` // created, replied
	BeaconID int64  `json:"beacon_id"`
}

// Trigger starts a background cycle. *scheduler.Scheduler satisfies it.
type Trigger interface {
	TriggerAsync(trigger string) error
}

// Start opens a dedicated connection and listens on the beacon_activity
// channel. It reconnects automatically on connection loss. Blocks until ctx
// is cancelled. Intended to be called with `go`.
func Start(ctx context.Context, dbURL string, trigger Trigger, debounce time.Duration, logger *slog.Logger) {
	events := make(chan Event, 64)
	go coalesce(ctx, events, debounce, func(n int) { fire(trigger, n, logger) })

	backoff := reconnectBackoff
	for {
		err := listenLoop(ctx, dbURL, events, logger)
		if ctx.Err() != nil {
			logger.Info("Beacon listener stopped (context cancelled)")
			return
		}

		logger.Error("Beacon listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func listenLoop(ctx context.Context, dbURL string, events chan<- Event, logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("LISTEN %s: %w", channel, err)
	}
	logger.Info("Beacon listener connected", "channel", channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		var event Event
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			logger.Warn("Failed to parse beacon event",
				"payload", notification.Payload, "error", err)
			continue
		}
		logger.Debug("Beacon event received", "kind", event.Kind, "beacon_id", event.BeaconID)

		select {
		case events <- event:
		default:
			// A trigger is already pending; dropping is safe.
		}
	}
}

// coalesce calls fire once per burst: after the first event it waits for
// the debounce window, counting any events that arrive in the meantime.
func coalesce(ctx context.Context, events <-chan Event, debounce time.Duration, fire func(n int)) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
		}

		n := 1
		timer := time.NewTimer(debounce)
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-events:
				n++
			case <-timer.C:
				break wait
			}
		}
		fire(n)
	}
}

func fire(trigger Trigger, events int, logger *slog.Logger) {
	err := trigger.TriggerAsync(scheduler.TriggerEvent)
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		logger.Debug("Beacon events absorbed by running cycle", "events", events)
	case errors.Is(err, scheduler.ErrStopped):
		logger.Debug("Beacon events dropped, scheduler stopped", "events", events)
	case err != nil:
		logger.Warn("Failed to trigger cycle from beacon events", "events", events, "error", err)
	default:
		logger.Info("Cycle triggered by beacon events", "events", events)
	}
}
