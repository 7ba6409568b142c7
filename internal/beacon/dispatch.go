package beacon

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/albapepper/beacon-scheduler/internal/push"
)

// ErrProviderUnavailable is returned by Dispatch when every provider request
// in the run failed. Statuses are still committed.
var ErrProviderUnavailable = errors.New("push provider unavailable")

const (
	recipientTitle = "Someone nearby could use some support"
	recipientBody  = "Tap to send them a kind word."
)

// DispatchResult counts how pending notifications were resolved.
type DispatchResult struct {
	Pending      int
	Sent         int
	SentSilently int // recipient had no push capability
	Failed       int // provider rejected every message; resolved silently
	Cancelled    int
	TokensPruned int
}

// outbound ties a provider message back to its notification.
type outbound struct {
	notificationID int64
	msg            push.Message
}

func recipientMessage(d Delivery, token string) push.Message {
	return push.Message{
		To:    token,
		Title: recipientTitle,
		Body:  recipientBody,
		Sound: "default",
		Data: map[string]any{
			"dataType":        DataTypeBeacon,
			"beaconId":        d.BeaconID,
			"notificationId":  d.NotificationID,
			"beaconExpiresAt": d.BeaconExpiresAt.UTC().Format(time.RFC3339),
			"route":           RouteBeacon,
		},
	}
}

// dispatch resolves every pending notification of the day window:
// inactive beacons are CANCELLED, recipients without push are SENT_SILENTLY,
// the rest are sent in chunks and become SENT if any of their messages was
// accepted or SENT_SILENTLY otherwise.
func (e *Engine) dispatch(ctx context.Context, now time.Time) (DispatchResult, error) {
	var res DispatchResult

	deliveries, err := e.store.PendingDeliveries(ctx, e.settings.DayStart(now))
	if err != nil {
		return res, fmt.Errorf("load pending deliveries: %w", err)
	}
	res.Pending = len(deliveries)
	if len(deliveries) == 0 {
		return res, nil
	}

	var cancelled, silent []int64
	var out []outbound
	attempted := make(map[int64]bool)
	for _, d := range deliveries {
		switch {
		case !d.BeaconActive || !d.BeaconExpiresAt.After(now):
			cancelled = append(cancelled, d.NotificationID)
		case !d.Push || len(d.Tokens) == 0:
			silent = append(silent, d.NotificationID)
		default:
			attempted[d.NotificationID] = true
			for _, tok := range d.Tokens {
				out = append(out, outbound{notificationID: d.NotificationID, msg: recipientMessage(d, tok)})
			}
		}
	}

	delivered := make(map[int64]bool)
	var pruned []string
	chunks, failedChunks := 0, 0
	for start := 0; start < len(out); start += e.settings.ChunkSize {
		end := min(start+e.settings.ChunkSize, len(out))
		batch := out[start:end]
		chunks++

		msgs := make([]push.Message, len(batch))
		for i, o := range batch {
			msgs[i] = o.msg
		}

		tickets, err := e.sender.Send(ctx, msgs)
		if err != nil {
			failedChunks++
			e.logger.Warn("push batch failed", "messages", len(msgs), "error", err)
			continue
		}
		for i, t := range tickets {
			if i >= len(batch) {
				break
			}
			if t.OK() {
				delivered[batch[i].notificationID] = true
				continue
			}
			if errors.Is(t.Err, push.ErrDeviceNotRegistered) {
				pruned = append(pruned, batch[i].msg.To)
			}
			e.logger.Debug("push rejected",
				"notification_id", batch[i].notificationID, "error", t.Err)
		}
	}

	var sent, failed []int64
	for id := range attempted {
		if delivered[id] {
			sent = append(sent, id)
		} else {
			failed = append(failed, id)
		}
	}

	slices.Sort(sent)
	slices.Sort(failed)

	res.Cancelled = len(cancelled)
	res.SentSilently = len(silent)
	res.Sent = len(sent)
	res.Failed = len(failed)

	var errs []error
	if len(cancelled) > 0 {
		if err := e.store.SetNotificationStatus(ctx, cancelled, StatusCancelled, nil); err != nil {
			errs = append(errs, fmt.Errorf("mark cancelled: %w", err))
		}
	}
	if len(sent) > 0 {
		if err := e.store.SetNotificationStatus(ctx, sent, StatusSent, &now); err != nil {
			errs = append(errs, fmt.Errorf("mark sent: %w", err))
		}
	}
	if resolved := append(silent, failed...); len(resolved) > 0 {
		if err := e.store.SetNotificationStatus(ctx, resolved, StatusSentSilently, &now); err != nil {
			errs = append(errs, fmt.Errorf("mark sent silently: %w", err))
		}
	}

	if len(pruned) > 0 {
		if err := e.store.DeactivateDeviceTokens(ctx, pruned); err != nil {
			e.logger.Warn("failed to deactivate device tokens", "count", len(pruned), "error", err)
		} else {
			res.TokensPruned = len(pruned)
		}
	}

	if chunks > 0 && failedChunks == chunks {
		errs = append(errs, ErrProviderUnavailable)
	}
	return res, errors.Join(errs...)
}
