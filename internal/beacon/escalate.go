package beacon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/albapepper/beacon-scheduler/internal/push"
)

// EscalationResult counts owner escalation outcomes.
type EscalationResult struct {
	Considered int
	Fired      [FinalStage]int // by stage fired
	Silent     int             // fired without a push: owner has none
	Failed     int             // push failed; stage left for the next cycle
	Conflicts  int
}

// Total returns the number of stages fired.
func (r EscalationResult) Total() int {
	n := 0
	for _, f := range r.Fired {
		n += f
	}
	return n
}

type ownerMessage struct {
	title string
	body  string
}

func stageMessage(stage, replies int) ownerMessage {
	switch stage {
	case 0:
		return ownerMessage{"Hey someone's thinking of you!", "Open your beacon to read their message."}
	case 1:
		return ownerMessage{"People are thinking of you!", fmt.Sprintf("%d people replied to your beacon.", replies)}
	default:
		return ownerMessage{"Your beacon is about to expire", "Open it to read the replies you received."}
	}
}

// dueStage reports whether the beacon's current stage should fire at now.
func dueStage(esc Escalation, now time.Time, s Settings) bool {
	replies := len(esc.RepliedIDs)
	switch esc.Stage {
	case 0:
		return replies == 1
	case 1:
		return replies >= 2 && now.Sub(esc.CreatedAt) >= s.StageOneDelay
	case 2:
		return replies >= 1 && now.Before(esc.ExpiresAt) && !now.Before(esc.ExpiresAt.Add(-s.StageTwoWindow))
	default:
		return false
	}
}

// escalate fires at most one stage per beacon. A stage advances only after
// the owner push succeeded (or the owner has no push), and the stage bump
// and OWNER_NOTIFIED marks are written in one transaction.
func (e *Engine) escalate(ctx context.Context, now time.Time) (EscalationResult, error) {
	var res EscalationResult

	escalations, err := e.store.EscalationCandidates(ctx, now)
	if err != nil {
		return res, fmt.Errorf("load escalation candidates: %w", err)
	}
	res.Considered = len(escalations)

	var errs []error
	for _, esc := range escalations {
		if esc.Stage < 0 || esc.Stage >= FinalStage || !dueStage(esc, now, e.settings) {
			continue
		}

		silent := !esc.Push || len(esc.Tokens) == 0
		if !silent {
			if err := e.notifyOwner(ctx, esc); err != nil {
				res.Failed++
				e.logger.Warn("owner push failed; stage not advanced",
					"beacon_id", esc.BeaconID, "stage", esc.Stage, "error", err)
				continue
			}
		}

		err := e.store.AdvanceStage(ctx, esc.BeaconID, esc.Stage, esc.RepliedIDs)
		switch {
		case errors.Is(err, ErrStageConflict):
			res.Conflicts++
			e.logger.Info("beacon stage already advanced", "beacon_id", esc.BeaconID, "stage", esc.Stage)
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("advance beacon %d stage %d: %w", esc.BeaconID, esc.Stage, err))
			continue
		}

		res.Fired[esc.Stage]++
		if silent {
			res.Silent++
		}
		e.logger.Info("owner escalated",
			"beacon_id", esc.BeaconID, "owner_id", esc.OwnerID,
			"stage", esc.Stage+1, "replies", len(esc.RepliedIDs), "silent", silent)
	}
	return res, errors.Join(errs...)
}

// notifyOwner pushes the stage message to every owner device. It succeeds
// if any device accepted it.
func (e *Engine) notifyOwner(ctx context.Context, esc Escalation) error {
	m := stageMessage(esc.Stage, len(esc.RepliedIDs))
	data := map[string]any{
		"notificationIds": esc.RepliedIDs,
		"beaconId":        esc.BeaconID,
		"route":           RouteBeaconReplies,
	}

	msgs := make([]push.Message, len(esc.Tokens))
	for i, tok := range esc.Tokens {
		msgs[i] = push.Message{To: tok, Title: m.title, Body: m.body, Sound: "default", Data: data}
	}

	tickets, err := e.sender.Send(ctx, msgs)
	if err != nil {
		return err
	}

	var pruned []string
	var lastErr error
	accepted := false
	for i, t := range tickets {
		if t.OK() {
			accepted = true
			continue
		}
		lastErr = t.Err
		if i < len(msgs) && errors.Is(t.Err, push.ErrDeviceNotRegistered) {
			pruned = append(pruned, msgs[i].To)
		}
	}
	if len(pruned) > 0 {
		if err := e.store.DeactivateDeviceTokens(ctx, pruned); err != nil {
			e.logger.Warn("failed to deactivate device tokens", "count", len(pruned), "error", err)
		}
	}
	if !accepted {
		if lastErr == nil {
			lastErr = errors.New("no tickets returned")
		}
		return lastErr
	}
	return nil
}
