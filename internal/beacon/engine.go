package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase names used in PhaseError and cycle logs.
const (
	PhaseSweep    = "sweep"
	PhaseNotify   = "notify"
	PhaseDispatch = "dispatch"
	PhaseEscalate = "escalate"
)

// PhaseError reports which cycle phase failed. Phases that completed before
// it keep their writes.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string { return e.Phase + ": " + e.Err.Error() }

func (e *PhaseError) Unwrap() error { return e.Err }

// NotifyResult counts the candidate search and assignment.
type NotifyResult struct {
	ActiveBeacons         int
	SearchableBeacons     int
	BeaconsWithCandidates int
	Candidates            int
	Assigned              int
	Created               int
}

// Engine runs scheduling cycles against a Store and Sender. It holds no
// per-cycle state between runs.
type Engine struct {
	store    Store
	sender   Sender
	settings Settings
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last *CycleResult
}

// NewEngine creates an engine. Zero settings fields take their defaults.
func NewEngine(store Store, sender Sender, settings Settings, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		sender:   sender,
		settings: settings.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// Settings returns the effective settings.
func (e *Engine) Settings() Settings { return e.settings }

// RunCycle runs sweep, notify, dispatch and escalate in order, stopping at
// the first phase that fails. The result is recorded for LastCycle.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	now := e.now()
	res := CycleResult{ID: uuid.NewString(), StartedAt: now}
	logger := e.logger.With("cycle_id", res.ID)
	logger.Info("cycle started")

	err := e.runPhases(ctx, now, &res)
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err.Error()
		phase := ""
		var pe *PhaseError
		if errors.As(err, &pe) {
			phase = pe.Phase
		}
		logger.Error("cycle failed", "phase", phase, "error", err, "duration", res.Duration)
	} else {
		logger.Info("cycle finished", res.LogAttrs()...)
	}

	e.mu.Lock()
	snapshot := res
	e.last = &snapshot
	e.mu.Unlock()
	return res, err
}

func (e *Engine) runPhases(ctx context.Context, now time.Time, res *CycleResult) error {
	var err error
	if res.Sweep, err = e.sweep(ctx, now); err != nil {
		return &PhaseError{Phase: PhaseSweep, Err: err}
	}
	if res.Notify, err = e.notify(ctx, now); err != nil {
		return &PhaseError{Phase: PhaseNotify, Err: err}
	}
	if res.Dispatch, err = e.dispatch(ctx, now); err != nil {
		return &PhaseError{Phase: PhaseDispatch, Err: err}
	}
	if res.Escalate, err = e.escalate(ctx, now); err != nil {
		return &PhaseError{Phase: PhaseEscalate, Err: err}
	}
	return nil
}

// LastCycle returns the most recent cycle result, if any.
func (e *Engine) LastCycle() (CycleResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return CycleResult{}, false
	}
	return *e.last, true
}

// Sweep runs only the expiry sweep.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	return e.sweep(ctx, e.now())
}

// Notify runs only candidate search, assignment and commit.
func (e *Engine) Notify(ctx context.Context) (NotifyResult, error) {
	return e.notify(ctx, e.now())
}

// Dispatch runs only delivery of pending notifications.
func (e *Engine) Dispatch(ctx context.Context) (DispatchResult, error) {
	return e.dispatch(ctx, e.now())
}

// Escalate runs only owner escalation.
func (e *Engine) Escalate(ctx context.Context) (EscalationResult, error) {
	return e.escalate(ctx, e.now())
}

// notify reads one snapshot of beacons and users, assigns recipients in
// memory, and commits the new rows as a single batch.
func (e *Engine) notify(ctx context.Context, now time.Time) (NotifyResult, error) {
	var res NotifyResult

	beacons, err := e.store.ActiveBeacons(ctx, now)
	if err != nil {
		return res, fmt.Errorf("load active beacons: %w", err)
	}
	res.ActiveBeacons = len(beacons)
	if len(beacons) == 0 {
		return res, nil
	}

	candidates, searchable, err := e.findCandidates(ctx, beacons, now)
	res.SearchableBeacons = searchable
	if err != nil {
		return res, err
	}
	res.BeaconsWithCandidates = len(candidates)
	for _, list := range candidates {
		res.Candidates += len(list)
	}

	assignments := Assign(candidates, budgetsFor(candidates))
	res.Assigned = len(assignments)
	if len(assignments) == 0 {
		return res, nil
	}

	created, err := e.store.CreateNotifications(ctx, assignments)
	if err != nil {
		return res, fmt.Errorf("create notifications: %w", err)
	}
	res.Created = len(created)
	return res, nil
}
