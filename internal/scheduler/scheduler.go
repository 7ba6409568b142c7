// Package scheduler runs beacon cycles on a fixed interval with at most one
// cycle in flight, locally and (with a RedisLocker) across replicas.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/albapepper/beacon-scheduler/internal/beacon"
)

// Trigger sources recorded in logs.
const (
	TriggerTimer  = "timer"
	TriggerManual = "manual"
	TriggerEvent  = "event"
)

var (
	// ErrAlreadyRunning is returned when a cycle is already in flight in
	// this process.
	ErrAlreadyRunning = errors.New("cycle already running")

	// ErrLockHeld is returned when another replica holds the cycle lock.
	ErrLockHeld = errors.New("cycle lock held elsewhere")

	// ErrStopped is returned by TriggerAsync once Stop has been called.
	ErrStopped = errors.New("scheduler stopped")
)

// Runner runs one cycle. *beacon.Engine satisfies it.
type Runner interface {
	RunCycle(ctx context.Context) (beacon.CycleResult, error)
}

// Observer receives every completed cycle.
type Observer func(res beacon.CycleResult, err error)

// Scheduler periodically runs cycles.
type Scheduler struct {
	runner   Runner
	locker   Locker
	observe  Observer
	interval time.Duration
	logger   *slog.Logger

	running atomic.Bool

	mu      sync.RWMutex
	stopped bool
	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocker sets the cross-process lock. The default never contends.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithObserver registers a hook called after every cycle.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observe = o }
}

// New creates a scheduler running r every interval.
func New(r Runner, interval time.Duration, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner:   r,
		locker:   NoopLocker{},
		interval: interval,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs a cycle immediately and then every interval until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.baseCtx = ctx
	s.stopped = false
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("Cycle scheduler started", "interval", s.interval)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for in-flight cycles to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.wg.Wait()
	s.logger.Info("Cycle scheduler stopped")
}

// Running reports whether a cycle is in flight in this process.
func (s *Scheduler) Running() bool { return s.running.Load() }

// tick runs a timer cycle. Failures are logged by the engine and retried
// on the next tick.
func (s *Scheduler) tick(ctx context.Context) {
	_, _ = s.Run(ctx, TriggerTimer)
}

// Run runs one cycle now and waits for it. It returns ErrAlreadyRunning or
// ErrLockHeld without running when another cycle is in flight.
func (s *Scheduler) Run(ctx context.Context, trigger string) (beacon.CycleResult, error) {
	var res beacon.CycleResult
	err := s.Exclusive(ctx, trigger, func(ctx context.Context) error {
		var err error
		res, err = s.runCycle(ctx)
		return err
	})
	return res, err
}

// Exclusive runs fn under the same guards as a cycle: the local
// single-flight flag and the cross-process lock. One-shot phases use it so
// they never overlap a cycle.
func (s *Scheduler) Exclusive(ctx context.Context, trigger string, fn func(ctx context.Context) error) error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("cycle skipped", "trigger", trigger, "reason", "already running")
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)
	return s.withLock(ctx, trigger, fn)
}

// TriggerAsync starts a cycle in the background and returns at once. The
// cycle runs under the scheduler's context, not the caller's.
func (s *Scheduler) TriggerAsync(trigger string) error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("cycle skipped", "trigger", trigger, "reason", "already running")
		return ErrAlreadyRunning
	}

	// wg.Add happens under mu so it cannot race Stop's wg.Wait.
	s.mu.Lock()
	ctx := s.baseCtx
	if s.stopped || (ctx != nil && ctx.Err() != nil) {
		s.mu.Unlock()
		s.running.Store(false)
		s.logger.Info("cycle skipped", "trigger", trigger, "reason", "scheduler stopped")
		return ErrStopped
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		_ = s.withLock(ctx, trigger, func(ctx context.Context) error {
			_, err := s.runCycle(ctx)
			return err
		})
	}()
	return nil
}

func (s *Scheduler) runCycle(ctx context.Context) (beacon.CycleResult, error) {
	res, err := s.runner.RunCycle(ctx)
	if s.observe != nil {
		s.observe(res, err)
	}
	return res, err
}

// withLock runs fn while holding the cross-process lock. The caller holds
// the local single-flight flag.
func (s *Scheduler) withLock(ctx context.Context, trigger string, fn func(ctx context.Context) error) error {
	release, ok, err := s.locker.TryLock(ctx)
	switch {
	case err != nil:
		// Fails open. (beacon, user) uniqueness still prevents repeat pushes,
		// but an overlap with another replica can exceed a user's daily budget.
		s.logger.Warn("cycle lock unavailable, running unlocked", "trigger", trigger, "error", err)
		release = nil
	case !ok:
		s.logger.Info("cycle skipped", "trigger", trigger, "reason", "lock held")
		return ErrLockHeld
	}
	if release != nil {
		defer func() {
			if err := release(); err != nil {
				s.logger.Warn("failed to release cycle lock", "error", err)
			}
		}()
	}

	s.logger.Info("cycle triggered", "trigger", trigger)
	return fn(ctx)
}
