// Command beaconctl runs the beacon notification scheduler.
//
// Usage:
//
//	beaconctl serve
//	beaconctl cycle
//	beaconctl sweep
//	beaconctl dispatch
//	beaconctl escalate
//	beaconctl migrate

// @title Beacon Scheduler Ops API
// @version 1.0
// @description Health, metrics and manual cycle control for the beacon notification scheduler.
// @BasePath /
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/albapepper/beacon-scheduler/internal/beacon"
	"github.com/albapepper/beacon-scheduler/internal/config"
	"github.com/albapepper/beacon-scheduler/internal/db"
	"github.com/albapepper/beacon-scheduler/internal/push"
	"github.com/albapepper/beacon-scheduler/internal/scheduler"
	"github.com/albapepper/beacon-scheduler/internal/store"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:          "beaconctl",
		Short:        "Beacon notification scheduler",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(cycleCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(dispatchCmd())
	root.AddCommand(escalateCmd())
	root.AddCommand(migrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// one-shot commands
// --------------------------------------------------------------------------

func cycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one full cycle: sweep, notify, dispatch, escalate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(func(ctx context.Context, _ phaseRunner, s *scheduler.Scheduler) error {
				return runCycle(ctx, s)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Deactivate expiring beacons and expire their notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(runSweep)
		},
	}
}

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver today's pending notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(runDispatch)
		},
	}
}

func escalateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "escalate",
		Short: "Notify beacon owners about replies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(runEscalate)
		},
	}
}

// phaseRunner is the part of *beacon.Engine the one-shot commands drive.
type phaseRunner interface {
	scheduler.Runner
	Sweep(ctx context.Context) (beacon.SweepResult, error)
	Dispatch(ctx context.Context) (beacon.DispatchResult, error)
	Escalate(ctx context.Context) (beacon.EscalationResult, error)
}

// The one-shots run under the scheduler's guards so an external cron never
// overlaps a serve replica or another one-shot.

func runCycle(ctx context.Context, s *scheduler.Scheduler) error {
	res, err := s.Run(ctx, scheduler.TriggerManual)
	if errors.Is(err, scheduler.ErrAlreadyRunning) || errors.Is(err, scheduler.ErrLockHeld) {
		return err
	}
	fmt.Println(res.Summary())
	return err
}

func runSweep(ctx context.Context, e phaseRunner, s *scheduler.Scheduler) error {
	return s.Exclusive(ctx, scheduler.TriggerManual, func(ctx context.Context) error {
		res, err := e.Sweep(ctx)
		if err != nil {
			return err
		}
		logger.Info("Sweep finished",
			"beacons_deactivated", res.BeaconsDeactivated,
			"notifications_expired", res.NotificationsExpired)
		return nil
	})
}

func runDispatch(ctx context.Context, e phaseRunner, s *scheduler.Scheduler) error {
	return s.Exclusive(ctx, scheduler.TriggerManual, func(ctx context.Context) error {
		res, err := e.Dispatch(ctx)
		logger.Info("Dispatch finished",
			"pending", res.Pending, "sent", res.Sent, "sent_silently", res.SentSilently,
			"failed", res.Failed, "cancelled", res.Cancelled, "tokens_pruned", res.TokensPruned)
		return err
	})
}

func runEscalate(ctx context.Context, e phaseRunner, s *scheduler.Scheduler) error {
	return s.Exclusive(ctx, scheduler.TriggerManual, func(ctx context.Context) error {
		res, err := e.Escalate(ctx)
		logger.Info("Escalation finished",
			"considered", res.Considered, "fired", res.Total(), "silent", res.Silent,
			"failed", res.Failed, "conflicts", res.Conflicts)
		return err
	})
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setLogLevel(cfg.LogLevel)

			if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("Migrations applied")
			return nil
		},
	}
}

// --------------------------------------------------------------------------
// setup helpers
// --------------------------------------------------------------------------

// run loads config, connects to the database and calls fn.
func run(fn func(ctx context.Context, cfg *config.Config, pool *db.Pool) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setLogLevel(cfg.LogLevel)

	pool, err := db.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, cfg, pool)
}

// runEngine is run with an engine wired to the database and push provider,
// and a scheduler holding the same cycle lock serve uses.
func runEngine(fn func(ctx context.Context, e phaseRunner, s *scheduler.Scheduler) error) error {
	return run(func(ctx context.Context, cfg *config.Config, pool *db.Pool) error {
		engine := newEngine(cfg, pool)
		sched, closeLock, err := newScheduler(ctx, cfg, engine)
		if err != nil {
			return err
		}
		defer closeLock()
		return fn(ctx, engine, sched)
	})
}

// newScheduler builds a scheduler for r with the Redis cycle lock when
// REDIS_URL is set. The returned func closes the Redis client.
func newScheduler(ctx context.Context, cfg *config.Config, r scheduler.Runner, opts ...scheduler.Option) (*scheduler.Scheduler, func(), error) {
	closeLock := func() {}
	if cfg.RedisURL != "" {
		rdb, err := scheduler.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		closeLock = func() { rdb.Close() }
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable; cycles will run unlocked until it recovers", "error", err)
		}
		opts = append(opts, scheduler.WithLocker(scheduler.NewRedisLocker(rdb, scheduler.DefaultLockKey, cfg.CycleLockTTL)))
		logger.Info("Distributed cycle lock enabled", "ttl", cfg.CycleLockTTL)
	}
	return scheduler.New(r, cfg.CycleInterval, logger, opts...), closeLock, nil
}

func newEngine(cfg *config.Config, pool *db.Pool) *beacon.Engine {
	return beacon.NewEngine(store.New(pool), newSender(cfg), cfg.Engine(), logger)
}

func newSender(cfg *config.Config) beacon.Sender {
	if !cfg.PushEnabled {
		logger.Info("Push delivery disabled (PUSH_ENABLED=false); logging messages only")
		return push.LogSender{Logger: logger}
	}
	return push.NewClient(cfg.Push(), logger)
}

func setLogLevel(level string) {
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)}))
	slog.SetDefault(logger)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
