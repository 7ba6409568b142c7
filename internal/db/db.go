// Package db provides a pgxpool-based connection pool with prepared statement
// registration, health checking and embedded schema migrations.
package db

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/albapepper/beacon-scheduler/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, StmtHealthCheck).Scan(&n)
}

// Migrate applies all pending embedded migrations.
func Migrate(ctx context.Context, databaseURL string) error {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("parse database URL: %w", err)
	}
	// No AfterConnect here: prepared statements reference tables that may
	// not exist yet.
	poolCfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("create migration pool: %w", err)
	}
	defer pool.Close()

	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Prepared statement names.
const (
	StmtHealthCheck          = "health_check"
	StmtDeactivateExpiring   = "deactivate_expiring_beacons"
	StmtExpireNotifications  = "expire_notifications"
	StmtActiveBeacons        = "active_beacons"
	StmtUsersInCells         = "users_in_cells"
	StmtCreateNotifications  = "create_notifications"
	StmtPendingDeliveries    = "pending_deliveries"
	StmtSetStatus            = "set_notification_status"
	StmtDeactivateTokens     = "deactivate_device_tokens"
	StmtEscalationCandidates = "escalation_candidates"
	StmtAdvanceStage         = "advance_beacon_stage"
	StmtMarkOwnerNotified    = "mark_owner_notified"
)

// statements maps every prepared statement the scheduler uses to its SQL.
var statements = map[string]string{
	// Health
	StmtHealthCheck: "SELECT 1",

	// Sweep
	StmtDeactivateExpiring: `
		UPDATE beacons SET active = false
		WHERE active AND expires_at <= $1`,
	StmtExpireNotifications: `
		UPDATE beacon_notifications n SET status = 'EXPIRED'
		FROM beacons b
		WHERE b.id = n.beacon_id
		  AND n.status IN ('SENT', 'SENT_SILENTLY')
		  AND b.expires_at <= $1`,

	// Candidate search
	StmtActiveBeacons: `
		SELECT b.id, b.owner_id, b.created_at, b.expires_at, b.active, b.user_notified_stage,
		       COALESCE(ls.geohash, ''), COALESCE(ls.beacon_radius, 0)
		FROM beacons b
		LEFT JOIN location_settings ls ON ls.user_id = b.owner_id
		WHERE b.active AND b.expires_at > $1
		ORDER BY b.id`,
	StmtUsersInCells: `
		SELECT u.id, ls.geohash, ls.beacon_radius,
		       COALESCE(ns.push_enabled, false),
		       COALESCE(ns.max_beacon_pushes, 0),
		       COALESCE(ns.min_beacon_push_interval_seconds, 0),
		       h.sent_today, h.last_notified_at, h.beacon_ids
		FROM users u
		JOIN location_settings ls ON ls.user_id = u.id
		LEFT JOIN notification_settings ns ON ns.user_id = u.id
		CROSS JOIN LATERAL (
		    SELECT count(*) FILTER (WHERE bn.created_at >= $2) AS sent_today,
		           max(bn.created_at) AS last_notified_at,
		           COALESCE(array_agg(bn.beacon_id) FILTER (WHERE b.active), '{}') AS beacon_ids
		    FROM beacon_notifications bn
		    JOIN beacons b ON b.id = bn.beacon_id
		    WHERE bn.user_id = u.id
		) h
		WHERE ls.geohash <> ''
		  AND EXISTS (
		      SELECT 1 FROM unnest($1::text[]) AS c(cell)
		      WHERE ls.geohash LIKE c.cell || '%'
		  )
		ORDER BY u.id`,

	// Assignment commit
	StmtCreateNotifications: `
		INSERT INTO beacon_notifications (beacon_id, user_id, status)
		SELECT a.beacon_id, a.user_id, 'PENDING'
		FROM unnest($1::bigint[], $2::bigint[]) AS a(beacon_id, user_id)
		ON CONFLICT (beacon_id, user_id) DO NOTHING
		RETURNING id, beacon_id, user_id, status, created_at`,

	// Dispatch
	StmtPendingDeliveries: `
		SELECT n.id, n.beacon_id, n.user_id, b.active, b.expires_at,
		       COALESCE(ns.push_enabled, false),
		       COALESCE(array_agg(d.token ORDER BY d.id) FILTER (WHERE d.token IS NOT NULL), '{}')
		FROM beacon_notifications n
		JOIN beacons b ON b.id = n.beacon_id
		LEFT JOIN notification_settings ns ON ns.user_id = n.user_id
		LEFT JOIN user_devices d ON d.user_id = n.user_id AND d.is_active
		WHERE n.status = 'PENDING' AND n.created_at >= $1
		GROUP BY n.id, b.active, b.expires_at, ns.push_enabled
		ORDER BY n.id`,
	StmtSetStatus: `
		UPDATE beacon_notifications
		SET status = $2, notified_at = COALESCE($3::timestamptz, notified_at)
		WHERE id = ANY($1::bigint[])`,
	StmtDeactivateTokens: `
		UPDATE user_devices SET is_active = false
		WHERE token = ANY($1::text[])`,

	// Escalation
	StmtEscalationCandidates: `
		SELECT b.id, b.owner_id, b.created_at, b.expires_at, b.user_notified_stage,
		       array_agg(n.id ORDER BY n.id),
		       COALESCE(ns.push_enabled, false),
		       COALESCE((
		           SELECT array_agg(d.token ORDER BY d.id)
		           FROM user_devices d
		           WHERE d.user_id = b.owner_id AND d.is_active
		       ), '{}')
		FROM beacons b
		JOIN beacon_notifications n ON n.beacon_id = b.id AND n.status = 'REPLIED'
		LEFT JOIN notification_settings ns ON ns.user_id = b.owner_id
		WHERE b.expires_at > $1 AND b.user_notified_stage < 3
		GROUP BY b.id, ns.push_enabled
		ORDER BY b.id`,
	StmtAdvanceStage: `
		UPDATE beacons SET user_notified_stage = user_notified_stage + 1
		WHERE id = $1 AND user_notified_stage = $2`,
	StmtMarkOwnerNotified: `
		UPDATE beacon_notifications SET status = 'OWNER_NOTIFIED'
		WHERE id = ANY($1::bigint[]) AND status = 'REPLIED'`,
}

// registerPreparedStatements prepares every statement on a new connection.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	for name, sql := range statements {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}
