// Package store implements beacon.Store on Postgres using the prepared
// statements registered by package db.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/beacon-scheduler/internal/beacon"
	"github.com/albapepper/beacon-scheduler/internal/db"
)

// Postgres is a beacon.Store backed by a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ beacon.Store = (*Postgres)(nil)

// New returns a store using pool. The pool's connections must have the db
// package's statements prepared.
func New(pool *db.Pool) *Postgres {
	return &Postgres{pool: pool.Pool}
}

// --------------------------------------------------------------------------
// Sweep
// --------------------------------------------------------------------------

// DeactivateExpiring marks active beacons expiring at or before cutoff inactive.
func (s *Postgres) DeactivateExpiring(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, db.StmtDeactivateExpiring, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deactivate expiring: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ExpireNotifications moves SENT and SENT_SILENTLY rows of expired beacons to EXPIRED.
func (s *Postgres) ExpireNotifications(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, db.StmtExpireNotifications, now)
	if err != nil {
		return 0, fmt.Errorf("expire notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --------------------------------------------------------------------------
// Candidate search
// --------------------------------------------------------------------------

// ActiveBeacons returns unexpired active beacons with the owner's location settings.
func (s *Postgres) ActiveBeacons(ctx context.Context, now time.Time) ([]beacon.Beacon, error) {
	rows, err := s.pool.Query(ctx, db.StmtActiveBeacons, now)
	if err != nil {
		return nil, fmt.Errorf("query active beacons: %w", err)
	}
	defer rows.Close()

	var out []beacon.Beacon
	for rows.Next() {
		var b beacon.Beacon
		var stage int16
		var radius int32
		if err := rows.Scan(&b.ID, &b.OwnerID, &b.CreatedAt, &b.ExpiresAt, &b.Active, &stage,
			&b.OwnerLocation.Geohash, &radius); err != nil {
			return nil, fmt.Errorf("scan beacon: %w", err)
		}
		b.UserNotifiedStage = int(stage)
		b.OwnerLocation.BeaconRadius = int(radius)
		out = append(out, b)
	}
	return out, rows.Err()
}

// UsersInCells matches user geohashes by prefix, so cells of any precision
// can be mixed in one call.
func (s *Postgres) UsersInCells(ctx context.Context, cells []string, dayStart time.Time) ([]beacon.User, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, db.StmtUsersInCells, cells, dayStart)
	if err != nil {
		return nil, fmt.Errorf("query users in cells: %w", err)
	}
	defer rows.Close()

	var out []beacon.User
	for rows.Next() {
		var (
			u           beacon.User
			radius      int32
			maxPushes   int32
			intervalSec int32
			sentToday   int64
			lastAt      *time.Time
			beaconIDs   []int64
		)
		if err := rows.Scan(&u.ID, &u.Location.Geohash, &radius,
			&u.Notifications.Push, &maxPushes, &intervalSec,
			&sentToday, &lastAt, &beaconIDs); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Location.BeaconRadius = int(radius)
		u.Notifications.MaxBeaconPushes = int(maxPushes)
		u.Notifications.MinBeaconPushInterval = time.Duration(intervalSec) * time.Second
		u.History.SentToday = int(sentToday)
		if lastAt != nil {
			u.History.LastNotifiedAt = *lastAt
		}
		u.History.NotifiedBeacons = make(map[int64]bool, len(beaconIDs))
		for _, id := range beaconIDs {
			u.History.NotifiedBeacons[id] = true
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CreateNotifications inserts every assignment in one statement inside a
// transaction. Pairs that already exist are skipped.
func (s *Postgres) CreateNotifications(ctx context.Context, assignments []beacon.Assignment) ([]beacon.Notification, error) {
	if len(assignments) == 0 {
		return nil, nil
	}
	beaconIDs := make([]int64, len(assignments))
	userIDs := make([]int64, len(assignments))
	for i, a := range assignments {
		beaconIDs[i] = a.BeaconID
		userIDs[i] = a.UserID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, db.StmtCreateNotifications, beaconIDs, userIDs)
	if err != nil {
		return nil, fmt.Errorf("insert notifications: %w", err)
	}
	created, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (beacon.Notification, error) {
		var n beacon.Notification
		var status string
		err := row.Scan(&n.ID, &n.BeaconID, &n.UserID, &status, &n.CreatedAt)
		n.Status = beacon.Status(status)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan created notifications: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit notifications: %w", err)
	}
	return created, nil
}

// --------------------------------------------------------------------------
// Dispatch
// --------------------------------------------------------------------------

// PendingDeliveries returns PENDING notifications created since dayStart with the
// recipient's push setting and active device tokens.
func (s *Postgres) PendingDeliveries(ctx context.Context, dayStart time.Time) ([]beacon.Delivery, error) {
	rows, err := s.pool.Query(ctx, db.StmtPendingDeliveries, dayStart)
	if err != nil {
		return nil, fmt.Errorf("query pending deliveries: %w", err)
	}
	defer rows.Close()

	var out []beacon.Delivery
	for rows.Next() {
		var d beacon.Delivery
		if err := rows.Scan(&d.NotificationID, &d.BeaconID, &d.UserID,
			&d.BeaconActive, &d.BeaconExpiresAt, &d.Push, &d.Tokens); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetNotificationStatus sets status (and notified_at when non-nil) on ids.
func (s *Postgres) SetNotificationStatus(ctx context.Context, ids []int64, status beacon.Status, notifiedAt *time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, db.StmtSetStatus, ids, string(status), notifiedAt); err != nil {
		return fmt.Errorf("set status %s on %d notifications: %w", status, len(ids), err)
	}
	return nil
}

// DeactivateDeviceTokens marks tokens the provider rejected as inactive.
func (s *Postgres) DeactivateDeviceTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, db.StmtDeactivateTokens, tokens); err != nil {
		return fmt.Errorf("deactivate device tokens: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Escalation
// --------------------------------------------------------------------------

// EscalationCandidates returns unexpired beacons below the final stage that have
// REPLIED notifications, with the owner's push setting and tokens.
func (s *Postgres) EscalationCandidates(ctx context.Context, now time.Time) ([]beacon.Escalation, error) {
	rows, err := s.pool.Query(ctx, db.StmtEscalationCandidates, now)
	if err != nil {
		return nil, fmt.Errorf("query escalation candidates: %w", err)
	}
	defer rows.Close()

	var out []beacon.Escalation
	for rows.Next() {
		var e beacon.Escalation
		var stage int16
		if err := rows.Scan(&e.BeaconID, &e.OwnerID, &e.CreatedAt, &e.ExpiresAt, &stage,
			&e.RepliedIDs, &e.Push, &e.Tokens); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		e.Stage = int(stage)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AdvanceStage bumps the stage only if it still equals fromStage, then marks
// the replies. Both writes commit together or not at all.
func (s *Postgres) AdvanceStage(ctx context.Context, beaconID int64, fromStage int, notificationIDs []int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, db.StmtAdvanceStage, beaconID, int16(fromStage))
	if err != nil {
		return fmt.Errorf("advance stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return beacon.ErrStageConflict
	}

	if len(notificationIDs) > 0 {
		if _, err := tx.Exec(ctx, db.StmtMarkOwnerNotified, notificationIDs); err != nil {
			return fmt.Errorf("mark owner notified: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit stage advance: %w", err)
	}
	return nil
}
