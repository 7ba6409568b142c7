package beacon

import (
	"context"
	"errors"
	"time"

	"github.com/albapepper/beacon-scheduler/internal/push"
)

// ErrStageConflict is returned by Store.AdvanceStage when the beacon is no
// longer at the expected stage. Nothing was written.
var ErrStageConflict = errors.New("beacon stage changed concurrently")

// Store is the data access collaborator. Implementations must keep
// (beacon, user) notification rows unique.
type Store interface {
	// DeactivateExpiring sets active=false on active beacons expiring at or
	// before cutoff and returns the number changed.
	DeactivateExpiring(ctx context.Context, cutoff time.Time) (int64, error)

	// ExpireNotifications moves SENT and SENT_SILENTLY notifications of
	// beacons whose expiry is at or before now to EXPIRED.
	ExpireNotifications(ctx context.Context, now time.Time) (int64, error)

	// ActiveBeacons returns active beacons expiring after now, with the
	// owner's location loaded.
	ActiveBeacons(ctx context.Context, now time.Time) ([]Beacon, error)

	// UsersInCells returns users whose geohash starts with any of cells,
	// with settings and history relative to dayStart.
	UsersInCells(ctx context.Context, cells []string, dayStart time.Time) ([]User, error)

	// CreateNotifications inserts PENDING rows, skipping pairs that already
	// exist, and returns the rows created. All-or-nothing.
	CreateNotifications(ctx context.Context, assignments []Assignment) ([]Notification, error)

	// PendingDeliveries returns PENDING notifications created since dayStart.
	PendingDeliveries(ctx context.Context, dayStart time.Time) ([]Delivery, error)

	// SetNotificationStatus updates status (and notified_at when non-nil).
	SetNotificationStatus(ctx context.Context, ids []int64, status Status, notifiedAt *time.Time) error

	// DeactivateDeviceTokens stops future pushes to the given tokens.
	DeactivateDeviceTokens(ctx context.Context, tokens []string) error

	// EscalationCandidates returns unexpired beacons below FinalStage that
	// have at least one REPLIED notification.
	EscalationCandidates(ctx context.Context, now time.Time) ([]Escalation, error)

	// AdvanceStage increments the beacon's stage from fromStage and marks
	// notificationIDs OWNER_NOTIFIED in one transaction.
	AdvanceStage(ctx context.Context, beaconID int64, fromStage int, notificationIDs []int64) error
}

// Sender is the push delivery collaborator. Tickets are returned in message
// order; a non-nil error means the whole batch was not delivered.
type Sender interface {
	Send(ctx context.Context, msgs []push.Message) ([]push.Ticket, error)
}
