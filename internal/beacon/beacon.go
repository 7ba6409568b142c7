// Package beacon schedules and escalates beacon push notifications.
//
// One cycle runs: sweep expiring beacons → find nearby candidates → assign
// recipients under per-user budgets → commit notification rows → dispatch
// pending pushes → escalate replies to beacon owners.
//
// All reads and writes go through Store; pushes go through Sender. Neither
// is owned by this package.
package beacon

import (
	"time"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultExpiryLookahead = 5 * time.Minute
	defaultPrecision       = 8
	defaultMaxCoverCells   = 20000
	defaultStageOneDelay   = 2 * time.Hour
	defaultStageTwoWindow  = 15 * time.Minute
	defaultChunkSize       = 100

	// FinalStage is the terminal owner escalation stage.
	FinalStage = 3
)

// Deep-link routes and payload types understood by the mobile client.
const (
	RouteBeacon        = "BeaconDetail"
	RouteBeaconReplies = "BeaconReplies"
	DataTypeBeacon     = "beacon"
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Status is the lifecycle state of a BeaconNotification.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusSent          Status = "SENT"
	StatusSentSilently  Status = "SENT_SILENTLY"
	StatusReplied       Status = "REPLIED"
	StatusOwnerNotified Status = "OWNER_NOTIFIED"
	StatusExpired       Status = "EXPIRED"
	StatusDeclined      Status = "DECLINED"
	StatusCancelled     Status = "CANCELLED"
)

// LocationSetting is a user's discoverability. An empty Geohash means the
// user cannot be found by proximity.
type LocationSetting struct {
	Geohash      string
	BeaconRadius int // meters
}

// NotificationSetting is a user's beacon push preferences.
type NotificationSetting struct {
	Push                  bool
	MaxBeaconPushes       int
	MinBeaconPushInterval time.Duration
}

// History summarises a user's beacon notifications as of the cycle snapshot.
type History struct {
	SentToday       int            // rows created in the current day window
	LastNotifiedAt  time.Time      // most recent row of any kind; zero if none
	NotifiedBeacons map[int64]bool // beacons this user already has a row for
}

// User is a potential recipient with everything ranking needs.
type User struct {
	ID            int64
	Location      LocationSetting
	Notifications NotificationSetting
	History       History
}

// RemainingBudget returns how many more beacon pushes the user may receive
// today.
func (u User) RemainingBudget() int {
	return max(0, u.Notifications.MaxBeaconPushes-u.History.SentToday)
}

// Eligible reports whether the user may receive a new beacon push at now.
func (u User) Eligible(now time.Time) bool {
	if !u.Notifications.Push || u.Location.Geohash == "" {
		return false
	}
	if u.RemainingBudget() == 0 {
		return false
	}
	last := u.History.LastNotifiedAt
	return last.IsZero() || now.Sub(last) >= u.Notifications.MinBeaconPushInterval
}

// cycleBudget is the number of assignments the user may take this cycle.
// A non-zero cooldown allows at most one.
func (u User) cycleBudget() int {
	b := u.RemainingBudget()
	if u.Notifications.MinBeaconPushInterval > 0 {
		b = min(b, 1)
	}
	return b
}

// Beacon is an active request for support, with its owner loaded.
type Beacon struct {
	ID                int64
	OwnerID           int64
	CreatedAt         time.Time
	ExpiresAt         time.Time
	Active            bool
	UserNotifiedStage int
	OwnerLocation     LocationSetting
}

// Candidate is a user in mutual range of a beacon.
type Candidate struct {
	User     User
	Distance float64 // meters between owner and user cells
}

// Assignment is one (beacon, recipient) pair chosen by Assign.
type Assignment struct {
	BeaconID int64
	UserID   int64
}

// Notification is a persisted BeaconNotification row.
type Notification struct {
	ID         int64
	BeaconID   int64
	UserID     int64
	Status     Status
	CreatedAt  time.Time
	NotifiedAt *time.Time
}

// Delivery is a pending notification joined with what the dispatcher needs
// to resolve it.
type Delivery struct {
	NotificationID  int64
	BeaconID        int64
	UserID          int64
	BeaconActive    bool
	BeaconExpiresAt time.Time
	Push            bool
	Tokens          []string
}

// Escalation is a beacon with unacknowledged replies and its owner's push
// capability.
type Escalation struct {
	BeaconID   int64
	OwnerID    int64
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Stage      int
	RepliedIDs []int64 // notifications currently REPLIED
	Push       bool
	Tokens     []string
}

// Settings tunes one engine.
type Settings struct {
	ExpiryLookahead time.Duration  // beacons expiring within this are deactivated
	Precision       int            // geohash precision for covering cells
	MaxCoverCells   int            // covering cells per beacon before precision is reduced
	DayLocation     *time.Location // calendar used for "today"
	StageOneDelay   time.Duration  // beacon age before the multi-reply stage
	StageTwoWindow  time.Duration  // time before expiry for the last stage
	ChunkSize       int            // messages per provider request
}

// DefaultSettings returns the reference behavior.
func DefaultSettings() Settings {
	return Settings{
		ExpiryLookahead: defaultExpiryLookahead,
		Precision:       defaultPrecision,
		MaxCoverCells:   defaultMaxCoverCells,
		DayLocation:     time.UTC,
		StageOneDelay:   defaultStageOneDelay,
		StageTwoWindow:  defaultStageTwoWindow,
		ChunkSize:       defaultChunkSize,
	}
}

// withDefaults fills zero fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.ExpiryLookahead <= 0 {
		s.ExpiryLookahead = d.ExpiryLookahead
	}
	if s.Precision <= 0 {
		s.Precision = d.Precision
	}
	if s.MaxCoverCells <= 0 {
		s.MaxCoverCells = d.MaxCoverCells
	}
	if s.DayLocation == nil {
		s.DayLocation = d.DayLocation
	}
	if s.StageOneDelay <= 0 {
		s.StageOneDelay = d.StageOneDelay
	}
	if s.StageTwoWindow <= 0 {
		s.StageTwoWindow = d.StageTwoWindow
	}
	if s.ChunkSize <= 0 {
		s.ChunkSize = d.ChunkSize
	}
	return s
}

// DayStart returns the start of the calendar day containing now.
func (s Settings) DayStart(now time.Time) time.Time {
	loc := s.DayLocation
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
