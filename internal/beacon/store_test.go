package beacon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/albapepper/beacon-scheduler/internal/push"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

// memStore is an in-memory Store honoring the documented contracts.
type memStore struct {
	mu       sync.Mutex
	now      time.Time
	beacons  map[int64]*Beacon
	users    map[int64]*memUser
	notifs   []*Notification
	nextID   int64
	inactive map[string]bool

	failOn       map[string]error
	advanceCalls int
}

type memUser struct {
	id       int64
	location LocationSetting
	settings NotificationSetting
	tokens   []string
}

func newMemStore() *memStore {
	return &memStore{
		now:      testNow,
		beacons:  make(map[int64]*Beacon),
		users:    make(map[int64]*memUser),
		inactive: make(map[string]bool),
		failOn:   make(map[string]error),
	}
}

func (s *memStore) addUser(id int64, geohash string, radius int, push bool, maxPushes int, tokens ...string) *memUser {
	u := &memUser{
		id:       id,
		location: LocationSetting{Geohash: geohash, BeaconRadius: radius},
		settings: NotificationSetting{Push: push, MaxBeaconPushes: maxPushes},
		tokens:   tokens,
	}
	s.users[id] = u
	return u
}

func (s *memStore) addBeacon(id, owner int64, created, expires time.Time) *Beacon {
	b := &Beacon{ID: id, OwnerID: owner, CreatedAt: created, ExpiresAt: expires, Active: true}
	s.beacons[id] = b
	return b
}

func (s *memStore) addNotification(beaconID, userID int64, status Status, created time.Time) *Notification {
	s.nextID++
	n := &Notification{ID: s.nextID, BeaconID: beaconID, UserID: userID, Status: status, CreatedAt: created}
	s.notifs = append(s.notifs, n)
	return n
}

func (s *memStore) find(beaconID, userID int64) *Notification {
	for _, n := range s.notifs {
		if n.BeaconID == beaconID && n.UserID == userID {
			return n
		}
	}
	return nil
}

func (s *memStore) byID(id int64) *Notification {
	for _, n := range s.notifs {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func (s *memStore) fail(op string) error { return s.failOn[op] }

func (s *memStore) DeactivateExpiring(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeactivateExpiring"); err != nil {
		return 0, err
	}
	var n int64
	for _, b := range s.beacons {
		if b.Active && !b.ExpiresAt.After(cutoff) {
			b.Active = false
			n++
		}
	}
	return n, nil
}

func (s *memStore) ExpireNotifications(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, nt := range s.notifs {
		b := s.beacons[nt.BeaconID]
		if (nt.Status == StatusSent || nt.Status == StatusSentSilently) && b != nil && !b.ExpiresAt.After(now) {
			nt.Status = StatusExpired
			n++
		}
	}
	return n, nil
}

func (s *memStore) ActiveBeacons(ctx context.Context, now time.Time) ([]Beacon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ActiveBeacons"); err != nil {
		return nil, err
	}
	var out []Beacon
	for _, b := range s.beacons {
		if !b.Active || !b.ExpiresAt.After(now) {
			continue
		}
		cp := *b
		if owner := s.users[b.OwnerID]; owner != nil {
			cp.OwnerLocation = owner.location
		}
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b Beacon) int { return int(a.ID - b.ID) })
	return out, nil
}

func (s *memStore) UsersInCells(ctx context.Context, cells []string, dayStart time.Time) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []User
	for _, u := range s.users {
		if u.location.Geohash == "" || !hasPrefix(u.location.Geohash, cells) {
			continue
		}
		h := History{NotifiedBeacons: make(map[int64]bool)}
		for _, n := range s.notifs {
			if n.UserID != u.id {
				continue
			}
			h.NotifiedBeacons[n.BeaconID] = true
			if !n.CreatedAt.Before(dayStart) {
				h.SentToday++
			}
			if n.CreatedAt.After(h.LastNotifiedAt) {
				h.LastNotifiedAt = n.CreatedAt
			}
		}
		out = append(out, User{ID: u.id, Location: u.location, Notifications: u.settings, History: h})
	}
	slices.SortFunc(out, func(a, b User) int { return int(a.ID - b.ID) })
	return out, nil
}

func hasPrefix(hash string, cells []string) bool {
	for _, c := range cells {
		if strings.HasPrefix(hash, c) {
			return true
		}
	}
	return false
}

func (s *memStore) CreateNotifications(ctx context.Context, assignments []Assignment) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateNotifications"); err != nil {
		return nil, err
	}
	var out []Notification
	for _, a := range assignments {
		if s.find(a.BeaconID, a.UserID) != nil {
			continue
		}
		s.nextID++
		n := &Notification{ID: s.nextID, BeaconID: a.BeaconID, UserID: a.UserID, Status: StatusPending, CreatedAt: s.now}
		s.notifs = append(s.notifs, n)
		out = append(out, *n)
	}
	return out, nil
}

func (s *memStore) PendingDeliveries(ctx context.Context, dayStart time.Time) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Delivery
	for _, n := range s.notifs {
		if n.Status != StatusPending || n.CreatedAt.Before(dayStart) {
			continue
		}
		b := s.beacons[n.BeaconID]
		u := s.users[n.UserID]
		d := Delivery{NotificationID: n.ID, BeaconID: n.BeaconID, UserID: n.UserID, BeaconActive: b.Active, BeaconExpiresAt: b.ExpiresAt}
		if u != nil {
			d.Push = u.settings.Push
			d.Tokens = s.activeTokens(u)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *memStore) activeTokens(u *memUser) []string {
	var out []string
	for _, t := range u.tokens {
		if !s.inactive[t] {
			out = append(out, t)
		}
	}
	return out
}

func (s *memStore) SetNotificationStatus(ctx context.Context, ids []int64, status Status, notifiedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SetNotificationStatus:" + string(status)); err != nil {
		return err
	}
	for _, id := range ids {
		if n := s.byID(id); n != nil {
			n.Status = status
			if notifiedAt != nil {
				t := *notifiedAt
				n.NotifiedAt = &t
			}
		}
	}
	return nil
}

func (s *memStore) DeactivateDeviceTokens(ctx context.Context, tokens []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tokens {
		s.inactive[t] = true
	}
	return nil
}

func (s *memStore) EscalationCandidates(ctx context.Context, now time.Time) ([]Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Escalation
	for _, b := range s.beacons {
		if !b.ExpiresAt.After(now) || b.UserNotifiedStage >= FinalStage {
			continue
		}
		var replied []int64
		for _, n := range s.notifs {
			if n.BeaconID == b.ID && n.Status == StatusReplied {
				replied = append(replied, n.ID)
			}
		}
		if len(replied) == 0 {
			continue
		}
		slices.Sort(replied)
		esc := Escalation{
			BeaconID: b.ID, OwnerID: b.OwnerID, CreatedAt: b.CreatedAt, ExpiresAt: b.ExpiresAt,
			Stage: b.UserNotifiedStage, RepliedIDs: replied,
		}
		if owner := s.users[b.OwnerID]; owner != nil {
			esc.Push = owner.settings.Push
			esc.Tokens = s.activeTokens(owner)
		}
		out = append(out, esc)
	}
	slices.SortFunc(out, func(a, b Escalation) int { return int(a.BeaconID - b.BeaconID) })
	return out, nil
}

func (s *memStore) AdvanceStage(ctx context.Context, beaconID int64, fromStage int, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceCalls++
	if err := s.fail("AdvanceStage"); err != nil {
		return err
	}
	b := s.beacons[beaconID]
	if b == nil || b.UserNotifiedStage != fromStage {
		return ErrStageConflict
	}
	b.UserNotifiedStage++
	for _, id := range ids {
		if n := s.byID(id); n != nil && n.Status == StatusReplied {
			n.Status = StatusOwnerNotified
		}
	}
	return nil
}

// fakeSender records batches and answers with tickets from reply.
type fakeSender struct {
	mu      sync.Mutex
	batches [][]push.Message
	reply   func(batch int, m push.Message) push.Ticket
	err     func(batch int) error
}

func (f *fakeSender) Send(ctx context.Context, msgs []push.Message) ([]push.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.batches)
	f.batches = append(f.batches, msgs)
	if f.err != nil {
		if err := f.err(idx); err != nil {
			return nil, err
		}
	}
	tickets := make([]push.Ticket, len(msgs))
	for i, m := range msgs {
		if f.reply != nil {
			tickets[i] = f.reply(idx, m)
		} else {
			tickets[i] = push.Ticket{ID: "ok"}
		}
	}
	return tickets, nil
}

func (f *fakeSender) messages() []push.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []push.Message
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

var errBoom = errors.New("boom")

func newTestEngine(t *testing.T, store *memStore, sender Sender, settings Settings) *Engine {
	t.Helper()
	e := NewEngine(store, sender, settings, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time { return store.now }
	return e
}
