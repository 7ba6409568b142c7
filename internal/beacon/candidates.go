package beacon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/albapepper/beacon-scheduler/internal/geo"
)

// coverage is one beacon's search area.
type coverage struct {
	beacon    Beacon
	origin    geo.Point
	radius    float64
	precision int
	cells     map[string]struct{}
}

// planCoverage computes covering cells for every beacon that can be searched.
// Beacons whose owner has no location, no radius, or an unreadable geohash
// are skipped.
func planCoverage(beacons []Beacon, s Settings, logger *slog.Logger) []coverage {
	plans := make([]coverage, 0, len(beacons))
	for _, b := range beacons {
		loc := b.OwnerLocation
		if loc.Geohash == "" || loc.BeaconRadius <= 0 {
			continue
		}

		origin, err := geo.Decode(loc.Geohash)
		if err != nil {
			logger.Warn("skipping beacon with invalid owner geohash",
				"beacon_id", b.ID, "owner_id", b.OwnerID, "error", err)
			continue
		}

		box := geo.BoundingBox(origin.Lat, origin.Lon, float64(loc.BeaconRadius))
		precision := geo.FitPrecision(box, s.Precision, s.MaxCoverCells)
		cells := geo.CoveringCells(box, precision)
		if len(cells) == 0 {
			logger.Info("beacon has no covering cells", "beacon_id", b.ID)
			continue
		}

		set := make(map[string]struct{}, len(cells))
		for _, c := range cells {
			set[c] = struct{}{}
		}
		plans = append(plans, coverage{
			beacon:    b,
			origin:    origin,
			radius:    float64(loc.BeaconRadius),
			precision: precision,
			cells:     set,
		})
	}
	return plans
}

// unionCells returns the sorted union of every plan's cells.
func unionCells(plans []coverage) []string {
	seen := make(map[string]struct{})
	for _, p := range plans {
		for c := range p.cells {
			seen[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// locatedUser is an eligible user with a decoded position.
type locatedUser struct {
	user  User
	point geo.Point
}

// matchCandidates pairs each plan with the users in mutual range.
// Users are included only when the distance is covered by both the owner's
// radius and their own.
func matchCandidates(plans []coverage, users []User, now time.Time, logger *slog.Logger) map[int64][]Candidate {
	located := make([]locatedUser, 0, len(users))
	for _, u := range users {
		if !u.Eligible(now) {
			continue
		}
		p, err := geo.Decode(u.Location.Geohash)
		if err != nil {
			logger.Warn("skipping user with invalid geohash", "user_id", u.ID, "error", err)
			continue
		}
		located = append(located, locatedUser{user: u, point: p})
	}

	out := make(map[int64][]Candidate, len(plans))
	for _, plan := range plans {
		b := plan.beacon
		var list []Candidate
		for _, lu := range located {
			u := lu.user
			if u.ID == b.OwnerID || u.History.NotifiedBeacons[b.ID] {
				continue
			}
			hash := u.Location.Geohash
			if len(hash) < plan.precision {
				continue
			}
			if _, ok := plan.cells[hash[:plan.precision]]; !ok {
				continue
			}

			d := geo.Haversine(plan.origin, lu.point)
			if d > plan.radius || d > float64(u.Location.BeaconRadius) {
				continue
			}
			list = append(list, Candidate{User: u, Distance: d})
		}
		if len(list) > 0 {
			out[b.ID] = list
		}
	}
	return out
}

// findCandidates loads nearby users once and returns eligible candidates per
// beacon, plus the number of beacons that were searchable.
func (e *Engine) findCandidates(ctx context.Context, beacons []Beacon, now time.Time) (map[int64][]Candidate, int, error) {
	plans := planCoverage(beacons, e.settings, e.logger)
	if len(plans) == 0 {
		return map[int64][]Candidate{}, 0, nil
	}

	users, err := e.store.UsersInCells(ctx, unionCells(plans), e.settings.DayStart(now))
	if err != nil {
		return nil, len(plans), fmt.Errorf("load nearby users: %w", err)
	}
	return matchCandidates(plans, users, now, e.logger), len(plans), nil
}
