package beacon

import (
	"sort"
)

// Assign chooses recipients for beacons. It is pure: candidates and budgets
// are not modified.
//
//  1. Each beacon with a candidate who is listed for no other beacon gets the
//     nearest such candidate.
//  2. Each beacon still without a recipient gets its nearest candidate not
//     yet assigned anywhere this cycle.
//  3. Every beacon then takes all remaining candidates with budget left.
//
// A user is never assigned to the same beacon twice and never beyond their
// budget. Users missing from budgets have no budget. Ties in distance are
// broken by ascending user ID and beacons are visited in ascending ID, so
// the result is deterministic.
func Assign(candidates map[int64][]Candidate, budgets map[int64]int) []Assignment {
	beaconIDs := make([]int64, 0, len(candidates))
	for id := range candidates {
		beaconIDs = append(beaconIDs, id)
	}
	sort.Slice(beaconIDs, func(i, j int) bool { return beaconIDs[i] < beaconIDs[j] })

	ranked := make(map[int64][]Candidate, len(candidates))
	appearances := make(map[int64]int)
	for _, id := range beaconIDs {
		list := rank(candidates[id])
		ranked[id] = list
		for _, c := range list {
			appearances[c.User.ID]++
		}
	}

	remaining := make(map[int64]int, len(budgets))
	for id, b := range budgets {
		remaining[id] = b
	}

	var out []Assignment
	byBeacon := make(map[int64]map[int64]bool, len(beaconIDs))
	takenThisCycle := make(map[int64]bool)
	take := func(beaconID, userID int64) {
		if byBeacon[beaconID] == nil {
			byBeacon[beaconID] = make(map[int64]bool)
		}
		byBeacon[beaconID][userID] = true
		takenThisCycle[userID] = true
		remaining[userID]--
		out = append(out, Assignment{BeaconID: beaconID, UserID: userID})
	}

	// Pass 1: unique candidates.
	for _, b := range beaconIDs {
		for _, c := range ranked[b] {
			uid := c.User.ID
			if appearances[uid] == 1 && remaining[uid] > 0 {
				take(b, uid)
				break
			}
		}
	}

	// Pass 2: one contested candidate per beacon still empty.
	for _, b := range beaconIDs {
		if len(byBeacon[b]) > 0 {
			continue
		}
		for _, c := range ranked[b] {
			uid := c.User.ID
			if !takenThisCycle[uid] && remaining[uid] > 0 {
				take(b, uid)
				break
			}
		}
	}

	// Pass 3: fill.
	for _, b := range beaconIDs {
		for _, c := range ranked[b] {
			uid := c.User.ID
			if !byBeacon[b][uid] && remaining[uid] > 0 {
				take(b, uid)
			}
		}
	}

	return out
}

// rank returns a copy of list without duplicate users, nearest first.
func rank(list []Candidate) []Candidate {
	seen := make(map[int64]bool, len(list))
	out := make([]Candidate, 0, len(list))
	for _, c := range list {
		if seen[c.User.ID] {
			continue
		}
		seen[c.User.ID] = true
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].User.ID < out[j].User.ID
	})
	return out
}

// budgetsFor returns each candidate's per-cycle budget.
func budgetsFor(candidates map[int64][]Candidate) map[int64]int {
	budgets := make(map[int64]int)
	for _, list := range candidates {
		for _, c := range list {
			budgets[c.User.ID] = c.User.cycleBudget()
		}
	}
	return budgets
}
