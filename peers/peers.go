package peers

import (
	"sort"

	"github.com/shape-z/windowmesh/geometry"
)

// Snapshot is the latest known state of one peer. It travels verbatim in
// hello and heartbeat messages.
type Snapshot struct {
	ID               string         `json:"id"`
	CreatedAt        int64          `json:"createdAt"`
	LastSeen         int64          `json:"lastSeen"`
	Rect             geometry.Rect  `json:"rect"`
	AssignedScreenID string         `json:"assignedScreenId,omitempty"`
	VirtualRect      *geometry.Rect `json:"virtualRect,omitempty"`
	Timestamp        int64          `json:"timestamp"`
}

type filter func(Snapshot) bool

// Set is a list of peer snapshots.
type Set []Snapshot

func (set Set) Filter(filters ...filter) Set {
	copy := make(Set, 0, len(set))
	for _, peer := range set {
		accepted := true
		for _, f := range filters {
			if !f(peer) {
				accepted = false
				break
			}
		}
		if accepted {
			copy = append(copy, peer)
		}
	}
	return copy
}
func (set Set) Apply(f func(s Snapshot)) {
	for _, peer := range set {
		f(peer)
	}
}

// Alive keeps peers whose last message is within the given timeout.
func Alive(now, timeout int64) func(Snapshot) bool {
	return func(p Snapshot) bool {
		return now-p.LastSeen <= timeout
	}
}

// WithValidRect keeps peers whose physical rect can contribute a screen.
func WithValidRect() func(Snapshot) bool {
	return func(p Snapshot) bool {
		return p.Rect.Valid()
	}
}

// Sort orders the set by (createdAt ascending, id ascending). Every peer
// that observes the same snapshot set derives the same order, which is what
// makes the election deterministic.
func (set Set) Sort() {
	sort.SliceStable(set, func(i, j int) bool {
		if set[i].CreatedAt != set[j].CreatedAt {
			return set[i].CreatedAt < set[j].CreatedAt
		}
		return set[i].ID < set[j].ID
	})
}

// Leader returns the election winner for the set: the oldest peer, ties
// broken by lexicographic id. The second return is false on an empty set.
func (set Set) Leader() (Snapshot, bool) {
	if len(set) == 0 {
		return Snapshot{}, false
	}
	sorted := make(Set, len(set))
	copy(sorted, set)
	sorted.Sort()
	return sorted[0], true
}
