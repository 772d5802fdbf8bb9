package membership

import (
	"sort"

	"github.com/dkeye/Mesh/internal/domain"
)

type EventKind int

const (
	Joined EventKind = iota
	Left
)

func (k EventKind) String() string {
	if k == Joined {
		return "joined"
	}
	return "left"
}

type Event struct {
	Kind   EventKind
	Member domain.Member
}

// Roster is one consistent view of the room, keyed by member id.
type Roster map[domain.MemberID]domain.Member

// Sorted returns the members in join order.
func (r Roster) Sorted() []domain.Member {
	out := make([]domain.Member, 0, len(r))
	for _, m := range r {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Precedes(out[j]) })
	return out
}

// Diff computes the peer-facing events between two whole rosters. Self never
// appears. An id whose incarnation changed is reported as left then joined,
// so a stale presence is never mistaken for the new one. Left events come
// first.
func Diff(prev, next Roster, self domain.MemberID) []Event {
	var left, joined []domain.Member
	for id, old := range prev {
		if id == self {
			continue
		}
		cur, ok := next[id]
		if !ok || cur.Incarnation() != old.Incarnation() {
			left = append(left, old)
		}
	}
	for id, cur := range next {
		if id == self {
			continue
		}
		old, ok := prev[id]
		if !ok || old.Incarnation() != cur.Incarnation() {
			joined = append(joined, cur)
		}
	}
	sort.Slice(left, func(i, j int) bool { return left[i].ID < left[j].ID })
	sort.Slice(joined, func(i, j int) bool { return joined[i].Precedes(joined[j]) })

	events := make([]Event, 0, len(left)+len(joined))
	for _, m := range left {
		events = append(events, Event{Kind: Left, Member: m})
	}
	for _, m := range joined {
		events = append(events, Event{Kind: Joined, Member: m})
	}
	return events
}
