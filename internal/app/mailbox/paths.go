package mailbox

import (
	"path"
	"strings"

	"github.com/dkeye/Mesh/internal/domain"
)

// Collection names under a room root.
const (
	RoomsCollection = "meetings"

	membersCol    = "members"
	offersCol     = "offers"
	answersCol    = "answers"
	messagesCol   = "messages"
	callerCandCol = "callerCandidates"
	calleeCandCol = "calleeCandidates"
)

// Role is a member's part in one negotiation. It selects the candidate
// sub-collection a member writes to.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// Opposite is the role of the other side of the same negotiation.
func (r Role) Opposite() Role {
	if r == RoleOfferer {
		return RoleAnswerer
	}
	return RoleOfferer
}

func (r Role) candidateCollection() string {
	if r == RoleOfferer {
		return callerCandCol
	}
	return calleeCandCol
}

// Layout resolves collection paths for one room.
type Layout struct {
	Room domain.RoomID
}

func (l Layout) root() string { return path.Join(RoomsCollection, string(l.Room)) }

func (l Layout) Members() string  { return path.Join(l.root(), membersCol) }
func (l Layout) Offers() string   { return path.Join(l.root(), offersCol) }
func (l Layout) Answers() string  { return path.Join(l.root(), answersCol) }
func (l Layout) Messages() string { return path.Join(l.root(), messagesCol) }

// Candidates is the outbound candidate collection of owner in role.
func (l Layout) Candidates(owner domain.MemberID, role Role) string {
	return path.Join(l.Members(), string(owner), role.candidateCollection())
}

// Area is the kind of collection a path names.
type Area int

const (
	AreaUnknown Area = iota
	AreaRooms
	AreaMembers
	AreaOffers
	AreaAnswers
	AreaMessages
	AreaCandidates
)

// Location is a parsed collection path.
type Location struct {
	Area  Area
	Room  domain.RoomID
	Owner domain.MemberID
	Role  Role
}

// Locate parses a collection path produced by Layout. Anything outside the
// rooms tree is AreaUnknown.
func Locate(collection string) Location {
	parts := strings.Split(collection, "/")
	if len(parts) == 0 || parts[0] != RoomsCollection {
		return Location{}
	}
	for _, p := range parts[1:] {
		if p == "" || p == "." || p == ".." {
			return Location{}
		}
	}
	switch len(parts) {
	case 1:
		return Location{Area: AreaRooms}
	case 3:
		loc := Location{Room: domain.RoomID(parts[1])}
		switch parts[2] {
		case membersCol:
			loc.Area = AreaMembers
		case offersCol:
			loc.Area = AreaOffers
		case answersCol:
			loc.Area = AreaAnswers
		case messagesCol:
			loc.Area = AreaMessages
		default:
			return Location{}
		}
		return loc
	case 5:
		if parts[2] != membersCol {
			return Location{}
		}
		loc := Location{Area: AreaCandidates, Room: domain.RoomID(parts[1]), Owner: domain.MemberID(parts[3])}
		switch parts[4] {
		case callerCandCol:
			loc.Role = RoleOfferer
		case calleeCandCol:
			loc.Role = RoleAnswerer
		default:
			return Location{}
		}
		return loc
	}
	return Location{}
}
