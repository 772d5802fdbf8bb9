package domain

import "time"

// MemberID is the stable identifier handed out by the identity provider.
type MemberID string

// Member represents a participant currently present in a room.
// Its presence record is the only source of truth for membership.
type Member struct {
	ID            MemberID
	DisplayName   string
	JoinedAt      time.Time
	IsInterpreter bool
	Language      string
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(id Identity, joinedAt time.Time) Member {
	return Member{ID: id.ID, DisplayName: id.Name, JoinedAt: joinedAt}
}

// Record converts the member into its stored form.
func (m Member) Record() MemberRecord {
	return MemberRecord{
		Name:          m.DisplayName,
		UID:           string(m.ID),
		JoinedAt:      m.JoinedAt.UnixMilli(),
		IsInterpreter: m.IsInterpreter,
		Language:      m.Language,
	}
}

// Precedes reports whether m entered the room before other.
// Equal join times fall back to comparing ids so both sides agree.
func (m Member) Precedes(other Member) bool {
	a, b := m.JoinedAt.UnixMilli(), other.JoinedAt.UnixMilli()
	if a != b {
		return a < b
	}
	return m.ID < other.ID
}

// Incarnation identifies one presence of a member; re-entry yields a new one.
func (m Member) Incarnation() int64 { return m.JoinedAt.UnixMilli() }
