package domain

import "time"

type RoomID string

// Room is created by scheduling and read-only to the meeting core.
type Room struct {
	ID        RoomID
	Title     string
	OwnerID   MemberID
	CreatedAt time.Time
}
