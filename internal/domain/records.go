package domain

import "time"

// Stored forms of the signaling records. Field names follow the mailbox
// layout shared with browser clients, so they must not change.

type MemberRecord struct {
	Name          string `json:"name"`
	UID           string `json:"uid"`
	JoinedAt      int64  `json:"joinedAt"`
	IsInterpreter bool   `json:"isInterpreter,omitempty"`
	Language      string `json:"language,omitempty"`
}

// Member converts the stored record back; id comes from the document key.
func (r MemberRecord) Member(id MemberID) Member {
	name := r.Name
	if name == "" {
		name = AnonymousName
	}
	return Member{
		ID:            id,
		DisplayName:   name,
		JoinedAt:      time.UnixMilli(r.JoinedAt),
		IsInterpreter: r.IsInterpreter,
		Language:      r.Language,
	}
}

type OfferRecord struct {
	Offer     SessionDescription `json:"offer"`
	CallerID  MemberID           `json:"callerId"`
	CalleeID  MemberID           `json:"calleeId"`
	CreatedAt int64              `json:"createdAt"`
}

type AnswerRecord struct {
	Answer   SessionDescription `json:"answer"`
	From     MemberID           `json:"from"`
	CallerID MemberID           `json:"callerId"`
	Session  string             `json:"session"`
}

// CandidateRecord is the ICE candidate JSON plus addressing. To and Session
// keep one member's shared candidate collection usable by several peers.
type CandidateRecord struct {
	ICECandidate
	To        MemberID `json:"to"`
	Session   string   `json:"session"`
	CreatedAt int64    `json:"createdAt"`
}

type MessageRecord struct {
	SenderID   MemberID `json:"senderId"`
	SenderName string   `json:"senderName"`
	Text       string   `json:"text"`
	Timestamp  int64    `json:"timestamp"`
}

type RoomRecord struct {
	Title     string   `json:"title"`
	OwnerID   MemberID `json:"ownerId"`
	CreatedAt int64    `json:"createdAt"`
}

func (r RoomRecord) Room(id RoomID) Room {
	return Room{ID: id, Title: r.Title, OwnerID: r.OwnerID, CreatedAt: time.UnixMilli(r.CreatedAt)}
}

// ChatMessage is the read model of a MessageRecord.
type ChatMessage struct {
	ID         string
	SenderID   MemberID
	SenderName string
	Text       string
	SentAt     time.Time
}

func (r MessageRecord) Message(id string) ChatMessage {
	return ChatMessage{
		ID:         id,
		SenderID:   r.SenderID,
		SenderName: r.SenderName,
		Text:       r.Text,
		SentAt:     time.UnixMilli(r.Timestamp),
	}
}
