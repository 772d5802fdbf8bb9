package signal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/app/mailbox"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/stretchr/testify/assert"
)

func body(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestCanWrite(t *testing.T) {
	l := mailbox.Layout{Room: "r1"}
	set := func(col, id string, data []byte) core.Op {
		return core.Op{Kind: core.OpSet, Ref: core.Ref{Collection: col, ID: id}, Data: data}
	}
	del := func(col, id string) core.Op {
		return core.Op{Kind: core.OpDelete, Ref: core.Ref{Collection: col, ID: id}}
	}

	cases := []struct {
		name  string
		op    core.Op
		allow bool
	}{
		{"own presence", set(l.Members(), "alice", body(t, domain.MemberRecord{Name: "A"})), true},
		{"other presence", set(l.Members(), "bob", body(t, domain.MemberRecord{Name: "B"})), false},
		{"delete own presence", del(l.Members(), "alice"), true},
		{"delete other presence", del(l.Members(), "bob"), false},
		{"own candidates", set(l.Candidates("alice", mailbox.RoleOfferer), "c1", []byte(`{}`)), true},
		{"other candidates", set(l.Candidates("bob", mailbox.RoleAnswerer), "c1", []byte(`{}`)), false},
		{"delete own candidates", del(l.Candidates("alice", mailbox.RoleAnswerer), "c1"), true},
		{"own offer", set(l.Offers(), "s1", body(t, domain.OfferRecord{CallerID: "alice", CalleeID: "bob"})), true},
		{"forged offer", set(l.Offers(), "s1", body(t, domain.OfferRecord{CallerID: "bob", CalleeID: "alice"})), false},
		{"garbage offer", set(l.Offers(), "s1", []byte("nope")), false},
		{"consume offer", del(l.Offers(), "s1"), true},
		{"own answer", set(l.Answers(), "", body(t, domain.AnswerRecord{From: "alice", CallerID: "bob"})), true},
		{"forged answer", set(l.Answers(), "", body(t, domain.AnswerRecord{From: "bob", CallerID: "alice"})), false},
		{"consume answer", del(l.Answers(), "a1"), true},
		{"own message", set(l.Messages(), "", body(t, domain.MessageRecord{SenderID: "alice", Text: "hi"})), true},
		{"forged message", set(l.Messages(), "", body(t, domain.MessageRecord{SenderID: "bob", Text: "hi"})), false},
		{"message with chosen id", set(l.Messages(), "m1", body(t, domain.MessageRecord{SenderID: "alice", Text: "hi"})), false},
		{"delete message", del(l.Messages(), "m1"), false},
		{"room document", set(mailbox.RoomsCollection, "r1", body(t, domain.RoomRecord{Title: "x"})), false},
		{"outside rooms", set("users", "alice", []byte(`{}`)), false},
		{"auto id presence", set(l.Members(), "", []byte(`{}`)), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CanWrite("alice", tc.op, nil)
			if tc.allow {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, core.ErrPermissionDenied)
			}
		})
	}
}

func TestCanWriteChecksStoredOwner(t *testing.T) {
	l := mailbox.Layout{Room: "r1"}
	stored := func(v any) *core.Document {
		return &core.Document{Collection: "x", ID: "s1", Data: body(t, v)}
	}
	offer := core.Op{Kind: core.OpSet, Ref: core.Ref{Collection: l.Offers(), ID: "s1"},
		Data: body(t, domain.OfferRecord{CallerID: "alice", CalleeID: "bob"})}
	answer := core.Op{Kind: core.OpSet, Ref: core.Ref{Collection: l.Answers(), ID: "s1"},
		Data: body(t, domain.AnswerRecord{From: "alice", CallerID: "bob"})}

	assert.NoError(t, CanWrite("alice", offer, stored(domain.OfferRecord{CallerID: "alice", CalleeID: "carol"})))
	assert.ErrorIs(t, CanWrite("alice", offer, stored(domain.OfferRecord{CallerID: "bob", CalleeID: "carol"})), core.ErrPermissionDenied)
	assert.ErrorIs(t, CanWrite("alice", offer, stored("garbage")), core.ErrPermissionDenied)
	assert.NoError(t, CanWrite("alice", answer, stored(domain.AnswerRecord{From: "alice"})))
	assert.ErrorIs(t, CanWrite("alice", answer, stored(domain.AnswerRecord{From: "bob"})), core.ErrPermissionDenied)

	assert.True(t, guarded(offer))
	assert.True(t, guarded(answer))
	assert.False(t, guarded(core.Op{Kind: core.OpDelete, Ref: offer.Ref}))
	assert.False(t, guarded(core.Op{Kind: core.OpSet, Ref: core.Ref{Collection: l.Offers()}}))
	assert.False(t, guarded(core.Op{Kind: core.OpSet, Ref: core.Ref{Collection: l.Members(), ID: "alice"}}))
}

func TestCanRead(t *testing.T) {
	l := mailbox.Layout{Room: "r1"}
	assert.NoError(t, CanRead("alice", l.Messages()))
	assert.NoError(t, CanRead("alice", mailbox.RoomsCollection))
	assert.NoError(t, CanRead("alice", l.Candidates("bob", mailbox.RoleOfferer)))
	assert.ErrorIs(t, CanRead("alice", "users"), core.ErrPermissionDenied)
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRoomRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("bob"))

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, rl.Allow("alice"))

	rl.Forget("alice")
	assert.True(t, rl.Allow("alice"))

	var unlimited *RoomRateLimiter
	assert.True(t, unlimited.Allow("alice"))
}
