// Package mailbox is the signaling mailbox adapter: typed signaling records
// on top of a generic document store, addressed by the room's path layout.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Mailbox has no retry logic; store failures propagate to the caller,
// classified into the domain error taxonomy.
type Mailbox struct {
	store  core.DocumentStore
	layout Layout
	now    func() time.Time
}

func New(store core.DocumentStore, room domain.RoomID) *Mailbox {
	return &Mailbox{store: store, layout: Layout{Room: room}, now: time.Now}
}

func (m *Mailbox) Layout() Layout { return m.layout }

func (m *Mailbox) Room() domain.RoomID { return m.layout.Room }

// classify maps store errors onto the signaling taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrPermissionDenied):
		return fmt.Errorf("%s: %w: %w", op, domain.ErrSignalingWriteRejected, err)
	case errors.Is(err, core.ErrUnavailable), errors.Is(err, core.ErrClosed):
		return fmt.Errorf("%s: %w: %w", op, domain.ErrTransientNetwork, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Put creates or overwrites the record at collection/id.
func (m *Mailbox) Put(ctx context.Context, collection, id string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s: %w", collection, err)
	}
	return classify("put "+collection, m.store.Set(ctx, core.Ref{Collection: collection, ID: id}, data))
}

// Append stores record under a fresh id.
func (m *Mailbox) Append(ctx context.Context, collection string, record any) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", collection, err)
	}
	id, err := m.store.Add(ctx, collection, data)
	return id, classify("append "+collection, err)
}

// Subscribe delivers the initial snapshot and then incremental diffs.
func (m *Mailbox) Subscribe(ctx context.Context, q core.Query) (core.Subscription, error) {
	sub, err := m.store.Watch(ctx, q)
	return sub, classify("subscribe "+q.Collection, err)
}

// DeleteMany deletes every ref or none.
func (m *Mailbox) DeleteMany(ctx context.Context, refs []core.Ref) error {
	if len(refs) == 0 {
		return nil
	}
	ops := make([]core.Op, 0, len(refs))
	for _, r := range refs {
		ops = append(ops, core.Op{Kind: core.OpDelete, Ref: r})
	}
	return classify("delete batch", m.store.Commit(ctx, ops))
}

func (m *Mailbox) Delete(ctx context.Context, collection, id string) error {
	return classify("delete "+collection, m.store.Delete(ctx, core.Ref{Collection: collection, ID: id}))
}

// Decode unmarshals a document body into T.
func Decode[T any](d core.Document) (T, error) {
	var v T
	if err := json.Unmarshal(d.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s/%s: %w", d.Collection, d.ID, err)
	}
	return v, nil
}

// Room loads the room's metadata record.
func (m *Mailbox) LoadRoom(ctx context.Context) (domain.Room, error) {
	d, err := m.store.Get(ctx, core.Ref{Collection: RoomsCollection, ID: string(m.layout.Room)})
	if errors.Is(err, core.ErrNotFound) {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	if err != nil {
		return domain.Room{}, classify("load room", err)
	}
	rec, err := Decode[domain.RoomRecord](d)
	if err != nil {
		return domain.Room{}, err
	}
	return rec.Room(m.layout.Room), nil
}

// CreateRoom is used by the scheduling stub; the meeting core never writes rooms.
func CreateRoom(ctx context.Context, store core.DocumentStore, rec domain.RoomRecord) (domain.RoomID, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	id, err := store.Add(ctx, RoomsCollection, data)
	if err != nil {
		return "", classify("create room", err)
	}
	return domain.RoomID(id), nil
}

// PutMember writes the presence record, keyed by member id so re-entry
// overwrites a stale leftover.
func (m *Mailbox) PutMember(ctx context.Context, member domain.Member) error {
	return m.Put(ctx, m.layout.Members(), string(member.ID), member.Record())
}

func (m *Mailbox) MembersQuery() core.Query {
	return core.Query{Collection: m.layout.Members()}
}

// ListMembers reads the roster once.
func (m *Mailbox) ListMembers(ctx context.Context) ([]domain.Member, error) {
	docs, err := m.store.List(ctx, m.MembersQuery())
	if err != nil {
		return nil, classify("list members", err)
	}
	return DecodeMembers(docs), nil
}

// DecodeMembers skips records that do not decode.
func DecodeMembers(docs []core.Document) []domain.Member {
	out := make([]domain.Member, 0, len(docs))
	for _, d := range docs {
		rec, err := Decode[domain.MemberRecord](d)
		if err != nil {
			continue
		}
		out = append(out, rec.Member(domain.MemberID(d.ID)))
	}
	return out
}

// PublishOffer writes an offer under a caller-chosen session id, so the
// caller can tag its candidates before the offer exists.
func (m *Mailbox) PublishOffer(ctx context.Context, session string, from, to domain.MemberID, sdp domain.SessionDescription) error {
	rec := domain.OfferRecord{Offer: sdp, CallerID: from, CalleeID: to, CreatedAt: m.now().UnixMilli()}
	return m.Put(ctx, m.layout.Offers(), session, rec)
}

// OffersFor selects offers addressed to callee.
func (m *Mailbox) OffersFor(callee domain.MemberID) core.Query {
	return core.Query{
		Collection: m.layout.Offers(),
		Where:      []core.Filter{{Field: "calleeId", Value: string(callee)}},
	}
}

func (m *Mailbox) ConsumeOffer(ctx context.Context, id string) error {
	return m.Delete(ctx, m.layout.Offers(), id)
}

func (m *Mailbox) PublishAnswer(ctx context.Context, session string, from, caller domain.MemberID, sdp domain.SessionDescription) error {
	rec := domain.AnswerRecord{Answer: sdp, From: from, CallerID: caller, Session: session}
	_, err := m.Append(ctx, m.layout.Answers(), rec)
	return err
}

// AnswersFrom selects answers addressed to caller from answerer.
func (m *Mailbox) AnswersFrom(caller, answerer domain.MemberID) core.Query {
	return core.Query{
		Collection: m.layout.Answers(),
		Where: []core.Filter{
			{Field: "callerId", Value: string(caller)},
			{Field: "from", Value: string(answerer)},
		},
	}
}

func (m *Mailbox) ConsumeAnswer(ctx context.Context, id string) error {
	return m.Delete(ctx, m.layout.Answers(), id)
}

// AddCandidate appends to owner's outbound collection for role.
func (m *Mailbox) AddCandidate(ctx context.Context, owner domain.MemberID, role Role, to domain.MemberID, session string, c domain.ICECandidate) error {
	rec := domain.CandidateRecord{ICECandidate: c, To: to, Session: session, CreatedAt: m.now().UnixMilli()}
	_, err := m.Append(ctx, m.layout.Candidates(owner, role), rec)
	return err
}

// CandidatesFrom selects what owner, acting in role, sent to receiver in session.
func (m *Mailbox) CandidatesFrom(owner domain.MemberID, role Role, receiver domain.MemberID, session string) core.Query {
	return core.Query{
		Collection: m.layout.Candidates(owner, role),
		Where: []core.Filter{
			{Field: "to", Value: string(receiver)},
			{Field: "session", Value: session},
		},
	}
}

func (m *Mailbox) SendMessage(ctx context.Context, rec domain.MessageRecord) (string, error) {
	return m.Append(ctx, m.layout.Messages(), rec)
}

func (m *Mailbox) MessagesQuery() core.Query {
	return core.Query{Collection: m.layout.Messages(), OrderBy: "timestamp"}
}

// PurgeMember atomically deletes the member's presence record, both candidate
// collections and the signaling it left unconsumed. The reads run
// concurrently; the delete is a single batch.
func (m *Mailbox) PurgeMember(ctx context.Context, id domain.MemberID) error {
	queries := []core.Query{
		{Collection: m.layout.Candidates(id, RoleOfferer)},
		{Collection: m.layout.Candidates(id, RoleAnswerer)},
		{Collection: m.layout.Offers(), Where: []core.Filter{{Field: "callerId", Value: string(id)}}},
		{Collection: m.layout.Answers(), Where: []core.Filter{{Field: "callerId", Value: string(id)}}},
	}
	found := make([][]core.Document, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			docs, err := m.store.List(gctx, q)
			if err != nil {
				return classify("list "+q.Collection, err)
			}
			found[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	refs := []core.Ref{{Collection: m.layout.Members(), ID: string(id)}}
	for _, docs := range found {
		for _, d := range docs {
			refs = append(refs, d.Ref())
		}
	}
	return m.DeleteMany(ctx, refs)
}

// NewSessionID names one negotiation.
func NewSessionID() string { return uuid.NewString() }
