package room

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/adapters/store/memory"
	"github.com/dkeye/Mesh/internal/app/mailbox"
	"github.com/dkeye/Mesh/internal/app/media"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/core/coretest"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recordingNavigator struct {
	mu      sync.Mutex
	targets []string
}

func (n *recordingNavigator) Navigate(target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, target)
}

func (n *recordingNavigator) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.targets...)
}

// countingStore counts batch commits on top of a real store.
type countingStore struct {
	core.DocumentStore
	commits atomic.Int32
}

func (s *countingStore) Commit(ctx context.Context, ops []core.Op) error {
	s.commits.Add(1)
	return s.DocumentStore.Commit(ctx, ops)
}

type harness struct {
	coord   *Coordinator
	devices *coretest.Devices
	factory *coretest.Factory
	nav     *recordingNavigator
}

func newRoom(t *testing.T, st core.DocumentStore) domain.RoomID {
	t.Helper()
	id, err := mailbox.CreateRoom(context.Background(), st, domain.RoomRecord{Title: "weekly", OwnerID: "a"})
	require.NoError(t, err)
	return id
}

func newHarness(st core.DocumentStore, room domain.RoomID, id string, joined int64) *harness {
	h := &harness{
		devices: &coretest.Devices{},
		factory: coretest.NewFactory(domain.MemberID(id)),
		nav:     &recordingNavigator{},
	}
	ident := domain.Identity{ID: domain.MemberID(id), Name: "Member " + id}
	h.coord = New(Config{
		Room:      room,
		Identity:  &ident,
		Store:     st,
		Devices:   h.devices,
		Factory:   h.factory,
		Navigator: h.nav,
		Now:       func() time.Time { return time.UnixMilli(joined) },
	})
	return h
}

func members(t *testing.T, st core.DocumentStore, room domain.RoomID) []domain.Member {
	t.Helper()
	ms, err := mailbox.New(st, room).ListMembers(context.Background())
	require.NoError(t, err)
	return ms
}

func TestJoinAndLeave(t *testing.T) {
	st := memory.New()
	room := newRoom(t, st)
	a := newHarness(st, room, "a", 1000)
	b := newHarness(st, room, "b", 3000)

	require.NoError(t, a.coord.Join(context.Background()))
	assert.Equal(t, StateActive, a.coord.State())
	require.NoError(t, b.coord.Join(context.Background()))
	assert.Equal(t, "weekly", b.coord.Room().Title)

	for _, h := range []*harness{a, b} {
		require.Eventually(t, func() bool {
			m := h.coord.Mesh()
			return len(m.RemoteStreams()) == 1 && len(m.RemoteStreams()[0].Tracks) == 2
		}, waitFor, tick)
	}
	require.Eventually(t, func() bool { return len(a.coord.Roster()) == 2 }, waitFor, tick)
	assert.Equal(t, domain.MemberID("a"), a.coord.Roster()[0].ID)

	pcB := b.factory.Conns()[0]
	b.coord.Leave()
	assert.Equal(t, StateLeft, b.coord.State())
	assert.NoError(t, b.coord.Err())
	assert.True(t, pcB.IsClosed())
	assert.Equal(t, []string{DashboardPath}, b.nav.all())
	for _, tr := range b.devices.Streams()[0].Tracks {
		assert.Equal(t, 1, tr.(*coretest.Track).Stops())
	}

	ms := members(t, st, room)
	require.Len(t, ms, 1)
	assert.Equal(t, domain.MemberID("a"), ms[0].ID)
	layout := mailbox.Layout{Room: room}
	for _, role := range []mailbox.Role{mailbox.RoleOfferer, mailbox.RoleAnswerer} {
		docs, err := st.List(context.Background(), core.Query{Collection: layout.Candidates("b", role)})
		require.NoError(t, err)
		assert.Empty(t, docs)
	}

	require.Eventually(t, func() bool { return len(a.coord.Mesh().Peers()) == 0 }, waitFor, tick)
	assert.Empty(t, a.coord.Mesh().RemoteStreams())
	assert.Equal(t, StateActive, a.coord.State())
	a.coord.Leave()
}

func TestRoomOutlivesJoinContext(t *testing.T) {
	st := memory.New()
	room := newRoom(t, st)
	a := newHarness(st, room, "a", 1000)
	b := newHarness(st, room, "b", 3000)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	require.NoError(t, a.coord.Join(ctx))
	cancel()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateActive, a.coord.State())
	assert.NoError(t, a.coord.Err())
	assert.Empty(t, a.nav.all())

	// The roster is still followed after the join context is gone.
	require.NoError(t, b.coord.Join(context.Background()))
	require.Eventually(t, func() bool { return len(a.coord.Roster()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(a.coord.Mesh().RemoteStreams()) == 1 }, waitFor, tick)

	b.coord.Leave()
	a.coord.Leave()
	assert.NoError(t, a.coord.Err())
	assert.Equal(t, []string{DashboardPath}, a.nav.all())
}

func videoSender(t *testing.T, pc *coretest.PeerConnection) *coretest.Sender {
	t.Helper()
	for _, s := range pc.FakeSenders() {
		if s.Kind() == domain.TrackKindVideo {
			return s
		}
	}
	t.Fatal("no video sender")
	return nil
}

func TestEndedShareKeepsConnections(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	room := newRoom(t, st)
	a := newHarness(st, room, "a", 1000)
	b := newHarness(st, room, "b", 3000)
	require.NoError(t, a.coord.Join(ctx))
	require.NoError(t, b.coord.Join(ctx))
	defer a.coord.Leave()
	defer b.coord.Leave()

	require.Eventually(t, func() bool {
		return len(a.coord.Mesh().RemoteStreams()) == 1 && len(b.coord.Mesh().RemoteStreams()) == 1
	}, waitFor, tick)
	require.Len(t, a.factory.Conns(), 1)
	require.Len(t, b.factory.Conns(), 1)
	pcA, pcB := a.factory.Conns()[0], b.factory.Conns()[0]
	offers, answers := pcA.Offers(), pcB.Answers()
	sender := videoSender(t, pcA)

	ctrl := a.coord.Media()
	require.NoError(t, ctrl.StartScreenShare(ctx))
	assert.Equal(t, media.SourceScreen, ctrl.Source())
	assert.Same(t, a.devices.LastDisplay(), sender.Track())

	a.devices.LastDisplay().End()
	require.Eventually(t, func() bool {
		return ctrl.Source() == media.SourceCamera && sender.Replaced() == 2
	}, waitFor, tick)
	assert.NotSame(t, a.devices.LastDisplay(), sender.Track())

	assert.Len(t, a.factory.Conns(), 1)
	assert.Len(t, b.factory.Conns(), 1)
	assert.False(t, pcA.IsClosed())
	assert.False(t, pcB.IsClosed())
	assert.Equal(t, offers, pcA.Offers())
	assert.Equal(t, answers, pcB.Answers())
	require.Eventually(t, func() bool {
		return count(t, st, mailbox.Layout{Room: room}.Offers()) == 0
	}, waitFor, tick)
	assert.Equal(t, StateActive, a.coord.State())
}

func count(t *testing.T, st core.DocumentStore, collection string) int {
	t.Helper()
	docs, err := st.List(context.Background(), core.Query{Collection: collection})
	require.NoError(t, err)
	return len(docs)
}

func TestPermissionDenied(t *testing.T) {
	st := &countingStore{DocumentStore: memory.New()}
	room := newRoom(t, st)
	h := newHarness(st, room, "a", 1000)
	h.devices.Deny = true

	err := h.coord.Join(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMediaPermissionDenied)
	var jerr *domain.JoinError
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, "acquire media", jerr.Op)

	assert.Equal(t, StateLeft, h.coord.State())
	assert.ErrorIs(t, h.coord.Err(), domain.ErrMediaPermissionDenied)
	assert.Empty(t, members(t, st, room))
	assert.Empty(t, h.factory.Conns())
	assert.Empty(t, h.nav.all())
	// No cleanup batch: presence was never written.
	assert.Equal(t, int32(0), st.commits.Load())
}

func TestConcurrentTeardownRunsOnce(t *testing.T) {
	st := &countingStore{DocumentStore: memory.New()}
	room := newRoom(t, st)
	h := newHarness(st, room, "a", 1000)
	require.NoError(t, h.coord.Join(context.Background()))
	before := st.commits.Load()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.coord.Leave()
		}()
	}
	wg.Wait()

	assert.Equal(t, StateLeft, h.coord.State())
	assert.Equal(t, []string{DashboardPath}, h.nav.all())
	assert.Equal(t, before+1, st.commits.Load())
	for _, tr := range h.devices.Streams()[0].Tracks {
		assert.Equal(t, 1, tr.(*coretest.Track).Stops())
	}
	assert.ErrorIs(t, h.coord.Join(context.Background()), ErrAlreadyJoined)
}

func TestPresenceWriteRejectedReleasesMedia(t *testing.T) {
	var membersCol string
	st := memory.New(memory.WithPolicy(func(kind core.OpKind, ref core.Ref) error {
		if kind == core.OpSet && ref.Collection == membersCol {
			return core.ErrPermissionDenied
		}
		return nil
	}))
	room := newRoom(t, st)
	membersCol = mailbox.Layout{Room: room}.Members()

	h := newHarness(st, room, "a", 1000)
	err := h.coord.Join(context.Background())
	assert.ErrorIs(t, err, domain.ErrSignalingWriteRejected)
	assert.Equal(t, StateLeft, h.coord.State())
	for _, tr := range h.devices.Streams()[0].Tracks {
		assert.Equal(t, 1, tr.(*coretest.Track).Stops())
	}
	assert.Empty(t, h.factory.Conns())
	assert.Empty(t, h.nav.all())
}

func TestUnauthenticatedRedirects(t *testing.T) {
	st := memory.New()
	h := newHarness(st, "r42", "a", 1000)
	h.coord.cfg.Identity = nil

	err := h.coord.Join(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.Equal(t, []string{"/login?redirect=/sala/r42"}, h.nav.all())
	assert.Empty(t, h.devices.UserRequests())
	assert.Equal(t, StateLeft, h.coord.State())
}

func TestRoomNotFound(t *testing.T) {
	h := newHarness(memory.New(), "missing", "a", 1000)
	err := h.coord.Join(context.Background())
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.Empty(t, h.devices.UserRequests())
	assert.Equal(t, StateLeft, h.coord.State())
}

func TestLostRosterTearsDown(t *testing.T) {
	st := memory.New()
	room := newRoom(t, st)
	h := newHarness(st, room, "a", 1000)
	require.NoError(t, h.coord.Join(context.Background()))

	st.Close()
	select {
	case <-h.coord.Done():
	case <-time.After(waitFor):
		t.Fatal("teardown did not run")
	}
	assert.ErrorIs(t, h.coord.Err(), domain.ErrTransientNetwork)
	assert.Equal(t, []string{DashboardPath}, h.nav.all())
}

func TestLeaveDuringJoin(t *testing.T) {
	st := memory.New()
	room := newRoom(t, st)
	h := newHarness(st, room, "a", 1000)
	h.coord.Leave()

	assert.ErrorIs(t, h.coord.Join(context.Background()), ErrAlreadyJoined)
	assert.Empty(t, members(t, st, room))
	assert.Empty(t, h.devices.UserRequests())
}
