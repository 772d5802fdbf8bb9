package membership

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/adapters/store/memory"
	"github.com/dkeye/Mesh/internal/app/mailbox"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func member(id string, at int64) domain.Member {
	return domain.Member{ID: domain.MemberID(id), DisplayName: id, JoinedAt: time.UnixMilli(at)}
}

func roster(ms ...domain.Member) Roster {
	r := Roster{}
	for _, m := range ms {
		r[m.ID] = m
	}
	return r
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name string
		prev Roster
		next Roster
		want []string
	}{
		{"empty", roster(), roster(), nil},
		{"self excluded", roster(), roster(member("me", 1)), nil},
		{"join", roster(member("me", 1)), roster(member("me", 1), member("b", 2)), []string{"joined b"}},
		{"leave", roster(member("b", 2)), roster(), []string{"left b"}},
		{"unchanged", roster(member("b", 2)), roster(member("b", 2)), nil},
		{"swap in one snapshot", roster(member("b", 2)), roster(member("c", 3)), []string{"left b", "joined c"}},
		{"re-entry is a new incarnation", roster(member("b", 2)), roster(member("b", 5)), []string{"left b", "joined b"}},
		{"joins in join order", roster(), roster(member("z", 1), member("a", 2)), []string{"joined z", "joined a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, e := range Diff(tt.prev, tt.next, "me") {
				got = append(got, e.Kind.String()+" "+string(e.Member.ID))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

// Replaying the events of every step over the previous view must reproduce
// the next view, and a joined id must never already be present.
func TestDiffMatchesSetDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ids := []string{"a", "b", "c", "d", "me"}

	prev := Roster{}
	for step := 0; step < 500; step++ {
		next := Roster{}
		for _, id := range ids {
			if rng.Intn(2) == 0 {
				continue
			}
			if old, ok := prev[domain.MemberID(id)]; ok && rng.Intn(4) != 0 {
				next[old.ID] = old
				continue
			}
			next[domain.MemberID(id)] = member(id, int64(step))
		}

		view := map[domain.MemberID]int64{}
		for id, m := range prev {
			if id != "me" {
				view[id] = m.Incarnation()
			}
		}
		for _, e := range Diff(prev, next, "me") {
			switch e.Kind {
			case Joined:
				_, present := view[e.Member.ID]
				require.False(t, present, "duplicate joined %s at step %d", e.Member.ID, step)
				view[e.Member.ID] = e.Member.Incarnation()
			case Left:
				_, present := view[e.Member.ID]
				require.True(t, present, "left for absent %s at step %d", e.Member.ID, step)
				delete(view, e.Member.ID)
			}
		}

		want := map[domain.MemberID]int64{}
		for id, m := range next {
			if id != "me" {
				want[id] = m.Incarnation()
			}
		}
		require.Equal(t, want, view, "step %d", step)
		prev = next
	}
}

func nextUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "updates closed")
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
	}
	return Update{}
}

func TestTrackerFollowsPresence(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	mb := mailbox.New(st, "r1")

	me := member("me", 100)
	tr := NewTracker(mb, me)
	require.NoError(t, tr.Enter(ctx))

	updates, err := tr.Start(ctx)
	require.NoError(t, err)

	u := nextUpdate(t, updates)
	assert.Empty(t, u.Events)
	assert.Contains(t, u.Roster, domain.MemberID("me"))

	require.NoError(t, mb.PutMember(ctx, member("b", 200)))
	u = nextUpdate(t, updates)
	require.Len(t, u.Events, 1)
	assert.Equal(t, Joined, u.Events[0].Kind)
	assert.Equal(t, domain.MemberID("b"), u.Events[0].Member.ID)

	require.NoError(t, mb.PurgeMember(ctx, "b"))
	u = nextUpdate(t, updates)
	require.Len(t, u.Events, 1)
	assert.Equal(t, Left, u.Events[0].Kind)

	tr.Stop()
	tr.Stop()
	for range updates {
	}
	assert.False(t, tr.Lost())
}

func TestTrackerReportsLostSubscription(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	tr := NewTracker(mailbox.New(st, "r1"), member("me", 1))

	updates, err := tr.Start(ctx)
	require.NoError(t, err)
	nextUpdate(t, updates)

	st.Close()
	for range updates {
	}
	assert.True(t, tr.Lost())

	_, err = tr.Start(ctx)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestTrackerOutlivesStartContext(t *testing.T) {
	st := memory.New()
	mb := mailbox.New(st, "r1")
	tr := NewTracker(mb, member("me", 1))
	defer tr.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	updates, err := tr.Start(ctx)
	require.NoError(t, err)
	nextUpdate(t, updates)
	cancel()

	require.NoError(t, mb.PutMember(context.Background(), member("b", 2)))
	u := nextUpdate(t, updates)
	require.Len(t, u.Events, 1)
	assert.Equal(t, Joined, u.Events[0].Kind)
	assert.False(t, tr.Lost())

	done, stop := context.WithCancel(context.Background())
	stop()
	_, err = NewTracker(mb, member("c", 3)).Start(done)
	assert.ErrorIs(t, err, context.Canceled)
}
