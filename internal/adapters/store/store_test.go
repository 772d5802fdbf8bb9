package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(id, data string) core.Document {
	return core.Document{Collection: "c", ID: id, Data: []byte(data)}
}

func kinds(changes []core.Change) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Kind.String()+":"+c.Doc.ID)
	}
	return out
}

func TestDiffOrdersRemovalsFirst(t *testing.T) {
	prev := []core.Document{doc("a", `{"v":1}`), doc("b", `{"v":1}`)}
	next := []core.Document{doc("c", `{"v":1}`), doc("b", `{"v":2}`)}
	assert.Equal(t, []string{"removed:a", "modified:b", "added:c"}, kinds(Diff(prev, next)))
	assert.Empty(t, Diff(next, next))
	assert.Equal(t, []string{"added:c", "added:b"}, kinds(Diff(nil, next)))
}

func TestValidateQuery(t *testing.T) {
	assert.NoError(t, ValidateQuery(core.Query{Collection: "c", Where: []core.Filter{{Field: "calleeId", Value: "x"}}, OrderBy: "timestamp"}))
	assert.Error(t, ValidateQuery(core.Query{}))
	assert.Error(t, ValidateQuery(core.Query{Collection: "c", Where: []core.Filter{{Field: "a'; drop", Value: "x"}}}))
	assert.Error(t, ValidateQuery(core.Query{Collection: "c", OrderBy: "data->>x"}))
}

func TestMatches(t *testing.T) {
	q := core.Query{Collection: "c", Where: []core.Filter{{Field: "to", Value: "b"}, {Field: "n", Value: "2"}}}
	assert.True(t, Matches(q, []byte(`{"to":"b","n":2}`)))
	assert.False(t, Matches(q, []byte(`{"to":"b","n":3}`)))
	assert.False(t, Matches(q, []byte(`{"to":"b"}`)))
	assert.False(t, Matches(q, []byte(`not json`)))
	assert.True(t, Matches(core.Query{Collection: "c"}, []byte(`not json`)))
}

func TestSortDocs(t *testing.T) {
	t0 := time.Unix(100, 0)
	docs := []core.Document{
		{ID: "x", Data: []byte(`{"timestamp":30}`), CreatedAt: t0},
		{ID: "y", Data: []byte(`{"timestamp":4}`), CreatedAt: t0.Add(time.Second)},
		{ID: "z", Data: []byte(`{}`), CreatedAt: t0.Add(2 * time.Second)},
	}
	SortDocs(core.Query{OrderBy: "timestamp"}, docs)
	assert.Equal(t, "z", docs[0].ID)
	assert.Equal(t, "y", docs[1].ID)
	assert.Equal(t, "x", docs[2].ID)

	SortDocs(core.Query{}, docs)
	assert.Equal(t, "x", docs[0].ID)
	assert.Equal(t, "z", docs[2].ID)
}

type source struct {
	mu   sync.Mutex
	docs []core.Document
}

func (s *source) set(docs ...core.Document) {
	s.mu.Lock()
	s.docs = docs
	s.mu.Unlock()
}

func (s *source) load(context.Context) ([]core.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Document(nil), s.docs...), nil
}

func next(t *testing.T, f *Feed) core.Snapshot {
	t.Helper()
	select {
	case s, ok := <-f.Events():
		require.True(t, ok, "feed closed")
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot")
	}
	return core.Snapshot{}
}

func TestFeedDeliversInitialThenDiffs(t *testing.T) {
	src := &source{}
	src.set(doc("a", `{}`))
	f := NewFeed(context.Background(), src.load)
	defer f.Cancel()

	first := next(t, f)
	assert.True(t, first.Initial)
	assert.Equal(t, []string{"added:a"}, kinds(first.Changes))

	src.set(doc("b", `{}`))
	f.Notify()
	f.Notify()
	second := next(t, f)
	assert.False(t, second.Initial)
	assert.Equal(t, []string{"removed:a", "added:b"}, kinds(second.Changes))
	assert.Len(t, second.Docs, 1)
}

func TestFeedInitialEvenWhenEmpty(t *testing.T) {
	f := NewFeed(context.Background(), (&source{}).load)
	defer f.Cancel()
	s := next(t, f)
	assert.True(t, s.Initial)
	assert.Empty(t, s.Docs)
}

func TestFeedPolls(t *testing.T) {
	src := &source{}
	f := NewFeed(context.Background(), src.load, WithPollInterval(10*time.Millisecond))
	defer f.Cancel()
	next(t, f)

	src.set(doc("a", `{}`))
	assert.Equal(t, []string{"added:a"}, kinds(next(t, f).Changes))
}

func TestFeedCancelClosesEvents(t *testing.T) {
	f := NewFeed(context.Background(), (&source{}).load)
	next(t, f)
	f.Cancel()
	f.Cancel()
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
	_, ok := <-f.Events()
	assert.False(t, ok)
}

func TestFeedStopsOnClosedSource(t *testing.T) {
	f := NewFeed(context.Background(), func(context.Context) ([]core.Document, error) {
		return nil, core.ErrClosed
	})
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
}
