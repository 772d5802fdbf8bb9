package pg

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real database when MESH_TEST_DSN is set.
func openTest(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MESH_TEST_DSN")
	if dsn == "" {
		t.Skip("MESH_TEST_DSN not set")
	}
	s, err := Open(dsn, 20*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	col := "test/" + uuid.NewString() + "/offers"

	id, err := s.Add(ctx, col, []byte(`{"calleeId":"b"}`))
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, core.Ref{Collection: col, ID: "x"}, []byte(`{"calleeId":"c"}`)))

	docs, err := s.List(ctx, core.Query{Collection: col, Where: []core.Filter{{Field: "calleeId", Value: "b"}}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, id, docs[0].ID)

	require.NoError(t, s.Commit(ctx, []core.Op{
		{Kind: core.OpDelete, Ref: core.Ref{Collection: col, ID: id}},
		{Kind: core.OpDelete, Ref: core.Ref{Collection: col, ID: "x"}},
	}))
	_, err = s.Get(ctx, core.Ref{Collection: col, ID: "x"})
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestPostgresWatchPolls(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	col := "test/" + uuid.NewString() + "/members"

	sub, err := s.Watch(ctx, core.Query{Collection: col})
	require.NoError(t, err)
	defer sub.Cancel()

	first := <-sub.Events()
	assert.True(t, first.Initial)

	require.NoError(t, s.Set(ctx, core.Ref{Collection: col, ID: "a"}, []byte(`{}`)))
	select {
	case snap := <-sub.Events():
		require.Len(t, snap.Changes, 1)
		assert.Equal(t, core.ChangeAdded, snap.Changes[0].Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot")
	}
}
