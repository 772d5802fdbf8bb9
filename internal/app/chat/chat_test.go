package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/adapters/store/memory"
	"github.com/dkeye/Mesh/internal/app/mailbox"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, w *Watcher) Transcript {
	t.Helper()
	select {
	case tr, ok := <-w.Updates():
		require.True(t, ok)
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript")
	}
	return Transcript{}
}

func texts(ms []domain.ChatMessage) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Text)
	}
	return out
}

func TestSendAndWatchInOrder(t *testing.T) {
	ctx := context.Background()
	mb := mailbox.New(memory.New(), "r1")

	clock := time.UnixMilli(10_000)
	alice := New(mb, domain.Identity{ID: "a", Name: "Alice"})
	alice.now = func() time.Time { return clock }
	bob := New(mb, domain.Identity{ID: "b", Name: "Bob"})
	bob.now = func() time.Time { return clock.Add(-time.Second) }

	_, err := alice.Send(ctx, "  second  ")
	require.NoError(t, err)
	_, err = bob.Send(ctx, "first")
	require.NoError(t, err)

	w, err := alice.Watch(ctx)
	require.NoError(t, err)
	defer w.Cancel()

	tr := next(t, w)
	assert.Equal(t, []string{"first", "second"}, texts(tr.Messages))
	assert.Len(t, tr.New, 2)

	clock = clock.Add(time.Minute)
	msg, err := alice.Send(ctx, "third")
	require.NoError(t, err)
	assert.Equal(t, "Alice", msg.SenderName)

	tr = next(t, w)
	assert.Equal(t, []string{"first", "second", "third"}, texts(tr.Messages))
	assert.Equal(t, []string{"third"}, texts(tr.New))
}

func TestSendRejectsBadText(t *testing.T) {
	c := New(mailbox.New(memory.New(), "r1"), domain.Identity{ID: "a"})
	_, err := c.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = c.Send(context.Background(), strings.Repeat("x", MaxMessageLen+1))
	assert.ErrorIs(t, err, ErrMessageTooLong)
}

func TestSendFailureIsToastLevel(t *testing.T) {
	st := memory.New(memory.WithPolicy(func(core.OpKind, core.Ref) error { return core.ErrUnavailable }))
	c := New(mailbox.New(st, "r1"), domain.Identity{ID: "a"})

	_, err := c.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.ErrorIs(t, err, domain.ErrTransientNetwork)
}
