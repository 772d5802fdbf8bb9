package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/rs/zerolog/log"
)

const retryDelay = 500 * time.Millisecond

// LoadFunc returns the current result set of a watched query.
type LoadFunc func(ctx context.Context) ([]core.Document, error)

// Feed turns "something changed" notifications into snapshots. Writers never
// block: Notify only marks the feed dirty, and the feed goroutine reloads and
// diffs against what it last delivered, so a slow reader sees coalesced diffs
// instead of stalling the store.
type Feed struct {
	load   LoadFunc
	poll   time.Duration
	events chan core.Snapshot
	dirty  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

type FeedOption func(*Feed)

// WithPollInterval makes the feed reload on a timer as well, for backends
// that cannot push change notifications.
func WithPollInterval(d time.Duration) FeedOption {
	return func(f *Feed) { f.poll = d }
}

// WithBuffer sets how many undelivered snapshots may queue up.
func WithBuffer(n int) FeedOption {
	return func(f *Feed) { f.events = make(chan core.Snapshot, n) }
}

func NewFeed(ctx context.Context, load LoadFunc, opts ...FeedOption) *Feed {
	ctx, cancel := context.WithCancel(ctx)
	f := &Feed{
		load:   load,
		events: make(chan core.Snapshot, 16),
		dirty:  make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	go f.run()
	return f
}

func (f *Feed) Events() <-chan core.Snapshot { return f.events }

func (f *Feed) Cancel() {
	f.once.Do(f.cancel)
}

// Done is closed after the events channel has been closed.
func (f *Feed) Done() <-chan struct{} { return f.done }

// Notify marks the feed dirty. It never blocks.
func (f *Feed) Notify() {
	select {
	case f.dirty <- struct{}{}:
	default:
	}
}

func (f *Feed) run() {
	defer close(f.done)
	defer close(f.events)

	var tick <-chan time.Time
	if f.poll > 0 {
		t := time.NewTicker(f.poll)
		defer t.Stop()
		tick = t.C
	}

	var (
		last    []core.Document
		retry   <-chan time.Time
		initial = true
	)
	for {
		if initial || f.takeDirty() {
			docs, err := f.load(f.ctx)
			switch {
			case errors.Is(err, core.ErrClosed):
				return
			case err != nil:
				if f.ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Str("module", "store.feed").Msg("reload failed")
				retry = time.After(retryDelay)
			default:
				changes := Diff(last, docs)
				if initial || len(changes) > 0 {
					snap := core.Snapshot{Initial: initial, Docs: docs, Changes: changes}
					select {
					case f.events <- snap:
					case <-f.ctx.Done():
						return
					}
					last = docs
					initial = false
				}
			}
		}

		select {
		case <-f.ctx.Done():
			return
		case <-f.dirty:
			f.Notify()
		case <-tick:
			f.Notify()
		case <-retry:
			retry = nil
			f.Notify()
		}
	}
}

func (f *Feed) takeDirty() bool {
	select {
	case <-f.dirty:
		return true
	default:
		return false
	}
}
