// Package membership keeps the room roster from the presence collection and
// turns whole snapshots into joined/left events.
package membership

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Mesh/internal/app/mailbox"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyStarted = errors.New("tracker already started")

// Update is delivered once per roster snapshot. Roster includes self for
// local rendering; Events never mention self.
type Update struct {
	Roster Roster
	Events []Event
}

type Tracker struct {
	mb   *mailbox.Mailbox
	self domain.Member

	// ctx bounds the roster watch; only Stop ends it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	known   Roster
	sub     core.Subscription
	stopped bool
	lost    bool
}

func NewTracker(mb *mailbox.Mailbox, self domain.Member) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{mb: mb, self: self, known: Roster{}, ctx: ctx, cancel: cancel}
}

func (t *Tracker) Self() domain.Member { return t.self }

// Enter writes the local presence record, replacing any stale leftover.
func (t *Tracker) Enter(ctx context.Context) error {
	if err := t.mb.PutMember(ctx, t.self); err != nil {
		return err
	}
	log.Info().Str("module", "membership").Str("member", string(t.self.ID)).Str("room", string(t.mb.Room())).Msg("presence written")
	return nil
}

// Start subscribes to the presence collection. ctx only bounds the call
// itself: the watch lives until Stop. The returned channel is closed when the
// tracker stops or the subscription ends; Lost tells the two apart.
func (t *Tracker) Start(ctx context.Context) (<-chan Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.sub != nil || t.stopped {
		t.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	t.mu.Unlock()

	sub, err := t.mb.Subscribe(t.ctx, t.mb.MembersQuery())
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		sub.Cancel()
		return nil, ErrAlreadyStarted
	}
	t.sub = sub
	t.mu.Unlock()

	out := make(chan Update, 16)
	go t.run(sub, out)
	return out, nil
}

func (t *Tracker) run(sub core.Subscription, out chan<- Update) {
	defer close(out)
	for snap := range sub.Events() {
		next := Roster{}
		for _, m := range mailbox.DecodeMembers(snap.Docs) {
			next[m.ID] = m
		}

		t.mu.Lock()
		events := Diff(t.known, next, t.self.ID)
		t.known = next
		t.mu.Unlock()

		for _, e := range events {
			log.Debug().Str("module", "membership").Str("event", e.Kind.String()).Str("peer", string(e.Member.ID)).Msg("roster change")
		}
		select {
		case out <- Update{Roster: next, Events: events}:
		case <-t.ctx.Done():
			return
		}
	}

	t.mu.Lock()
	if !t.stopped {
		t.lost = true
		log.Warn().Str("module", "membership").Str("room", string(t.mb.Room())).Msg("roster subscription ended")
	}
	t.mu.Unlock()
}

// Roster returns the last snapshot seen.
func (t *Tracker) Roster() Roster {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(Roster, len(t.known))
	for k, v := range t.known {
		out[k] = v
	}
	return out
}

// Lost reports whether the subscription ended without Stop.
func (t *Tracker) Lost() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lost
}

// Stop cancels the subscription. Idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	sub := t.sub
	t.mu.Unlock()
	t.cancel()
	if sub != nil {
		sub.Cancel()
	}
}
