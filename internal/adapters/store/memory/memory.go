// Package memory is an in-process DocumentStore. It backs the relay server by
// default and is the mailbox used by protocol tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/adapters/store"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Policy may veto an operation before it is applied.
type Policy func(kind core.OpKind, ref core.Ref) error

type Option func(*Store)

func WithPolicy(p Policy) Option {
	return func(s *Store) { s.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type watcher struct {
	q    core.Query
	feed *store.Feed
}

// Store is a threadsafe map of collections with push-based watches.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]core.Document
	watchers    map[*watcher]struct{}
	closed      bool

	policy Policy
	now    func() time.Time
}

func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]map[string]core.Document),
		watchers:    make(map[*watcher]struct{}),
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) check(kind core.OpKind, ref core.Ref) error {
	if s.policy == nil {
		return nil
	}
	return s.policy(kind, ref)
}

func (s *Store) Set(ctx context.Context, ref core.Ref, data []byte) error {
	return s.Commit(ctx, []core.Op{{Kind: core.OpSet, Ref: ref, Data: data}})
}

func (s *Store) Add(ctx context.Context, collection string, data []byte) (string, error) {
	id := uuid.NewString()
	if err := s.Set(ctx, core.Ref{Collection: collection, ID: id}, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, ref core.Ref) (core.Document, error) {
	if err := ctx.Err(); err != nil {
		return core.Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.Document{}, core.ErrClosed
	}
	d, ok := s.collections[ref.Collection][ref.ID]
	if !ok {
		return core.Document{}, fmt.Errorf("%s/%s: %w", ref.Collection, ref.ID, core.ErrNotFound)
	}
	return d, nil
}

func (s *Store) List(ctx context.Context, q core.Query) ([]core.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := store.ValidateQuery(q); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, core.ErrClosed
	}
	return s.listLocked(q), nil
}

func (s *Store) listLocked(q core.Query) []core.Document {
	col := s.collections[q.Collection]
	out := make([]core.Document, 0, len(col))
	for _, d := range col {
		if store.Matches(q, d.Data) {
			out = append(out, d)
		}
	}
	store.SortDocs(q, out)
	return out
}

func (s *Store) Delete(ctx context.Context, ref core.Ref) error {
	return s.Commit(ctx, []core.Op{{Kind: core.OpDelete, Ref: ref}})
}

// Commit validates every op against the policy before touching state, so a
// rejected batch leaves nothing behind.
func (s *Store) Commit(ctx context.Context, ops []core.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, op := range ops {
		if op.Ref.Collection == "" || op.Ref.ID == "" {
			return fmt.Errorf("commit: empty reference")
		}
		if err := s.check(op.Kind, op.Ref); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ErrClosed
	}
	now := s.now()
	touched := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		col := op.Ref.Collection
		switch op.Kind {
		case core.OpSet:
			docs, ok := s.collections[col]
			if !ok {
				docs = make(map[string]core.Document)
				s.collections[col] = docs
			}
			created := now
			if old, ok := docs[op.Ref.ID]; ok {
				created = old.CreatedAt
			}
			docs[op.Ref.ID] = core.Document{
				Collection: col,
				ID:         op.Ref.ID,
				Data:       append([]byte(nil), op.Data...),
				CreatedAt:  created,
				UpdatedAt:  now,
			}
		case core.OpDelete:
			delete(s.collections[col], op.Ref.ID)
			if len(s.collections[col]) == 0 {
				delete(s.collections, col)
			}
		}
		touched[col] = struct{}{}
	}
	var notify []*watcher
	for w := range s.watchers {
		if _, ok := touched[w.q.Collection]; ok {
			notify = append(notify, w)
		}
	}
	s.mu.Unlock()

	for _, w := range notify {
		w.feed.Notify()
	}
	return nil
}

func (s *Store) Watch(ctx context.Context, q core.Query) (core.Subscription, error) {
	if err := store.ValidateQuery(q); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrClosed
	}
	w := &watcher{q: q}
	w.feed = store.NewFeed(ctx, func(ctx context.Context) ([]core.Document, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.closed {
			return nil, core.ErrClosed
		}
		return s.listLocked(q), nil
	})
	s.watchers[w] = struct{}{}
	go func() {
		<-w.feed.Done()
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
		log.Debug().Str("module", "store.memory").Str("collection", q.Collection).Msg("watch ended")
	}()
	return w.feed, nil
}

// Close ends every watch; later calls fail with core.ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	feeds := make([]*store.Feed, 0, len(s.watchers))
	for w := range s.watchers {
		feeds = append(feeds, w.feed)
	}
	s.mu.Unlock()
	for _, f := range feeds {
		f.Cancel()
	}
}
