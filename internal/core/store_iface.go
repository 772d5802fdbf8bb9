package core

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnavailable      = errors.New("store unavailable")
	ErrClosed           = errors.New("store closed")
)

// Document is one stored record. Data is JSON.
type Document struct {
	Collection string
	ID         string
	Data       []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Ref addresses a document.
type Ref struct {
	Collection string
	ID         string
}

func (d Document) Ref() Ref { return Ref{Collection: d.Collection, ID: d.ID} }

// Filter is an equality match on a top-level JSON field.
type Filter struct {
	Field string
	Value string
}

type Query struct {
	Collection string
	Where      []Filter
	// OrderBy names a top-level field; empty orders by creation time.
	OrderBy string
}

type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	}
	return "unknown"
}

type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Snapshot is one delivery of a watch. The first one is Initial and lists
// every matching document as added; later ones carry only the diff. Docs is
// always the full current result set. Within Changes removals come first.
type Snapshot struct {
	Initial bool
	Docs    []Document
	Changes []Change
}

// Subscription is a cancellable stream of snapshots. Cancel is idempotent
// and the Events channel is closed once the producer stops.
type Subscription interface {
	Events() <-chan Snapshot
	Cancel()
}

type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
)

// Op is one element of an atomic batch.
type Op struct {
	Kind OpKind
	Ref  Ref
	Data []byte
}

// DocumentStore is the external document database used purely as a mailbox.
// No retry logic lives behind it; failures propagate to callers.
type DocumentStore interface {
	Set(ctx context.Context, ref Ref, data []byte) error
	Add(ctx context.Context, collection string, data []byte) (string, error)
	Get(ctx context.Context, ref Ref) (Document, error)
	List(ctx context.Context, q Query) ([]Document, error)
	Delete(ctx context.Context, ref Ref) error
	// Commit applies every op or none of them.
	Commit(ctx context.Context, ops []Op) error
	Watch(ctx context.Context, q Query) (Subscription, error)
}
