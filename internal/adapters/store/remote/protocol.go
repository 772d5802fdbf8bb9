// Package remote is a DocumentStore client for the relay server, plus the
// frame protocol both sides speak. Frames are msgpack-encoded binary
// websocket messages.
package remote

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/vmihailenco/msgpack/v5"
)

// Request ops.
const (
	OpSet     = "set"
	OpAdd     = "add"
	OpGet     = "get"
	OpList    = "list"
	OpDelete  = "delete"
	OpCommit  = "commit"
	OpWatch   = "watch"
	OpUnwatch = "unwatch"
	OpPing    = "ping"
)

// Response and push ops.
const (
	OpOK       = "ok"
	OpError    = "error"
	OpSnapshot = "snapshot"
	OpPong     = "pong"
)

// Error codes carried in error frames.
const (
	CodePermissionDenied = "permission_denied"
	CodeNotFound         = "not_found"
	CodeUnavailable      = "unavailable"
	CodeClosed           = "closed"
	CodeBadRequest       = "bad_request"
	CodeInternal         = "internal"
)

type WireDoc struct {
	Collection string `msgpack:"c"`
	ID         string `msgpack:"i"`
	Data       []byte `msgpack:"d"`
	CreatedAt  int64  `msgpack:"ct"`
	UpdatedAt  int64  `msgpack:"ut"`
}

type WireFilter struct {
	Field string `msgpack:"f"`
	Value string `msgpack:"v"`
}

type WireQuery struct {
	Collection string       `msgpack:"c"`
	Where      []WireFilter `msgpack:"w,omitempty"`
	OrderBy    string       `msgpack:"o,omitempty"`
}

type WireOp struct {
	Kind       int    `msgpack:"k"`
	Collection string `msgpack:"c"`
	ID         string `msgpack:"i"`
	Data       []byte `msgpack:"d,omitempty"`
}

// Frame is the single envelope for requests, responses and pushes.
// Responses echo the request ID; snapshot pushes carry the watch's Sub.
type Frame struct {
	ID         uint64     `msgpack:"id"`
	Op         string     `msgpack:"op"`
	Collection string     `msgpack:"col,omitempty"`
	DocID      string     `msgpack:"doc,omitempty"`
	Data       []byte     `msgpack:"data,omitempty"`
	Query      *WireQuery `msgpack:"q,omitempty"`
	Ops        []WireOp   `msgpack:"ops,omitempty"`
	Docs       []WireDoc  `msgpack:"docs,omitempty"`
	Initial    bool       `msgpack:"init,omitempty"`
	Sub        uint64     `msgpack:"sub,omitempty"`
	Code       string     `msgpack:"code,omitempty"`
	Message    string     `msgpack:"msg,omitempty"`
}

func Encode(f *Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

func Decode(b []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

func FromDocument(d core.Document) WireDoc {
	return WireDoc{
		Collection: d.Collection,
		ID:         d.ID,
		Data:       d.Data,
		CreatedAt:  d.CreatedAt.UnixNano(),
		UpdatedAt:  d.UpdatedAt.UnixNano(),
	}
}

func FromDocuments(docs []core.Document) []WireDoc {
	out := make([]WireDoc, 0, len(docs))
	for _, d := range docs {
		out = append(out, FromDocument(d))
	}
	return out
}

func (w WireDoc) Document() core.Document {
	return core.Document{
		Collection: w.Collection,
		ID:         w.ID,
		Data:       w.Data,
		CreatedAt:  time.Unix(0, w.CreatedAt),
		UpdatedAt:  time.Unix(0, w.UpdatedAt),
	}
}

func ToDocuments(ws []WireDoc) []core.Document {
	out := make([]core.Document, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Document())
	}
	return out
}

func FromQuery(q core.Query) *WireQuery {
	w := &WireQuery{Collection: q.Collection, OrderBy: q.OrderBy}
	for _, f := range q.Where {
		w.Where = append(w.Where, WireFilter{Field: f.Field, Value: f.Value})
	}
	return w
}

func (w *WireQuery) Query() core.Query {
	if w == nil {
		return core.Query{}
	}
	q := core.Query{Collection: w.Collection, OrderBy: w.OrderBy}
	for _, f := range w.Where {
		q.Where = append(q.Where, core.Filter{Field: f.Field, Value: f.Value})
	}
	return q
}

func FromOps(ops []core.Op) []WireOp {
	out := make([]WireOp, 0, len(ops))
	for _, op := range ops {
		out = append(out, WireOp{Kind: int(op.Kind), Collection: op.Ref.Collection, ID: op.Ref.ID, Data: op.Data})
	}
	return out
}

func ToOps(ws []WireOp) []core.Op {
	out := make([]core.Op, 0, len(ws))
	for _, w := range ws {
		out = append(out, core.Op{
			Kind: core.OpKind(w.Kind),
			Ref:  core.Ref{Collection: w.Collection, ID: w.ID},
			Data: w.Data,
		})
	}
	return out
}

// ErrorCode maps a store error onto its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, core.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, core.ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, core.ErrClosed):
		return CodeClosed
	}
	return CodeInternal
}

// CodeError is the inverse of ErrorCode.
func CodeError(code, msg string) error {
	var base error
	switch code {
	case CodePermissionDenied:
		base = core.ErrPermissionDenied
	case CodeNotFound:
		base = core.ErrNotFound
	case CodeUnavailable:
		base = core.ErrUnavailable
	case CodeClosed:
		base = core.ErrClosed
	default:
		return fmt.Errorf("remote %s: %s", code, msg)
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}
