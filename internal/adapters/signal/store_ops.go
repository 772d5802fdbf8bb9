package signal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/Mesh/internal/adapters/store/remote"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/rs/zerolog/log"
)

var errBadRequest = errors.New("bad request")

func (ctl *StoreWSController) handleFrame(s *storeSession, f *remote.Frame) {
	switch f.Op {
	case remote.OpPing:
		ctl.handlePing(s, f)
	case remote.OpGet:
		ctl.handleGet(s, f)
	case remote.OpList:
		ctl.handleList(s, f)
	case remote.OpSet, remote.OpDelete, remote.OpAdd, remote.OpCommit:
		ctl.handleWrite(s, f)
	case remote.OpWatch:
		ctl.handleWatch(s, f)
	case remote.OpUnwatch:
		ctl.Registry.RemoveWatch(s.sid, f.Sub)
		ctl.ok(s, f.ID)
	default:
		log.Warn().Str("module", "signal").Str("op", f.Op).Msg("unknown op")
		ctl.fail(s, f.ID, fmt.Errorf("%w: op %q", errBadRequest, f.Op))
	}
}

func (ctl *StoreWSController) handleGet(s *storeSession, f *remote.Frame) {
	if err := CanRead(s.who.ID, f.Collection); err != nil {
		ctl.fail(s, f.ID, err)
		return
	}
	doc, err := ctl.Store.Get(s.ctx, core.Ref{Collection: f.Collection, ID: f.DocID})
	if err != nil {
		ctl.fail(s, f.ID, err)
		return
	}
	ctl.send(s, &remote.Frame{ID: f.ID, Op: remote.OpOK, Docs: []remote.WireDoc{remote.FromDocument(doc)}})
}

func (ctl *StoreWSController) handleList(s *storeSession, f *remote.Frame) {
	q := f.Query.Query()
	if err := CanRead(s.who.ID, q.Collection); err != nil {
		ctl.fail(s, f.ID, err)
		return
	}
	docs, err := ctl.Store.List(s.ctx, q)
	if err != nil {
		ctl.fail(s, f.ID, err)
		return
	}
	ctl.send(s, &remote.Frame{ID: f.ID, Op: remote.OpOK, Docs: remote.FromDocuments(docs)})
}

// writeOps normalizes every write frame into a batch for authorization. An
// add is a set with no id.
func writeOps(f *remote.Frame) []core.Op {
	ref := core.Ref{Collection: f.Collection, ID: f.DocID}
	switch f.Op {
	case remote.OpAdd:
		return []core.Op{{Kind: core.OpSet, Ref: core.Ref{Collection: f.Collection}, Data: f.Data}}
	case remote.OpSet:
		if ref.ID == "" {
			return nil
		}
		return []core.Op{{Kind: core.OpSet, Ref: ref, Data: f.Data}}
	case remote.OpDelete:
		return []core.Op{{Kind: core.OpDelete, Ref: ref}}
	}
	return remote.ToOps(f.Ops)
}

func (ctl *StoreWSController) handleWrite(s *storeSession, f *remote.Frame) {
	ops := writeOps(f)
	if len(ops) == 0 {
		ctl.fail(s, f.ID, fmt.Errorf("%w: empty batch", errBadRequest))
		return
	}
	for _, op := range ops {
		prev, err := ctl.current(s, op)
		if err != nil {
			ctl.fail(s, f.ID, err)
			return
		}
		if err := CanWrite(s.who.ID, op, prev); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("member", string(s.who.ID)).Str("collection", op.Ref.Collection).Msg("write denied")
			ctl.fail(s, f.ID, err)
			return
		}
	}
	if !ctl.Limiter.Allow(s.who.ID) {
		ctl.fail(s, f.ID, fmt.Errorf("%w: rate limited", core.ErrUnavailable))
		return
	}

	var err error
	resp := &remote.Frame{ID: f.ID, Op: remote.OpOK}
	switch f.Op {
	case remote.OpSet:
		err = ctl.Store.Set(s.ctx, ops[0].Ref, f.Data)
	case remote.OpAdd:
		resp.DocID, err = ctl.Store.Add(s.ctx, f.Collection, f.Data)
	case remote.OpDelete:
		err = ctl.Store.Delete(s.ctx, ops[0].Ref)
	case remote.OpCommit:
		err = ctl.Store.Commit(s.ctx, ops)
	}
	if err != nil {
		ctl.fail(s, f.ID, err)
		return
	}
	ctl.send(s, resp)
}

// current loads the document op would overwrite when ownership depends on it.
func (ctl *StoreWSController) current(s *storeSession, op core.Op) (*core.Document, error) {
	if !guarded(op) {
		return nil, nil
	}
	doc, err := ctl.Store.Get(s.ctx, op.Ref)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &doc, nil
}

func (ctl *StoreWSController) handleWatch(s *storeSession, f *remote.Frame) {
	q := f.Query.Query()
	if f.Sub == 0 {
		ctl.fail(s, f.ID, fmt.Errorf("%w: missing subscription id", errBadRequest))
		return
	}
	if err := CanRead(s.who.ID, q.Collection); err != nil {
		ctl.fail(s, f.ID, err)
		return
	}
	sub, err := ctl.Store.Watch(s.ctx, q)
	if err != nil {
		ctl.fail(s, f.ID, err)
		return
	}
	if err := ctl.Registry.AddWatch(s.sid, f.Sub, sub); err != nil {
		sub.Cancel()
		ctl.fail(s, f.ID, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	ctl.ok(s, f.ID)
	go ctl.forward(s, f.Sub, sub)
}

// forward pushes full result sets; the client diffs against its mirror. A
// watch ending while still registered means the store went away, and the
// member is disconnected so its client notices.
func (ctl *StoreWSController) forward(s *storeSession, id uint64, sub core.Subscription) {
	for snap := range sub.Events() {
		ctl.send(s, &remote.Frame{
			Op:      remote.OpSnapshot,
			Sub:     id,
			Initial: snap.Initial,
			Docs:    remote.FromDocuments(snap.Docs),
		})
	}
	if ctl.Registry.RemoveWatch(s.sid, id) && s.ctx.Err() == nil {
		log.Warn().Str("module", "signal").Str("sid", string(s.sid)).Uint64("sub", id).Msg("store watch ended, dropping connection")
		ctl.Registry.Cancel(s.sid)
	}
}

func (ctl *StoreWSController) ok(s *storeSession, id uint64) {
	ctl.send(s, &remote.Frame{ID: id, Op: remote.OpOK})
}

func (ctl *StoreWSController) fail(s *storeSession, id uint64, err error) {
	code := remote.ErrorCode(err)
	if errors.Is(err, errBadRequest) {
		code = remote.CodeBadRequest
	}
	ctl.send(s, &remote.Frame{ID: id, Op: remote.OpError, Code: code, Message: detail(err)})
}

// detail strips the sentinel prefix the client adds back from the code.
func detail(err error) string {
	msg := err.Error()
	for _, base := range []error{core.ErrPermissionDenied, core.ErrNotFound, core.ErrUnavailable, core.ErrClosed} {
		if errors.Is(err, base) {
			return strings.TrimPrefix(strings.TrimPrefix(msg, base.Error()), ": ")
		}
	}
	return msg
}
