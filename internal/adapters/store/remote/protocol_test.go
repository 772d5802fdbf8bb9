package remote

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCarriesWatchAndBatch(t *testing.T) {
	q := core.Query{Collection: "meetings/r/offers", Where: []core.Filter{{Field: "calleeId", Value: "b"}}, OrderBy: "createdAt"}
	ops := []core.Op{
		{Kind: core.OpDelete, Ref: core.Ref{Collection: "meetings/r/members", ID: "a"}},
		{Kind: core.OpSet, Ref: core.Ref{Collection: "meetings/r/members", ID: "b"}, Data: []byte(`{}`)},
	}
	b, err := Encode(&Frame{ID: 7, Op: OpCommit, Query: FromQuery(q), Ops: FromOps(ops)})
	require.NoError(t, err)

	f, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), f.ID)
	assert.Equal(t, q, f.Query.Query())
	assert.Equal(t, ops, ToOps(f.Ops))

	_, err = Decode([]byte{0xc1})
	assert.Error(t, err)
}

func TestWireDocKeepsTimes(t *testing.T) {
	at := time.Unix(1700000000, 123)
	d := core.Document{Collection: "c", ID: "x", Data: []byte(`{}`), CreatedAt: at, UpdatedAt: at}
	got := FromDocument(d).Document()
	assert.True(t, got.CreatedAt.Equal(at))
	assert.Equal(t, d.Data, got.Data)
	assert.Equal(t, core.Query{}, (*WireQuery)(nil).Query())
}

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		base error
		code string
	}{
		{core.ErrPermissionDenied, core.ErrPermissionDenied, CodePermissionDenied},
		{fmt.Errorf("x: %w", core.ErrNotFound), core.ErrNotFound, CodeNotFound},
		{core.ErrUnavailable, core.ErrUnavailable, CodeUnavailable},
		{core.ErrClosed, core.ErrClosed, CodeClosed},
		{errors.New("boom"), nil, CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			code := ErrorCode(tc.err)
			assert.Equal(t, tc.code, code)
			if tc.base != nil {
				assert.ErrorIs(t, CodeError(code, "detail"), tc.base)
			}
		})
	}
	assert.Equal(t, core.ErrNotFound, CodeError(CodeNotFound, ""))
	assert.EqualError(t, CodeError(CodeBadRequest, "nope"), "remote bad_request: nope")
}
