package replica

import (
	"context"
	"errors"
	"testing"

	"github.com/did-method-plc/go-oplogsync/oplog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gtid(seq uint64) oplog.GTID {
	return oplog.GTID{Term: 1, Seq: seq}
}

func spanOf(t *testing.T, from, to uint64) Span {
	t.Helper()
	return Span{Oldest: makeEntry(t, 1, from), Newest: makeEntry(t, 1, to)}
}

func TestIsStale(t *testing.T) {
	assert.True(t, IsStale(gtid(5), gtid(10)))
	assert.False(t, IsStale(gtid(20), gtid(10)))
	assert.False(t, IsStale(gtid(10), gtid(10)), "oldest retained is still available")
	assert.False(t, IsStale(oplog.GTID{}, gtid(10)), "nothing fetched yet starts from oldest")
	assert.True(t, IsStale(oplog.GTID{Term: 1, Seq: 99}, oplog.GTID{Term: 2, Seq: 1}))
}

func TestRollbackRequired(t *testing.T) {
	assert.False(t, RollbackRequired(gtid(30), spanOf(t, 1, 50)))
	assert.True(t, RollbackRequired(gtid(30), spanOf(t, 40, 90)))
	assert.True(t, RollbackRequired(gtid(60), spanOf(t, 1, 50)), "applied past the target's newest")
	assert.False(t, RollbackRequired(gtid(50), spanOf(t, 1, 50)), "span is inclusive")
	assert.False(t, RollbackRequired(oplog.GTID{}, spanOf(t, 40, 90)), "nothing applied yet")
	assert.True(t, RollbackRequired(gtid(30), Span{}), "target with an empty oplog")
}

func TestSpan_String(t *testing.T) {
	assert.Equal(t, "[]", Span{}.String())
	assert.Equal(t, "[1:3..1:7]", spanOf(t, 3, 7).String())
}

func TestValidationError_Message(t *testing.T) {
	rb := &ValidationError{Kind: ConflictRollback, Target: "a", Local: gtid(30), Span: spanOf(t, 40, 90)}
	assert.Contains(t, rb.Error(), "rollback required")
	assert.Contains(t, rb.Error(), "1:30")

	stale := &ValidationError{Kind: ConflictStale, Target: "a", Local: gtid(5)}
	assert.Contains(t, stale.Error(), "no longer retained")

	stale.Span = spanOf(t, 10, 20)
	assert.Contains(t, stale.Error(), "oldest retained 1:10")
}

func TestConnectionError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	var err error = &ConnectionError{Target: "a", Err: inner}
	assert.ErrorIs(t, err, inner)

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "a", cerr.Target)
}

// --- Target validation against a reader ---

func newValidationSync(t *testing.T, applied, fetched uint64) *BackgroundSync {
	t.Helper()
	n := NewNotifier()
	if applied > 0 {
		n.NotifyApplied(gtid(applied), oplog.OpTime{Secs: uint32(applied)})
	}
	bs := NewBackgroundSync(newFakeTopology("a"), &fakeDialer{}, n, NewSettings(), testLogger())
	if fetched > 0 {
		bs.advanceFetched(gtid(fetched))
	}
	return bs
}

func TestValidateTarget_OK(t *testing.T) {
	bs := newValidationSync(t, 30, 35)
	r := &fakeReader{span: spanOf(t, 1, 50)}
	assert.NoError(t, bs.validateTarget(context.Background(), "a", r))
}

func TestValidateTarget_Rollback(t *testing.T) {
	bs := newValidationSync(t, 30, 30)
	r := &fakeReader{span: spanOf(t, 40, 90)}

	err := bs.validateTarget(context.Background(), "a", r)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ConflictRollback, verr.Kind)
	assert.Equal(t, gtid(30), verr.Local)
}

func TestValidateTarget_RollbackCheckedBeforeStaleness(t *testing.T) {
	// fetched 5 is stale against oldest 40, but the applied position being
	// outside the span takes precedence
	bs := newValidationSync(t, 5, 5)
	r := &fakeReader{span: spanOf(t, 40, 90)}

	err := bs.validateTarget(context.Background(), "a", r)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ConflictRollback, verr.Kind)
}

func TestValidateTarget_Stale(t *testing.T) {
	// nothing applied yet, so no rollback, but fetched entries were already
	// rotated out of the target
	bs := newValidationSync(t, 0, 5)
	r := &fakeReader{span: spanOf(t, 10, 90)}

	stale, oldest, err := bs.isStale(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, gtid(10), oldest.GTID)

	err = bs.validateTarget(context.Background(), "a", r)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ConflictStale, verr.Kind)
	assert.Equal(t, gtid(5), verr.Local)
	assert.Equal(t, gtid(10), verr.Span.Oldest.GTID)
}

func TestValidateTarget_SpanError(t *testing.T) {
	bs := newValidationSync(t, 30, 30)
	r := &fakeReader{spanErr: errors.New("boom")}

	err := bs.validateTarget(context.Background(), "a", r)
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "a", cerr.Target)
}
