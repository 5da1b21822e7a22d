package oplog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGTIDCompare(t *testing.T) {
	assert := assert.New(t)

	a := GTID{Term: 1, Seq: 10}
	b := GTID{Term: 1, Seq: 11}
	c := GTID{Term: 2, Seq: 1}

	assert.Equal(-1, a.Compare(b))
	assert.Equal(1, b.Compare(a))
	assert.Equal(0, a.Compare(a))
	assert.True(b.Less(c), "higher term sorts later regardless of seq")
	assert.True(GTID{}.Less(a))
	assert.True(GTID{}.IsZero())
	assert.Equal(GTID{Term: 1, Seq: 11}, a.Next())
}

func TestParseGTID(t *testing.T) {
	g, err := ParseGTID("3:42")
	require.NoError(t, err)
	assert.Equal(t, GTID{Term: 3, Seq: 42}, g)
	assert.Equal(t, "3:42", g.String())

	g, err = ParseGTID("")
	require.NoError(t, err)
	assert.True(t, g.IsZero())

	_, err = ParseGTID("42")
	assert.Error(t, err)
	_, err = ParseGTID("x:1")
	assert.Error(t, err)
}

func TestOpTime(t *testing.T) {
	assert := assert.New(t)

	a := OpTime{Secs: 100, Inc: 1}
	b := OpTime{Secs: 100, Inc: 2}
	assert.True(a.Before(b))
	assert.False(b.Before(a))
	assert.Equal("100.1", a.String())

	parsed, err := ParseOpTime("100.2")
	assert.NoError(err)
	assert.Equal(b, parsed)

	parsed, err = ParseOpTime("100")
	assert.NoError(err)
	assert.Equal(OpTime{Secs: 100}, parsed)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(ts, OpTimeFromTime(ts, 0).Time())
}

func TestEntryVerify(t *testing.T) {
	e, err := NewEntry(GTID{Term: 1, Seq: 1}, OpTime{Secs: 1}, OpInsert, "db.things", json.RawMessage(`{"_id":1}`), time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, e.Hash)
	assert.NoError(t, e.Verify())

	// survives a round trip through the wire encoding
	b, err := json.Marshal(e)
	require.NoError(t, err)
	var decoded Entry
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.NoError(t, decoded.Verify())

	decoded.Payload = json.RawMessage(`{"_id":2}`)
	assert.ErrorIs(t, decoded.Verify(), ErrHashMismatch)
}

func TestEntryVerify_SamePositionDifferentContent(t *testing.T) {
	a, err := NewEntry(GTID{Term: 1, Seq: 5}, OpTime{Secs: 1}, OpInsert, "db.things", json.RawMessage(`{"_id":1}`), time.Now())
	require.NoError(t, err)
	b, err := NewEntry(GTID{Term: 1, Seq: 5}, OpTime{Secs: 1}, OpInsert, "db.things", json.RawMessage(`{"_id":9}`), time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestEntryVerify_Malformed(t *testing.T) {
	e, err := NewEntry(GTID{}, OpTime{}, OpNoop, "", nil, time.Now())
	require.NoError(t, err)
	assert.Error(t, e.Verify(), "zero GTID is rejected")

	e, err = NewEntry(GTID{Term: 1, Seq: 1}, OpTime{}, "x", "", nil, time.Now())
	require.NoError(t, err)
	assert.Error(t, e.Verify(), "unknown op is rejected")
}
