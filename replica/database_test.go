package replica

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/did-method-plc/go-oplogsync/oplog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

func newTestStore(t *testing.T) *GormOplogStore {
	t.Helper()
	logger := testLogger()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		store, err := NewGormOplogStore(dbURL, logger)
		require.NoError(t, err)
		// Truncate tables for test isolation
		require.NoError(t, store.db.Exec("TRUNCATE oplog").Error)
		t.Cleanup(func() {
			store.db.Exec("TRUNCATE oplog")
			sqlDB, _ := store.db.DB()
			sqlDB.Close()
		})
		return store
	}

	store, err := NewGormOplogStoreWithDialector(sqlite.Open(":memory:"), logger)
	require.NoError(t, err)
	sqlDB, err := store.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return store
}

func TestGormOplogStore_Empty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	newest, err := store.Newest(ctx)
	assert.NoError(t, err)
	assert.Nil(t, newest)

	span, err := store.Span(ctx)
	require.NoError(t, err)
	assert.True(t, span.IsEmpty())

	entries, err := store.After(ctx, oplog.GTID{}, 10)
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestGormOplogStore_AppendAndRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entries := makeEntries(t, 1, 1, 5)
	require.NoError(t, store.Append(ctx, entries...))

	span, err := store.Span(ctx)
	require.NoError(t, err)
	assert.Equal(t, gtid(1), span.Oldest.GTID)
	assert.Equal(t, gtid(5), span.Newest.GTID)

	got, err := store.After(ctx, gtid(2), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, gtid(3), got[0].GTID)
	assert.Equal(t, gtid(4), got[1].GTID)

	// stored entries come back intact
	for _, e := range got {
		assert.NoError(t, e.Verify())
	}
	assert.Equal(t, entries[2].Hash, got[0].Hash)
	assert.Equal(t, entries[2].TS, got[0].TS)
	assert.True(t, entries[2].WallTime.Equal(got[0].WallTime))
	assert.JSONEq(t, string(entries[2].Payload), string(got[0].Payload))
}

func TestGormOplogStore_OrdersAcrossTerms(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, makeEntry(t, 2, 1), makeEntry(t, 1, 9), makeEntry(t, 1, 10)))

	newest, err := store.Newest(ctx)
	require.NoError(t, err)
	assert.Equal(t, oplog.GTID{Term: 2, Seq: 1}, newest.GTID)

	got, err := store.After(ctx, oplog.GTID{Term: 1, Seq: 9}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, oplog.GTID{Term: 1, Seq: 10}, got[0].GTID)
	assert.Equal(t, oplog.GTID{Term: 2, Seq: 1}, got[1].GTID)
}

func TestGormOplogStore_AppendDuplicateFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, makeEntries(t, 1, 1, 2)...))

	// the whole batch is rejected
	err := store.Append(ctx, makeEntry(t, 1, 3), makeEntry(t, 1, 2))
	assert.Error(t, err)

	newest, err := store.Newest(ctx)
	require.NoError(t, err)
	assert.Equal(t, gtid(2), newest.GTID)
}

func TestGormOplogStore_Insert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e1, err := store.Insert(ctx, 1, oplog.OpInsert, "test.docs", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, gtid(1), e1.GTID)
	assert.NoError(t, e1.Verify())

	e2, err := store.Insert(ctx, 1, oplog.OpUpdate, "test.docs", []byte(`{"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, gtid(2), e2.GTID)
	assert.True(t, e1.TS.Before(e2.TS), "optimes increase")

	// a new term restarts the sequence
	e3, err := store.Insert(ctx, 2, oplog.OpDelete, "test.docs", nil)
	require.NoError(t, err)
	assert.Equal(t, oplog.GTID{Term: 2, Seq: 1}, e3.GTID)

	_, err = store.Insert(ctx, 1, oplog.OpInsert, "test.docs", nil)
	assert.Error(t, err, "term behind the head")
}

func TestGormOplogStore_InsertConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Insert(ctx, 1, oplog.OpInsert, "test.docs", []byte(`{}`))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.After(ctx, oplog.GTID{}, 100)
	require.NoError(t, err)
	require.Len(t, got, n)
	for i, e := range got {
		assert.Equal(t, gtid(uint64(i+1)), e.GTID)
		if i > 0 {
			assert.True(t, got[i-1].TS.Before(e.TS))
		}
	}
}

func TestGormOplogStore_Trim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, makeEntries(t, 1, 1, 10)...))

	removed, err := store.Trim(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), removed)

	oldest, err := store.Oldest(ctx)
	require.NoError(t, err)
	assert.Equal(t, gtid(7), oldest.GTID)

	// nothing more to trim
	removed, err = store.Trim(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	removed, err = store.Trim(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	_, err = store.Trim(ctx, 0)
	assert.Error(t, err)
}

func TestNewGormOplogStore_BadScheme(t *testing.T) {
	_, err := NewGormOplogStore("mysql://localhost/db", testLogger())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database scheme")
}
