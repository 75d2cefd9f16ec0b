package redis

import (
	"context"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/unionidx/unionidx/errs"
	"github.com/unionidx/unionidx/internal/meta"
)

type payload struct {
	Name string `json:"name"`
}

func newStore(t *testing.T) *Store[payload] {
	t.Helper()
	s := mrd.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
	})
	store, err := NewStore[payload](rdb, "item-meta")
	require.NoError(t, err)
	return store
}

func TestStoreInsertThenGet(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	entry := meta.NewScheduledEntry[payload]("ethereum:0xabc:1", time.Now())
	_, err := store.Insert(ctx, entry)
	require.NoError(t, err)

	got, ok, err := store.Get(ctx, "ethereum:0xabc:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, meta.StatusScheduled, got.Status)
	require.Nil(t, got.Data)
}

func TestStoreInsertConflict(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	entry := meta.NewScheduledEntry[payload]("solana:mint123", time.Now())
	_, err := store.Insert(ctx, entry)
	require.NoError(t, err)

	_, err = store.Insert(ctx, entry)
	require.Error(t, err)
	require.True(t, errs.IsConflict(err))
}

func TestStoreGetMissing(t *testing.T) {
	store := newStore(t)

	_, ok, err := store.Get(context.Background(), "never-seen")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreSaveRoundTripsPayload(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	entry := meta.NewScheduledEntry[payload]("tezos:KT1:42", time.Now())
	updated := entry.Succeed(payload{Name: "Taco #42"}, time.Now())
	_, err := store.Save(ctx, updated)
	require.NoError(t, err)

	got, ok, err := store.Get(ctx, "tezos:KT1:42")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, meta.StatusSuccess, got.Status)
	require.NotNil(t, got.Data)
	require.Equal(t, "Taco #42", got.Data.Name)
	require.Equal(t, 1, got.Downloads)
}

func TestStoreGetAll(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := store.Insert(ctx, meta.NewScheduledEntry[payload](id, time.Now()))
		require.NoError(t, err)
	}

	entries, err := store.GetAll(ctx, []string{"a", "missing", "b"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestStoreListRetryableTracksStatus(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now()

	scheduled := meta.NewScheduledEntry[payload]("pending-1", now)
	_, err := store.Insert(ctx, scheduled)
	require.NoError(t, err)

	done := meta.NewScheduledEntry[payload]("done-1", now).Succeed(payload{Name: "x"}, now)
	_, err = store.Save(ctx, done)
	require.NoError(t, err)

	entries, err := store.ListRetryable(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "pending-1", entries[0].ID)
}

func TestStoreDelete(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, meta.NewScheduledEntry[payload]("gone", time.Now()))
	require.NoError(t, err)

	deleted, err := store.Delete(ctx, "gone")
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = store.Delete(ctx, "gone")
	require.NoError(t, err)
	require.False(t, deleted)

	entries, err := store.ListRetryable(ctx, 3, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}
