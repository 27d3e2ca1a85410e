package redisstore_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/notify"
	"github.com/absamo/triven-workflow/pkg/notify/redisstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupStore(t *testing.T) *redisstore.Store {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	store, err := redisstore.Connect(ctx, url, time.Hour)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestStore_DigestRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	key := notify.DigestKey{UserID: "u1", Day: "2026-05-04"}
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, key, models.DigestEntry{EventKey: "a", Subject: "first", OccurredAt: at}))
	require.NoError(t, store.Append(ctx, key, models.DigestEntry{EventKey: "b", Subject: "second", OccurredAt: at.Add(time.Hour)}))

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []notify.DigestKey{key}, keys)

	entries, err := store.Drain(ctx, key)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Subject)
	assert.True(t, at.Equal(entries[0].OccurredAt))

	entries, err = store.Drain(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, entries)

	keys, err = store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_ClaimHasOneWinner(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ok, err := store.Claim(ctx, "r1:reminder_24h:u1")
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	require.NoError(t, store.Release(ctx, "r1:reminder_24h:u1"))

	ok, err := store.Claim(ctx, "r1:reminder_24h:u1")
	require.NoError(t, err)
	assert.True(t, ok)
}
