package pendingstore

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/snet-labs/channel-gateway/pkg/subrav"
)

func proposal(nonce, amount int64) subrav.SubRAV {
	return subrav.SubRAV{
		Version:           subrav.CurrentVersion,
		ChainID:           1,
		ChannelID:         "CH",
		ChannelEpoch:      1,
		VMIDFragment:      "F",
		AccumulatedAmount: big.NewInt(amount),
		Nonce:             big.NewInt(nonce),
	}
}

func newStores(t *testing.T) map[string]Store {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Store{
		"mem":   NewMemStore(),
		"redis": NewRedisStore(client, 30*time.Minute),
	}
}

func TestPendingStoreSaveFindRemove(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, "CH", proposal(1, 100)))

			found, err := store.Find(ctx, "CH", big.NewInt(1))
			require.NoError(t, err)
			require.NotNil(t, found)
			require.Equal(t, int64(100), found.AccumulatedAmount.Int64())

			require.NoError(t, store.Remove(ctx, "CH", big.NewInt(1)))

			found, err = store.Find(ctx, "CH", big.NewInt(1))
			require.NoError(t, err)
			require.Nil(t, found)
		})
	}
}

func TestPendingStoreSaveOverwrites(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, "CH", proposal(1, 100)))
			require.NoError(t, store.Save(ctx, "CH", proposal(1, 200)))

			found, err := store.Find(ctx, "CH", big.NewInt(1))
			require.NoError(t, err)
			require.Equal(t, int64(200), found.AccumulatedAmount.Int64())

			stats, err := store.Stats(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, stats.Count)
		})
	}
}

func TestPendingStoreCleanupRemovesOldEntries(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			switch s := store.(type) {
			case *MemStore:
				s.now = func() time.Time { return time.Unix(1000, 0) }
			case *RedisStore:
				s.now = func() time.Time { return time.Unix(1000, 0) }
			}
			require.NoError(t, store.Save(ctx, "CH", proposal(1, 100)))

			switch s := store.(type) {
			case *MemStore:
				s.now = func() time.Time { return time.Unix(1000, 0).Add(time.Hour) }
			case *RedisStore:
				s.now = func() time.Time { return time.Unix(1000, 0).Add(time.Hour) }
			}

			removed, err := store.Cleanup(ctx, (30 * time.Minute).Milliseconds())
			require.NoError(t, err)
			require.Equal(t, 1, removed)

			stats, err := store.Stats(ctx)
			require.NoError(t, err)
			require.Equal(t, 0, stats.Count)
		})
	}
}

func TestPendingStoreClear(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, "CH", proposal(1, 100)))
			require.NoError(t, store.Save(ctx, "CH", proposal(2, 200)))

			require.NoError(t, store.Clear(ctx))

			stats, err := store.Stats(ctx)
			require.NoError(t, err)
			require.Equal(t, 0, stats.Count)
		})
	}
}
