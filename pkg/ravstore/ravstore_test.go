package ravstore

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/snet-labs/channel-gateway/pkg/subrav"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()

	bolt, err := OpenBoltStore(filepath.Join(t.TempDir(), "ravs.db"))
	if err != nil {
		t.Fatalf("OpenBoltStore: %v", err)
	}
	t.Cleanup(func() { bolt.Close() })

	return map[string]Store{
		"mem":  NewMemStore(),
		"bolt": bolt,
	}
}

func signedAt(channelID, vm string, nonce, amount int64) subrav.SignedSubRAV {
	return subrav.SignedSubRAV{
		SubRAV: subrav.SubRAV{
			Version:           subrav.CurrentVersion,
			ChainID:           1,
			ChannelID:         channelID,
			ChannelEpoch:      1,
			VMIDFragment:      vm,
			AccumulatedAmount: big.NewInt(amount),
			Nonce:             big.NewInt(nonce),
		},
		Signature: []byte{0x01, 0x02, 0x03},
	}
}

func TestStoreSaveIdempotent(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rav := signedAt("CH", "F", 1, 100)

			if err := store.Save(ctx, rav); err != nil {
				t.Fatalf("first Save: %v", err)
			}
			if err := store.Save(ctx, rav); err != nil {
				t.Fatalf("second Save (idempotent) should not error: %v", err)
			}

			latest, err := store.Latest(ctx, "CH", "F")
			if err != nil {
				t.Fatalf("Latest: %v", err)
			}
			if latest == nil || latest.SubRAV.Nonce.Int64() != 1 {
				t.Fatalf("expected single record at nonce 1, got %+v", latest)
			}
		})
	}
}

func TestStoreSaveRegressionSameNonceDifferentPayload(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Save(ctx, signedAt("CH", "F", 1, 100)); err != nil {
				t.Fatalf("Save: %v", err)
			}
			err := store.Save(ctx, signedAt("CH", "F", 1, 999))
			if err == nil {
				t.Fatal("expected ErrRegression for conflicting nonce")
			}
		})
	}
}

func TestStoreSaveRegressionNonMonotonic(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Save(ctx, signedAt("CH", "F", 2, 100)); err != nil {
				t.Fatalf("Save: %v", err)
			}
			err := store.Save(ctx, signedAt("CH", "F", 1, 50))
			if err == nil {
				t.Fatal("expected ErrRegression for nonce below highest stored")
			}
		})
	}
}

func TestStoreListAndUnclaimed(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Save(ctx, signedAt("CH", "F1", 1, 100)); err != nil {
				t.Fatalf("Save F1: %v", err)
			}
			if err := store.Save(ctx, signedAt("CH", "F2", 1, 200)); err != nil {
				t.Fatalf("Save F2: %v", err)
			}

			seq, err := store.List(ctx, "CH")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			var count int
			for range seq {
				count++
			}
			if count != 2 {
				t.Fatalf("expected 2 records listed, got %d", count)
			}

			unclaimed, err := store.Unclaimed(ctx, "CH")
			if err != nil {
				t.Fatalf("Unclaimed: %v", err)
			}
			if len(unclaimed) != 2 {
				t.Fatalf("expected 2 unclaimed sub-channels, got %d", len(unclaimed))
			}

			if err := store.MarkClaimed(ctx, "CH", "F1", big.NewInt(1)); err != nil {
				t.Fatalf("MarkClaimed: %v", err)
			}

			unclaimed, err = store.Unclaimed(ctx, "CH")
			if err != nil {
				t.Fatalf("Unclaimed after claim: %v", err)
			}
			if _, ok := unclaimed["F1"]; ok {
				t.Fatal("F1 should no longer be unclaimed after MarkClaimed")
			}
			if _, ok := unclaimed["F2"]; !ok {
				t.Fatal("F2 should remain unclaimed")
			}
		})
	}
}
