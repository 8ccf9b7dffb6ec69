package channelstate

import (
	"math/big"
	"sync"
	"testing"
)

func TestUnseenKeysReturnZeroValue(t *testing.T) {
	c := NewCache()

	meta := c.Channel("unseen")
	if meta.Status != StatusActive {
		t.Fatalf("expected zero Status (active), got %v", meta.Status)
	}

	state := c.SubChannel("unseen", "F")
	if state.Nonce.Sign() != 0 || state.AccumulatedAmount.Sign() != 0 {
		t.Fatalf("expected zero-valued state, got %+v", state)
	}
}

func TestUpdateSubChannelStateMerges(t *testing.T) {
	c := NewCache()

	nonce1 := big.NewInt(1)
	c.UpdateSubChannelState("CH", "F", SubChannelPatch{Nonce: nonce1, AccumulatedAmount: big.NewInt(100)})

	epoch := uint64(2)
	got := c.UpdateSubChannelState("CH", "F", SubChannelPatch{Epoch: &epoch})

	if got.Nonce.Int64() != 1 {
		t.Fatalf("expected prior Nonce to survive merge, got %v", got.Nonce)
	}
	if got.AccumulatedAmount.Int64() != 100 {
		t.Fatalf("expected prior AccumulatedAmount to survive merge, got %v", got.AccumulatedAmount)
	}
	if got.Epoch != 2 {
		t.Fatalf("expected Epoch=2, got %d", got.Epoch)
	}
	if got.LastUpdated.IsZero() {
		t.Fatal("expected LastUpdated to be set")
	}
}

func TestConcurrentUpdatesSerializePerKey(t *testing.T) {
	c := NewCache()

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			c.UpdateSubChannelState("CH", "F", SubChannelPatch{Nonce: big.NewInt(n)})
		}(int64(i))
	}
	wg.Wait()

	state := c.SubChannel("CH", "F")
	if state.Nonce.Sign() == 0 {
		t.Fatal("expected a non-zero nonce after concurrent updates")
	}
}

func TestPutChannelAndSetStatus(t *testing.T) {
	c := NewCache()
	c.PutChannel(ChannelMetadata{ChannelID: "CH", PayerDID: "did:payer", AssetID: "FET"})

	c.SetChannelStatus("CH", StatusClosing)

	meta := c.Channel("CH")
	if meta.Status != StatusClosing {
		t.Fatalf("expected StatusClosing, got %v", meta.Status)
	}
	if meta.PayerDID != "did:payer" {
		t.Fatalf("expected PayerDID to survive status update, got %q", meta.PayerDID)
	}
}
