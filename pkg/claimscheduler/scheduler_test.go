package claimscheduler

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/snet-labs/channel-gateway/pkg/chainclient"
	"github.com/snet-labs/channel-gateway/pkg/channelstate"
	"github.com/snet-labs/channel-gateway/pkg/ravstore"
	"github.com/snet-labs/channel-gateway/pkg/subrav"
)

const (
	testChannelID    = "7"
	testVMIDFragment = "F"
)

func seedRAV(t *testing.T, store ravstore.Store, nonce, accumulated int64) {
	t.Helper()
	err := store.Save(context.Background(), subrav.SignedSubRAV{
		SubRAV: subrav.SubRAV{
			Version:           subrav.CurrentVersion,
			ChainID:           1,
			ChannelID:         testChannelID,
			ChannelEpoch:      1,
			VMIDFragment:      testVMIDFragment,
			AccumulatedAmount: big.NewInt(accumulated),
			Nonce:             big.NewInt(nonce),
		},
		Signature: []byte{0x01},
	})
	if err != nil {
		t.Fatalf("seedRAV: %v", err)
	}
}

func testPolicy() Policy {
	return Policy{
		MinClaimAmountFor:   FlatMinClaimAmount(big.NewInt(10)),
		MaxConcurrentClaims: 4,
		MaxRetries:          3,
		RetryDelay:          5 * time.Millisecond,
	}
}

func TestMaybeQueueDropsBelowMinimum(t *testing.T) {
	store := ravstore.NewMemStore()
	s := NewScheduler(testPolicy(), chainclient.NewFake(), store, channelstate.NewCache(), time.Millisecond)

	s.MaybeQueue(context.Background(), testChannelID, testVMIDFragment, big.NewInt(5))

	if got := s.Stats().Queued; got != 0 {
		t.Fatalf("expected nothing queued below minClaimAmount, got %d", got)
	}
}

func TestMaybeQueueMergesIntoExisting(t *testing.T) {
	store := ravstore.NewMemStore()
	s := NewScheduler(testPolicy(), chainclient.NewFake(), store, channelstate.NewCache(), time.Hour)

	s.MaybeQueue(context.Background(), testChannelID, testVMIDFragment, big.NewInt(20))
	s.MaybeQueue(context.Background(), testChannelID, testVMIDFragment, big.NewInt(50))
	s.MaybeQueue(context.Background(), testChannelID, testVMIDFragment, big.NewInt(30))

	if got := s.Stats().Queued; got != 1 {
		t.Fatalf("expected a single merged task, got %d", got)
	}

	task := s.queued[taskKey(testChannelID, testVMIDFragment)]
	if task.delta.Int64() != 50 {
		t.Fatalf("expected merged delta to keep the max (50), got %v", task.delta)
	}
}

func TestMaybeQueueRejectsWhenSaturated(t *testing.T) {
	store := ravstore.NewMemStore()
	policy := testPolicy()
	policy.MaxConcurrentClaims = 1
	s := NewScheduler(policy, chainclient.NewFake(), store, channelstate.NewCache(), time.Hour)

	s.MaybeQueue(context.Background(), "chan-a", testVMIDFragment, big.NewInt(20))
	s.MaybeQueue(context.Background(), "chan-b", testVMIDFragment, big.NewInt(20))

	if got := s.Stats().Queued; got != 1 {
		t.Fatalf("expected second task rejected once saturated, got queued=%d", got)
	}
}

// TestClaimTrigger mirrors the "S5 Claim trigger" scenario: a queued task
// with a sufficient delta is claimed on the chain client within one scan.
func TestClaimTrigger(t *testing.T) {
	store := ravstore.NewMemStore()
	seedRAV(t, store, 1, 100)
	fake := chainclient.NewFake()
	cache := channelstate.NewCache()

	s := NewScheduler(testPolicy(), fake, store, cache, 5*time.Millisecond)
	s.MaybeQueue(context.Background(), testChannelID, testVMIDFragment, big.NewInt(100))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.Stats().SuccessCount == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	stats := s.Stats()
	if stats.SuccessCount != 1 {
		t.Fatalf("expected one successful claim, got stats=%+v", stats)
	}
	if len(fake.Claims()) != 1 {
		t.Fatalf("expected one Claim call, got %d", len(fake.Claims()))
	}

	state := cache.SubChannel(testChannelID, testVMIDFragment)
	if state.LastClaimedAmount.Int64() != 100 || state.LastConfirmedNonce.Int64() != 1 {
		t.Fatalf("expected cache reconciled to claimed state, got %+v", state)
	}
}

// TestRetryAndBackoff mirrors the "S6 Retry & backoff" scenario: the chain
// client fails twice before succeeding, and the scheduler retries with
// exponential backoff rather than giving up after the first failure.
func TestRetryAndBackoff(t *testing.T) {
	store := ravstore.NewMemStore()
	seedRAV(t, store, 1, 100)
	fake := chainclient.NewFake()
	fake.FailClaimsBeforeSuccess[testChannelID] = 2
	cache := channelstate.NewCache()

	policy := testPolicy()
	policy.RetryDelay = 20 * time.Millisecond
	policy.MaxRetries = 3
	s := NewScheduler(policy, fake, store, cache, 5*time.Millisecond)
	s.MaybeQueue(context.Background(), testChannelID, testVMIDFragment, big.NewInt(100))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Stats().SuccessCount == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats := s.Stats()
	if stats.SuccessCount != 1 {
		t.Fatalf("expected eventual success, got stats=%+v", stats)
	}
	if stats.BackoffCount != 2 {
		t.Fatalf("expected two backoffs before success, got %d", stats.BackoffCount)
	}
	if len(fake.Claims()) != 1 {
		t.Fatalf("expected exactly one successful Claim call recorded, got %d", len(fake.Claims()))
	}
}

// TestPermanentFailureAfterMaxRetries ensures a task that never succeeds is
// abandoned once attempts reach maxRetries, instead of retrying forever.
func TestPermanentFailureAfterMaxRetries(t *testing.T) {
	store := ravstore.NewMemStore()
	seedRAV(t, store, 1, 100)
	fake := chainclient.NewFake()
	fake.FailClaimsBeforeSuccess[testChannelID] = 100

	policy := testPolicy()
	policy.RetryDelay = 5 * time.Millisecond
	policy.MaxRetries = 2
	s := NewScheduler(policy, fake, store, channelstate.NewCache(), 5*time.Millisecond)
	s.MaybeQueue(context.Background(), testChannelID, testVMIDFragment, big.NewInt(100))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.Stats().FailedCount == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats := s.Stats()
	if stats.FailedCount != 1 {
		t.Fatalf("expected permanent failure after maxRetries, got stats=%+v", stats)
	}
	if stats.Queued != 0 || stats.Active != 0 {
		t.Fatalf("expected task removed from queue after giving up, got stats=%+v", stats)
	}
}

func TestDrainWaitsForQueueToEmpty(t *testing.T) {
	store := ravstore.NewMemStore()
	seedRAV(t, store, 1, 100)
	fake := chainclient.NewFake()
	s := NewScheduler(testPolicy(), fake, store, channelstate.NewCache(), 5*time.Millisecond)
	s.MaybeQueue(context.Background(), testChannelID, testVMIDFragment, big.NewInt(100))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
	defer drainCancel()
	if err := s.Drain(drainCtx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if stats := s.Stats(); stats.Queued != 0 || stats.Active != 0 {
		t.Fatalf("expected empty queue after Drain, got %+v", stats)
	}
}
