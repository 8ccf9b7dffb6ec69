package claimscheduler

import (
	"context"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snet-labs/channel-gateway/pkg/chainclient"
	"github.com/snet-labs/channel-gateway/pkg/channelstate"
	"github.com/snet-labs/channel-gateway/pkg/config"
	"github.com/snet-labs/channel-gateway/pkg/ravstore"
)

// Policy is the claim scheduler's configuration. MinClaimAmountFor
// supports per-channel minimum overrides and must never be nil; use
// FlatMinClaimAmount for a single global floor.
type Policy struct {
	MinClaimAmountFor   func(channelID string) *big.Int
	MaxConcurrentClaims int
	MaxRetries          int
	RetryDelay          time.Duration
	RequireHubBalance   bool
}

// FlatMinClaimAmount returns a MinClaimAmountFor that ignores channelID and
// always returns amount.
func FlatMinClaimAmount(amount *big.Int) func(string) *big.Int {
	return func(string) *big.Int { return amount }
}

// PolicyFromConfig adapts config.ClaimPolicy into a Policy, wiring its
// per-channel MinClaimAmountFor override.
func PolicyFromConfig(cfg config.ClaimPolicy) Policy {
	return Policy{
		MinClaimAmountFor: func(channelID string) *big.Int {
			return new(big.Int).SetUint64(cfg.MinClaimAmountFor(channelID))
		},
		MaxConcurrentClaims: cfg.MaxConcurrentClaims,
		MaxRetries:          cfg.MaxRetries,
		RetryDelay:          cfg.RetryDelay(),
		RequireHubBalance:   cfg.RequireHubBalance,
	}
}

// Stats reports the scheduler's observability counters.
type Stats struct {
	Active              int
	Queued              int
	SuccessCount        int64
	FailedCount         int64
	BackoffCount        int64
	AvgProcessingTimeMs float64
}

type task struct {
	channelID    string
	vmIDFragment string
	delta        *big.Int
	attempts     int
	nextRetryAt  time.Time
	createdAt    time.Time
}

func taskKey(channelID, vmIDFragment string) string {
	return channelID + "\x00" + vmIDFragment
}

// Scheduler maintains the per-(channelId, vmIdFragment) claim queue and
// promotes due tasks onto a bounded pool of concurrent on-chain claim
// submissions with exponential backoff on failure.
type Scheduler struct {
	policy   Policy
	chain    chainclient.ChainClient
	ravStore ravstore.Store
	cache    *channelstate.Cache

	scanInterval time.Duration

	mu     sync.Mutex
	queued map[string]*task
	active map[string]struct{}

	successCount   atomicCounter
	failedCount    atomicCounter
	backoffCount   atomicCounter
	processedCount atomicCounter
	totalProcessMs atomicCounter

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler wires a Scheduler from its collaborators. scanInterval
// defaults to one second if zero.
func NewScheduler(policy Policy, chain chainclient.ChainClient, ravStore ravstore.Store, cache *channelstate.Cache, scanInterval time.Duration) *Scheduler {
	if scanInterval <= 0 {
		scanInterval = time.Second
	}
	return &Scheduler{
		policy:       policy,
		chain:        chain,
		ravStore:     ravStore,
		cache:        cache,
		scanInterval: scanInterval,
		queued:       make(map[string]*task),
		active:       make(map[string]struct{}),
	}
}

// MaybeQueue is called by the payment processor after persisting each
// signed RAV. Queueing rules: drop below
// minClaimAmount, drop if the key is active, merge (never shrink) into an
// existing queued task, and reject if the queue is already saturated.
func (s *Scheduler) MaybeQueue(_ context.Context, channelID, vmIDFragment string, delta *big.Int) {
	if delta.Cmp(s.policy.MinClaimAmountFor(channelID)) < 0 {
		return
	}

	key := taskKey(channelID, vmIDFragment)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, active := s.active[key]; active {
		return
	}

	if existing, ok := s.queued[key]; ok {
		if delta.Cmp(existing.delta) > 0 {
			existing.delta = delta
		}
		return
	}

	if len(s.active)+len(s.queued) >= s.policy.MaxConcurrentClaims {
		return
	}

	s.queued[key] = &task{
		channelID:    channelID,
		vmIDFragment: vmIDFragment,
		delta:        delta,
		createdAt:    time.Now(),
	}
}

// Start launches the periodic scan loop in a background goroutine. Call
// Stop (or cancel ctx) to end it.
func (s *Scheduler) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.scanInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.scanOnce(ctx)
			}
		}
	}()
}

// Stop ends the scan loop and waits for it to exit. Claims the current
// scan already started run to completion before the loop exits; tasks
// still queued are not processed (use Drain for that).
func (s *Scheduler) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

// Drain blocks until the queue is empty and no claim is active, or ctx is
// done. This bounds (without eliminating) the loss window on process exit,
// since the queue itself is in-memory only.
func (s *Scheduler) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		empty := len(s.queued) == 0 && len(s.active) == 0
		s.mu.Unlock()
		if empty {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats returns a point-in-time snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	active, queued := len(s.active), len(s.queued)
	s.mu.Unlock()

	processed := s.processedCount.Load()
	var avg float64
	if processed > 0 {
		avg = float64(s.totalProcessMs.Load()) / float64(processed)
	}

	return Stats{
		Active:              active,
		Queued:              queued,
		SuccessCount:        s.successCount.Load(),
		FailedCount:         s.failedCount.Load(),
		BackoffCount:        s.backoffCount.Load(),
		AvgProcessingTimeMs: avg,
	}
}

func (s *Scheduler) scanOnce(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	capacity := s.policy.MaxConcurrentClaims - len(s.active)
	var due []*task
	for key, t := range s.queued {
		if len(due) >= capacity {
			break
		}
		if t.nextRetryAt.After(now) {
			continue
		}
		due = append(due, t)
		delete(s.queued, key)
		s.active[key] = struct{}{}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(len(due))
	for _, t := range due {
		t := t
		g.Go(func() error {
			s.runTask(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, t *task) {
	start := time.Now()
	key := taskKey(t.channelID, t.vmIDFragment)

	err := s.attemptClaim(ctx, t)

	s.processedCount.Add(1)
	s.totalProcessMs.Add(time.Since(start).Milliseconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, key)

	if err == nil {
		s.successCount.Add(1)
		return
	}

	t.attempts++
	if t.attempts >= s.policy.MaxRetries {
		s.failedCount.Add(1)
		zap.L().Warn("claim permanently failed",
			zap.String("channelId", t.channelID),
			zap.String("vmIdFragment", t.vmIDFragment),
			zap.Int("attempts", t.attempts),
			zap.Error(err),
		)
		return
	}

	backoff := s.policy.RetryDelay * time.Duration(1<<(t.attempts-1))
	t.nextRetryAt = time.Now().Add(backoff)
	s.backoffCount.Add(1)
	s.queued[key] = t
}

func (s *Scheduler) attemptClaim(ctx context.Context, t *task) error {
	latest, err := s.ravStore.Latest(ctx, t.channelID, t.vmIDFragment)
	if err != nil {
		return err
	}
	if latest == nil {
		return errNoStoredRAV
	}

	channelID, ok := new(big.Int).SetString(t.channelID, 0)
	if !ok {
		channelID, ok = new(big.Int).SetString(t.channelID, 10)
		if !ok {
			return errInvalidChannelID
		}
	}

	if err := s.chain.Claim(ctx, channelID, latest.SubRAV.Nonce, latest.SubRAV.AccumulatedAmount, latest.Signature); err != nil {
		return err
	}

	s.cache.UpdateSubChannelState(t.channelID, t.vmIDFragment, channelstate.SubChannelPatch{
		LastClaimedAmount:  latest.SubRAV.AccumulatedAmount,
		LastConfirmedNonce: latest.SubRAV.Nonce,
	})
	return s.ravStore.MarkClaimed(ctx, t.channelID, t.vmIDFragment, latest.SubRAV.Nonce)
}
