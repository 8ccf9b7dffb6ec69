package pendingstore

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/snet-labs/channel-gateway/pkg/subrav"
)

type entry struct {
	proposal  subrav.SubRAV
	createdAt time.Time
}

// MemStore is an in-memory Store for tests and single-process deployments.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]entry), now: time.Now}
}

// Save implements Store.
func (s *MemStore) Save(_ context.Context, channelID string, proposal subrav.SubRAV) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key(channelID, proposal.Nonce)] = entry{proposal: proposal, createdAt: s.now()}
	return nil
}

// Find implements Store.
func (s *MemStore) Find(_ context.Context, channelID string, nonce *big.Int) (*subrav.SubRAV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key(channelID, nonce)]
	if !ok {
		return nil, nil
	}
	proposal := e.proposal
	return &proposal, nil
}

// Remove implements Store.
func (s *MemStore) Remove(_ context.Context, channelID string, nonce *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key(channelID, nonce))
	return nil
}

// Cleanup implements Store.
func (s *MemStore) Cleanup(_ context.Context, maxAgeMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-time.Duration(maxAgeMs) * time.Millisecond)
	removed := 0
	for k, e := range s.entries {
		if e.createdAt.Before(cutoff) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Stats implements Store.
func (s *MemStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Count: len(s.entries)}, nil
}

// Clear implements Store.
func (s *MemStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
	return nil
}
