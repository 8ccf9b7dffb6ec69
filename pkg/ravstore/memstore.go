package ravstore

import (
	"context"
	"iter"
	"math/big"
	"sort"
	"sync"

	"github.com/snet-labs/channel-gateway/pkg/keylock"
	"github.com/snet-labs/channel-gateway/pkg/subrav"
)

// MemStore is an in-memory Store for tests and single-process deployments
// without a durability requirement.
type MemStore struct {
	locks keylock.Map

	mu      sync.RWMutex
	records map[string][]subrav.SignedSubRAV // subChannelKey -> sorted by nonce
	claimed map[string]*big.Int              // subChannelKey -> claimed cursor
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[string][]subrav.SignedSubRAV),
		claimed: make(map[string]*big.Int),
	}
}

// Save implements Store.
func (s *MemStore) Save(_ context.Context, signed subrav.SignedSubRAV) error {
	key := subChannelKey(signed.SubRAV.ChannelID, signed.SubRAV.VMIDFragment)

	var saveErr error
	s.locks.With(key, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		existing := s.records[key]
		idx := sort.Search(len(existing), func(i int) bool {
			return existing[i].SubRAV.Nonce.Cmp(signed.SubRAV.Nonce) >= 0
		})

		if idx < len(existing) && existing[idx].SubRAV.Nonce.Cmp(signed.SubRAV.Nonce) == 0 {
			if existing[idx].SubRAV.Equal(signed.SubRAV) {
				return // idempotent no-op
			}
			saveErr = ErrRegression
			return
		}

		if len(existing) > 0 {
			highest := existing[len(existing)-1].SubRAV.Nonce
			if signed.SubRAV.Nonce.Cmp(highest) <= 0 {
				saveErr = ErrRegression
				return
			}
		}

		out := make([]subrav.SignedSubRAV, len(existing)+1)
		copy(out, existing[:idx])
		out[idx] = signed
		copy(out[idx+1:], existing[idx:])
		s.records[key] = out
	})
	return saveErr
}

// Latest implements Store.
func (s *MemStore) Latest(_ context.Context, channelID, vmIDFragment string) (*subrav.SignedSubRAV, error) {
	key := subChannelKey(channelID, vmIDFragment)

	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := s.records[key]
	if len(existing) == 0 {
		return nil, nil
	}
	latest := existing[len(existing)-1]
	return &latest, nil
}

// List implements Store.
func (s *MemStore) List(_ context.Context, channelID string) (iter.Seq[subrav.SignedSubRAV], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := channelID + "\x00"
	var snapshot []subrav.SignedSubRAV
	for key, recs := range s.records {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			snapshot = append(snapshot, recs...)
		}
	}

	return func(yield func(subrav.SignedSubRAV) bool) {
		for _, r := range snapshot {
			if !yield(r) {
				return
			}
		}
	}, nil
}

// Unclaimed implements Store.
func (s *MemStore) Unclaimed(_ context.Context, channelID string) (map[string]subrav.SignedSubRAV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := channelID + "\x00"
	out := make(map[string]subrav.SignedSubRAV)
	for key, recs := range s.records {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix || len(recs) == 0 {
			continue
		}
		latest := recs[len(recs)-1]
		cursor := s.claimed[key]
		if cursor != nil && latest.SubRAV.Nonce.Cmp(cursor) <= 0 {
			continue
		}
		out[latest.SubRAV.VMIDFragment] = latest
	}
	return out, nil
}

// MarkClaimed implements Store.
func (s *MemStore) MarkClaimed(_ context.Context, channelID, vmIDFragment string, nonce *big.Int) error {
	key := subChannelKey(channelID, vmIDFragment)

	s.locks.With(key, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if existing, ok := s.claimed[key]; !ok || nonce.Cmp(existing) > 0 {
			s.claimed[key] = new(big.Int).Set(nonce)
		}
	})
	return nil
}
