package pendingstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/snet-labs/channel-gateway/pkg/subrav"
)

const (
	dataPrefix  = "pendingstore:data:"
	createdZSet = "pendingstore:created"
)

// RedisStore is a Redis-backed Store. Every entry also carries a native
// Redis TTL as a safety net so crashed processes don't leak pending
// proposals forever even if Cleanup is never invoked; Cleanup itself walks
// an auxiliary sorted set keyed by creation time so it never needs a
// keyspace-wide SCAN.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore returns a Store backed by client. ttl is the native Redis
// expiry applied to every entry in addition to the caller-driven Cleanup.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

func dataKey(channelID string, nonce *big.Int) string {
	return dataPrefix + key(channelID, nonce)
}

func encodeEntry(createdAt time.Time, proposal subrav.SubRAV) []byte {
	var buf bytes.Buffer
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt.UnixMilli()))
	buf.Write(ts[:])
	buf.Write(subrav.Encode(proposal))
	return buf.Bytes()
}

func decodeEntry(raw []byte) (time.Time, subrav.SubRAV, error) {
	if len(raw) < 8 {
		return time.Time{}, subrav.SubRAV{}, errors.New("pendingstore: truncated entry")
	}
	ms := binary.BigEndian.Uint64(raw[:8])
	rav, err := subrav.Decode(raw[8:])
	if err != nil {
		return time.Time{}, subrav.SubRAV{}, err
	}
	return time.UnixMilli(int64(ms)), rav, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, channelID string, proposal subrav.SubRAV) error {
	dk := dataKey(channelID, proposal.Nonce)
	createdAt := s.now()

	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, dk, encodeEntry(createdAt, proposal), s.ttl)
		p.ZAdd(ctx, createdZSet, redis.Z{Score: float64(createdAt.UnixMilli()), Member: dk})
		return nil
	})
	if err != nil {
		return fmt.Errorf("pendingstore: save: %w", err)
	}
	return nil
}

// Find implements Store.
func (s *RedisStore) Find(ctx context.Context, channelID string, nonce *big.Int) (*subrav.SubRAV, error) {
	raw, err := s.client.Get(ctx, dataKey(channelID, nonce)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pendingstore: find: %w", err)
	}

	_, proposal, err := decodeEntry(raw)
	if err != nil {
		return nil, err
	}
	return &proposal, nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, channelID string, nonce *big.Int) error {
	dk := dataKey(channelID, nonce)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, dk)
		p.ZRem(ctx, createdZSet, dk)
		return nil
	})
	if err != nil {
		return fmt.Errorf("pendingstore: remove: %w", err)
	}
	return nil
}

// Cleanup implements Store.
func (s *RedisStore) Cleanup(ctx context.Context, maxAgeMs int64) (int, error) {
	cutoff := s.now().Add(-time.Duration(maxAgeMs) * time.Millisecond).UnixMilli()

	stale, err := s.client.ZRangeByScore(ctx, createdZSet, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("pendingstore: cleanup scan: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, stale...)
		p.ZRem(ctx, createdZSet, toAny(stale)...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pendingstore: cleanup delete: %w", err)
	}
	return len(stale), nil
}

// Stats implements Store.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	count, err := s.client.ZCard(ctx, createdZSet).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("pendingstore: stats: %w", err)
	}
	return Stats{Count: int(count)}, nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context) error {
	members, err := s.client.ZRange(ctx, createdZSet, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("pendingstore: clear scan: %w", err)
	}
	if len(members) == 0 {
		return nil
	}

	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, members...)
		p.Del(ctx, createdZSet)
		return nil
	})
	if err != nil {
		return fmt.Errorf("pendingstore: clear delete: %w", err)
	}
	return nil
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
