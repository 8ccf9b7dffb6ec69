package pendingstore

import (
	"context"
	"math/big"

	"github.com/snet-labs/channel-gateway/pkg/subrav"
)

// Stats summarizes the current contents of a Store for observability.
type Stats struct {
	Count int
}

// Store is the short-lived proposal store, keyed by (channelId, nonce).
type Store interface {
	// Save installs proposal, overwriting any existing entry at the same
	// key.
	Save(ctx context.Context, channelID string, proposal subrav.SubRAV) error

	// Find returns the proposal stored for (channelID, nonce), or nil if
	// none exists. Find applies no age limit of its own: an entry stays
	// findable until Remove, Cleanup or the backend's own key expiry
	// (RedisStore's TTL) deletes it.
	Find(ctx context.Context, channelID string, nonce *big.Int) (*subrav.SubRAV, error)

	// Remove deletes the entry for (channelID, nonce), if present.
	Remove(ctx context.Context, channelID string, nonce *big.Int) error

	// Cleanup removes every entry older than maxAgeMs and returns the
	// count removed.
	Cleanup(ctx context.Context, maxAgeMs int64) (int, error)

	// Stats reports the current entry count.
	Stats(ctx context.Context) (Stats, error)

	// Clear removes every entry.
	Clear(ctx context.Context) error
}

func key(channelID string, nonce *big.Int) string {
	return channelID + "\x00" + nonce.String()
}
