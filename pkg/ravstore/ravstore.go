package ravstore

import (
	"context"
	"errors"
	"iter"
	"math/big"

	"github.com/snet-labs/channel-gateway/pkg/subrav"
)

// ErrRegression is returned by Save when nonce already exists for the key
// with a different payload, or when nonce does not strictly exceed the
// highest previously accepted nonce for that sub-channel.
var ErrRegression = errors.New("ravstore: nonce regression")

// Store is the durable, per-sub-channel monotonic log of signed RAVs. All
// operations are safe under concurrent callers; implementations serialize
// Save and MarkClaimed per (channelId, vmIdFragment).
type Store interface {
	// Save appends signed if its nonce is new for the key, no-ops if an
	// identical record already exists at that nonce, and returns
	// ErrRegression for any other collision or non-monotonic nonce.
	Save(ctx context.Context, signed subrav.SignedSubRAV) error

	// Latest returns the highest-nonce record for the key, or nil if none
	// exists.
	Latest(ctx context.Context, channelID, vmIDFragment string) (*subrav.SignedSubRAV, error)

	// List returns a restartable, lazily-ranged sequence of every record
	// stored for channelID, across all of its sub-channels.
	List(ctx context.Context, channelID string) (iter.Seq[subrav.SignedSubRAV], error)

	// Unclaimed returns, for each sub-channel of channelID, the
	// highest-nonce record whose nonce exceeds the claimed cursor.
	Unclaimed(ctx context.Context, channelID string) (map[string]subrav.SignedSubRAV, error)

	// MarkClaimed advances the claimed cursor for the key to
	// max(existing, nonce).
	MarkClaimed(ctx context.Context, channelID, vmIDFragment string, nonce *big.Int) error
}

func subChannelKey(channelID, vmIDFragment string) string {
	return channelID + "\x00" + vmIDFragment
}
