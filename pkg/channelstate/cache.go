package channelstate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/snet-labs/channel-gateway/pkg/keylock"
)

// Cache maps channelId -> ChannelMetadata and (channelId, vmIdFragment) ->
// SubChannelState. Reads never block a concurrent writer: each slot is an
// atomic.Pointer swapped wholesale, so a reader always observes a complete,
// consistent snapshot. Writes to the same key are serialized through
// keylock so a read-modify-write merge (updateSubChannelState) cannot race
// itself.
type Cache struct {
	channelLocks keylock.Map
	subLocks     keylock.Map

	channels sync.Map // channelId -> *atomic.Pointer[ChannelMetadata]
	subs     sync.Map // channelId\x00vmIdFragment -> *atomic.Pointer[SubChannelState]

	now func() time.Time
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{now: time.Now}
}

func subKey(channelID, vmIDFragment string) string {
	return channelID + "\x00" + vmIDFragment
}

func (c *Cache) channelSlot(channelID string) *atomic.Pointer[ChannelMetadata] {
	slot, _ := c.channels.LoadOrStore(channelID, new(atomic.Pointer[ChannelMetadata]))
	return slot.(*atomic.Pointer[ChannelMetadata])
}

func (c *Cache) subSlot(channelID, vmIDFragment string) *atomic.Pointer[SubChannelState] {
	slot, _ := c.subs.LoadOrStore(subKey(channelID, vmIDFragment), new(atomic.Pointer[SubChannelState]))
	return slot.(*atomic.Pointer[SubChannelState])
}

// Channel returns the metadata for channelID, or the zero value if unseen.
func (c *Cache) Channel(channelID string) ChannelMetadata {
	if meta := c.channelSlot(channelID).Load(); meta != nil {
		return *meta
	}
	return ChannelMetadata{ChannelID: channelID}
}

// PutChannel installs or replaces the metadata for channelID.
func (c *Cache) PutChannel(meta ChannelMetadata) {
	c.channelLocks.With(meta.ChannelID, func() {
		m := meta
		c.channelSlot(meta.ChannelID).Store(&m)
	})
}

// SetChannelStatus serialized-updates only the Status field.
func (c *Cache) SetChannelStatus(channelID string, status Status) {
	c.channelLocks.With(channelID, func() {
		slot := c.channelSlot(channelID)
		meta := ChannelMetadata{ChannelID: channelID}
		if existing := slot.Load(); existing != nil {
			meta = *existing
		}
		meta.Status = status
		slot.Store(&meta)
	})
}

// SubChannel returns the live counters for (channelID, vmIDFragment), or a
// zero-valued record if unseen.
func (c *Cache) SubChannel(channelID, vmIDFragment string) SubChannelState {
	if state := c.subSlot(channelID, vmIDFragment).Load(); state != nil {
		return *state
	}
	return zeroSubChannelState()
}

// UpdateSubChannelState merges patch into the existing state for
// (channelID, vmIDFragment) and bumps LastUpdated, serialized per key.
func (c *Cache) UpdateSubChannelState(channelID, vmIDFragment string, patch SubChannelPatch) SubChannelState {
	var result SubChannelState
	c.subLocks.With(subKey(channelID, vmIDFragment), func() {
		slot := c.subSlot(channelID, vmIDFragment)
		current := zeroSubChannelState()
		if existing := slot.Load(); existing != nil {
			current = *existing
		}

		if patch.Epoch != nil {
			current.Epoch = *patch.Epoch
		}
		if patch.AccumulatedAmount != nil {
			current.AccumulatedAmount = patch.AccumulatedAmount
		}
		if patch.Nonce != nil {
			current.Nonce = patch.Nonce
		}
		if patch.LastClaimedAmount != nil {
			current.LastClaimedAmount = patch.LastClaimedAmount
		}
		if patch.LastConfirmedNonce != nil {
			current.LastConfirmedNonce = patch.LastConfirmedNonce
		}
		current.LastUpdated = c.now()

		slot.Store(&current)
		result = current
	})
	return result
}
