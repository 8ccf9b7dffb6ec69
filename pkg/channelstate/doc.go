// Package channelstate holds the payee's live view of channel and
// sub-channel state: per-channel metadata and, per
// (channelId, vmIdFragment), the monotonic counters the payment processor
// uses to detect regressions and the claim scheduler uses to compute a
// settlement delta.
//
// Reads are lock-free snapshots via atomic.Pointer; writes are serialized
// per key through pkg/keylock. An unseen key reads back as a zero-valued
// record rather than an error.
package channelstate
