// Package ravstore implements the durable, idempotent, per-sub-channel log
// of signed SubRAVs: a monotonic sequence of
// SignedSubRAV records keyed by (channelId, vmIdFragment), plus a claimed-
// nonce cursor advanced by the claim scheduler.
//
// Two implementations are provided: an in-memory store for tests and a
// bbolt-backed store for production. Both satisfy Store and serialize save
// and MarkClaimed per key via keylock.Map.
package ravstore
