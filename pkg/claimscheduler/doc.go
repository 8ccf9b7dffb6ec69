// Package claimscheduler implements the event-driven, bounded-concurrency
// claim queue: the payment processor calls MaybeQueue
// after persisting each signed RAV, and a periodic worker loop promotes due
// tasks onto a bounded pool of concurrent on-chain claim submissions with
// exponential backoff on failure.
package claimscheduler
