// Package pendingstore implements the short-lived store of unsigned SubRAV
// proposals awaiting a client's signed counterpart. Keyed by
// (channelId, nonce), entries are removed on a matching signed submission or
// expired by TTL, decoupling the request/response lifecycle from the
// durability of the settled log in pkg/ravstore.
package pendingstore
