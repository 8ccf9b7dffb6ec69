// Package subrav implements the canonical encoding and signature
// verification of SubRAV (Sub-channel Receipt And Value) records: the
// monotonically increasing obligation a payer accrues under one sub-channel
// of a payment channel.
//
// A SubRAV is immutable data; a SignedSubRAV pairs it with a detached
// signature over the canonical byte encoding, produced by the key identified
// by the record's VMIDFragment. Verification re-derives the canonical
// encoding, checks the signature against it, and checks version/chain/epoch
// against caller-supplied expectations.
package subrav
