package subrav

import "math/big"

// CurrentVersion is the codec version this package produces. Verify accepts
// only a record whose version equals the caller's Expected.Version; the
// payment processor expects CurrentVersion.
const CurrentVersion uint8 = 1

// SubRAV is the immutable record describing a payer's cumulative obligation
// to a payee under one sub-channel, at a particular nonce.
type SubRAV struct {
	Version           uint8
	ChainID           uint64
	ChannelID         string
	ChannelEpoch      uint64
	VMIDFragment      string
	AccumulatedAmount *big.Int
	Nonce             *big.Int

	// Extra carries additive, forward-compatible fields introduced by codec
	// versions newer than this package understands. It round-trips opaquely
	// through Encode/Decode and is excluded from the canonical hash for
	// Version < 2, so old and new payees agree on the signed bytes for the
	// fields they both know about.
	Extra []byte
}

// SignedSubRAV pairs a SubRAV with a detached signature over its canonical
// byte encoding.
type SignedSubRAV struct {
	SubRAV    SubRAV
	Signature []byte
}

// IsHandshake reports whether r represents the opening state of a
// sub-channel: nonce and accumulated amount both zero.
func (r SubRAV) IsHandshake() bool {
	return r.Nonce != nil && r.Nonce.Sign() == 0 &&
		r.AccumulatedAmount != nil && r.AccumulatedAmount.Sign() == 0
}

// Equal reports whether two SubRAVs are field-by-field identical, ignoring
// any signature (SubRAV carries none) but including Extra. Used by the
// payment processor to compare a submitted SubRAV against a pending
// proposal.
func (r SubRAV) Equal(other SubRAV) bool {
	if r.Version != other.Version ||
		r.ChainID != other.ChainID ||
		r.ChannelID != other.ChannelID ||
		r.ChannelEpoch != other.ChannelEpoch ||
		r.VMIDFragment != other.VMIDFragment {
		return false
	}
	if bigCmp(r.AccumulatedAmount, other.AccumulatedAmount) != 0 {
		return false
	}
	if bigCmp(r.Nonce, other.Nonce) != 0 {
		return false
	}
	return bytesEqual(r.Extra, other.Extra)
}

func bigCmp(a, b *big.Int) int {
	if a == nil {
		a = new(big.Int)
	}
	if b == nil {
		b = new(big.Int)
	}
	return a.Cmp(b)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
