package subrav

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/snet-labs/channel-gateway/pkg/chainclient"
)

// KeyResolver resolves the payer's verification-method fragment to the
// Ethereum address that must have produced a SubRAV's signature. DID
// resolution itself is an external collaborator's job; KeyResolver is the
// capability boundary through which that external resolution is consumed.
type KeyResolver interface {
	ResolveKey(ctx context.Context, payerDID, vmIDFragment string) (common.Address, error)
}

// Expected carries the values a SignedSubRAV is checked against: the chain
// the gateway is bound to and the channel's current open epoch.
type Expected struct {
	Version      uint8
	ChainID      uint64
	ChannelEpoch uint64
}

// Verifier checks a SignedSubRAV's canonical encoding, signature, and
// protocol-level fields against an Expected set.
type Verifier struct {
	Resolver KeyResolver
}

// NewVerifier returns a Verifier backed by the given KeyResolver.
func NewVerifier(resolver KeyResolver) *Verifier {
	return &Verifier{Resolver: resolver}
}

// Verify re-encodes signed.SubRAV canonically, checks version/chainId/epoch
// against expected, resolves the payer's signing address via payerDID and
// the record's VMIDFragment, and checks the signature against that address.
//
// The cheap field comparisons run first since they require no I/O; the
// resolver round-trip and signature recovery follow. When several checks
// would fail, the error of the first one in this order is returned.
func (v *Verifier) Verify(ctx context.Context, signed SignedSubRAV, payerDID string, expected Expected) error {
	rav := signed.SubRAV

	if rav.Version != expected.Version {
		return newVerifyError(KindUnknownVersion, ErrUnknownVersion, nil)
	}
	if rav.ChainID != expected.ChainID {
		return newVerifyError(KindChainMismatch, ErrChainMismatch, nil)
	}
	if rav.ChannelEpoch != expected.ChannelEpoch {
		return newVerifyError(KindEpochMismatch, ErrEpochMismatch, nil)
	}

	signerAddr, err := v.Resolver.ResolveKey(ctx, payerDID, rav.VMIDFragment)
	if err != nil {
		return newVerifyError(KindResolverFailure, ErrResolverFailure, err)
	}

	recovered, err := chainclient.RecoverSigner(SigningBytes(rav), signed.Signature)
	if err != nil {
		return newVerifyError(KindInvalidSignature, ErrInvalidSignature, err)
	}
	if recovered != signerAddr {
		return newVerifyError(KindInvalidSignature, ErrInvalidSignature, fmt.Errorf("recovered %s, expected %s", recovered.Hex(), signerAddr.Hex()))
	}

	return nil
}
