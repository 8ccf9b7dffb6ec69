package subrav

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/snet-labs/channel-gateway/pkg/chainclient"
)

const testPayerDID = "did:key:payer-1"

func signedSample(t *testing.T) (SignedSubRAV, *StaticResolver, Expected) {
	t.Helper()

	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	rav := sample()
	sig := chainclient.GetSignature(SigningBytes(rav), priv)

	resolver := NewStaticResolver()
	resolver.Register(testPayerDID, rav.VMIDFragment, chainclient.GetAddressFromPrivateKeyECDSA(priv))

	expected := Expected{Version: rav.Version, ChainID: rav.ChainID, ChannelEpoch: rav.ChannelEpoch}
	return SignedSubRAV{SubRAV: rav, Signature: sig}, resolver, expected
}

func TestVerifyAccepts(t *testing.T) {
	signed, resolver, expected := signedSample(t)
	v := NewVerifier(resolver)

	if err := v.Verify(context.Background(), signed, testPayerDID, expected); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsUnknownVersion(t *testing.T) {
	signed, resolver, expected := signedSample(t)
	expected.Version++
	v := NewVerifier(resolver)

	err := v.Verify(context.Background(), signed, testPayerDID, expected)
	if !isKind(err, KindUnknownVersion) {
		t.Fatalf("expected KindUnknownVersion, got %v", err)
	}
}

func TestVerifyRejectsChainMismatch(t *testing.T) {
	signed, resolver, expected := signedSample(t)
	expected.ChainID++
	v := NewVerifier(resolver)

	err := v.Verify(context.Background(), signed, testPayerDID, expected)
	if !isKind(err, KindChainMismatch) {
		t.Fatalf("expected KindChainMismatch, got %v", err)
	}
}

func TestVerifyRejectsEpochMismatch(t *testing.T) {
	signed, resolver, expected := signedSample(t)
	expected.ChannelEpoch++
	v := NewVerifier(resolver)

	err := v.Verify(context.Background(), signed, testPayerDID, expected)
	if !isKind(err, KindEpochMismatch) {
		t.Fatalf("expected KindEpochMismatch, got %v", err)
	}
}

func TestVerifyRejectsUnresolvableKey(t *testing.T) {
	signed, _, expected := signedSample(t)
	v := NewVerifier(NewStaticResolver())

	err := v.Verify(context.Background(), signed, testPayerDID, expected)
	if !isKind(err, KindResolverFailure) {
		t.Fatalf("expected KindResolverFailure, got %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	signed, resolver, expected := signedSample(t)
	signed.SubRAV.AccumulatedAmount = big.NewInt(999)
	v := NewVerifier(resolver)

	err := v.Verify(context.Background(), signed, testPayerDID, expected)
	if !isKind(err, KindInvalidSignature) {
		t.Fatalf("expected KindInvalidSignature, got %v", err)
	}
}

func isKind(err error, k Kind) bool {
	ve, ok := err.(*VerifyError)
	return ok && ve.Kind() == k
}
