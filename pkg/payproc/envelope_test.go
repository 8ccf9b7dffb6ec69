package payproc

import (
	"math/big"
	"testing"

	"github.com/snet-labs/channel-gateway/pkg/subrav"
)

func TestRequestEnvelopeRoundTrip(t *testing.T) {
	signed := subrav.SignedSubRAV{
		SubRAV: subrav.SubRAV{
			Version:           subrav.CurrentVersion,
			ChainID:           1,
			ChannelID:         "CH",
			ChannelEpoch:      1,
			VMIDFragment:      "F",
			AccumulatedAmount: big.NewInt(100),
			Nonce:             big.NewInt(1),
		},
		Signature: []byte{0xAA, 0xBB, 0xCC},
	}

	got, err := DecodeRequest(EncodeRequest(signed))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if !got.SubRAV.Equal(signed.SubRAV) {
		t.Fatalf("SubRAV mismatch: got %+v want %+v", got.SubRAV, signed.SubRAV)
	}
	if string(got.Signature) != string(signed.Signature) {
		t.Fatalf("signature mismatch: got %x want %x", got.Signature, signed.Signature)
	}
}

func TestResponseEnvelopeRoundTripWithProposal(t *testing.T) {
	proposal := subrav.SubRAV{
		Version:           subrav.CurrentVersion,
		ChainID:           1,
		ChannelID:         "CH",
		ChannelEpoch:      1,
		VMIDFragment:      "F",
		AccumulatedAmount: big.NewInt(150),
		Nonce:             big.NewInt(2),
	}
	resp := ResponseEnvelope{
		Proposal:      &proposal,
		AmountDebited: big.NewInt(50),
		ServiceTxRef:  "tx-42",
	}

	got, err := DecodeResponse(EncodeResponse(resp))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if got.Proposal == nil || !got.Proposal.Equal(proposal) {
		t.Fatalf("proposal mismatch: got %+v", got.Proposal)
	}
	if got.AmountDebited.Int64() != 50 {
		t.Fatalf("expected AmountDebited=50, got %v", got.AmountDebited)
	}
	if got.ServiceTxRef != "tx-42" {
		t.Fatalf("expected ServiceTxRef tx-42, got %q", got.ServiceTxRef)
	}
}

func TestResponseEnvelopeRoundTripNoProposal(t *testing.T) {
	resp := ResponseEnvelope{
		AmountDebited: big.NewInt(0),
		ErrorCode:     "TamperedSubRAV",
		Message:       "mismatch",
	}

	got, err := DecodeResponse(EncodeResponse(resp))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if got.Proposal != nil {
		t.Fatal("expected nil proposal")
	}
	if got.ErrorCode != "TamperedSubRAV" || got.Message != "mismatch" {
		t.Fatalf("error fields did not round trip: %+v", got)
	}
}
