package subrav

import (
	"math/big"
	"testing"
)

func sample() SubRAV {
	return SubRAV{
		Version:           CurrentVersion,
		ChainID:           1,
		ChannelID:         "0xCHANNEL",
		ChannelEpoch:      3,
		VMIDFragment:      "key-1",
		AccumulatedAmount: big.NewInt(150),
		Nonce:             big.NewInt(2),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rav := sample()
	got, err := Decode(Encode(rav))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Equal(rav) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, rav)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	rav := sample()
	a := Encode(rav)
	b := Encode(rav)
	if string(a) != string(b) {
		t.Fatal("Encode is not deterministic")
	}
}

func TestEncodeInjective(t *testing.T) {
	a := sample()
	b := sample()
	b.Nonce = big.NewInt(3)

	if string(Encode(a)) == string(Encode(b)) {
		t.Fatal("distinct SubRAVs produced identical bytes")
	}
}

func TestSigningBytesExcludesExtraBelowV2(t *testing.T) {
	rav := sample()
	rav.Extra = []byte("future-field")

	withoutExtra := rav
	withoutExtra.Extra = nil

	if string(SigningBytes(rav)) != string(SigningBytes(withoutExtra)) {
		t.Fatal("v1 signing bytes must be independent of Extra")
	}
}

func TestExtraRoundTripsOpaquely(t *testing.T) {
	rav := sample()
	rav.Extra = []byte("opaque-trailer")

	got, err := Decode(Encode(rav))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got.Extra) != string(rav.Extra) {
		t.Fatalf("Extra did not round trip: got %q want %q", got.Extra, rav.Extra)
	}
}

func TestDecodeTruncatedFails(t *testing.T) {
	full := Encode(sample())
	if _, err := Decode(full[:len(full)-2]); err == nil {
		t.Fatal("expected error decoding truncated bytes")
	}
}
