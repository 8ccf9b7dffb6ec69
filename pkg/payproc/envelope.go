package payproc

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/snet-labs/channel-gateway/pkg/subrav"
)

// HeaderName is the HTTP header both the request and the response use to
// carry the payment envelope. It is matched case-insensitively
// by net/http and gin.
const HeaderName = "X-Payment-Channel-Data"

// ResponseEnvelope is the payload the core writes into HeaderName on every
// response: an optional unsigned SubRAV proposal plus the amount debited
// for the request just served, a time-ordered service transaction reference,
// and (on failure) an error code/message pair.
type ResponseEnvelope struct {
	Proposal      *subrav.SubRAV
	AmountDebited *big.Int
	ServiceTxRef  string
	ErrorCode     string
	Message       string
}

// EncodeRequest serializes signed into the opaque wire form carried by a
// request's HeaderName value. The byte layout is the subrav canonical
// encoding followed by a length-prefixed signature, base64-encoded so it
// survives as an HTTP header value.
func EncodeRequest(signed subrav.SignedSubRAV) string {
	ravBytes := subrav.Encode(signed.SubRAV)

	var buf bytes.Buffer
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(ravBytes)))
	buf.Write(lenPrefix[:])
	buf.Write(ravBytes)

	var sigLen [2]byte
	binary.BigEndian.PutUint16(sigLen[:], uint16(len(signed.Signature)))
	buf.Write(sigLen[:])
	buf.Write(signed.Signature)

	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeRequest reverses EncodeRequest. A parse failure here is always an
// InvalidHeader condition from the caller's point of view.
func DecodeRequest(raw string) (subrav.SignedSubRAV, error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return subrav.SignedSubRAV{}, fmt.Errorf("payproc: decode base64: %w", err)
	}
	if len(data) < 4 {
		return subrav.SignedSubRAV{}, errors.New("payproc: truncated envelope")
	}

	ravLen := binary.BigEndian.Uint32(data[:4])
	if int(ravLen) > len(data)-4 {
		return subrav.SignedSubRAV{}, errors.New("payproc: truncated rav")
	}
	rav, err := subrav.Decode(data[4 : 4+ravLen])
	if err != nil {
		return subrav.SignedSubRAV{}, fmt.Errorf("payproc: decode rav: %w", err)
	}

	rest := data[4+ravLen:]
	if len(rest) < 2 {
		return subrav.SignedSubRAV{}, errors.New("payproc: truncated signature length")
	}
	sigLen := binary.BigEndian.Uint16(rest[:2])
	if int(sigLen) > len(rest)-2 {
		return subrav.SignedSubRAV{}, errors.New("payproc: truncated signature")
	}
	sig := rest[2 : 2+sigLen]

	return subrav.SignedSubRAV{SubRAV: rav, Signature: sig}, nil
}

// EncodeResponse serializes resp into the opaque wire form carried by a
// response's HeaderName value.
func EncodeResponse(resp ResponseEnvelope) string {
	var buf bytes.Buffer

	if resp.Proposal != nil {
		buf.WriteByte(1)
		ravBytes := subrav.Encode(*resp.Proposal)
		var lenPrefix [4]byte
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(ravBytes)))
		buf.Write(lenPrefix[:])
		buf.Write(ravBytes)
	} else {
		buf.WriteByte(0)
	}

	amount := resp.AmountDebited
	if amount == nil {
		amount = new(big.Int)
	}
	writeBigInt(&buf, amount)
	writeStr(&buf, resp.ServiceTxRef)
	writeStr(&buf, resp.ErrorCode)
	writeStr(&buf, resp.Message)

	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeResponse reverses EncodeResponse.
func DecodeResponse(raw string) (ResponseEnvelope, error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return ResponseEnvelope{}, fmt.Errorf("payproc: decode base64: %w", err)
	}
	buf := bytes.NewReader(data)

	hasProposal, err := buf.ReadByte()
	if err != nil {
		return ResponseEnvelope{}, errors.New("payproc: truncated response envelope")
	}

	var resp ResponseEnvelope
	if hasProposal == 1 {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(buf, lenPrefix[:]); err != nil {
			return ResponseEnvelope{}, errors.New("payproc: truncated proposal length")
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		ravBytes := make([]byte, n)
		if _, err := io.ReadFull(buf, ravBytes); err != nil {
			return ResponseEnvelope{}, errors.New("payproc: truncated proposal")
		}
		rav, err := subrav.Decode(ravBytes)
		if err != nil {
			return ResponseEnvelope{}, fmt.Errorf("payproc: decode proposal: %w", err)
		}
		resp.Proposal = &rav
	}

	amount, err := readBigInt(buf)
	if err != nil {
		return ResponseEnvelope{}, err
	}
	resp.AmountDebited = amount

	if resp.ServiceTxRef, err = readStr(buf); err != nil {
		return ResponseEnvelope{}, err
	}
	if resp.ErrorCode, err = readStr(buf); err != nil {
		return ResponseEnvelope{}, err
	}
	if resp.Message, err = readStr(buf); err != nil {
		return ResponseEnvelope{}, err
	}

	return resp, nil
}

func writeBigInt(buf *bytes.Buffer, v *big.Int) {
	raw := v.Bytes()
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(raw)))
	buf.Write(tmp[:])
	buf.Write(raw)
}

func readBigInt(buf *bytes.Reader) (*big.Int, error) {
	var tmp [2]byte
	if _, err := io.ReadFull(buf, tmp[:]); err != nil {
		return nil, errors.New("payproc: truncated big int length")
	}
	n := binary.BigEndian.Uint16(tmp[:])
	raw := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(buf, raw); err != nil {
			return nil, errors.New("payproc: truncated big int")
		}
	}
	return new(big.Int).SetBytes(raw), nil
}

func writeStr(buf *bytes.Buffer, s string) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(s)))
	buf.Write(tmp[:])
	buf.WriteString(s)
}

func readStr(buf *bytes.Reader) (string, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(buf, tmp[:]); err != nil {
		return "", errors.New("payproc: truncated string length")
	}
	n := binary.BigEndian.Uint32(tmp[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(buf, b); err != nil {
			return "", errors.New("payproc: truncated string")
		}
	}
	return string(b), nil
}
