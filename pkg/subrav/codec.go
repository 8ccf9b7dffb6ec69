package subrav

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
)

// maxFieldLen bounds length-prefixed fields so a corrupt or hostile payload
// cannot force an unbounded allocation during Decode.
const maxFieldLen = 1 << 20

// Encode produces the canonical, deterministic byte serialization of r:
// version, chainId, channelId, channelEpoch, vmIdFragment, accumulatedAmount,
// nonce, each integer fixed-width big-endian and each variable-length field
// length-prefixed (uint32 for strings, uint16 for the big integers), followed
// by a length-prefixed Extra trailer. The encoding is injective: two
// distinct SubRAVs never produce the same bytes.
func Encode(r SubRAV) []byte {
	var buf bytes.Buffer

	buf.WriteByte(r.Version)
	writeUint64(&buf, r.ChainID)
	writeString(&buf, r.ChannelID)
	writeUint64(&buf, r.ChannelEpoch)
	writeString(&buf, r.VMIDFragment)
	writeBigInt(&buf, r.AccumulatedAmount)
	writeBigInt(&buf, r.Nonce)
	writeExtra(&buf, r.Extra)

	return buf.Bytes()
}

// SigningBytes returns the byte span a signature is computed over. For
// Version < 2 this is the core seven fields only, matching the original v1
// canonical layout byte-for-byte; Extra is excluded so old and new clients
// derive identical signing bytes for fields they both understand. For
// Version >= 2, Extra is folded in, letting newer clients bind additive
// fields into the signature.
func SigningBytes(r SubRAV) []byte {
	if r.Version < 2 {
		var buf bytes.Buffer
		buf.WriteByte(r.Version)
		writeUint64(&buf, r.ChainID)
		writeString(&buf, r.ChannelID)
		writeUint64(&buf, r.ChannelEpoch)
		writeString(&buf, r.VMIDFragment)
		writeBigInt(&buf, r.AccumulatedAmount)
		writeBigInt(&buf, r.Nonce)
		return buf.Bytes()
	}
	return Encode(r)
}

// Decode reverses Encode. It returns an error if b is truncated or a
// length prefix exceeds maxFieldLen. It does not check the version byte;
// Verify does.
func Decode(b []byte) (SubRAV, error) {
	r := SubRAV{}
	buf := bytes.NewReader(b)

	version, err := buf.ReadByte()
	if err != nil {
		return SubRAV{}, fmt.Errorf("subrav: decode version: %w", err)
	}
	r.Version = version

	r.ChainID, err = readUint64(buf)
	if err != nil {
		return SubRAV{}, fmt.Errorf("subrav: decode chainId: %w", err)
	}

	r.ChannelID, err = readString(buf)
	if err != nil {
		return SubRAV{}, fmt.Errorf("subrav: decode channelId: %w", err)
	}

	r.ChannelEpoch, err = readUint64(buf)
	if err != nil {
		return SubRAV{}, fmt.Errorf("subrav: decode channelEpoch: %w", err)
	}

	r.VMIDFragment, err = readString(buf)
	if err != nil {
		return SubRAV{}, fmt.Errorf("subrav: decode vmIdFragment: %w", err)
	}

	r.AccumulatedAmount, err = readBigInt(buf)
	if err != nil {
		return SubRAV{}, fmt.Errorf("subrav: decode accumulatedAmount: %w", err)
	}

	r.Nonce, err = readBigInt(buf)
	if err != nil {
		return SubRAV{}, fmt.Errorf("subrav: decode nonce: %w", err)
	}

	r.Extra, err = readExtra(buf)
	if err != nil {
		return SubRAV{}, fmt.Errorf("subrav: decode extra: %w", err)
	}

	return r, nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func readUint64(buf *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := readFull(buf, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func writeString(buf *bytes.Buffer, s string) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(s)))
	buf.Write(tmp[:])
	buf.WriteString(s)
}

func readString(buf *bytes.Reader) (string, error) {
	n, err := readLen32(buf)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := readFull(buf, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBigInt(buf *bytes.Buffer, v *big.Int) {
	if v == nil {
		v = new(big.Int)
	}
	raw := v.Bytes()
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(raw)))
	buf.Write(tmp[:])
	buf.Write(raw)
}

func readBigInt(buf *bytes.Reader) (*big.Int, error) {
	var tmp [2]byte
	if _, err := readFull(buf, tmp[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(tmp[:])
	raw := make([]byte, n)
	if _, err := readFull(buf, raw); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func writeExtra(buf *bytes.Buffer, extra []byte) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(extra)))
	buf.Write(tmp[:])
	buf.Write(extra)
}

func readExtra(buf *bytes.Reader) ([]byte, error) {
	if buf.Len() == 0 {
		// Pre-trailer payloads decode as if Extra were empty, rather than
		// failing, so the codec tolerates the bare v1 layout on read.
		return nil, nil
	}
	n, err := readLen32(buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := readFull(buf, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readLen32(buf *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := readFull(buf, tmp[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(tmp[:])
	if n > maxFieldLen {
		return 0, fmt.Errorf("subrav: field length %d exceeds max %d", n, maxFieldLen)
	}
	return n, nil
}

func readFull(buf *bytes.Reader, dst []byte) (int, error) {
	n, err := buf.Read(dst)
	if err != nil {
		return n, err
	}
	if n != len(dst) {
		return n, fmt.Errorf("short read: got %d want %d", n, len(dst))
	}
	return n, nil
}
