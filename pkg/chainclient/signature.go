package chainclient

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// HashPrefix32Bytes is the standard Ethereum personal-sign prefix for 32-byte
// messages: "\x19Ethereum Signed Message:\n32".
var HashPrefix32Bytes = []byte("\x19Ethereum Signed Message:\n32")

// GetSignature produces an Ethereum-compatible personal-sign (EIP-191 style)
// signature over message, hashing it as
// keccak256(HashPrefix32Bytes || keccak256(message)) and signing with key.
//
// Returns the 65-byte signature (R||S||V). On signing error it logs and
// returns nil.
func GetSignature(message []byte, key *ecdsa.PrivateKey) []byte {
	hash := crypto.Keccak256(
		HashPrefix32Bytes,
		crypto.Keccak256(message),
	)

	sig, err := crypto.Sign(hash, key)
	if err != nil {
		zap.L().Error("failed to sign message", zap.Error(err))
		return nil
	}
	return sig
}

// RecoverSigner recovers the Ethereum address that produced sig over message,
// using the same hashing scheme as GetSignature.
func RecoverSigner(message, sig []byte) (common.Address, error) {
	hash := crypto.Keccak256(
		HashPrefix32Bytes,
		crypto.Keccak256(message),
	)

	// crypto.SigToPub expects the recovery id in the last byte to be 0 or 1.
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if len(normalized) == 65 && normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// BigIntToBytes converts value to a 32-byte big-endian slice, matching the
// formatting MPE uses for integers in signature payloads.
func BigIntToBytes(value *big.Int) []byte {
	return common.BigToHash(value).Bytes()
}

// GetAddressFromPrivateKeyECDSA derives the Ethereum address from key. It
// returns the zero address if key is nil or its public half is not *ecdsa.PublicKey.
func GetAddressFromPrivateKeyECDSA(key *ecdsa.PrivateKey) common.Address {
	if key == nil {
		return common.Address{}
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(*pub)
}
