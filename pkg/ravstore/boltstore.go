package ravstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"math/big"

	bolt "go.etcd.io/bbolt"

	"github.com/snet-labs/channel-gateway/pkg/keylock"
	"github.com/snet-labs/channel-gateway/pkg/subrav"
)

var (
	ravBucket     = []byte("ravs")    // subChannelKey\x00nonce(32BE) -> encoded SignedSubRAV
	claimedBucket = []byte("claimed") // subChannelKey -> nonce(32BE)
)

// BoltStore is a bbolt-backed, durable Store. Keys are big-endian so bolt's
// natural byte-order traversal yields nonce-ascending iteration per
// sub-channel, the same trick lnd's channeldb uses for its revocation log.
type BoltStore struct {
	db    *bolt.DB
	locks keylock.Map
}

// OpenBoltStore opens (creating if absent) a bbolt database at path and
// ensures its buckets exist.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("ravstore: open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(ravBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(claimedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ravstore: create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func nonceKey(subChan string, nonce *big.Int) []byte {
	key := make([]byte, 0, len(subChan)+1+32)
	key = append(key, subChan...)
	key = append(key, 0)
	key = append(key, bigTo32Bytes(nonce)...)
	return key
}

func bigTo32Bytes(v *big.Int) []byte {
	out := make([]byte, 32)
	raw := v.Bytes()
	copy(out[32-len(raw):], raw)
	return out
}

func encodeSigned(signed subrav.SignedSubRAV) []byte {
	ravBytes := subrav.Encode(signed.SubRAV)
	var buf bytes.Buffer
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(ravBytes)))
	buf.Write(lenPrefix[:])
	buf.Write(ravBytes)
	buf.Write(signed.Signature)
	return buf.Bytes()
}

func decodeSigned(raw []byte) (subrav.SignedSubRAV, error) {
	if len(raw) < 4 {
		return subrav.SignedSubRAV{}, errors.New("ravstore: truncated record")
	}
	n := binary.BigEndian.Uint32(raw[:4])
	if int(n) > len(raw)-4 {
		return subrav.SignedSubRAV{}, errors.New("ravstore: truncated rav payload")
	}
	rav, err := subrav.Decode(raw[4 : 4+n])
	if err != nil {
		return subrav.SignedSubRAV{}, err
	}
	sig := raw[4+n:]
	return subrav.SignedSubRAV{SubRAV: rav, Signature: sig}, nil
}

// Save implements Store.
func (s *BoltStore) Save(_ context.Context, signed subrav.SignedSubRAV) error {
	key := subChannelKey(signed.SubRAV.ChannelID, signed.SubRAV.VMIDFragment)

	var saveErr error
	s.locks.With(key, func() {
		saveErr = s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(ravBucket)
			c := b.Cursor()
			prefix := []byte(key + "\x00")

			var highestNonce *big.Int
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				highestNonce = new(big.Int).SetBytes(k[len(prefix):])
			}

			rowKey := nonceKey(key, signed.SubRAV.Nonce)
			if existingRaw := b.Get(rowKey); existingRaw != nil {
				existing, err := decodeSigned(existingRaw)
				if err != nil {
					return err
				}
				if existing.SubRAV.Equal(signed.SubRAV) {
					return nil
				}
				return ErrRegression
			}

			if highestNonce != nil && signed.SubRAV.Nonce.Cmp(highestNonce) <= 0 {
				return ErrRegression
			}

			return b.Put(rowKey, encodeSigned(signed))
		})
	})
	return saveErr
}

// Latest implements Store.
func (s *BoltStore) Latest(_ context.Context, channelID, vmIDFragment string) (*subrav.SignedSubRAV, error) {
	key := subChannelKey(channelID, vmIDFragment)
	prefix := []byte(key + "\x00")

	var latest *subrav.SignedSubRAV
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(ravBucket).Cursor()
		var lastVal []byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			lastVal = v
		}
		if lastVal == nil {
			return nil
		}
		signed, err := decodeSigned(lastVal)
		if err != nil {
			return err
		}
		latest = &signed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}

// List implements Store.
func (s *BoltStore) List(_ context.Context, channelID string) (iter.Seq[subrav.SignedSubRAV], error) {
	prefix := []byte(channelID + "\x00")

	var snapshot []subrav.SignedSubRAV
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(ravBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			signed, err := decodeSigned(v)
			if err != nil {
				return err
			}
			snapshot = append(snapshot, signed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return func(yield func(subrav.SignedSubRAV) bool) {
		for _, r := range snapshot {
			if !yield(r) {
				return
			}
		}
	}, nil
}

// Unclaimed implements Store.
func (s *BoltStore) Unclaimed(_ context.Context, channelID string) (map[string]subrav.SignedSubRAV, error) {
	prefix := []byte(channelID + "\x00")

	out := make(map[string]subrav.SignedSubRAV)
	err := s.db.View(func(tx *bolt.Tx) error {
		ravs := tx.Bucket(ravBucket)
		claimed := tx.Bucket(claimedBucket)

		c := ravs.Cursor()
		latestBySubChannel := make(map[string][]byte)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			// k is subChannelKey\x00nonce(32); strip the separator and
			// trailing nonce to find the subChannelKey, then keep
			// overwriting so the last (highest nonce, due to cursor order)
			// value wins.
			subChan := k[:len(k)-33]
			latestBySubChannel[string(subChan)] = v
		}

		for subChan, raw := range latestBySubChannel {
			signed, err := decodeSigned(raw)
			if err != nil {
				return err
			}
			var cursor *big.Int
			if cv := claimed.Get([]byte(subChan)); cv != nil {
				cursor = new(big.Int).SetBytes(cv)
			}
			if cursor != nil && signed.SubRAV.Nonce.Cmp(cursor) <= 0 {
				continue
			}
			out[signed.SubRAV.VMIDFragment] = signed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkClaimed implements Store.
func (s *BoltStore) MarkClaimed(_ context.Context, channelID, vmIDFragment string, nonce *big.Int) error {
	key := subChannelKey(channelID, vmIDFragment)

	var updateErr error
	s.locks.With(key, func() {
		updateErr = s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(claimedBucket)
			existing := new(big.Int)
			if v := b.Get([]byte(key)); v != nil {
				existing.SetBytes(v)
			}
			if nonce.Cmp(existing) > 0 {
				return b.Put([]byte(key), bigTo32Bytes(nonce))
			}
			return nil
		})
	})
	return updateErr
}
