package types

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// KeySize is the length of a content key in bytes.
const KeySize = 32

// Key is a content address. Its leading bytes select the responsible node.
type Key [KeySize]byte

// Target is the position on the id line that owns k: the leading 8 bytes
// read as a big-endian integer.
func (k Key) Target() uint64 {
	return binary.BigEndian.Uint64(k[:8])
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short is an abbreviated form for logs.
func (k Key) Short() string {
	return hex.EncodeToString(k[:6])
}

// ParseKey decodes a 64 character hex string.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid key: %w", err)
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("invalid key: expected %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// HashKey derives the content address of data.
func HashKey(data []byte) Key {
	return Key(sha256.Sum256(data))
}
