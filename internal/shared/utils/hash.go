package utils

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Hasher produces BLAKE3 hex digests, used for content fingerprints such as
// snapshot ETags and image hashes.
type Hasher struct{}

// NewHasher creates a new hasher
func NewHasher() *Hasher {
	return &Hasher{}
}

var defaultHasher = NewHasher()

// DefaultHasher returns the shared hasher.
func DefaultHasher() *Hasher {
	return defaultHasher
}

// Hash computes a hex digest of data.
func (h *Hasher) Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashParts digests parts in order, each prefixed with its length, so two
// different part lists never share a digest.
func (h *Hasher) HashParts(parts ...[]byte) string {
	d := blake3.New()
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		d.Write(n[:])
		d.Write(p)
	}
	return hex.EncodeToString(d.Sum(nil))
}

// ShortHash returns the first 16 hex characters of the digest.
func (h *Hasher) ShortHash(data []byte) string {
	return h.Hash(data)[:16]
}
