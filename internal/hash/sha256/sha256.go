// Package sha256 derives stable identifiers and seeds from SHA-256 digests.
package sha256

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// idBytes is how much of the digest goes into article ids.
const idBytes = 16

// Hasher produces deterministic digests for ids and jitter seeds.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns the full hex digest.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ID joins the parts with a NUL separator and returns a shortened hex digest.
func (h *Hasher) ID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:idBytes])
}

// Words returns the first two big-endian 64-bit words of the seed's digest.
func (h *Hasher) Words(seed string) (uint64, uint64) {
	sum := sha256.Sum256([]byte(seed))
	return binary.BigEndian.Uint64(sum[0:8]), binary.BigEndian.Uint64(sum[8:16])
}
