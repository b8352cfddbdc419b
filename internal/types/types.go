// Package types defines identifiers shared across handheld packages.
//
// Programs are content-addressed: a program's identity is the blake3 digest of
// its canonical binary encoding, rendered as base58 on every text surface
// (logs, JSON-RPC, gRPC, CLI).
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// HashSize is the size of a program hash in bytes.
const HashSize = 32

var (
	// ErrInvalidHash is returned when a hash has invalid length.
	ErrInvalidHash = errors.New("invalid hash: must be 32 bytes")
)

// Hash is a 32-byte blake3 digest.
type Hash [HashSize]byte

// HashFromBase58 parses a base58-encoded hash.
func HashFromBase58(s string) (Hash, error) {
	var h Hash
	data, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], data)
	return h, nil
}

// HashFromBytes creates a Hash from a byte slice.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], b)
	return h, nil
}

// ComputeHash computes the blake3 digest of data.
func ComputeHash(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// String returns the base58-encoded representation.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// Short returns the first eight base58 characters, for log lines.
func (h Hash) Short() string {
	s := h.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Hex returns the hex-encoded representation.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromBase58(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
