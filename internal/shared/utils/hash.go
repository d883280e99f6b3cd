package utils

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HashAlgorithm represents the hashing algorithm to use
type HashAlgorithm string

const (
	SHA256  HashAlgorithm = "sha256"
	SHA512  HashAlgorithm = "sha512"
	BLAKE2b HashAlgorithm = "blake2b"
	// MD5 is exposed to scripts only; it is never accepted for integrity
	MD5 HashAlgorithm = "md5"
)

// Hasher computes hex digests with a fixed algorithm
type Hasher struct {
	algorithm HashAlgorithm
}

// NewHasher creates a hasher, rejecting unknown algorithms
func NewHasher(algorithm HashAlgorithm) (*Hasher, error) {
	algorithm = HashAlgorithm(strings.ToLower(string(algorithm)))
	switch algorithm {
	case SHA256, SHA512, BLAKE2b, MD5:
		return &Hasher{algorithm: algorithm}, nil
	case "blake2b-256":
		return &Hasher{algorithm: BLAKE2b}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}

// DefaultHasher returns a SHA256 hasher
func DefaultHasher() *Hasher {
	return &Hasher{algorithm: SHA256}
}

// Algorithm returns the configured algorithm
func (h *Hasher) Algorithm() HashAlgorithm {
	return h.algorithm
}

// Hash computes the hex digest of data
func (h *Hasher) Hash(data []byte) string {
	d := h.newHash()
	d.Write(data)
	return hex.EncodeToString(d.Sum(nil))
}

// HashString computes the hex digest of s
func (h *Hasher) HashString(s string) string {
	return h.Hash([]byte(s))
}

// Tagged returns "algorithm:hex" for storage alongside a record
func (h *Hasher) Tagged(data []byte) string {
	return string(h.algorithm) + ":" + h.Hash(data)
}

func (h *Hasher) newHash() hash.Hash {
	switch h.algorithm {
	case SHA512:
		return sha512.New()
	case BLAKE2b:
		d, _ := blake2b.New256(nil)
		return d
	case MD5:
		return md5.New()
	default:
		return sha256.New()
	}
}
