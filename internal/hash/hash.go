// Package hash provides the digest used for content fingerprints, document
// IDs, and archive object names.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256 implements crawler.Hasher with hex-encoded SHA-256 digests.
type SHA256 struct{}

// NewSHA256 returns a SHA-256 hasher.
func NewSHA256() *SHA256 {
	return &SHA256{}
}

// Hash digests the input. The error return satisfies crawler.Hasher; this
// implementation cannot fail.
func (*SHA256) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
