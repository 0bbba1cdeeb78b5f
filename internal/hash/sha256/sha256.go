// Package sha256 provides SHA-256 URL fingerprints.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// FingerprintLen is the number of hex characters kept from the digest.
const FingerprintLen = 16

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Fingerprint returns the first 16 hex characters of SHA-256 over the URL bytes.
func (h *Hasher) Fingerprint(url string) string {
	return Fingerprint(url)
}

// Fingerprint is the package-level form of Hasher.Fingerprint.
func Fingerprint(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:FingerprintLen]
}
