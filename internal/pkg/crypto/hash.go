package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns a 128-bit hex fingerprint of the given bytes.
// Used for content-addressing dependency manifests; collision resistance
// against adversarial input is not required, only uniqueness in practice.
func Fingerprint(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])[:32]
}

// HashString calculates the fingerprint of a string.
func HashString(s string) string {
	return Fingerprint([]byte(s))
}
