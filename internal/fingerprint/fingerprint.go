// Package fingerprint computes and compares SHA-256 certificate
// fingerprints in lowercase hex form.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Digest returns the SHA-256 digest of raw as a lowercase hex string.
func Digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Match reports whether the digest of raw equals want, compared
// case-insensitively. An empty want matches anything: the operator has
// chosen to trust the local network instead of pinning a certificate.
func Match(raw []byte, want string) bool {
	if want == "" {
		return true
	}
	return strings.EqualFold(Digest(raw), want)
}
