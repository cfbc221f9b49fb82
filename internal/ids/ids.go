// Package ids generates the public identifiers and credentials exposed to
// callers: invocation external ids and API keys. Internal store identities
// are plain UUIDs and never leave the service.
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	invocationPrefix = "agnxi_inv_"
	apiKeyPrefix     = "agnxi_key_"

	// APIKeyDisplayLen is how much of a raw key is stored for display.
	APIKeyDisplayLen = 12
)

// NewExternalID returns a fresh public invocation id: the fixed prefix plus
// 16 random bytes rendered as lowercase hex (128 bits of entropy).
func NewExternalID() string {
	return invocationPrefix + randomHex(16)
}

// IsExternalID reports whether s carries the invocation id prefix.
func IsExternalID(s string) bool {
	return strings.HasPrefix(s, invocationPrefix)
}

// NewAPIKey returns the raw key, its display prefix and its SHA-256 hash.
// The raw key is never persisted.
func NewAPIKey() (raw, prefix, hash string) {
	raw = apiKeyPrefix + randomHex(32)
	return raw, raw[:APIKeyDisplayLen], HashAPIKey(raw)
}

// IsAPIKey reports whether s carries the API key prefix.
func IsAPIKey(s string) bool {
	return strings.HasPrefix(s, apiKeyPrefix)
}

// HashAPIKey returns the hex SHA-256 digest of a raw key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n)
	// crypto/rand.Read only fails when the platform entropy source is
	// broken, at which point nothing in this process is trustworthy.
	if _, err := rand.Read(buf); err != nil {
		panic("ids: entropy source unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
