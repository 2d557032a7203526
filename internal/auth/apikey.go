// ABOUTME: API key generation and verification for the admin API.
// ABOUTME: Keys are opaque strings (dq_ prefix + random bytes), compared via sha256.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// APIKeyPrefix is the human-readable prefix on all dispatchq API keys.
const APIKeyPrefix = "dq_"

// GenerateAPIKey creates a new API key. Returns the raw key (shown to the
// operator once), the sha256 hex hash (for storage or audit), and any error.
func GenerateAPIKey() (rawKey, keyHash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	rawKey = APIKeyPrefix + hex.EncodeToString(b)
	keyHash = HashAPIKey(rawKey)
	return rawKey, keyHash, nil
}

// HashAPIKey returns the sha256 hex hash of rawKey.
func HashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// KeysEqual reports whether two raw keys match, in constant time.
// Hashing first normalizes lengths so the comparison leaks nothing.
func KeysEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
