// Package keys mints API keys and resolves them to the tenant table they
// grant access to.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// KeyBytes is the entropy of a generated key; keys are hex encoded.
const KeyBytes = 32

var (
	// ErrInvalidAPIKey is returned when a key resolves to no binding.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrNotFound is returned by directory lookups that match nothing.
	ErrNotFound = errors.New("api key binding not found")
)

// Binding ties an API key to one table of one tenant database.
type Binding struct {
	APIKey         string    `json:"apiKey"`
	Database       string    `json:"databaseName"`
	Table          string    `json:"tableName"`
	OrganizationID string    `json:"organizationId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Generate returns a new random key.
func Generate() (string, error) {
	b := make([]byte, KeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Fingerprint is the cache and log identity of a key; the key itself is never
// stored in memory maps or logs.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Mask hides all but the last four characters of key.
func Mask(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", 8) + key[len(key)-4:]
}

// wellFormed rejects keys that cannot have been generated here or by the
// legacy scheme before touching any database.
func wellFormed(key string) bool {
	if len(key) == 0 || len(key) > 128 {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '-' || c == '_') {
			return false
		}
	}
	return true
}
