// Package token produces the opaque bearer values carried in session cookies
// and derives the storage identifiers from them.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
)

// entropyBytes is 160 bits of randomness.
const entropyBytes = 20

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generate returns a fresh bearer token: 20 random bytes, base32 encoded
// without padding and lowercased.
func Generate() (string, error) {
	b := make([]byte, entropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}

	return strings.ToLower(encoding.EncodeToString(b)), nil
}

// DeriveID maps a bearer token to its session identifier, the lowercase hex
// SHA-256 of the token. Only the identifier is ever persisted.
func DeriveID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
