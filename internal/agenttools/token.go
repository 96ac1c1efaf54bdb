// Package agenttools is the hub-side surface for calls made from inside
// chat containers: readiness ACKs, artifact publishing and credential
// resolution. Every call authenticates with the per-run publish token minted
// at chat start; only a hash of the token is ever stored.
package agenttools

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const (
	// publishTokenBytes yields 48 hex characters of token.
	publishTokenBytes = 24

	// tokenHashPrefixLen is how much of the sha256 hex digest is persisted.
	tokenHashPrefixLen = 32
)

// NewPublishToken mints a per-run artifact publish token and returns it with
// the hash that goes into state. The raw token is handed to the container
// once and never stored or logged.
func NewPublishToken() (token, hash string, err error) {
	raw := make([]byte, publishTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("mint publish token: %w", err)
	}
	token = hex.EncodeToString(raw)
	return token, HashToken(token), nil
}

// HashToken returns the stored form of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:tokenHashPrefixLen]
}

// VerifyToken compares a submitted token against a stored hash in constant
// time. An empty stored hash never matches.
func VerifyToken(token, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(storedHash)) == 1
}
