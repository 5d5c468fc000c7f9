// Package auth implements the authentication broker: bearer-token
// verification for the RPC surface and the OAuth 2.0 authorization-code
// flow that issues those tokens.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// TokenPrefix marks access tokens issued by this service. The broker uses
// it to route a bearer credential to the token store instead of the
// identity provider.
const TokenPrefix = "mcp_at_"

const tokenEntropyBytes = 32

// NewAccessToken returns a fresh opaque bearer token: the service prefix
// followed by 32 bytes of CSPRNG entropy.
func NewAccessToken() (string, error) {
	return randomToken(TokenPrefix)
}

// NewAuthorizationCode returns a fresh single-use authorization code.
func NewAuthorizationCode() (string, error) {
	return randomToken("")
}

func randomToken(prefix string) (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashSecret returns the hex-encoded SHA-256 of a client secret. Stored
// client records carry only this hash.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
