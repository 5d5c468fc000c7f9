package auth

import (
	"context"
	"errors"
)

// Identity is a verified external identity.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// ErrInvalidCredential is returned by an IdentityVerifier for credentials
// it does not recognize.
var ErrInvalidCredential = errors.New("invalid credential")

// IdentityVerifier validates an external credential (an IdP-issued token)
// and resolves it to an identity. Implementations must not cache; the
// broker owns session caching.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (*Identity, error)
}

// StaticVerifier resolves credentials from a fixed map. Used for local
// development and tests; production deployments plug in a real IdP client.
type StaticVerifier struct {
	Identities map[string]Identity
}

var _ IdentityVerifier = (*StaticVerifier)(nil)

// Verify looks the credential up in the static map.
func (v *StaticVerifier) Verify(_ context.Context, credential string) (*Identity, error) {
	identity, ok := v.Identities[credential]
	if !ok {
		return nil, ErrInvalidCredential
	}
	return &identity, nil
}
