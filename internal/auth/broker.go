package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/pkg/types"
)

// sessionTTL bounds how long a verified IdP credential is trusted without
// re-verification.
const sessionTTL = time.Hour

// ErrUnauthorized is returned when a credential is missing, malformed,
// expired, or unknown.
var ErrUnauthorized = errors.New("unauthorized")

// brokerStore is the slice of the storage surface the broker needs.
type brokerStore interface {
	storage.UserStore
	storage.OAuthStore
}

type cachedSession struct {
	userID    string
	expiresAt time.Time
}

// Broker resolves bearer credentials to user IDs. Service-issued access
// tokens (TokenPrefix) are looked up in the token store; anything else is
// treated as an IdP credential, verified, and cached for sessionTTL.
type Broker struct {
	store    brokerStore
	verifier IdentityVerifier // nil disables the IdP path
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]cachedSession
	now      func() time.Time
}

// NewBroker creates a broker. verifier may be nil when only service-issued
// tokens should authenticate.
func NewBroker(store brokerStore, verifier IdentityVerifier, logger *zap.Logger) *Broker {
	return &Broker{
		store:    store,
		verifier: verifier,
		logger:   logger,
		sessions: make(map[string]cachedSession),
		now:      time.Now,
	}
}

// Authenticate resolves an Authorization header value to a user ID.
// Returns ErrUnauthorized for anything that does not resolve.
func (b *Broker) Authenticate(ctx context.Context, authHeader string) (string, error) {
	credential, ok := bearerCredential(authHeader)
	if !ok {
		return "", ErrUnauthorized
	}

	if strings.HasPrefix(credential, TokenPrefix) {
		token, err := b.store.GetToken(ctx, credential)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", ErrUnauthorized
			}
			return "", err
		}
		return token.UserID, nil
	}

	return b.verifyIdentity(ctx, credential)
}

// verifyIdentity runs the IdP path: cache hit, or verify + user upsert.
func (b *Broker) verifyIdentity(ctx context.Context, credential string) (string, error) {
	if b.verifier == nil {
		return "", ErrUnauthorized
	}

	now := b.now()
	b.mu.Lock()
	if session, ok := b.sessions[credential]; ok && now.Before(session.expiresAt) {
		b.mu.Unlock()
		return session.userID, nil
	}
	b.mu.Unlock()

	identity, err := b.verifier.Verify(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			return "", ErrUnauthorized
		}
		return "", err
	}
	if identity.UserID == "" {
		return "", ErrUnauthorized
	}

	// Every verified identity becomes (or refreshes) a tenant row, so
	// foreign keys on user_id hold for the first write.
	if err := b.store.UpsertUser(ctx, &types.User{
		ID:    identity.UserID,
		Email: identity.Email,
		Name:  identity.Name,
	}); err != nil {
		return "", err
	}

	b.mu.Lock()
	b.sessions[credential] = cachedSession{userID: identity.UserID, expiresAt: now.Add(sessionTTL)}
	b.pruneLocked(now)
	b.mu.Unlock()

	b.logger.Debug("Verified identity", zap.String("user_id", identity.UserID))
	return identity.UserID, nil
}

// pruneLocked drops expired sessions. Caller holds b.mu.
func (b *Broker) pruneLocked(now time.Time) {
	for credential, session := range b.sessions {
		if !now.Before(session.expiresAt) {
			delete(b.sessions, credential)
		}
	}
}

// bearerCredential extracts the credential from an Authorization header.
func bearerCredential(header string) (string, bool) {
	const scheme = "Bearer "
	if len(header) <= len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", false
	}
	credential := strings.TrimSpace(header[len(scheme):])
	return credential, credential != ""
}
