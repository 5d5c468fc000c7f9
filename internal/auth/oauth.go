package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/membank/membank/internal/storage"
)

const (
	codeTTL  = 10 * time.Minute
	tokenTTL = time.Hour
)

// RFC 6749 error codes surfaced on the token endpoint.
const (
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeInvalidClient        = "invalid_client"
	ErrCodeInvalidGrant         = "invalid_grant"
	ErrCodeInvalidScope         = "invalid_scope"
	ErrCodeUnsupportedGrantType = "unsupported_grant_type"
)

// OAuthError is a protocol-level OAuth failure, serialized as
// {"error": ..., "error_description": ...}.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func oauthErr(code, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}

// AuthorizeRequest carries a validated authorization request for an
// already-verified user.
type AuthorizeRequest struct {
	ClientID    string
	RedirectURI string
	UserID      string
	Scope       string // space-separated scope names, may be empty
}

// TokenRequest is the token-endpoint exchange request.
type TokenRequest struct {
	GrantType    string
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// TokenResponse is the RFC 6749 token-endpoint success body.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// Authorize issues a single-use authorization code bound to the client,
// redirect URI, and user. The redirect URI must exactly match one of the
// client's registered URIs.
func (b *Broker) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	if req.UserID == "" {
		return "", ErrUnauthorized
	}

	client, err := b.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", oauthErr(ErrCodeInvalidClient, "unknown client")
		}
		return "", err
	}
	if !containsExact(client.RedirectURIs, req.RedirectURI) {
		return "", oauthErr(ErrCodeInvalidRequest, "redirect_uri is not registered for this client")
	}
	if err := scopeAllowed(client.AllowedScopes, req.Scope); err != nil {
		return "", err
	}

	code, err := NewAuthorizationCode()
	if err != nil {
		return "", err
	}
	now := b.now()
	if err := b.store.StoreAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:        code,
		ClientID:    client.ID,
		UserID:      req.UserID,
		RedirectURI: req.RedirectURI,
		Scope:       req.Scope,
		ExpiresAt:   now.Add(codeTTL),
		CreatedAt:   now,
	}); err != nil {
		return "", err
	}

	b.logger.Info("Issued authorization code",
		zap.String("client_id", client.ID),
		zap.String("user_id", req.UserID))
	return code, nil
}

// ExchangeCode redeems an authorization code for an access token. Every
// protocol failure comes back as an *OAuthError so transports can map it
// to the right HTTP status and body.
func (b *Broker) ExchangeCode(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.GrantType != "authorization_code" {
		return nil, oauthErr(ErrCodeUnsupportedGrantType, "only authorization_code is supported")
	}
	if req.Code == "" {
		return nil, oauthErr(ErrCodeInvalidRequest, "code is required")
	}

	client, err := b.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauthErr(ErrCodeInvalidClient, "unknown client")
		}
		return nil, err
	}
	if !secretMatches(client.SecretHash, req.ClientSecret) {
		return nil, oauthErr(ErrCodeInvalidClient, "client authentication failed")
	}

	code, err := b.store.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			return nil, oauthErr(ErrCodeInvalidGrant, "authorization code already used")
		case errors.Is(err, storage.ErrNotFound):
			return nil, oauthErr(ErrCodeInvalidGrant, "authorization code is invalid or expired")
		default:
			return nil, err
		}
	}
	if code.ClientID != client.ID {
		return nil, oauthErr(ErrCodeInvalidGrant, "authorization code was issued to another client")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, oauthErr(ErrCodeInvalidGrant, "redirect_uri does not match the authorization request")
	}

	token, err := NewAccessToken()
	if err != nil {
		return nil, err
	}
	now := b.now()
	if err := b.store.StoreToken(ctx, &storage.AccessToken{
		Token:     token,
		ClientID:  client.ID,
		UserID:    code.UserID,
		Scope:     code.Scope,
		ExpiresAt: now.Add(tokenTTL),
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	b.logger.Info("Issued access token",
		zap.String("client_id", client.ID),
		zap.String("user_id", code.UserID))
	return &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(tokenTTL / time.Second),
		Scope:       code.Scope,
	}, nil
}

// RevokeToken revokes an issued access token. Unknown tokens are not an
// error so revocation is idempotent for callers.
func (b *Broker) RevokeToken(ctx context.Context, token string) error {
	err := b.store.RevokeToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// PurgeExpired removes expired codes and tokens.
func (b *Broker) PurgeExpired(ctx context.Context) (int64, error) {
	return b.store.DeleteExpired(ctx, b.now())
}

// secretMatches compares the presented secret against the stored hash in
// constant time.
func secretMatches(storedHash, presented string) bool {
	if storedHash == "" || presented == "" {
		return false
	}
	presentedHash := HashSecret(presented)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(presentedHash)) == 1
}

// scopeAllowed checks every requested scope against the client's allowed
// set. A client with no registered scopes accepts any request.
func scopeAllowed(allowed []string, requested string) error {
	if len(allowed) == 0 || requested == "" {
		return nil
	}
	for _, scope := range strings.Fields(requested) {
		if !containsExact(allowed, scope) {
			return oauthErr(ErrCodeInvalidScope, fmt.Sprintf("scope %q is not allowed for this client", scope))
		}
	}
	return nil
}

func containsExact(haystack []string, needle string) bool {
	if needle == "" {
		return false
	}
	for _, candidate := range haystack {
		if candidate == needle {
			return true
		}
	}
	return false
}
