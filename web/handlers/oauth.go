package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/membank/membank/internal/auth"
)

// OAuthAuthorize handles GET /oauth/authorize. The caller proves its
// identity with an IdP credential in the Authorization header; on success
// it is redirected back to the client with a single-use code.
//
// The redirect URI is validated against the client registry before any
// redirect happens. An unregistered URI gets a direct error response, never
// a redirect, since an unvalidated target cannot be trusted with one.
func (h *Handlers) OAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	if rt := q.Get("response_type"); rt != "code" {
		writeJSON(w, http.StatusBadRequest, &auth.OAuthError{
			Code:        auth.ErrCodeInvalidRequest,
			Description: "response_type must be code",
		})
		return
	}

	userID, err := h.broker.Authenticate(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, &auth.OAuthError{
			Code:        "access_denied",
			Description: "caller is not authenticated with the identity provider",
		})
		return
	}

	code, err := h.broker.Authorize(r.Context(), auth.AuthorizeRequest{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		UserID:      userID,
		Scope:       q.Get("scope"),
	})
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &auth.OAuthError{
			Code:        auth.ErrCodeInvalidRequest,
			Description: "redirect_uri is not a valid URL",
		})
		return
	}
	params := target.Query()
	params.Set("code", code)
	if state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// OAuthToken handles POST /oauth/token, the RFC 6749 token endpoint.
func (h *Handlers) OAuthToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, &auth.OAuthError{
			Code:        auth.ErrCodeInvalidRequest,
			Description: "malformed form body",
		})
		return
	}

	token, err := h.broker.ExchangeCode(r.Context(), auth.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
	})
	if err != nil {
		h.writeOAuthError(w, err)
		return
	}

	// Token responses must not be cached anywhere along the path.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, token)
}

// writeOAuthError maps broker errors to RFC 6749 error responses.
// invalid_client answers 401 per the RFC; everything else is a 400.
func (h *Handlers) writeOAuthError(w http.ResponseWriter, err error) {
	var oauthErr *auth.OAuthError
	if !errors.As(err, &oauthErr) {
		h.logger.Error("OAuth endpoint failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, &auth.OAuthError{Code: "server_error"})
		return
	}

	status := http.StatusBadRequest
	if oauthErr.Code == auth.ErrCodeInvalidClient {
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", "Basic")
	}
	writeJSON(w, status, oauthErr)
}
