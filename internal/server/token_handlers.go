package server

import (
	"net/http"

	jsonwriter "github.com/dgellow/oauth-front/internal/json"
	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/oauth"
)

// TokenHandlers serves the client-authenticated endpoints of the core:
// token, revocation and introspection
type TokenHandlers struct {
	auth       *oauth.ClientAuthenticator
	issuer     *oauth.TokenIssuer
	revoker    *oauth.Revoker
	introspect *oauth.TokenIntrospector
}

func NewTokenHandlers(auth *oauth.ClientAuthenticator, issuer *oauth.TokenIssuer, revoker *oauth.Revoker, introspect *oauth.TokenIntrospector) *TokenHandlers {
	return &TokenHandlers{
		auth:       auth,
		issuer:     issuer,
		revoker:    revoker,
		introspect: introspect,
	}
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodPost {
		return true
	}
	jsonwriter.WriteMethodNotAllowed(w, http.MethodPost)
	return false
}

// TokenHandler handles POST /token
func (h *TokenHandlers) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	ctx := r.Context()

	clientID, err := h.auth.Authenticate(ctx, r, oauth.EndpointToken)
	if err != nil {
		oauth.WriteTokenError(w, oauth.AsOAuthError(err))
		return
	}

	resp, err := h.issuer.Token(ctx, r, clientID)
	if err != nil {
		oauthErr := oauth.AsOAuthError(err)
		log.LogDebugWithFields("token", "Token request rejected", map[string]any{
			"client_id":  clientID,
			"grant_type": r.Form.Get(oauth.AttrGrantType),
			"kind":       oauthErr.Kind.String(),
		})
		oauth.WriteTokenError(w, oauthErr)
		return
	}

	if err := oauth.WriteTokenResponse(w, resp); err != nil {
		log.LogError("Failed to encode token response: %v", err)
	}
}

// RevokeHandler handles POST /revoke. Unknown tokens are answered with 200
// like known ones.
func (h *TokenHandlers) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	ctx := r.Context()

	clientID, err := h.auth.Authenticate(ctx, r, oauth.EndpointRevoke)
	if err != nil {
		oauth.WriteTokenError(w, oauth.AsOAuthError(err))
		return
	}

	if err := h.revoker.Revoke(ctx, clientID, r.Form.Get("token")); err != nil {
		oauth.WriteTokenError(w, oauth.AsOAuthError(err))
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// IntrospectHandler handles POST /introspect
func (h *TokenHandlers) IntrospectHandler(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	ctx := r.Context()

	clientID, err := h.auth.Authenticate(ctx, r, oauth.EndpointIntrospect)
	if err != nil {
		oauth.WriteTokenError(w, oauth.AsOAuthError(err))
		return
	}

	resp, err := h.introspect.Introspect(ctx, clientID, r.Form.Get("token"))
	if err != nil {
		oauth.WriteTokenError(w, oauth.AsOAuthError(err))
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = jsonwriter.Write(w, resp)
}
