package server

import (
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	jsonwriter "github.com/dgellow/oauth-front/internal/json"
	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/oauth"
	"github.com/dgellow/oauth-front/internal/urlutil"
)

// AuthorizeHandlers serves the authorization endpoint and logout
type AuthorizeHandlers struct {
	provider  *oauth.ProviderConfig
	validator *oauth.AuthorizationRequestValidator
	consent   *oauth.ConsentManager
	sessions  *oauth.ConsentSessions
	issuer    *oauth.TokenIssuer
	login     *UserLogin
}

func NewAuthorizeHandlers(
	provider *oauth.ProviderConfig,
	validator *oauth.AuthorizationRequestValidator,
	consent *oauth.ConsentManager,
	sessions *oauth.ConsentSessions,
	issuer *oauth.TokenIssuer,
	login *UserLogin,
) *AuthorizeHandlers {
	return &AuthorizeHandlers{
		provider:  provider,
		validator: validator,
		consent:   consent,
		sessions:  sessions,
		issuer:    issuer,
		login:     login,
	}
}

// ConsentPrompt is returned when the user must approve the request. The
// user agent resubmits the authorize request with consent_nonce and
// approve=true (or anything else to deny).
type ConsentPrompt struct {
	ConsentNonce string   `json:"consent_nonce"`
	ClientID     string   `json:"client_id"`
	ClientName   string   `json:"client_name,omitempty"`
	Scope        []string `json:"scope"`
	RedirectURI  string   `json:"redirect_uri"`
	State        string   `json:"state,omitempty"`
}

// AuthorizeHandler handles GET and POST /authorize
func (h *AuthorizeHandlers) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	ctx := r.Context()

	sess, signedIn, err := h.login.Identify(w, r)
	if err != nil {
		if errors.Is(err, ErrBadCredentials) {
			jsonwriter.WriteLoginChallenge(w, h.login.Realm(), "Invalid username or password")
			return
		}
		jsonwriter.WriteInternalServerError(w, "Login failed")
		return
	}

	result := h.validator.ValidateAuthorization(ctx, h.provider, r, sess.Username)
	if !result.OK() {
		h.writeError(w, r, result, result.Err)
		return
	}

	if !signedIn {
		if slices.Contains(strings.Fields(result.Attributes.First(oauth.AttrPrompt)), "none") {
			h.writeError(w, r, result, oauth.NewOAuthError(oauth.KindLoginRequired, "the user is not signed in"))
			return
		}
		jsonwriter.WriteLoginChallenge(w, h.login.Realm(), "Sign in to continue")
		return
	}

	decision := h.consent.Evaluate(ctx, h.sessions.Get(sess.ID), sess.Username, r, result)
	switch decision.Outcome {
	case oauth.ConsentFailed:
		h.writeError(w, r, result, decision.Err)
		return
	case oauth.ConsentNeedsForm:
		w.Header().Set("Cache-Control", "no-store")
		_ = jsonwriter.Write(w, ConsentPrompt{
			ConsentNonce: decision.Nonce,
			ClientID:     result.ClientID(),
			ClientName:   result.Client.Name,
			Scope:        result.Scope(),
			RedirectURI:  result.RedirectURI(),
			State:        result.State(),
		})
		return
	}

	if result.Implicit() {
		h.redirectImplicit(w, r, result)
		return
	}
	h.redirectCode(w, r, result)
}

func (h *AuthorizeHandlers) redirectCode(w http.ResponseWriter, r *http.Request, result oauth.AuthResult) {
	code, err := h.issuer.IssueAuthorizationCode(r.Context(), result)
	if err != nil {
		h.writeError(w, r, result, oauth.AsOAuthError(err))
		return
	}

	params := url.Values{"code": {code}}
	if state := result.State(); state != "" {
		params.Set("state", state)
	}
	target, err := urlutil.WithQuery(result.RedirectURI(), params)
	if err != nil {
		jsonwriter.WriteInternalServerError(w, "Invalid redirect URI")
		return
	}

	log.LogDebugWithFields("authorize", "Redirecting with authorization code", map[string]any{
		"client_id": result.ClientID(),
		"user":      result.Username(),
	})
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *AuthorizeHandlers) redirectImplicit(w http.ResponseWriter, r *http.Request, result oauth.AuthResult) {
	resp, err := h.issuer.IssueImplicit(r.Context(), result)
	if err != nil {
		h.writeError(w, r, result, oauth.AsOAuthError(err))
		return
	}

	values := url.Values{
		"access_token": {resp.AccessToken},
		"token_type":   {resp.TokenType},
	}
	if resp.ExpiresIn > 0 {
		values.Set("expires_in", strconv.FormatInt(resp.ExpiresIn, 10))
	}
	if resp.Scope != "" {
		values.Set("scope", resp.Scope)
	}
	if resp.State != "" {
		values.Set("state", resp.State)
	}
	target, err := urlutil.WithFragment(result.RedirectURI(), values)
	if err != nil {
		jsonwriter.WriteInternalServerError(w, "Invalid redirect URI")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)
}

// writeError sends the error back to the client when the redirect URI was
// validated, and renders it as JSON otherwise
func (h *AuthorizeHandlers) writeError(w http.ResponseWriter, r *http.Request, result oauth.AuthResult, oauthErr *oauth.OAuthError) {
	fragment := result.Implicit() || slices.Contains(strings.Fields(r.Form.Get(oauth.AttrResponseType)), "token")
	oauth.WriteAuthorizeError(w, r, result.RedirectURI(), result.State(), fragment, oauthErr)
}

// LogoutHandler ends the login session and forgets its consent cache
func (h *AuthorizeHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	if sess, ok := h.login.Logout(w, r); ok {
		h.sessions.Remove(sess.ID)
		log.LogDebugWithFields("login", "User signed out", map[string]any{
			"user": sess.Username,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}
