package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/oauth-front/internal/cookie"
	"github.com/dgellow/oauth-front/internal/oauth"
)

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func location(t *testing.T, rr *httptest.ResponseRecorder) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusFound, rr.Code, rr.Body.String())
	u, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	return u
}

func sessionCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == cookie.SessionCookie && c.MaxAge > 0 {
			return c
		}
	}
	t.Fatalf("no session cookie in response")
	return nil
}

// promptConsent signs testUser in with Basic credentials and returns the
// consent prompt together with the session cookie
func (f *fixture) promptConsent(t *testing.T, q url.Values) (ConsentPrompt, *http.Cookie) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	req.SetBasicAuth(testUser, testPassword)
	rr := serve(f.authorize.AuthorizeHandler, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	var prompt ConsentPrompt
	decodeBody(t, rr, &prompt)
	require.NotEmpty(t, prompt.ConsentNonce)
	return prompt, sessionCookie(t, rr)
}

func answerConsent(q url.Values, nonce, approve string) url.Values {
	form := url.Values{}
	for k, v := range q {
		form[k] = v
	}
	form.Set("consent_nonce", nonce)
	form.Set("approve", approve)
	return form
}

func TestAuthorizeRejectsBadRequestsWithoutRedirect(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name      string
		overrides map[string]string
		errorCode string
	}{
		{
			name:      "missing client_id",
			overrides: map[string]string{"client_id": ""},
			errorCode: "invalid_request",
		},
		{
			name:      "unknown client",
			overrides: map[string]string{"client_id": "nobody"},
			errorCode: "invalid_client",
		},
		{
			name:      "unregistered redirect",
			overrides: map[string]string{"redirect_uri": "https://evil.example.net/cb"},
			errorCode: "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeQuery(tt.overrides).Encode(), nil)
			req.SetBasicAuth(testUser, testPassword)
			rr := serve(f.authorize.AuthorizeHandler, req)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Empty(t, rr.Header().Get("Location"))
			var body map[string]any
			decodeBody(t, rr, &body)
			assert.Equal(t, tt.errorCode, body["error"])
		})
	}
}

func TestAuthorizeRedirectsValidationErrors(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeQuery(map[string]string{"scope": "admin"}).Encode(), nil)
	req.SetBasicAuth(testUser, testPassword)
	rr := serve(f.authorize.AuthorizeHandler, req)

	u := location(t, rr)
	assert.Equal(t, "app.example.com", u.Host)
	assert.Equal(t, "invalid_scope", u.Query().Get("error"))
	assert.Equal(t, "xyz", u.Query().Get("state"))
}

func TestAuthorizeRequiresLogin(t *testing.T) {
	f := newFixture(t)

	t.Run("challenge", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeQuery(nil).Encode(), nil)
		rr := serve(f.authorize.AuthorizeHandler, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Basic")
	})

	t.Run("prompt none", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeQuery(map[string]string{"prompt": "none"}).Encode(), nil)
		rr := serve(f.authorize.AuthorizeHandler, req)
		u := location(t, rr)
		assert.Equal(t, "login_required", u.Query().Get("error"))
	})

	t.Run("bad credentials are rate limited", func(t *testing.T) {
		before := f.limiter.LimitCalls()
		req := httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeQuery(nil).Encode(), nil)
		req.SetBasicAuth(testUser, "wrong")
		rr := serve(f.authorize.AuthorizeHandler, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, before+1, f.limiter.LimitCalls())
	})
}

func TestAuthorizationCodeFlow(t *testing.T) {
	f := newFixture(t)
	q := authorizeQuery(nil)

	prompt, session := f.promptConsent(t, q)
	assert.Equal(t, testClientID, prompt.ClientID)
	assert.Equal(t, "Web App", prompt.ClientName)
	assert.Equal(t, []string{"read"}, prompt.Scope)
	assert.Equal(t, testRedirect, prompt.RedirectURI)

	// The cookie alone identifies the user from here on.
	rr := serve(f.authorize.AuthorizeHandler, formRequest(http.MethodPost, "/authorize", answerConsent(q, prompt.ConsentNonce, "true")), session)
	u := location(t, rr)
	code := u.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "xyz", u.Query().Get("state"))

	exchange := func() *httptest.ResponseRecorder {
		req := formRequest(http.MethodPost, "/token", url.Values{
			"grant_type":   {oauth.GrantAuthorizationCode},
			"code":         {code},
			"redirect_uri": {testRedirect},
		})
		req.SetBasicAuth(testClientID, testClientSecret)
		return serve(f.token.TokenHandler, req)
	}

	rr = exchange()
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var tok oauth.TokenResponse
	decodeBody(t, rr, &tok)
	assert.NotEmpty(t, tok.AccessToken)
	assert.Equal(t, "read", tok.Scope)

	rr = exchange()
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid_grant")

	t.Run("consent is remembered for the session", func(t *testing.T) {
		rr := serve(f.authorize.AuthorizeHandler, httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil), session)
		u := location(t, rr)
		assert.NotEmpty(t, u.Query().Get("code"))
	})

	t.Run("prompt consent asks again", func(t *testing.T) {
		forced := authorizeQuery(map[string]string{"prompt": "consent"})
		rr := serve(f.authorize.AuthorizeHandler, httptest.NewRequest(http.MethodGet, "/authorize?"+forced.Encode(), nil), session)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "consent_nonce")
	})
}

func TestAuthorizeConsentDenied(t *testing.T) {
	f := newFixture(t)
	q := authorizeQuery(nil)
	prompt, session := f.promptConsent(t, q)

	rr := serve(f.authorize.AuthorizeHandler, formRequest(http.MethodPost, "/authorize", answerConsent(q, prompt.ConsentNonce, "false")), session)
	u := location(t, rr)
	assert.Equal(t, "access_denied", u.Query().Get("error"))
	assert.Empty(t, u.Query().Get("code"))

	// The nonce was spent on the denial.
	rr = serve(f.authorize.AuthorizeHandler, formRequest(http.MethodPost, "/authorize", answerConsent(q, prompt.ConsentNonce, "true")), session)
	u = location(t, rr)
	assert.Equal(t, "access_denied", u.Query().Get("error"))
}

func TestAuthorizeNonceBoundToSession(t *testing.T) {
	f := newFixture(t)
	q := authorizeQuery(nil)
	prompt, _ := f.promptConsent(t, q)

	// A different login session cannot redeem the nonce.
	req := formRequest(http.MethodPost, "/authorize", answerConsent(q, prompt.ConsentNonce, "true"))
	req.SetBasicAuth(testAdmin, testAdminPass)
	rr := serve(f.authorize.AuthorizeHandler, req)
	u := location(t, rr)
	assert.Equal(t, "access_denied", u.Query().Get("error"))
}

func TestImplicitFlow(t *testing.T) {
	f := newFixture(t)
	q := authorizeQuery(map[string]string{"response_type": "token"})
	prompt, session := f.promptConsent(t, q)

	rr := serve(f.authorize.AuthorizeHandler, formRequest(http.MethodPost, "/authorize", answerConsent(q, prompt.ConsentNonce, "true")), session)
	u := location(t, rr)
	assert.Empty(t, u.RawQuery)

	fragment, err := url.ParseQuery(u.Fragment)
	require.NoError(t, err)
	assert.NotEmpty(t, fragment.Get("access_token"))
	assert.Equal(t, "Bearer", fragment.Get("token_type"))
	assert.Equal(t, "xyz", fragment.Get("state"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
}

func TestImplicitErrorsUseFragment(t *testing.T) {
	f := newFixture(t)
	q := authorizeQuery(map[string]string{"response_type": "token"})
	prompt, session := f.promptConsent(t, q)

	rr := serve(f.authorize.AuthorizeHandler, formRequest(http.MethodPost, "/authorize", answerConsent(q, prompt.ConsentNonce, "no")), session)
	u := location(t, rr)
	fragment, err := url.ParseQuery(u.Fragment)
	require.NoError(t, err)
	assert.Equal(t, "access_denied", fragment.Get("error"))
}

func TestAuthorizeMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	rr := serve(f.authorize.AuthorizeHandler, httptest.NewRequest(http.MethodDelete, "/authorize", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "GET, POST", rr.Header().Get("Allow"))
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	q := authorizeQuery(nil)
	_, session := f.promptConsent(t, q)
	require.Equal(t, 1, f.sessions.Len())

	rr := serve(f.authorize.LogoutHandler, httptest.NewRequest(http.MethodPost, "/logout", nil), session)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, 0, f.sessions.Len())

	cleared := false
	for _, c := range rr.Result().Cookies() {
		if c.Name == cookie.SessionCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared)
}
