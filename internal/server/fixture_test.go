package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgellow/oauth-front/internal/cookie"
	"github.com/dgellow/oauth-front/internal/crypto"
	"github.com/dgellow/oauth-front/internal/metrics"
	"github.com/dgellow/oauth-front/internal/oauth"
	"github.com/dgellow/oauth-front/internal/session"
	"github.com/dgellow/oauth-front/internal/storage"
	"github.com/dgellow/oauth-front/internal/testutil"
)

const (
	testUser         = "alice"
	testPassword     = "wonderland"
	testAdmin        = "root"
	testAdminPass    = "hunter22"
	testClientID     = "webapp"
	testClientSecret = "webapp-secret"
	testRedirect     = "https://app.example.com/callback"
)

var (
	testSessionKey = []byte("0123456789abcdef0123456789abcdef")
	testNonceKey   = []byte("fedcba9876543210fedcba9876543210")
)

type fixture struct {
	provider *oauth.ProviderConfig
	clients  *storage.MemoryClientRegistry
	tokens   *storage.MemoryTokenStore
	users    *storage.MemoryUserRegistry
	limiter  *testutil.MockRateLimiter
	sessions *oauth.ConsentSessions
	codec    *session.Codec
	login    *UserLogin

	authorize *AuthorizeHandlers
	token     *TokenHandlers
	passwords *AppCredentialHandlers
	register  *RegistrationHandlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	secret, err := crypto.HashClientSecret(testClientSecret)
	require.NoError(t, err)

	provider := oauth.ProviderConfig{
		Issuer:       "https://auth.example.com",
		LocalStorage: true,
	}.WithDefaults()

	f := &fixture{
		provider: &provider,
		clients: storage.NewMemoryClientRegistry(&oauth.Client{
			ID:                 testClientID,
			Secret:             secret,
			Name:               "Web App",
			Enabled:            true,
			RedirectURIs:       []string{testRedirect},
			GrantTypes:         []string{oauth.GrantAuthorizationCode, oauth.GrantImplicit, oauth.GrantPassword, oauth.GrantClientCredentials},
			ResponseTypes:      []string{oauth.ResponseTypeCode, "token"},
			Scope:              []string{"read", "write"},
			AppPasswordAllowed: true,
			IntrospectTokens:   true,
			CreatedAt:          time.Now(),
		}),
		tokens:   storage.NewMemoryTokenStore(),
		users:    storage.NewMemoryUserRegistry(),
		limiter:  testutil.NewMockRateLimiter(),
		sessions: oauth.NewConsentSessions(time.Hour, provider.ConsentCacheSize),
		codec:    session.NewCodec(testSessionKey, time.Hour),
	}
	require.NoError(t, f.users.AddUser(testUser, testPassword, false, map[string]any{"email": "alice@example.com"}))
	require.NoError(t, f.users.AddUser(testAdmin, testAdminPass, true, nil))

	hasher, err := crypto.NewCredentialHasher("", []byte("0123456789abcdef"))
	require.NoError(t, err)

	recorder := metrics.Noop{}
	auth := oauth.NewClientAuthenticator(f.provider, f.clients, f.tokens, f.users, f.limiter, hasher, recorder)
	issuer := oauth.NewTokenIssuer(f.provider, f.clients, f.tokens, auth, recorder)
	consent := oauth.NewConsentManager(f.provider, storage.NewMemoryConsentStore(), testNonceKey, recorder)

	f.login = NewUserLogin(f.users, f.codec, cookie.NewJar(provider.Issuer), f.limiter, "test")
	f.authorize = NewAuthorizeHandlers(f.provider, oauth.NewAuthorizationRequestValidator(f.clients), consent, f.sessions, issuer, f.login)
	f.token = NewTokenHandlers(auth, issuer,
		oauth.NewRevoker(f.tokens, hasher, recorder),
		oauth.NewTokenIntrospector(f.provider, f.clients, f.tokens, f.users, hasher, recorder))
	f.passwords = NewAppCredentialHandlers(auth, oauth.NewTokenExchangeService(f.provider, f.clients, f.tokens, f.users, hasher, recorder), oauth.CredentialAppPassword)
	f.register = NewRegistrationHandlers(oauth.NewClientRegistrar(f.clients))
	return f
}

func authorizeQuery(overrides map[string]string) url.Values {
	q := url.Values{
		"client_id":     {testClientID},
		"redirect_uri":  {testRedirect},
		"response_type": {"code"},
		"scope":         {"read"},
		"state":         {"xyz"},
	}
	for k, v := range overrides {
		if v == "" {
			q.Del(k)
			continue
		}
		q.Set(k, v)
	}
	return q
}

func formRequest(method, target string, form url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// serve runs h and forwards any cookies it set to the next request
func serve(h http.HandlerFunc, req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

// passwordToken runs a password grant for testUser and returns the access token
func (f *fixture) passwordToken(t *testing.T) string {
	t.Helper()
	req := formRequest(http.MethodPost, "/token", url.Values{
		"grant_type": {oauth.GrantPassword},
		"username":   {testUser},
		"password":   {testPassword},
		"scope":      {"read"},
	})
	req.SetBasicAuth(testClientID, testClientSecret)
	rr := serve(f.token.TokenHandler, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp oauth.TokenResponse
	decodeBody(t, rr, &resp)
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}
