package oauth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgellow/oauth-front/internal/crypto"
	"github.com/dgellow/oauth-front/internal/testutil"
)

// fakeTokens is a minimal TokenStore for exercising the core in isolation
type fakeTokens struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{tokens: make(map[string]*Token)}
}

func (f *fakeTokens) live(key string) (*Token, error) {
	tok, ok := f.tokens[key]
	if !ok || tok.Expired() {
		return nil, ErrTokenNotFound
	}
	return tok.Clone(), nil
}

func (f *fakeTokens) Get(_ context.Context, id string) (*Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live(id)
}

func (f *fakeTokens) GetByHash(_ context.Context, hash string) (*Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live(hash)
}

func (f *fakeTokens) Add(_ context.Context, tok *Token, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[tok.Key()] = tok.Clone()
	return nil
}

func (f *fakeTokens) Put(_ context.Context, tok *Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tokens[tok.Key()]; !ok {
		return ErrTokenNotFound
	}
	f.tokens[tok.Key()] = tok.Clone()
	return nil
}

func (f *fakeTokens) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tokens[id]; !ok {
		return ErrTokenNotFound
	}
	delete(f.tokens, id)
	return nil
}

func (f *fakeTokens) RemoveByHash(ctx context.Context, hash string) error {
	return f.Remove(ctx, hash)
}

func (f *fakeTokens) filter(match func(*Token) bool) []*Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Token
	for _, tok := range f.tokens {
		if !tok.Expired() && match(tok) {
			out = append(out, tok.Clone())
		}
	}
	return out
}

func (f *fakeTokens) GetUserAndClientTokens(_ context.Context, username, clientID string) ([]*Token, error) {
	return f.filter(func(t *Token) bool { return t.Username == username && t.ClientID == clientID }), nil
}

func (f *fakeTokens) GetMatchingTokens(_ context.Context, username, clientID, grantType string) ([]*Token, error) {
	return f.filter(func(t *Token) bool {
		return t.Username == username && t.ClientID == clientID && t.GrantType == grantType
	}), nil
}

func (f *fakeTokens) GetAllUserTokens(_ context.Context, username string) ([]*Token, error) {
	return f.filter(func(t *Token) bool { return t.Username == username }), nil
}

func (f *fakeTokens) GetNumTokens(ctx context.Context, username, clientID string) (int, error) {
	toks, _ := f.GetUserAndClientTokens(ctx, username, clientID)
	return len(toks), nil
}

func (f *fakeTokens) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

type fakeClients struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func newFakeClients(clients ...*Client) *fakeClients {
	f := &fakeClients{clients: make(map[string]*Client)}
	for _, c := range clients {
		f.clients[c.ID] = c
	}
	return f
}

func (f *fakeClients) Get(_ context.Context, id string) (*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	return c.Clone(), nil
}

func (f *fakeClients) Exists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.clients[id]
	return ok, nil
}

func (f *fakeClients) Put(_ context.Context, c *Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c.ID]; ok {
		return ErrClientExists
	}
	f.clients[c.ID] = c.Clone()
	return nil
}

func (f *fakeClients) Update(_ context.Context, c *Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c.ID]; !ok {
		return ErrClientNotFound
	}
	f.clients[c.ID] = c.Clone()
	return nil
}

func (f *fakeClients) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[id]; !ok {
		return ErrClientNotFound
	}
	delete(f.clients, id)
	return nil
}

func (f *fakeClients) GetAll(_ context.Context) ([]*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Client
	for _, c := range f.clients {
		out = append(out, c.Clone())
	}
	return out, nil
}

const testSecret = "s3cret-value"

func newTestClient(t *testing.T, id string) *Client {
	t.Helper()
	hash, err := crypto.HashClientSecret(testSecret)
	require.NoError(t, err)
	return &Client{
		ID:            id,
		Secret:        hash,
		Enabled:       true,
		RedirectURIs:  []string{"https://app.example.com/callback"},
		GrantTypes:    []string{GrantAuthorizationCode, GrantImplicit, GrantRefreshToken, GrantClientCredentials, GrantPassword},
		ResponseTypes: []string{ResponseTypeCode, ResponseTypeToken},
		Scope:         []string{"openid", "profile", "email"},
		CreatedAt:     time.Now(),
	}
}

func newTestProvider() *ProviderConfig {
	p := ProviderConfig{
		Issuer:                      "https://auth.example.com",
		IssueRefreshToken:           true,
		RequirePKCEForPublicClients: true,
	}.WithDefaults()
	return &p
}

func newTestHasher(t *testing.T) *crypto.CredentialHasher {
	t.Helper()
	h, err := crypto.NewCredentialHasher(crypto.AlgorithmPBKDF2SHA512, []byte("test-salt"))
	require.NoError(t, err)
	return h
}

// testEnv wires the core over in-memory fakes
type testEnv struct {
	provider *ProviderConfig
	clients  *fakeClients
	tokens   *fakeTokens
	users    *testutil.MockUserRegistry
	limiter  *testutil.MockRateLimiter
	hasher   *crypto.CredentialHasher
	auth     *ClientAuthenticator
	issuer   *TokenIssuer
}

func newTestEnv(t *testing.T, clients ...*Client) *testEnv {
	t.Helper()
	env := &testEnv{
		provider: newTestProvider(),
		clients:  newFakeClients(clients...),
		tokens:   newFakeTokens(),
		users:    &testutil.MockUserRegistry{},
		limiter:  testutil.NewMockRateLimiter(),
		hasher:   newTestHasher(t),
	}
	env.auth = NewClientAuthenticator(env.provider, env.clients, env.tokens, env.users, env.limiter, env.hasher, nil)
	env.issuer = NewTokenIssuer(env.provider, env.clients, env.tokens, env.auth, nil)
	return env
}

// addAccessToken stores a plain access token for (user, client)
func (e *testEnv) addAccessToken(t *testing.T, id, username, clientID, grantType string) *Token {
	t.Helper()
	tok := &Token{
		ID:              id,
		Type:            TokenTypeAccess,
		GrantType:       grantType,
		Username:        username,
		ClientID:        clientID,
		Scope:           []string{"openid"},
		CreatedAt:       time.Now(),
		LifetimeSeconds: 3600,
	}
	require.NoError(t, e.tokens.Add(context.Background(), tok, time.Hour))
	return tok
}

func basicAuth(id, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(id+":"+secret))
}

// postForm builds a form POST; authorization is sent verbatim when set
func postForm(target string, form url.Values, authorization string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if authorization != "" {
		r.Header.Set("Authorization", authorization)
	}
	return r
}
