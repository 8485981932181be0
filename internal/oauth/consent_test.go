package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNonceKey = []byte("0123456789abcdef0123456789abcdef")

type fakeConsentStore struct {
	mu      sync.Mutex
	entries map[string]map[ConsentSlot]ConsentCacheKey
}

func newFakeConsentStore() *fakeConsentStore {
	return &fakeConsentStore{entries: make(map[string]map[ConsentSlot]ConsentCacheKey)}
}

func (f *fakeConsentStore) AddConsent(_ context.Context, username string, key ConsentCacheKey, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries[username] == nil {
		f.entries[username] = make(map[ConsentSlot]ConsentCacheKey)
	}
	f.entries[username][key.Slot()] = key
	return nil
}

func (f *fakeConsentStore) ValidateConsent(_ context.Context, username string, key ConsentCacheKey) (ConsentCacheKey, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.entries[username][key.Slot()]
	if !ok || !stored.ValidFor(time.Duration(key.LifetimeSeconds)*time.Second, time.Now()) {
		return ConsentCacheKey{}, false, nil
	}
	return stored, true, nil
}

func consentResult(client *Client, scopes ...string) AuthResult {
	attrs := NewAttributeList()
	attrs.Set(AttrClientID, client.ID)
	attrs.Set(AttrRedirectURI, client.RedirectURIs[0])
	attrs.Set(AttrResponseType, ResponseTypeCode)
	attrs.Set(AttrGrantType, GrantAuthorizationCode)
	attrs.Set(AttrScope, scopes...)
	return AuthResult{Status: StatusOK, Attributes: attrs, Client: client}
}

func consentRequest(t *testing.T, form url.Values) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/authorize?"+form.Encode(), nil)
	require.NoError(t, r.ParseForm())
	return r
}

func localProvider() *ProviderConfig {
	p := newTestProvider()
	p.LocalStorage = true
	return p
}

func TestIsCachedAndValid(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, "webapp")
	m := NewConsentManager(localProvider(), nil, testNonceKey, nil)

	t.Run("every requested scope must be cached", func(t *testing.T) {
		sess := NewConsentSessions(time.Hour, 10).Get("s1")
		require.NoError(t, m.HandleConsent(ctx, sess, "alice", consentResult(client, "openid")))

		ok, err := m.IsCachedAndValid(ctx, sess, "alice", consentResult(client, "openid"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = m.IsCachedAndValid(ctx, sess, "alice", consentResult(client, "openid", "email"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("empty scope is never cached", func(t *testing.T) {
		sess := NewConsentSessions(time.Hour, 10).Get("s2")
		ok, err := m.IsCachedAndValid(ctx, sess, "alice", consentResult(client))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("entries granted under another lifetime are purged", func(t *testing.T) {
		sess := NewConsentSessions(time.Hour, 10).Get("s3")
		sess.Cache().Add(NewConsentCacheKey(client.ID, client.RedirectURIs[0], "openid", "", time.Minute))
		require.Equal(t, 1, sess.Cache().Len())

		ok, err := m.IsCachedAndValid(ctx, sess, "alice", consentResult(client, "openid"))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, sess.Cache().Len())
	})

	t.Run("expired entries are purged", func(t *testing.T) {
		sess := NewConsentSessions(time.Hour, 10).Get("s4")
		key := NewConsentCacheKey(client.ID, client.RedirectURIs[0], "openid", "", m.provider.ConsentCacheEntryLifetime)
		key.CreatedAt = time.Now().Add(-2 * m.provider.ConsentCacheEntryLifetime)
		sess.Cache().Add(key)

		ok, err := m.IsCachedAndValid(ctx, sess, "alice", consentResult(client, "openid"))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, sess.Cache().Len())
	})

	t.Run("prompt=consent is not remembered", func(t *testing.T) {
		sess := NewConsentSessions(time.Hour, 10).Get("s5")
		result := consentResult(client, "openid")
		result.Attributes.Set(AttrPrompt, "consent")
		require.NoError(t, m.HandleConsent(ctx, sess, "alice", result))
		assert.Zero(t, sess.Cache().Len())
	})
}

func TestConsentPersistsAcrossSessions(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, "webapp")
	store := newFakeConsentStore()
	m := NewConsentManager(newTestProvider(), store, testNonceKey, nil)
	sessions := NewConsentSessions(time.Hour, 10)

	require.NoError(t, m.HandleConsent(ctx, sessions.Get("first"), "alice", consentResult(client, "openid", "email")))

	second := sessions.Get("second")
	ok, err := m.IsCachedAndValid(ctx, second, "alice", consentResult(client, "email"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, second.Cache().Len(), "store hit should warm the session cache")

	ok, err = m.IsCachedAndValid(ctx, second, "bob", consentResult(client, "email"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsentFromStoreKeepsStoredExpiry(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, "webapp")
	store := newFakeConsentStore()
	provider := newTestProvider()
	m := NewConsentManager(provider, store, testNonceKey, nil)

	// Granted long ago in another session, a second away from expiring.
	granted := NewConsentCacheKey(client.ID, client.RedirectURIs[0], "openid", "", provider.ConsentCacheEntryLifetime)
	granted.CreatedAt = time.Now().Add(-provider.ConsentCacheEntryLifetime + time.Second)
	require.NoError(t, store.AddConsent(ctx, "alice", granted, granted.ExpiresAt()))

	sess := NewConsentSessions(time.Hour, 10).Get("fresh")
	ok, err := m.IsCachedAndValid(ctx, sess, "alice", consentResult(client, "openid"))
	require.NoError(t, err)
	require.True(t, ok)

	cached, ok := sess.Cache().Lookup(granted.Slot())
	require.True(t, ok)
	assert.False(t, cached.ExpiresAt().After(granted.ExpiresAt()), "session copy must not outlive the stored grant")

	// Once the stored grant lapses the session copy lapses with it.
	cached.CreatedAt = cached.CreatedAt.Add(-2 * time.Second)
	sess.Cache().Add(cached)
	store.mu.Lock()
	store.entries["alice"][granted.Slot()] = cached
	store.mu.Unlock()

	ok, err = m.IsCachedAndValid(ctx, sess, "alice", consentResult(client, "openid"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsentNonceIsSingleUse(t *testing.T) {
	m := NewConsentManager(localProvider(), nil, testNonceKey, nil)
	sessions := NewConsentSessions(time.Hour, 10)
	sess := sessions.Get("s1")

	nonce, err := m.IssueNonce(sess)
	require.NoError(t, err)

	assert.False(t, m.ConsumeNonce(sessions.Get("other"), nonce), "nonce is bound to its session")
	assert.True(t, m.ConsumeNonce(sess, nonce))
	assert.False(t, m.ConsumeNonce(sess, nonce))
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, "webapp")
	m := NewConsentManager(localProvider(), nil, testNonceKey, nil)

	t.Run("first visit shows the form", func(t *testing.T) {
		sess := NewConsentSessions(time.Hour, 10).Get("s1")
		d := m.Evaluate(ctx, sess, "alice", consentRequest(t, nil), consentResult(client, "openid"))
		assert.Equal(t, ConsentNeedsForm, d.Outcome)
		assert.NotEmpty(t, d.Nonce)
	})

	t.Run("approval is granted then cached", func(t *testing.T) {
		sess := NewConsentSessions(time.Hour, 10).Get("s2")
		d := m.Evaluate(ctx, sess, "alice", consentRequest(t, nil), consentResult(client, "openid"))
		require.Equal(t, ConsentNeedsForm, d.Outcome)

		submit := url.Values{"consent_nonce": {d.Nonce}, "approve": {"true"}}
		d = m.Evaluate(ctx, sess, "alice", consentRequest(t, submit), consentResult(client, "openid"))
		assert.Equal(t, ConsentGranted, d.Outcome)
		assert.Equal(t, "approved", d.Reason)

		d = m.Evaluate(ctx, sess, "alice", consentRequest(t, nil), consentResult(client, "openid"))
		assert.Equal(t, ConsentGranted, d.Outcome)
		assert.Equal(t, "cached", d.Reason)

		d = m.Evaluate(ctx, sess, "alice", consentRequest(t, submit), consentResult(client, "openid"))
		assert.Equal(t, ConsentFailed, d.Outcome, "replayed nonce")
		assert.Equal(t, KindAccessDenied, d.Err.Kind)
	})

	t.Run("denial", func(t *testing.T) {
		sess := NewConsentSessions(time.Hour, 10).Get("s3")
		nonce, err := m.IssueNonce(sess)
		require.NoError(t, err)
		d := m.Evaluate(ctx, sess, "alice", consentRequest(t, url.Values{"consent_nonce": {nonce}}), consentResult(client, "openid"))
		assert.Equal(t, ConsentFailed, d.Outcome)
		assert.Equal(t, KindAccessDenied, d.Err.Kind)
	})

	t.Run("prompt=none without consent", func(t *testing.T) {
		sess := NewConsentSessions(time.Hour, 10).Get("s4")
		result := consentResult(client, "openid")
		result.Attributes.Set(AttrPrompt, "none")
		d := m.Evaluate(ctx, sess, "alice", consentRequest(t, nil), result)
		assert.Equal(t, ConsentFailed, d.Outcome)
		assert.Equal(t, KindConsentRequired, d.Err.Kind)
	})

	t.Run("prompt=consent ignores the cache", func(t *testing.T) {
		sess := NewConsentSessions(time.Hour, 10).Get("s5")
		require.NoError(t, m.HandleConsent(ctx, sess, "alice", consentResult(client, "openid")))
		result := consentResult(client, "openid")
		result.Attributes.Set(AttrPrompt, "consent")
		d := m.Evaluate(ctx, sess, "alice", consentRequest(t, nil), result)
		assert.Equal(t, ConsentNeedsForm, d.Outcome)
	})
}

func TestCheckBypass(t *testing.T) {
	client := newTestClient(t, "trusted")
	client.PreAuthorizedScope = []string{"openid", "profile"}

	p := localProvider()
	p.AutoAuthorize = true
	p.AutoAuthorizeClients = []string{"trusted"}
	m := NewConsentManager(p, nil, testNonceKey, nil)

	ok, reason := m.CheckBypass(client, consentResult(client, "openid", "profile"))
	assert.True(t, ok)
	assert.Equal(t, "preauthorized", reason)

	ok, _ = m.CheckBypass(client, consentResult(client, "openid", "email"))
	assert.False(t, ok)

	result := consentResult(client, "email")
	result.Attributes.Set(p.AutoAuthorizeParam, "true")
	ok, reason = m.CheckBypass(client, result)
	assert.True(t, ok)
	assert.Equal(t, "auto_authorize", reason)

	p.AutoAuthorizeWithoutParam = true
	ok, reason = m.CheckBypass(client, consentResult(client, "email"))
	assert.True(t, ok)
	assert.Equal(t, "auto_authorize", reason)
}

func TestConsentCacheEvictsOldest(t *testing.T) {
	c := NewConsentCache(2)
	keys := []ConsentCacheKey{
		NewConsentCacheKey("c", "r", "a", "", time.Hour),
		NewConsentCacheKey("c", "r", "b", "", time.Hour),
		NewConsentCacheKey("c", "r", "c", "", time.Hour),
	}
	for _, k := range keys {
		c.Add(k)
	}
	assert.Equal(t, 2, c.Len())
	_, ok := c.Lookup(keys[0].Slot())
	assert.False(t, ok)
	_, ok = c.Lookup(keys[2].Slot())
	assert.True(t, ok)

	c.Resize(1)
	assert.Equal(t, 1, c.Len())
	_, ok = c.Lookup(keys[1].Slot())
	assert.False(t, ok)

	c.Resize(0)
	c.Add(keys[0])
	assert.Zero(t, c.Len())
}

func TestConsentSessionsSweep(t *testing.T) {
	sessions := NewConsentSessions(time.Minute, 10)
	sessions.Get("stale").lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())
	sessions.Get("fresh")

	removed, err := sessions.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, sessions.Len())
}
