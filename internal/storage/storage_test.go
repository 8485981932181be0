package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/oauth-front/internal/oauth"
)

func newToken(id, user, client, grant string) *oauth.Token {
	return &oauth.Token{
		ID:              id,
		Type:            oauth.TokenTypeAccess,
		GrantType:       grant,
		Username:        user,
		ClientID:        client,
		Scope:           []string{"openid", "profile"},
		CreatedAt:       time.Now(),
		LifetimeSeconds: 3600,
	}
}

func newRedisClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func tokenStores(t *testing.T) map[string]oauth.TokenStore {
	_, client := newRedisClient(t)
	return map[string]oauth.TokenStore{
		"memory": NewMemoryTokenStore(),
		"redis":  NewRedisTokenStore(client, "test:"),
	}
}

func TestTokenStoreContract(t *testing.T) {
	ctx := context.Background()

	for name, store := range tokenStores(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("add and get", func(t *testing.T) {
				tok := newToken("tok-1", "alice", "webapp", oauth.GrantAuthorizationCode)
				tok.SetExtension(oauth.ExtResource, "https://api.example.com")
				require.NoError(t, store.Add(ctx, tok, time.Hour))

				got, err := store.Get(ctx, "tok-1")
				require.NoError(t, err)
				assert.Equal(t, "alice", got.Username)
				assert.Equal(t, "webapp", got.ClientID)
				assert.Equal(t, []string{"openid", "profile"}, got.Scope)
				assert.Equal(t, "https://api.example.com", got.Extension(oauth.ExtResource))
				assert.True(t, got.CreatedAt.Equal(tok.CreatedAt))
			})

			t.Run("returned tokens are copies", func(t *testing.T) {
				got, err := store.Get(ctx, "tok-1")
				require.NoError(t, err)
				got.Scope[0] = "admin"

				again, err := store.Get(ctx, "tok-1")
				require.NoError(t, err)
				assert.Equal(t, "openid", again.Scope[0])
			})

			t.Run("unknown token", func(t *testing.T) {
				_, err := store.Get(ctx, "missing")
				assert.ErrorIs(t, err, oauth.ErrTokenNotFound)
				_, err = store.Get(ctx, "")
				assert.ErrorIs(t, err, oauth.ErrTokenNotFound)
			})

			t.Run("hash keyed credential", func(t *testing.T) {
				cred := newToken("", "alice", "webapp", oauth.GrantAppPassword)
				cred.Hash = "hash-of-plaintext"
				require.NoError(t, store.Add(ctx, cred, 24*time.Hour))

				got, err := store.GetByHash(ctx, "hash-of-plaintext")
				require.NoError(t, err)
				assert.Equal(t, oauth.GrantAppPassword, got.GrantType)
				assert.Empty(t, got.ID)
			})

			t.Run("put replaces existing", func(t *testing.T) {
				got, err := store.Get(ctx, "tok-1")
				require.NoError(t, err)
				got.SetExtension(oauth.ExtUsedBy, "rs1")
				require.NoError(t, store.Put(ctx, got))

				again, err := store.Get(ctx, "tok-1")
				require.NoError(t, err)
				assert.Equal(t, []string{"rs1"}, again.Extensions[oauth.ExtUsedBy])
			})

			t.Run("put of absent token", func(t *testing.T) {
				err := store.Put(ctx, newToken("never-added", "alice", "webapp", oauth.GrantPassword))
				assert.ErrorIs(t, err, oauth.ErrTokenNotFound)
			})

			t.Run("listing", func(t *testing.T) {
				require.NoError(t, store.Add(ctx, newToken("tok-2", "alice", "webapp", oauth.GrantPassword), time.Hour))
				require.NoError(t, store.Add(ctx, newToken("tok-3", "alice", "other", oauth.GrantPassword), time.Hour))
				require.NoError(t, store.Add(ctx, newToken("tok-4", "bob", "webapp", oauth.GrantPassword), time.Hour))

				toks, err := store.GetUserAndClientTokens(ctx, "alice", "webapp")
				require.NoError(t, err)
				assert.ElementsMatch(t, []string{"tok-1", "tok-2", "hash-of-plaintext"}, keys(toks))

				toks, err = store.GetMatchingTokens(ctx, "alice", "webapp", oauth.GrantPassword)
				require.NoError(t, err)
				assert.ElementsMatch(t, []string{"tok-2"}, keys(toks))

				toks, err = store.GetAllUserTokens(ctx, "alice")
				require.NoError(t, err)
				assert.Len(t, toks, 4)

				n, err := store.GetNumTokens(ctx, "bob", "webapp")
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				toks, err = store.GetAllUserTokens(ctx, "nobody")
				require.NoError(t, err)
				assert.Empty(t, toks)
			})

			t.Run("remove", func(t *testing.T) {
				require.NoError(t, store.Remove(ctx, "tok-2"))
				_, err := store.Get(ctx, "tok-2")
				assert.ErrorIs(t, err, oauth.ErrTokenNotFound)

				toks, err := store.GetMatchingTokens(ctx, "alice", "webapp", oauth.GrantPassword)
				require.NoError(t, err)
				assert.Empty(t, toks)

				assert.ErrorIs(t, store.Remove(ctx, "tok-2"), oauth.ErrTokenNotFound, "second remove reports nothing deleted")
				assert.NoError(t, store.RemoveByHash(ctx, "hash-of-plaintext"))
				_, err = store.GetByHash(ctx, "hash-of-plaintext")
				assert.ErrorIs(t, err, oauth.ErrTokenNotFound)
			})

			t.Run("expired tokens are invisible", func(t *testing.T) {
				old := newToken("old", "carol", "webapp", oauth.GrantPassword)
				old.CreatedAt = time.Now().Add(-2 * time.Hour)
				require.NoError(t, store.Add(ctx, old, time.Hour))

				_, err := store.Get(ctx, "old")
				assert.ErrorIs(t, err, oauth.ErrTokenNotFound)

				toks, err := store.GetAllUserTokens(ctx, "carol")
				require.NoError(t, err)
				assert.Empty(t, toks)
			})
		})
	}
}

func keys(toks []*oauth.Token) []string {
	out := make([]string, len(toks))
	for i, tok := range toks {
		out[i] = tok.Key()
	}
	return out
}

func testClient(id string) *oauth.Client {
	return &oauth.Client{
		ID:            id,
		Secret:        []byte("$2a$10$hash"),
		Name:          "Test " + id,
		Enabled:       true,
		RedirectURIs:  []string{"https://app.example.com/callback"},
		GrantTypes:    []string{oauth.GrantAuthorizationCode, oauth.GrantRefreshToken},
		ResponseTypes: []string{oauth.ResponseTypeCode},
		Scope:         []string{"openid", "profile"},
		ResourceIDs:   []string{"https://api.example.com"},
		CreatedAt:     time.Unix(1700000000, 0),
	}
}

func clientRegistries(t *testing.T) map[string]oauth.ClientRegistry {
	db, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return map[string]oauth.ClientRegistry{
		"memory":  NewMemoryClientRegistry(),
		"sql":     NewSQLClientRegistry(db),
		"caching": NewCachingClientRegistry(NewMemoryClientRegistry(), time.Minute),
	}
}

func TestClientRegistryContract(t *testing.T) {
	ctx := context.Background()

	for name, registry := range clientRegistries(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("put and get", func(t *testing.T) {
				require.NoError(t, registry.Put(ctx, testClient("webapp")))

				got, err := registry.Get(ctx, "webapp")
				require.NoError(t, err)
				assert.Equal(t, "Test webapp", got.Name)
				assert.Equal(t, []byte("$2a$10$hash"), got.Secret)
				assert.Equal(t, []string{"https://app.example.com/callback"}, got.RedirectURIs)
				assert.Equal(t, []string{"https://api.example.com"}, got.ResourceIDs)
				assert.True(t, got.Enabled)
				assert.Equal(t, int64(1700000000), got.CreatedAt.Unix())

				ok, err := registry.Exists(ctx, "webapp")
				require.NoError(t, err)
				assert.True(t, ok)
			})

			t.Run("duplicate put", func(t *testing.T) {
				err := registry.Put(ctx, testClient("webapp"))
				assert.ErrorIs(t, err, oauth.ErrClientExists)
			})

			t.Run("unknown client", func(t *testing.T) {
				_, err := registry.Get(ctx, "missing")
				assert.ErrorIs(t, err, oauth.ErrClientNotFound)

				ok, err := registry.Exists(ctx, "missing")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("update", func(t *testing.T) {
				c := testClient("webapp")
				c.Enabled = false
				c.Scope = []string{"openid"}
				require.NoError(t, registry.Update(ctx, c))

				got, err := registry.Get(ctx, "webapp")
				require.NoError(t, err)
				assert.False(t, got.Enabled)
				assert.Equal(t, []string{"openid"}, got.Scope)

				err = registry.Update(ctx, testClient("missing"))
				assert.ErrorIs(t, err, oauth.ErrClientNotFound)
			})

			t.Run("get all", func(t *testing.T) {
				require.NoError(t, registry.Put(ctx, testClient("batch")))

				all, err := registry.GetAll(ctx)
				require.NoError(t, err)
				ids := make([]string, len(all))
				for i, c := range all {
					ids[i] = c.ID
				}
				assert.ElementsMatch(t, []string{"webapp", "batch"}, ids)
			})

			t.Run("delete", func(t *testing.T) {
				require.NoError(t, registry.Delete(ctx, "batch"))
				_, err := registry.Get(ctx, "batch")
				assert.ErrorIs(t, err, oauth.ErrClientNotFound)

				err = registry.Delete(ctx, "batch")
				assert.ErrorIs(t, err, oauth.ErrClientNotFound)
			})
		})
	}
}

func TestConsentStoreContract(t *testing.T) {
	ctx := context.Background()
	_, client := newRedisClient(t)

	stores := map[string]oauth.ConsentStore{
		"memory": NewMemoryConsentStore(),
		"redis":  NewRedisConsentStore(client, "test:"),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			key := oauth.NewConsentCacheKey("webapp", "https://app.example.com/callback", "openid", "", time.Hour)
			require.NoError(t, store.AddConsent(ctx, "alice", key, key.ExpiresAt()))

			t.Run("same slot and lifetime", func(t *testing.T) {
				lookup := oauth.NewConsentCacheKey("webapp", "https://app.example.com/callback", "openid", "", time.Hour)
				lookup.CreatedAt = lookup.CreatedAt.Add(time.Minute)
				stored, ok, err := store.ValidateConsent(ctx, "alice", lookup)
				require.NoError(t, err)
				assert.True(t, ok)
				assert.WithinDuration(t, key.ExpiresAt(), stored.ExpiresAt(), time.Second, "stored grant time is returned, not the lookup's")
			})

			t.Run("other user or scope", func(t *testing.T) {
				_, ok, err := store.ValidateConsent(ctx, "bob", key)
				require.NoError(t, err)
				assert.False(t, ok)

				lookup := oauth.NewConsentCacheKey("webapp", "https://app.example.com/callback", "email", "", time.Hour)
				_, ok, err = store.ValidateConsent(ctx, "alice", lookup)
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("already expired consent is not stored", func(t *testing.T) {
				old := oauth.NewConsentCacheKey("webapp", "https://app.example.com/callback", "profile", "", time.Minute)
				old.CreatedAt = time.Now().Add(-time.Hour)
				require.NoError(t, store.AddConsent(ctx, "alice", old, old.ExpiresAt()))

				lookup := oauth.NewConsentCacheKey("webapp", "https://app.example.com/callback", "profile", "", time.Minute)
				_, ok, err := store.ValidateConsent(ctx, "alice", lookup)
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("changed lifetime invalidates and purges", func(t *testing.T) {
				lookup := oauth.NewConsentCacheKey("webapp", "https://app.example.com/callback", "openid", "", 2*time.Hour)
				_, ok, err := store.ValidateConsent(ctx, "alice", lookup)
				require.NoError(t, err)
				assert.False(t, ok)

				_, ok, err = store.ValidateConsent(ctx, "alice", key)
				require.NoError(t, err)
				assert.False(t, ok, "stale entry is removed on first sight")
			})
		})
	}
}

type userAdder func(ctx context.Context, username, password string, admin bool, claims map[string]any) error

func TestUserRegistryContract(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mem := NewMemoryUserRegistry()
	sqlUsers := NewSQLUserRegistry(db)

	registries := map[string]struct {
		users oauth.UserRegistry
		add   userAdder
	}{
		"memory": {users: mem, add: func(_ context.Context, u, p string, admin bool, claims map[string]any) error {
			return mem.AddUser(u, p, admin, claims)
		}},
		"sql": {users: sqlUsers, add: sqlUsers.AddUser},
	}

	for name, tc := range registries {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, tc.add(ctx, "alice", "wonderland", false, map[string]any{"email": "alice@example.com"}))
			require.NoError(t, tc.add(ctx, "root", "toor", true, nil))

			t.Run("duplicate", func(t *testing.T) {
				err := tc.add(ctx, "alice", "again", false, nil)
				assert.ErrorIs(t, err, ErrUserExists)
			})

			t.Run("check password", func(t *testing.T) {
				ok, err := tc.users.CheckPassword(ctx, "alice", "wonderland")
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = tc.users.CheckPassword(ctx, "alice", "wrong")
				require.NoError(t, err)
				assert.False(t, ok)

				ok, err = tc.users.CheckPassword(ctx, "nobody", "wonderland")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("claims", func(t *testing.T) {
				claims, err := tc.users.Claims(ctx, "alice")
				require.NoError(t, err)
				assert.Equal(t, "alice@example.com", claims["email"])
				assert.Equal(t, "alice", claims["username"])

				claims, err = tc.users.Claims(ctx, "nobody")
				require.NoError(t, err)
				assert.Nil(t, claims)
			})

			t.Run("admin", func(t *testing.T) {
				admin, err := tc.users.IsAdmin(ctx, "root")
				require.NoError(t, err)
				assert.True(t, admin)

				admin, err = tc.users.IsAdmin(ctx, "alice")
				require.NoError(t, err)
				assert.False(t, admin)

				admin, err = tc.users.IsAdmin(ctx, "nobody")
				require.NoError(t, err)
				assert.False(t, admin)
			})
		})
	}
}
