package oauth

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRevoke(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testEnv, *Revoker, *TokenResponse) {
		t.Helper()
		env := newTestEnv(t, newTestClient(t, "webapp"), newTestClient(t, "other"))
		env.users.On("CheckPassword", mock.Anything, "alice", "pw").Return(true, nil)
		resp, err := env.issuer.Token(ctx, tokenEndpointRequest(t, url.Values{
			"grant_type": {"password"}, "username": {"alice"}, "password": {"pw"}, "scope": {"openid"},
		}), "webapp")
		require.NoError(t, err)
		return env, NewRevoker(env.tokens, env.hasher, nil), resp
	}

	t.Run("refresh token cascades to its access tokens", func(t *testing.T) {
		env, rv, resp := setup(t)
		refreshed, err := env.issuer.Token(ctx, tokenEndpointRequest(t, url.Values{
			"grant_type": {"refresh_token"}, "refresh_token": {resp.RefreshToken},
		}), "webapp")
		require.NoError(t, err)
		unrelated := env.addAccessToken(t, "unrelated", "alice", "webapp", GrantPassword)

		require.NoError(t, rv.Revoke(ctx, "webapp", resp.RefreshToken))

		for _, value := range []string{resp.RefreshToken, resp.AccessToken, refreshed.AccessToken} {
			_, err := env.tokens.Get(ctx, value)
			assert.ErrorIs(t, err, ErrTokenNotFound, value)
		}
		_, err = env.tokens.Get(ctx, unrelated.ID)
		assert.NoError(t, err)
	})

	t.Run("revoking twice is a no-op", func(t *testing.T) {
		env, rv, resp := setup(t)
		require.NoError(t, rv.Revoke(ctx, "webapp", resp.AccessToken))
		before := env.tokens.count()
		require.NoError(t, rv.Revoke(ctx, "webapp", resp.AccessToken))
		assert.Equal(t, before, env.tokens.count())

		_, err := env.tokens.Get(ctx, resp.RefreshToken)
		assert.NoError(t, err, "revoking an access token leaves its refresh token")
	})

	t.Run("unknown token succeeds", func(t *testing.T) {
		_, rv, _ := setup(t)
		assert.NoError(t, rv.Revoke(ctx, "webapp", "never-issued"))
	})

	t.Run("foreign client", func(t *testing.T) {
		env, rv, resp := setup(t)
		err := rv.Revoke(ctx, "other", resp.AccessToken)
		assert.True(t, IsKind(err, KindUnauthorizedClient))
		_, err = env.tokens.Get(ctx, resp.AccessToken)
		assert.NoError(t, err)
	})

	t.Run("app credential by plaintext", func(t *testing.T) {
		env, rv, _ := setup(t)
		tok := addAppCredential(t, env, CredentialAppToken, "app-plain")
		require.NoError(t, rv.Revoke(ctx, "webapp", "app-plain"))
		_, err := env.tokens.GetByHash(ctx, tok.Hash)
		assert.ErrorIs(t, err, ErrTokenNotFound)
	})

	t.Run("token is required", func(t *testing.T) {
		_, rv, _ := setup(t)
		assert.True(t, IsKind(rv.Revoke(ctx, "webapp", ""), KindMissingParameter))
	})
}
