package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/oauth-front/internal/cookie"
	"github.com/dgellow/oauth-front/internal/testutil"
)

func TestIdentify(t *testing.T) {
	f := newFixture(t)

	t.Run("anonymous", func(t *testing.T) {
		_, ok, err := f.login.Identify(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth(testUser, testPassword)
	rr := httptest.NewRecorder()
	first, ok, err := f.login.Identify(rr, req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testUser, first.Username)
	session := sessionCookie(t, rr)

	t.Run("cookie alone", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(session)
		sess, ok, err := f.login.Identify(httptest.NewRecorder(), req)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first.ID, sess.ID)
	})

	t.Run("same user keeps the session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(session)
		req.SetBasicAuth(testUser, testPassword)
		rr := httptest.NewRecorder()
		sess, ok, err := f.login.Identify(rr, req)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first.ID, sess.ID)
		assert.Empty(t, rr.Result().Cookies())
	})

	t.Run("other user starts a new session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(session)
		req.SetBasicAuth(testAdmin, testAdminPass)
		rr := httptest.NewRecorder()
		sess, ok, err := f.login.Identify(rr, req)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, testAdmin, sess.Username)
		assert.NotEqual(t, first.ID, sess.ID)
		sessionCookie(t, rr)
	})

	t.Run("tampered cookie is cleared", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: cookie.SessionCookie, Value: session.Value + "x"})
		rr := httptest.NewRecorder()
		_, ok, err := f.login.Identify(rr, req)
		require.NoError(t, err)
		assert.False(t, ok)
		require.Len(t, rr.Result().Cookies(), 1)
		assert.Negative(t, rr.Result().Cookies()[0].MaxAge)
	})

	t.Run("bad password", func(t *testing.T) {
		before := f.limiter.LimitCalls()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(session)
		req.SetBasicAuth(testUser, "wrong")
		_, ok, err := f.login.Identify(httptest.NewRecorder(), req)
		assert.ErrorIs(t, err, ErrBadCredentials)
		assert.False(t, ok)
		assert.Equal(t, before+1, f.limiter.LimitCalls())
	})
}

func TestIdentifyRegistryFailure(t *testing.T) {
	users := &testutil.MockUserRegistry{}
	lookupErr := errors.New("database is down")
	users.On("CheckPassword", mock.Anything, testUser, testPassword).Return(false, lookupErr)

	limiter := testutil.NewMockRateLimiter()
	login := NewUserLogin(users, newFixture(t).codec, cookie.NewJar("https://auth.example.com"), limiter, "test")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth(testUser, testPassword)
	_, ok, err := login.Identify(httptest.NewRecorder(), req)

	assert.ErrorIs(t, err, lookupErr)
	assert.False(t, ok)
	assert.Zero(t, limiter.LimitCalls())
	users.AssertExpectations(t)
}

func TestUserFromContext(t *testing.T) {
	_, ok := UserFromContext(context.Background())
	assert.False(t, ok)

	_, ok = UserFromContext(WithUser(context.Background(), ""))
	assert.False(t, ok)

	user, ok := UserFromContext(WithUser(context.Background(), testUser))
	assert.True(t, ok)
	assert.Equal(t, testUser, user)
}
