package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/dgellow/oauth-front/internal/cookie"
	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/oauth"
	"github.com/dgellow/oauth-front/internal/session"
)

// ErrBadCredentials is returned by Identify when Basic credentials were sent
// and did not match
var ErrBadCredentials = errors.New("invalid username or password")

type userContextKey struct{}

// WithUser stores the signed-in username in ctx
func WithUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, userContextKey{}, username)
}

// UserFromContext returns the username stored by WithUser
func UserFromContext(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(userContextKey{}).(string)
	return username, ok && username != ""
}

// UserLogin signs users in with Basic credentials against the user registry
// and keeps them signed in with a signed session cookie
type UserLogin struct {
	users   oauth.UserRegistry
	codec   *session.Codec
	jar     cookie.Jar
	limiter oauth.RateLimiter
	realm   string
}

func NewUserLogin(users oauth.UserRegistry, codec *session.Codec, jar cookie.Jar, limiter oauth.RateLimiter, realm string) *UserLogin {
	return &UserLogin{
		users:   users,
		codec:   codec,
		jar:     jar,
		limiter: limiter,
		realm:   realm,
	}
}

// Realm is the Basic realm announced in login challenges
func (l *UserLogin) Realm() string {
	return l.realm
}

// Identify returns the current login session. Basic credentials win over the
// cookie so that a user can switch accounts. User agents resend Basic
// credentials on every request, so a valid cookie for the same user is kept
// and the consent nonces bound to it stay usable. ok is false when the
// request carries neither.
func (l *UserLogin) Identify(w http.ResponseWriter, r *http.Request) (session.LoginSession, bool, error) {
	current, hasCookie := l.fromCookie(w, r)
	if username, password, hasBasic := r.BasicAuth(); hasBasic {
		if err := l.checkPassword(r.Context(), username, password); err != nil {
			return session.LoginSession{}, false, err
		}
		if hasCookie && current.Username == username {
			return current, true, nil
		}
		return l.start(w, username)
	}
	return current, hasCookie, nil
}

func (l *UserLogin) fromCookie(w http.ResponseWriter, r *http.Request) (session.LoginSession, bool) {
	value, ok := l.jar.Value(r)
	if !ok {
		return session.LoginSession{}, false
	}
	sess, err := l.codec.Decode(value)
	if err != nil {
		log.LogDebugWithFields("login", "Discarding session cookie", map[string]any{
			"error": err.Error(),
		})
		l.jar.Clear(w)
		return session.LoginSession{}, false
	}
	return sess, true
}

func (l *UserLogin) checkPassword(ctx context.Context, username, password string) error {
	ok, err := l.users.CheckPassword(ctx, username, password)
	if err != nil {
		log.LogErrorWithFields("login", "User lookup failed", map[string]any{
			"user":  username,
			"error": err.Error(),
		})
		return err
	}
	if !ok {
		log.LogDebugWithFields("login", "User authentication failed", map[string]any{
			"user": username,
		})
		l.limiter.Limit(ctx)
		return ErrBadCredentials
	}
	return nil
}

func (l *UserLogin) start(w http.ResponseWriter, username string) (session.LoginSession, bool, error) {
	sess := l.codec.New(username)
	value, err := l.codec.Encode(sess)
	if err != nil {
		return session.LoginSession{}, false, err
	}
	l.jar.Set(w, value, l.codec.TTL())
	log.LogDebugWithFields("login", "User signed in", map[string]any{
		"user":    username,
		"session": log.Redact(sess.ID),
	})
	return sess, true, nil
}

// Logout clears the session cookie and returns the session it carried, if
// any
func (l *UserLogin) Logout(w http.ResponseWriter, r *http.Request) (session.LoginSession, bool) {
	defer l.jar.Clear(w)
	value, ok := l.jar.Value(r)
	if !ok {
		return session.LoginSession{}, false
	}
	sess, err := l.codec.Decode(value)
	if err != nil {
		return session.LoginSession{}, false
	}
	return sess, true
}
