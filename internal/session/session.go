package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dgellow/oauth-front/internal/crypto"
)

// ErrInvalidSession covers tampered, malformed and expired session cookies
var ErrInvalidSession = errors.New("invalid login session")

// LoginSession is the payload of the signed session cookie. ID keys the
// consent cache and binds consent nonces.
type LoginSession struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Expires  time.Time `json:"expires"`
}

// IsExpired reports whether the session is past its expiry
func (s LoginSession) IsExpired() bool {
	return !time.Now().Before(s.Expires)
}

// Codec signs and verifies login sessions
type Codec struct {
	signer crypto.TokenSigner
	ttl    time.Duration
}

func NewCodec(key []byte, ttl time.Duration) *Codec {
	return &Codec{signer: crypto.NewTokenSigner(key, ttl), ttl: ttl}
}

// TTL is how long new sessions live
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// New starts a session for username with a fresh random id
func (c *Codec) New(username string) LoginSession {
	return LoginSession{
		ID:       uuid.NewString(),
		Username: username,
		Expires:  time.Now().Add(c.ttl),
	}
}

// Encode signs s for use as a cookie value
func (c *Codec) Encode(s LoginSession) (string, error) {
	value, err := c.signer.Sign(s)
	if err != nil {
		return "", fmt.Errorf("signing session: %w", err)
	}
	return value, nil
}

// Decode verifies value and returns the session it carries
func (c *Codec) Decode(value string) (LoginSession, error) {
	var s LoginSession
	if err := c.signer.Verify(value, &s); err != nil {
		return LoginSession{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if s.ID == "" || s.Username == "" || s.IsExpired() {
		return LoginSession{}, ErrInvalidSession
	}
	return s, nil
}
