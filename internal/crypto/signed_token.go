package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMalformedToken = errors.New("malformed signed token")
	ErrBadSignature   = errors.New("invalid signature")
	ErrTokenExpired   = errors.New("signed token expired")
)

// TokenSigner produces HMAC-signed JSON envelopes. The login session cookie
// is one of these.
type TokenSigner struct {
	signingKey []byte
	ttl        time.Duration
}

func NewTokenSigner(signingKey []byte, ttl time.Duration) TokenSigner {
	return TokenSigner{
		signingKey: signingKey,
		ttl:        ttl,
	}
}

type envelope struct {
	Data      json.RawMessage `json:"data"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
}

// Sign marshals v and returns payload.signature
func (ts *TokenSigner) Sign(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}

	env := envelope{Data: data}
	if ts.ttl > 0 {
		env.ExpiresAt = time.Now().Add(ts.ttl)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(payload) + "." + SignData(string(payload), ts.signingKey), nil
}

// Verify checks signature and expiry, then unmarshals into v
func (ts *TokenSigner) Verify(token string, v any) error {
	encoded, signature, ok := strings.Cut(token, ".")
	if !ok {
		return ErrMalformedToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if !ValidateSignedData(string(payload), signature, ts.signingKey) {
		return ErrBadSignature
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if !env.ExpiresAt.IsZero() && time.Now().After(env.ExpiresAt) {
		return ErrTokenExpired
	}

	return json.Unmarshal(env.Data, v)
}
