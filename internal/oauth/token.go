package oauth

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"
)

// TokenType is the storage category of a token
type TokenType string

const (
	TokenTypeAccess            TokenType = "access_token"
	TokenTypeRefresh           TokenType = "refresh_token"
	TokenTypeAuthorizationCode TokenType = "authorization_code"
)

// Extension property names stored on tokens
const (
	ExtUsedBy              = "used_by"
	ExtOriginalGrantType   = "refresh_token_original_grant_type"
	ExtAppName             = "app_name"
	ExtAppID               = "app_id"
	ExtCodeChallenge       = "code_challenge"
	ExtCodeChallengeMethod = "code_challenge_method"
	ExtResource            = "resource"
)

// CredentialKind names the two long-lived derived credentials. They are
// persisted as access tokens whose grant type equals the kind.
type CredentialKind string

const (
	CredentialAppPassword CredentialKind = GrantAppPassword
	CredentialAppToken    CredentialKind = GrantAppToken
)

// ResponseField is the JSON field carrying the plaintext on creation
func (k CredentialKind) ResponseField() string {
	return string(k)
}

// ListField is the JSON field wrapping list responses
func (k CredentialKind) ListField() string {
	return strings.ReplaceAll(string(k), "_", "-") + "s"
}

// Token is the unit of the TokenStore. App credentials are keyed by Hash and
// have no ID; everything else is keyed by ID.
type Token struct {
	ID              string              `json:"id,omitempty"`
	Hash            string              `json:"hash,omitempty"`
	Type            TokenType           `json:"type"`
	GrantType       string              `json:"grant_type"`
	Username        string              `json:"username"`
	ClientID        string              `json:"client_id"`
	RedirectURI     string              `json:"redirect_uri,omitempty"`
	Scope           []string            `json:"scope"`
	CreatedAt       time.Time           `json:"created_at"`
	LifetimeSeconds int64               `json:"lifetime_seconds"`
	Extensions      map[string][]string `json:"extensions,omitempty"`
	RefreshTokenKey string              `json:"refresh_token_key,omitempty"`
}

// Key is the primary store key
func (t *Token) Key() string {
	if t.Hash != "" {
		return t.Hash
	}
	return t.ID
}

func (t *Token) Lifetime() time.Duration {
	return time.Duration(t.LifetimeSeconds) * time.Second
}

func (t *Token) ExpiresAt() time.Time {
	return t.CreatedAt.Add(t.Lifetime())
}

func (t *Token) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt())
}

func (t *Token) Expired() bool {
	return t.ExpiredAt(time.Now())
}

// Remaining is the time left before expiry, zero if already expired
func (t *Token) Remaining() time.Duration {
	d := time.Until(t.ExpiresAt())
	if d < 0 {
		return 0
	}
	return d
}

// IsAppCredential reports whether the token is an app-password or app-token
func (t *Token) IsAppCredential() bool {
	return t.GrantType == GrantAppPassword || t.GrantType == GrantAppToken
}

func (t *Token) Extension(name string) string {
	if v := t.Extensions[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (t *Token) SetExtension(name string, values ...string) {
	if t.Extensions == nil {
		t.Extensions = make(map[string][]string)
	}
	t.Extensions[name] = values
}

func (t *Token) Clone() *Token {
	clone := *t
	clone.Scope = slices.Clone(t.Scope)
	if t.Extensions != nil {
		clone.Extensions = make(map[string][]string, len(t.Extensions))
		for k, v := range t.Extensions {
			clone.Extensions[k] = slices.Clone(v)
		}
	}
	return &clone
}

// TokenResponse is the RFC 6749 5.1 success body
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	State        string `json:"state,omitempty"`
}

// WriteTokenResponse writes a token response with cache-prevention headers
func WriteTokenResponse(w http.ResponseWriter, resp *TokenResponse) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(resp)
}
