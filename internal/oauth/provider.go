package oauth

import (
	"fmt"
	"slices"
	"time"
)

// Access token formats
const (
	TokenFormatOpaque = "opaque"
	TokenFormatJWT    = "jwt"
)

// ProviderConfig is the server policy every component consults. Zero values
// are replaced by WithDefaults.
type ProviderConfig struct {
	Issuer string

	AllowPublicClients          bool
	GrantTypesAllowed           []string
	RequirePKCEForPublicClients bool
	CharacterEncoding           string

	AuthorizationCodeLifetime time.Duration
	AccessTokenLifetime       time.Duration
	RefreshTokenLifetime      time.Duration
	IssueRefreshToken         bool
	AuthorizationCodeLength   int
	AccessTokenLength         int
	RefreshTokenLength        int
	AccessTokenFormat         string
	JWTSigningKey             []byte

	AutoAuthorize        bool
	AutoAuthorizeParam   string
	AutoAuthorizeClients []string

	// AutoAuthorizeWithoutParam skips the trigger parameter for listed clients.
	AutoAuthorizeWithoutParam bool

	ConsentCacheSize          int
	ConsentCacheEntryLifetime time.Duration
	ConsentNonceLifetime      time.Duration

	UserClientTokenLimit             int
	SkipResourceOwnerValidation      bool
	PasswordGrantRequiresAppPassword bool

	AppPasswordLifetime            time.Duration
	AppTokenLifetime               time.Duration
	AppTokenOrPasswordLimit        int
	AppCredentialLength            int
	AppCredentialAllowedGrantTypes []string

	// LocalStorage is true when tokens live only in this process; consent is
	// then kept in the session cache alone.
	LocalStorage bool
}

// DefaultGrantTypes is the provider-wide allow list used when none is configured
var DefaultGrantTypes = []string{
	GrantAuthorizationCode,
	GrantImplicit,
	GrantRefreshToken,
	GrantClientCredentials,
	GrantPassword,
	GrantJWTBearer,
}

// WithDefaults returns a copy with every unset field defaulted
func (p ProviderConfig) WithDefaults() ProviderConfig {
	if len(p.GrantTypesAllowed) == 0 {
		p.GrantTypesAllowed = slices.Clone(DefaultGrantTypes)
	}
	if p.CharacterEncoding == "" {
		p.CharacterEncoding = "UTF-8"
	}
	if p.AuthorizationCodeLifetime == 0 {
		p.AuthorizationCodeLifetime = 60 * time.Second
	}
	if p.AccessTokenLifetime == 0 {
		p.AccessTokenLifetime = 2 * time.Hour
	}
	if p.RefreshTokenLifetime == 0 {
		p.RefreshTokenLifetime = 7 * 24 * time.Hour
	}
	if p.AuthorizationCodeLength == 0 {
		p.AuthorizationCodeLength = 30
	}
	if p.AccessTokenLength == 0 {
		p.AccessTokenLength = 40
	}
	if p.RefreshTokenLength == 0 {
		p.RefreshTokenLength = 50
	}
	if p.AccessTokenFormat == "" {
		p.AccessTokenFormat = TokenFormatOpaque
	}
	if p.AutoAuthorizeParam == "" {
		p.AutoAuthorizeParam = "autoauthz"
	}
	if p.ConsentCacheSize == 0 {
		p.ConsentCacheSize = 1000
	}
	if p.ConsentCacheEntryLifetime == 0 {
		p.ConsentCacheEntryLifetime = 30 * time.Minute
	}
	if p.ConsentNonceLifetime == 0 {
		p.ConsentNonceLifetime = 10 * time.Minute
	}
	if p.UserClientTokenLimit == 0 {
		p.UserClientTokenLimit = 100
	}
	if p.AppPasswordLifetime == 0 {
		p.AppPasswordLifetime = 90 * 24 * time.Hour
	}
	if p.AppTokenLifetime == 0 {
		p.AppTokenLifetime = 90 * 24 * time.Hour
	}
	if p.AppTokenOrPasswordLimit == 0 {
		p.AppTokenOrPasswordLimit = 100
	}
	if p.AppCredentialLength == 0 {
		p.AppCredentialLength = 50
	}
	if len(p.AppCredentialAllowedGrantTypes) == 0 {
		p.AppCredentialAllowedGrantTypes = []string{GrantAuthorizationCode, GrantImplicit, GrantPassword}
	}
	return p
}

// Validate rejects policies the core cannot honor
func (p ProviderConfig) Validate() error {
	if p.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if p.AccessTokenFormat != TokenFormatOpaque && p.AccessTokenFormat != TokenFormatJWT {
		return fmt.Errorf("unknown access token format %q", p.AccessTokenFormat)
	}
	if p.AccessTokenFormat == TokenFormatJWT && len(p.JWTSigningKey) < 32 {
		return fmt.Errorf("jwt access tokens need a signing key of at least 32 bytes")
	}
	if p.ConsentCacheSize < 0 {
		return fmt.Errorf("consent cache size cannot be negative")
	}
	if p.AppTokenOrPasswordLimit < 0 || p.UserClientTokenLimit < 0 {
		return fmt.Errorf("token limits cannot be negative")
	}
	for _, gt := range p.GrantTypesAllowed {
		if !slices.Contains(DefaultGrantTypes, gt) {
			return fmt.Errorf("unsupported grant type %q", gt)
		}
	}
	return nil
}

// CredentialLifetime returns the lifetime configured for a credential kind
func (p ProviderConfig) CredentialLifetime(kind CredentialKind) time.Duration {
	if kind == CredentialAppToken {
		return p.AppTokenLifetime
	}
	return p.AppPasswordLifetime
}

// AutoAuthorizeClient reports whether clientID is on the auto-authorize list
func (p ProviderConfig) AutoAuthorizeClient(clientID string) bool {
	return slices.Contains(p.AutoAuthorizeClients, clientID)
}
