package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dgellow/oauth-front/internal/oauth"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// Storage backends
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendSQL       = "sql"
)

// ServerConfig is the HTTP listener and public identity of the server
type ServerConfig struct {
	Addr           string        `json:"addr"`
	Issuer         string        `json:"issuer"`
	AllowedOrigins []string      `json:"allowedOrigins"`
	SessionTTL     time.Duration `json:"sessionTtl"`
	ShutdownGrace  time.Duration `json:"shutdownGrace"`
}

// RedisConfig holds the connection settings for the redis token store
type RedisConfig struct {
	Addr      string `json:"addr"`
	Username  string `json:"username,omitempty"`
	Password  Secret `json:"password,omitempty"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"keyPrefix,omitempty"`
}

// FirestoreConfig selects the Firestore database holding client registrations
type FirestoreConfig struct {
	Project    string `json:"project"`
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// SQLConfig points at the sqlite database for clients and users
type SQLConfig struct {
	DSN string `json:"dsn"`
}

// StorageConfig picks a backend per store
type StorageConfig struct {
	Tokens          string           `json:"tokens"`  // "memory" or "redis"
	Clients         string           `json:"clients"` // "memory", "firestore" or "sql"
	Users           string           `json:"users"`   // "memory" or "sql"
	Redis           *RedisConfig     `json:"redis,omitempty"`
	Firestore       *FirestoreConfig `json:"firestore,omitempty"`
	SQL             *SQLConfig       `json:"sql,omitempty"`
	ClientCacheTTL  time.Duration    `json:"clientCacheTtl"`
	CleanupInterval time.Duration    `json:"cleanupInterval"`
}

// ProviderSettings is the JSON form of the server policy. Unset fields take
// the defaults of oauth.ProviderConfig.
type ProviderSettings struct {
	AllowPublicClients          bool     `json:"allowPublicClients"`
	GrantTypesAllowed           []string `json:"grantTypesAllowed,omitempty"`
	RequirePKCEForPublicClients *bool    `json:"requirePkceForPublicClients,omitempty"`
	CharacterEncoding           string   `json:"characterEncoding,omitempty"`

	AuthorizationCodeLifetime time.Duration `json:"authorizationCodeLifetime"`
	AccessTokenLifetime       time.Duration `json:"accessTokenLifetime"`
	RefreshTokenLifetime      time.Duration `json:"refreshTokenLifetime"`
	IssueRefreshToken         *bool         `json:"issueRefreshToken,omitempty"`
	AuthorizationCodeLength   int           `json:"authorizationCodeLength"`
	AccessTokenLength         int           `json:"accessTokenLength"`
	RefreshTokenLength        int           `json:"refreshTokenLength"`
	AccessTokenFormat         string        `json:"accessTokenFormat,omitempty"`

	AutoAuthorize             bool     `json:"autoAuthorize"`
	AutoAuthorizeParam        string   `json:"autoAuthorizeParam,omitempty"`
	AutoAuthorizeClients      []string `json:"autoAuthorizeClients,omitempty"`
	AutoAuthorizeWithoutParam bool     `json:"autoAuthorizeWithoutParam"`

	ConsentCacheSize          int           `json:"consentCacheSize"`
	ConsentCacheEntryLifetime time.Duration `json:"consentCacheEntryLifetime"`
	ConsentNonceLifetime      time.Duration `json:"consentNonceLifetime"`

	UserClientTokenLimit             int  `json:"userClientTokenLimit"`
	SkipResourceOwnerValidation      bool `json:"skipResourceOwnerValidation"`
	PasswordGrantRequiresAppPassword bool `json:"passwordGrantRequiresAppPassword"`

	AppPasswordLifetime            time.Duration `json:"appPasswordLifetime"`
	AppTokenLifetime               time.Duration `json:"appTokenLifetime"`
	AppTokenOrPasswordLimit        int           `json:"appTokenOrPasswordLimit"`
	AppCredentialLength            int           `json:"appCredentialLength"`
	AppCredentialAllowedGrantTypes []string      `json:"appCredentialAllowedGrantTypes,omitempty"`
	AppCredentialHashAlgorithm     string        `json:"appCredentialHashAlgorithm,omitempty"`
}

// RateLimitConfig bounds how fast failed authentications are answered
type RateLimitConfig struct {
	FailuresPerSecond float64 `json:"failuresPerSecond"`
	Burst             int     `json:"burst"`
}

// AdminConfig represents administrative access configuration
type AdminConfig struct {
	Enabled bool     `json:"enabled"`
	Users   []string `json:"users"`
}

// ClientConfig seeds a client registration at startup. Secret is the
// plaintext client secret; public clients leave it empty.
type ClientConfig struct {
	oauth.ClientRegistration
	Secret Secret `json:"-"`
}

// UserConfig seeds a local user at startup
type UserConfig struct {
	Username string         `json:"username"`
	Password Secret         `json:"-"`
	Admin    bool           `json:"admin"`
	Claims   map[string]any `json:"claims,omitempty"`
}

// Config represents the config structure with resolved values
type Config struct {
	Server         ServerConfig     `json:"server"`
	Storage        StorageConfig    `json:"storage"`
	Provider       ProviderSettings `json:"provider"`
	RateLimit      RateLimitConfig  `json:"rateLimit"`
	Admin          *AdminConfig     `json:"admin,omitempty"`
	Clients        []ClientConfig   `json:"clients,omitempty"`
	Users          []UserConfig     `json:"users,omitempty"`
	SigningKey     Secret           `json:"signingKey"`
	SessionKey     Secret           `json:"sessionKey"`
	CredentialSalt Secret           `json:"credentialSalt"`
}

// ProviderConfig converts the settings into the policy the core consults
func (c *Config) ProviderConfig() oauth.ProviderConfig {
	s := c.Provider
	p := oauth.ProviderConfig{
		Issuer:                           c.Server.Issuer,
		AllowPublicClients:               s.AllowPublicClients,
		GrantTypesAllowed:                s.GrantTypesAllowed,
		RequirePKCEForPublicClients:      boolOr(s.RequirePKCEForPublicClients, true),
		CharacterEncoding:                s.CharacterEncoding,
		AuthorizationCodeLifetime:        s.AuthorizationCodeLifetime,
		AccessTokenLifetime:              s.AccessTokenLifetime,
		RefreshTokenLifetime:             s.RefreshTokenLifetime,
		IssueRefreshToken:                boolOr(s.IssueRefreshToken, true),
		AuthorizationCodeLength:          s.AuthorizationCodeLength,
		AccessTokenLength:                s.AccessTokenLength,
		RefreshTokenLength:               s.RefreshTokenLength,
		AccessTokenFormat:                s.AccessTokenFormat,
		JWTSigningKey:                    []byte(c.SigningKey),
		AutoAuthorize:                    s.AutoAuthorize,
		AutoAuthorizeParam:               s.AutoAuthorizeParam,
		AutoAuthorizeClients:             s.AutoAuthorizeClients,
		AutoAuthorizeWithoutParam:        s.AutoAuthorizeWithoutParam,
		ConsentCacheSize:                 s.ConsentCacheSize,
		ConsentCacheEntryLifetime:        s.ConsentCacheEntryLifetime,
		ConsentNonceLifetime:             s.ConsentNonceLifetime,
		UserClientTokenLimit:             s.UserClientTokenLimit,
		SkipResourceOwnerValidation:      s.SkipResourceOwnerValidation,
		PasswordGrantRequiresAppPassword: s.PasswordGrantRequiresAppPassword,
		AppPasswordLifetime:              s.AppPasswordLifetime,
		AppTokenLifetime:                 s.AppTokenLifetime,
		AppTokenOrPasswordLimit:          s.AppTokenOrPasswordLimit,
		AppCredentialLength:              s.AppCredentialLength,
		AppCredentialAllowedGrantTypes:   s.AppCredentialAllowedGrantTypes,
		LocalStorage:                     c.Storage.Tokens == "" || c.Storage.Tokens == BackendMemory,
	}
	return p.WithDefaults()
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// ParseConfigValue parses a JSON value that is either a plain string or an
// {"$env": "VAR"} reference
func ParseConfigValue(raw json.RawMessage) (string, error) {
	// Try plain string first
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	// Try reference object
	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}

// ParseConfigValueSlice parses a slice that may contain references
func ParseConfigValueSlice(raw []json.RawMessage) ([]string, error) {
	values := make([]string, len(raw))
	for i, item := range raw {
		parsed, err := ParseConfigValue(item)
		if err != nil {
			return nil, fmt.Errorf("parsing item %d: %w", i, err)
		}
		values[i] = parsed
	}
	return values, nil
}
