package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// durationField pairs a raw duration string with the field it fills
type durationField struct {
	raw    string
	target *time.Duration
}

// parseDurations parses each non-empty string into its target
func parseDurations(fields map[string]durationField) error {
	for name, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
		*f.target = d
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for ServerConfig
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Addr           string          `json:"addr"`
		Issuer         json.RawMessage `json:"issuer"`
		AllowedOrigins []string        `json:"allowedOrigins"`
		SessionTTL     string          `json:"sessionTtl"`
		ShutdownGrace  string          `json:"shutdownGrace"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Addr = raw.Addr
	s.AllowedOrigins = raw.AllowedOrigins

	if raw.Issuer != nil {
		issuer, err := ParseConfigValue(raw.Issuer)
		if err != nil {
			return fmt.Errorf("parsing issuer: %w", err)
		}
		s.Issuer = issuer
	}

	return parseDurations(map[string]durationField{
		"sessionTtl":    {raw.SessionTTL, &s.SessionTTL},
		"shutdownGrace": {raw.ShutdownGrace, &s.ShutdownGrace},
	})
}

// UnmarshalJSON implements custom unmarshaling for RedisConfig
func (r *RedisConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Addr      json.RawMessage `json:"addr"`
		Username  string          `json:"username"`
		Password  json.RawMessage `json:"password"`
		DB        int             `json:"db"`
		KeyPrefix string          `json:"keyPrefix"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Username = raw.Username
	r.DB = raw.DB
	r.KeyPrefix = raw.KeyPrefix

	if raw.Addr != nil {
		addr, err := ParseConfigValue(raw.Addr)
		if err != nil {
			return fmt.Errorf("parsing redis addr: %w", err)
		}
		r.Addr = addr
	}
	if raw.Password != nil {
		password, err := ParseConfigValue(raw.Password)
		if err != nil {
			return fmt.Errorf("parsing redis password: %w", err)
		}
		r.Password = Secret(password)
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for FirestoreConfig
func (f *FirestoreConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Project    json.RawMessage `json:"project"`
		Database   string          `json:"database"`
		Collection string          `json:"collection"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	f.Database = raw.Database
	f.Collection = raw.Collection
	if f.Collection == "" {
		f.Collection = "oauth_front_clients"
	}

	if raw.Project != nil {
		project, err := ParseConfigValue(raw.Project)
		if err != nil {
			return fmt.Errorf("parsing firestore project: %w", err)
		}
		f.Project = project
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for SQLConfig
func (s *SQLConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		DSN json.RawMessage `json:"dsn"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.DSN != nil {
		dsn, err := ParseConfigValue(raw.DSN)
		if err != nil {
			return fmt.Errorf("parsing sql dsn: %w", err)
		}
		s.DSN = dsn
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for StorageConfig
func (s *StorageConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Tokens          string           `json:"tokens"`
		Clients         string           `json:"clients"`
		Users           string           `json:"users"`
		Redis           *RedisConfig     `json:"redis"`
		Firestore       *FirestoreConfig `json:"firestore"`
		SQL             *SQLConfig       `json:"sql"`
		ClientCacheTTL  string           `json:"clientCacheTtl"`
		CleanupInterval string           `json:"cleanupInterval"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Tokens = raw.Tokens
	s.Clients = raw.Clients
	s.Users = raw.Users
	s.Redis = raw.Redis
	s.Firestore = raw.Firestore
	s.SQL = raw.SQL

	return parseDurations(map[string]durationField{
		"clientCacheTtl":  {raw.ClientCacheTTL, &s.ClientCacheTTL},
		"cleanupInterval": {raw.CleanupInterval, &s.CleanupInterval},
	})
}

// UnmarshalJSON implements custom unmarshaling for ProviderSettings. Every
// duration is written as a Go duration string such as "2h" or "90s".
func (p *ProviderSettings) UnmarshalJSON(data []byte) error {
	type plain ProviderSettings
	var raw struct {
		plain
		AuthorizationCodeLifetime string `json:"authorizationCodeLifetime"`
		AccessTokenLifetime       string `json:"accessTokenLifetime"`
		RefreshTokenLifetime      string `json:"refreshTokenLifetime"`
		ConsentCacheEntryLifetime string `json:"consentCacheEntryLifetime"`
		ConsentNonceLifetime      string `json:"consentNonceLifetime"`
		AppPasswordLifetime       string `json:"appPasswordLifetime"`
		AppTokenLifetime          string `json:"appTokenLifetime"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = ProviderSettings(raw.plain)
	return parseDurations(map[string]durationField{
		"authorizationCodeLifetime": {raw.AuthorizationCodeLifetime, &p.AuthorizationCodeLifetime},
		"accessTokenLifetime":       {raw.AccessTokenLifetime, &p.AccessTokenLifetime},
		"refreshTokenLifetime":      {raw.RefreshTokenLifetime, &p.RefreshTokenLifetime},
		"consentCacheEntryLifetime": {raw.ConsentCacheEntryLifetime, &p.ConsentCacheEntryLifetime},
		"consentNonceLifetime":      {raw.ConsentNonceLifetime, &p.ConsentNonceLifetime},
		"appPasswordLifetime":       {raw.AppPasswordLifetime, &p.AppPasswordLifetime},
		"appTokenLifetime":          {raw.AppTokenLifetime, &p.AppTokenLifetime},
	})
}

// UnmarshalJSON implements custom unmarshaling for ClientConfig. The body is
// a registration document plus an optional client_secret reference.
func (c *ClientConfig) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &c.ClientRegistration); err != nil {
		return err
	}

	var raw struct {
		ClientSecret json.RawMessage `json:"client_secret"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ClientSecret != nil {
		secret, err := ParseConfigValue(raw.ClientSecret)
		if err != nil {
			return fmt.Errorf("parsing client_secret of %s: %w", c.ClientID, err)
		}
		c.Secret = Secret(secret)
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for UserConfig
func (u *UserConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Username string          `json:"username"`
		Password json.RawMessage `json:"password"`
		Admin    bool            `json:"admin"`
		Claims   map[string]any  `json:"claims"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	u.Username = raw.Username
	u.Admin = raw.Admin
	u.Claims = raw.Claims

	if raw.Password != nil {
		password, err := ParseConfigValue(raw.Password)
		if err != nil {
			return fmt.Errorf("parsing password of %s: %w", raw.Username, err)
		}
		u.Password = Secret(password)
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for Config. Top-level keys are
// secrets that must be resolved from the environment.
func (c *Config) UnmarshalJSON(data []byte) error {
	var raw struct {
		Server         ServerConfig     `json:"server"`
		Storage        StorageConfig    `json:"storage"`
		Provider       ProviderSettings `json:"provider"`
		RateLimit      RateLimitConfig  `json:"rateLimit"`
		Admin          *AdminConfig     `json:"admin"`
		Clients        []ClientConfig   `json:"clients"`
		Users          []UserConfig     `json:"users"`
		SigningKey     json.RawMessage  `json:"signingKey"`
		SessionKey     json.RawMessage  `json:"sessionKey"`
		CredentialSalt json.RawMessage  `json:"credentialSalt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.Server = raw.Server
	c.Storage = raw.Storage
	c.Provider = raw.Provider
	c.RateLimit = raw.RateLimit
	c.Admin = raw.Admin
	c.Clients = raw.Clients
	c.Users = raw.Users

	secrets := []struct {
		name   string
		raw    json.RawMessage
		target *Secret
	}{
		{"signingKey", raw.SigningKey, &c.SigningKey},
		{"sessionKey", raw.SessionKey, &c.SessionKey},
		{"credentialSalt", raw.CredentialSalt, &c.CredentialSalt},
	}
	for _, s := range secrets {
		if s.raw == nil {
			continue
		}
		value, err := ParseConfigValue(s.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", s.name, err)
		}
		*s.target = Secret(value)
	}
	return nil
}
