package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/dgellow/oauth-front/internal/crypto"
	"github.com/dgellow/oauth-front/internal/log"
)

// SupportedVersion prefixes every accepted config version
const SupportedVersion = "v1"

// Minimum key lengths
const (
	minSigningKeyLength = 32
	minSessionKeyLength = 32
	minSaltLength       = 16
)

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse processes config bytes the same way Load does
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, SupportedVersion) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// Parse directly into typed Config struct
	// The custom UnmarshalJSON methods will resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// secretPaths lists every field that must come from the environment
func secretPaths(rawConfig map[string]any) map[string]any {
	paths := make(map[string]any)
	for _, name := range []string{"signingKey", "sessionKey", "credentialSalt"} {
		if v, ok := rawConfig[name]; ok {
			paths[name] = v
		}
	}
	if storage, ok := rawConfig["storage"].(map[string]any); ok {
		if redis, ok := storage["redis"].(map[string]any); ok {
			if v, ok := redis["password"]; ok {
				paths["storage.redis.password"] = v
			}
		}
	}
	if users, ok := rawConfig["users"].([]any); ok {
		for i, u := range users {
			if user, ok := u.(map[string]any); ok {
				if v, ok := user["password"]; ok {
					paths[fmt.Sprintf("users[%d].password", i)] = v
				}
			}
		}
	}
	if clients, ok := rawConfig["clients"].([]any); ok {
		for i, c := range clients {
			if client, ok := c.(map[string]any); ok {
				if v, ok := client["client_secret"]; ok {
					paths[fmt.Sprintf("clients[%d].client_secret", i)] = v
				}
			}
		}
	}
	return paths
}

// validateRawConfig validates the config structure before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	for _, name := range []string{"signingKey", "sessionKey", "credentialSalt"} {
		if _, ok := rawConfig[name]; !ok {
			return fmt.Errorf("%s is required", name)
		}
	}

	for path, value := range secretPaths(rawConfig) {
		// Check if it's a string (bad) or a map (good - env ref)
		if _, isString := value.(string); isString {
			return fmt.Errorf("%s must use environment variable reference for security", path)
		}
		refMap, isMap := value.(map[string]any)
		if !isMap {
			return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", path)
		}
		if _, hasEnv := refMap["$env"]; !hasEnv {
			return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", path)
		}
	}
	return nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if err := validateIssuer(config.Server.Issuer); err != nil {
		return fmt.Errorf("server.issuer: %w", err)
	}

	if len(config.SigningKey) < minSigningKeyLength {
		return fmt.Errorf("signingKey must be at least %d characters (got %d). Generate with: openssl rand -base64 32", minSigningKeyLength, len(config.SigningKey))
	}
	if len(config.SessionKey) < minSessionKeyLength {
		return fmt.Errorf("sessionKey must be at least %d characters (got %d). Generate with: openssl rand -base64 32", minSessionKeyLength, len(config.SessionKey))
	}
	if len(config.CredentialSalt) < minSaltLength {
		return fmt.Errorf("credentialSalt must be at least %d characters (got %d)", minSaltLength, len(config.CredentialSalt))
	}

	if err := validateStorage(&config.Storage); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := config.ProviderConfig().Validate(); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}
	if _, err := crypto.NewCredentialHasher(config.Provider.AppCredentialHashAlgorithm, []byte(config.CredentialSalt)); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}

	if config.RateLimit.FailuresPerSecond < 0 || config.RateLimit.Burst < 0 {
		return fmt.Errorf("rateLimit values cannot be negative")
	}
	if config.RateLimit.FailuresPerSecond == 0 {
		log.LogWarn("rateLimit.failuresPerSecond is 0 - failed authentications are not slowed down")
	}

	seenClients := make(map[string]bool)
	for i, client := range config.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if seenClients[client.ClientID] {
			return fmt.Errorf("clients[%d]: duplicate client_id %s", i, client.ClientID)
		}
		seenClients[client.ClientID] = true
		if err := client.Validate(); err != nil {
			return fmt.Errorf("client %s: %w", client.ClientID, err)
		}
		public := client.TokenEndpointAuthMethod == "none"
		if public && client.Secret != "" {
			return fmt.Errorf("client %s is public and cannot have a client_secret", client.ClientID)
		}
		if !public && client.Secret == "" {
			return fmt.Errorf("client %s is confidential and needs a client_secret", client.ClientID)
		}
	}

	seenUsers := make(map[string]bool)
	for i, user := range config.Users {
		if user.Username == "" {
			return fmt.Errorf("users[%d]: username is required", i)
		}
		if seenUsers[user.Username] {
			return fmt.Errorf("users[%d]: duplicate username %s", i, user.Username)
		}
		seenUsers[user.Username] = true
		if user.Password == "" {
			return fmt.Errorf("user %s needs a password", user.Username)
		}
	}

	if config.Admin != nil && config.Admin.Enabled && len(config.Admin.Users) == 0 {
		log.LogWarn("Admin is enabled but no admin users are configured - only users flagged admin in the user registry can manage clients")
	}

	return nil
}

func validateIssuer(issuer string) error {
	if issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer cannot have a query or fragment")
	}
	return nil
}

func validateStorage(s *StorageConfig) error {
	switch s.Tokens {
	case "", BackendMemory:
	case BackendRedis:
		if s.Redis == nil || s.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when tokens use redis")
		}
	default:
		return fmt.Errorf("unsupported token backend %q (memory or redis)", s.Tokens)
	}

	switch s.Clients {
	case "", BackendMemory:
	case BackendFirestore:
		if s.Firestore == nil || s.Firestore.Project == "" {
			return fmt.Errorf("firestore.project is required when clients use firestore")
		}
	case BackendSQL:
		if s.SQL == nil || s.SQL.DSN == "" {
			return fmt.Errorf("sql.dsn is required when clients use sql")
		}
	default:
		return fmt.Errorf("unsupported client backend %q (memory, firestore or sql)", s.Clients)
	}

	switch s.Users {
	case "", BackendMemory:
	case BackendSQL:
		if s.SQL == nil || s.SQL.DSN == "" {
			return fmt.Errorf("sql.dsn is required when users use sql")
		}
	default:
		return fmt.Errorf("unsupported user backend %q (memory or sql)", s.Users)
	}
	return nil
}
