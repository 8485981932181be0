package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

var knownTopLevelKeys = []string{
	"version", "server", "storage", "provider", "rateLimit", "admin",
	"clients", "users", "signingKey", "sessionKey", "credentialSalt",
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes is ValidateFile over an in-memory document
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	// Check JSON syntax
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result
	}

	// Check for bash-style syntax
	checkBashStyleSyntax(rawConfig, "", result)

	// Check version
	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": %q", SupportedVersion)
	} else if !strings.HasPrefix(version, SupportedVersion) {
		result.addError("version", "unsupported version '%s' - use '%s' or '%s-<variant>'", version, SupportedVersion, SupportedVersion)
	}

	for key := range rawConfig {
		if !slices.Contains(knownTopLevelKeys, key) {
			result.addWarning(key, "unknown top-level key '%s' is ignored", key)
		}
	}

	for _, name := range []string{"signingKey", "sessionKey", "credentialSalt"} {
		if _, ok := rawConfig[name]; !ok {
			result.addError(name, "%s is required. Hint: {\"$env\": \"OAUTH_FRONT_%s\"}", name, strings.ToUpper(name))
		}
	}
	for path, value := range secretPaths(rawConfig) {
		if verr := validateEnvVarReference(value, path); verr != nil {
			result.Errors = append(result.Errors, *verr)
		}
	}

	validateServerStructure(rawConfig, result)
	validateStorageStructure(rawConfig, result)
	validateProviderStructure(rawConfig, result)
	validateAdminStructure(rawConfig, result)

	return result
}

// validateServerStructure checks the server configuration structure
func validateServerStructure(rawConfig map[string]any, result *ValidationResult) {
	server, ok := rawConfig["server"].(map[string]any)
	if !ok {
		result.addError("server", "server field is required and must be an object")
		return
	}
	if _, ok := server["addr"]; !ok {
		result.addError("server.addr", "addr is required. Example: \":8080\" or \"0.0.0.0:8080\"")
	}
	if _, ok := server["issuer"]; !ok {
		result.addError("server.issuer", "issuer is required. Example: \"https://auth.example.com\"")
	}
	if origins, ok := server["allowedOrigins"].([]any); !ok || len(origins) == 0 {
		result.addWarning("server.allowedOrigins", "no allowed origins - browser clients on other origins will be rejected by CORS")
	}
	checkDuration(server, "sessionTtl", "server", result)
	checkDuration(server, "shutdownGrace", "server", result)
}

// validateStorageStructure checks backend selection and the settings each
// backend needs
func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) {
	storage, ok := rawConfig["storage"].(map[string]any)
	if !ok {
		result.addWarning("storage", "no storage section - every store is kept in memory and lost on restart")
		return
	}

	backends := []struct {
		key     string
		allowed []string
	}{
		{"tokens", []string{BackendMemory, BackendRedis}},
		{"clients", []string{BackendMemory, BackendFirestore, BackendSQL}},
		{"users", []string{BackendMemory, BackendSQL}},
	}
	for _, b := range backends {
		v, ok := storage[b.key]
		if !ok {
			continue
		}
		kind, _ := v.(string)
		if !slices.Contains(b.allowed, kind) {
			result.addError("storage."+b.key, "unknown backend '%v' - supported: %s", v, strings.Join(b.allowed, ", "))
			continue
		}
		if settings := backendSettingsKey(kind); settings != "" {
			if _, ok := storage[settings].(map[string]any); !ok {
				result.addError("storage."+settings, "%s settings are required when %s use %s", settings, b.key, kind)
			}
		}
	}

	if tokens, _ := storage["tokens"].(string); tokens == "" || tokens == BackendMemory {
		result.addWarning("storage.tokens", "tokens are kept in memory - consent and tokens are not shared between instances")
	}
	checkDuration(storage, "clientCacheTtl", "storage", result)
	checkDuration(storage, "cleanupInterval", "storage", result)
}

func backendSettingsKey(kind string) string {
	switch kind {
	case BackendRedis:
		return "redis"
	case BackendFirestore:
		return "firestore"
	case BackendSQL:
		return "sql"
	}
	return ""
}

var providerDurations = []string{
	"authorizationCodeLifetime", "accessTokenLifetime", "refreshTokenLifetime",
	"consentCacheEntryLifetime", "consentNonceLifetime",
	"appPasswordLifetime", "appTokenLifetime",
}

// validateProviderStructure checks the policy knobs that can be judged
// without resolving the environment
func validateProviderStructure(rawConfig map[string]any, result *ValidationResult) {
	provider, ok := rawConfig["provider"].(map[string]any)
	if !ok {
		return
	}
	for _, name := range providerDurations {
		checkDuration(provider, name, "provider", result)
	}
	if format, ok := provider["accessTokenFormat"].(string); ok && format != "opaque" && format != "jwt" {
		result.addError("provider.accessTokenFormat", "unknown access token format '%s' - use 'opaque' or 'jwt'", format)
	}
	if enabled, ok := provider["autoAuthorize"].(bool); ok && enabled {
		if clients, ok := provider["autoAuthorizeClients"].([]any); !ok || len(clients) == 0 {
			result.addWarning("provider.autoAuthorizeClients", "autoAuthorize is on but no client is listed")
		}
	}
	if skip, ok := provider["skipResourceOwnerValidation"].(bool); ok && skip {
		result.addWarning("provider.skipResourceOwnerValidation", "resource owner passwords are not checked - only use this behind a trusted front end")
	}
}

// validateAdminStructure checks admin configuration structure
func validateAdminStructure(rawConfig map[string]any, result *ValidationResult) {
	admin, ok := rawConfig["admin"].(map[string]any)
	if !ok {
		return
	}
	enabled, ok := admin["enabled"].(bool)
	if !ok {
		result.addError("admin.enabled", "enabled field is required and must be a boolean")
		return
	}
	if !enabled {
		return
	}
	users, ok := admin["users"].([]any)
	if !ok {
		result.addWarning("admin.users", "admin is enabled without admin users - only registry admins can manage clients")
		return
	}
	for i, u := range users {
		if _, ok := u.(string); !ok {
			result.addError(fmt.Sprintf("admin.users[%d]", i), "admin user must be a string, got %T", u)
		}
	}
}

func checkDuration(section map[string]any, key, prefix string, result *ValidationResult) {
	v, ok := section[key]
	if !ok {
		return
	}
	s, ok := v.(string)
	if !ok {
		result.addError(prefix+"."+key, "%s must be a duration string such as \"30m\", got %T", key, v)
		return
	}
	if _, err := time.ParseDuration(s); err != nil {
		result.addError(prefix+"."+key, "%s is not a valid duration: %v", key, err)
	}
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		// Check if it looks like a bash-style env var
		bashStyleRegex := regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion and ensures security", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", path),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", path),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", path, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	bashStyleRegex := regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion in scripts/CI and ensures unambiguous parsing", match, varName)
		}
	case map[string]any:
		// Skip if this is already an env ref
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
