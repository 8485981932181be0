package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"

	"github.com/dgellow/oauth-front/internal"
	"github.com/dgellow/oauth-front/internal/config"
	"github.com/dgellow/oauth-front/internal/log"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	env := func(name string) map[string]string {
		return map[string]string{"$env": name}
	}
	defaultConfig := map[string]any{
		"version": config.SupportedVersion,
		"server": map[string]any{
			"addr":           ":8080",
			"issuer":         "https://auth.yourcompany.com",
			"allowedOrigins": []string{"https://app.yourcompany.com"},
			"sessionTtl":     "8h",
		},
		"storage": map[string]any{
			"tokens":  "redis",
			"clients": "sql",
			"users":   "sql",
			"redis": map[string]any{
				"addr":     "localhost:6379",
				"password": env("REDIS_PASSWORD"),
			},
			"sql": map[string]any{
				"dsn": "file:oauth-front.db",
			},
			"cleanupInterval": "1m",
		},
		"provider": map[string]any{
			"accessTokenLifetime":  "1h",
			"refreshTokenLifetime": "720h",
			"accessTokenFormat":    "opaque",
		},
		"rateLimit": map[string]any{
			"failuresPerSecond": 5,
			"burst":             10,
		},
		"admin": map[string]any{
			"enabled": true,
			"users":   []string{"admin"},
		},
		"clients": []any{
			map[string]any{
				"client_id":     "dashboard",
				"client_name":   "Dashboard",
				"redirect_uris": []string{"https://app.yourcompany.com/callback"},
				"grant_types":   []string{"authorization_code", "refresh_token"},
				"scope":         "openid profile",
				"client_secret": env("DASHBOARD_CLIENT_SECRET"),
			},
		},
		"users": []any{
			map[string]any{
				"username": "admin",
				"password": env("ADMIN_PASSWORD"),
				"admin":    true,
			},
		},
		"signingKey":     env("OAUTH_FRONT_SIGNINGKEY"),
		"sessionKey":     env("OAUTH_FRONT_SESSIONKEY"),
		"credentialSalt": env("OAUTH_FRONT_CREDENTIALSALT"),
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func printIssues(w io.Writer, title string, issues []config.ValidationError) {
	if len(issues) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s (%d):\n", title, len(issues))
	for _, issue := range issues {
		if issue.Path == "" {
			fmt.Fprintf(w, "  - %s\n", issue.Message)
			continue
		}
		fmt.Fprintf(w, "  - %s: %s\n", issue.Path, issue.Message)
	}
}

// validateConfig prints every problem found in the config at path and fails
// only on errors
func validateConfig(w io.Writer, path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Fprintf(w, "Validating: %s\n", path)
	printIssues(w, "Errors", result.Errors)
	printIssues(w, "Warnings", result.Warnings)

	verdict := "PASS"
	if len(result.Warnings) > 0 {
		verdict = "PASS (with warnings)"
	}
	if !result.IsValid() {
		verdict = "FAIL"
	}
	fmt.Fprintf(w, "\nResult: %s\n", verdict)
	if !result.IsValid() {
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	envFile := flag.String("env-file", "", "load environment variables from a .env file before reading the config")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(os.Stdout, *conf); err != nil {
			os.Exit(1)
		}
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	if *envFile != "" {
		// Variables already set in the environment take precedence
		if err := godotenv.Load(*envFile); err != nil {
			log.LogError("Failed to load env file: %v", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting oauth-front", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	ctx := context.Background()
	app, err := internal.NewOAuthFront(ctx, cfg)
	if err != nil {
		log.LogError("Failed to create authorization server: %v", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		log.LogError("Failed to run server: %v", err)
		os.Exit(1)
	}
}
