package internal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/dgellow/oauth-front/internal/adminauth"
	"github.com/dgellow/oauth-front/internal/config"
	"github.com/dgellow/oauth-front/internal/cookie"
	"github.com/dgellow/oauth-front/internal/crypto"
	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/metrics"
	"github.com/dgellow/oauth-front/internal/oauth"
	"github.com/dgellow/oauth-front/internal/ratelimit"
	"github.com/dgellow/oauth-front/internal/server"
	"github.com/dgellow/oauth-front/internal/session"
	"github.com/dgellow/oauth-front/internal/storage"
)

const (
	defaultSessionTTL      = 8 * time.Hour
	defaultShutdownGrace   = 30 * time.Second
	defaultCleanupInterval = time.Minute
	connectMaxTries        = 5
	loginRealm             = "oauth-front"
)

// OAuthFront is the complete authorization server: stores, protocol core and
// HTTP boundary
type OAuthFront struct {
	config     config.Config
	handler    http.Handler
	httpServer *server.HTTPServer
	cleanup    *storage.CleanupManager
	closers    []func() error
}

// stores are the backends selected by the storage config
type stores struct {
	tokens   oauth.TokenStore
	clients  oauth.ClientRegistry
	users    oauth.UserRegistry
	consent  oauth.ConsentStore
	addUser  func(ctx context.Context, u config.UserConfig) error
	sweepers map[string]storage.Sweeper
	probes   map[string]server.Probe
	closers  []func() error
}

// NewOAuthFront builds the server from a validated config. Stores are
// connected and seeded here; nothing listens until Run.
func NewOAuthFront(ctx context.Context, cfg config.Config) (*OAuthFront, error) {
	log.LogInfoWithFields("oauthfront", "Building authorization server", map[string]any{
		"issuer":  cfg.Server.Issuer,
		"clients": len(cfg.Clients),
		"users":   len(cfg.Users),
	})

	provider := cfg.ProviderConfig()
	if err := provider.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}

	st, err := setupStores(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	closeAll := func() {
		for _, c := range st.closers {
			_ = c()
		}
	}

	if err := seed(ctx, cfg, st); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to seed stores: %w", err)
	}

	hasher, err := crypto.NewCredentialHasher(cfg.Provider.AppCredentialHashAlgorithm, []byte(cfg.CredentialSalt))
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to create credential hasher: %w", err)
	}

	m := metrics.New()
	sessionTTL := cfg.Server.SessionTTL
	if sessionTTL == 0 {
		sessionTTL = defaultSessionTTL
	}
	consentSessions := oauth.NewConsentSessions(sessionTTL, provider.ConsentCacheSize)
	st.sweepers["consent_sessions"] = consentSessions

	handler := buildHTTPHandler(cfg, &provider, st, hasher, consentSessions, sessionTTL, m)

	interval := cfg.Storage.CleanupInterval
	if interval == 0 {
		interval = defaultCleanupInterval
	}

	return &OAuthFront{
		config:     cfg,
		handler:    handler,
		httpServer: server.NewHTTPServer(handler, cfg.Server.Addr),
		cleanup:    storage.NewCleanupManager(st.sweepers, interval, m),
		closers:    st.closers,
	}, nil
}

// Handler is the routed HTTP handler, for embedding and tests
func (o *OAuthFront) Handler() http.Handler {
	return o.handler
}

// Run serves until SIGINT/SIGTERM or a server error, then shuts down
// gracefully
func (o *OAuthFront) Run() error {
	log.LogInfoWithFields("oauthfront", "Starting authorization server", map[string]any{
		"addr": o.config.Server.Addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o.cleanup.Start(ctx)

	// Channel to signal errors that should trigger shutdown
	errChan := make(chan error, 1)
	go func() {
		if err := o.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("oauthfront", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		log.LogErrorWithFields("oauthfront", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	grace := o.config.Server.ShutdownGrace
	if grace == 0 {
		grace = defaultShutdownGrace
	}
	log.LogInfoWithFields("oauthfront", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": grace.String(),
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()

	stopErr := o.httpServer.Stop(shutdownCtx)
	if stopErr != nil {
		log.LogErrorWithFields("oauthfront", "HTTP server shutdown error", map[string]any{
			"error": stopErr.Error(),
		})
	}
	o.Close()

	log.LogInfoWithFields("oauthfront", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return stopErr
}

// Close stops background cleanup and releases store connections
func (o *OAuthFront) Close() {
	o.cleanup.Stop()
	for _, c := range o.closers {
		if err := c(); err != nil {
			log.LogWarnWithFields("oauthfront", "Failed to close store", map[string]any{
				"error": err.Error(),
			})
		}
	}
	o.closers = nil
}

// connect retries a backend connection with exponential backoff. Startup
// races with the backing service (a redis sidecar, the Firestore emulator)
// are common in containers.
func connect[T any](ctx context.Context, name string, open func() (T, error)) (T, error) {
	return backoff.Retry(ctx, open,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(connectMaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.LogWarnWithFields("storage", "Backend not reachable, retrying", map[string]any{
				"backend": name,
				"error":   err.Error(),
				"wait":    wait.String(),
			})
		}),
	)
}

// setupStores creates each store from its configured backend
func setupStores(ctx context.Context, cfg config.Config) (*stores, error) {
	sc := cfg.Storage
	st := &stores{
		sweepers: make(map[string]storage.Sweeper),
		probes:   make(map[string]server.Probe),
	}
	fail := func(err error) (*stores, error) {
		for _, c := range st.closers {
			_ = c()
		}
		return nil, err
	}

	switch sc.Tokens {
	case config.BackendRedis:
		client, err := connect(ctx, "redis", func() (redis.UniversalClient, error) {
			return storage.NewRedisClient(ctx, storage.RedisConfig{
				Addr:     sc.Redis.Addr,
				Username: sc.Redis.Username,
				Password: string(sc.Redis.Password),
				DB:       sc.Redis.DB,
			})
		})
		if err != nil {
			return fail(err)
		}
		st.closers = append(st.closers, client.Close)
		st.probes["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		prefix := sc.Redis.KeyPrefix
		if prefix == "" {
			prefix = storage.DefaultKeyPrefix
		}
		st.tokens = storage.NewRedisTokenStore(client, prefix)
		st.consent = storage.NewRedisConsentStore(client, prefix)
	default:
		log.LogInfoWithFields("storage", "Using in-memory token store", nil)
		tokens := storage.NewMemoryTokenStore()
		consent := storage.NewMemoryConsentStore()
		st.tokens = tokens
		st.consent = consent
		st.sweepers["tokens"] = tokens
		st.sweepers["consent"] = consent
	}

	var db *sqlx.DB
	openSQL := func() (*sqlx.DB, error) {
		if db != nil {
			return db, nil
		}
		opened, err := connect(ctx, "sql", func() (*sqlx.DB, error) {
			return storage.OpenSQLite(ctx, sc.SQL.DSN)
		})
		if err != nil {
			return nil, err
		}
		db = opened
		st.closers = append(st.closers, db.Close)
		st.probes["sql"] = db.PingContext
		return db, nil
	}

	var clients oauth.ClientRegistry
	switch sc.Clients {
	case config.BackendFirestore:
		registry, err := connect(ctx, "firestore", func() (*storage.FirestoreClientRegistry, error) {
			return storage.NewFirestoreClientRegistry(ctx, sc.Firestore.Project, sc.Firestore.Database, sc.Firestore.Collection)
		})
		if err != nil {
			return fail(err)
		}
		st.closers = append(st.closers, registry.Close)
		clients = registry
	case config.BackendSQL:
		d, err := openSQL()
		if err != nil {
			return fail(err)
		}
		clients = storage.NewSQLClientRegistry(d)
	default:
		clients = storage.NewMemoryClientRegistry()
	}
	if sc.Clients == config.BackendFirestore || sc.Clients == config.BackendSQL {
		caching := storage.NewCachingClientRegistry(clients, sc.ClientCacheTTL)
		st.sweepers["client_cache"] = caching
		clients = caching
	}
	st.clients = clients

	var users oauth.UserRegistry
	switch sc.Users {
	case config.BackendSQL:
		d, err := openSQL()
		if err != nil {
			return fail(err)
		}
		registry := storage.NewSQLUserRegistry(d)
		users = registry
		st.addUser = func(ctx context.Context, u config.UserConfig) error {
			return registry.AddUser(ctx, u.Username, string(u.Password), u.Admin, u.Claims)
		}
	default:
		registry := storage.NewMemoryUserRegistry()
		users = registry
		st.addUser = func(_ context.Context, u config.UserConfig) error {
			return registry.AddUser(u.Username, string(u.Password), u.Admin, u.Claims)
		}
	}
	st.users = adminauth.NewRegistry(users, cfg.Admin)

	log.LogInfoWithFields("storage", "Stores ready", map[string]any{
		"tokens":  backendName(sc.Tokens),
		"clients": backendName(sc.Clients),
		"users":   backendName(sc.Users),
	})
	return st, nil
}

func backendName(b string) string {
	if b == "" {
		return config.BackendMemory
	}
	return b
}

// seed writes the configured clients and users. Existing clients are
// updated in place so that config changes apply on restart.
func seed(ctx context.Context, cfg config.Config, st *stores) error {
	registrar := oauth.NewClientRegistrar(st.clients)
	for _, c := range cfg.Clients {
		if _, err := registrar.Seed(ctx, c.ClientRegistration, string(c.Secret)); err != nil {
			return fmt.Errorf("client %s: %w", c.ClientID, err)
		}
	}
	for _, u := range cfg.Users {
		if err := st.addUser(ctx, u); err != nil {
			return fmt.Errorf("user %s: %w", u.Username, err)
		}
	}
	log.LogInfoWithFields("oauthfront", "Seeded configuration", map[string]any{
		"clients": len(cfg.Clients),
		"users":   len(cfg.Users),
	})
	return nil
}

// buildHTTPHandler wires the protocol core to its routes
func buildHTTPHandler(
	cfg config.Config,
	provider *oauth.ProviderConfig,
	st *stores,
	hasher *crypto.CredentialHasher,
	consentSessions *oauth.ConsentSessions,
	sessionTTL time.Duration,
	m *metrics.Metrics,
) http.Handler {
	limiter := ratelimit.New(cfg.RateLimit.FailuresPerSecond, cfg.RateLimit.Burst, m)

	auth := oauth.NewClientAuthenticator(provider, st.clients, st.tokens, st.users, limiter, hasher, m)
	validator := oauth.NewAuthorizationRequestValidator(st.clients)
	consent := oauth.NewConsentManager(provider, st.consent, []byte(cfg.SessionKey), m)
	issuer := oauth.NewTokenIssuer(provider, st.clients, st.tokens, auth, m)
	revoker := oauth.NewRevoker(st.tokens, hasher, m)
	introspector := oauth.NewTokenIntrospector(provider, st.clients, st.tokens, st.users, hasher, m)
	exchange := oauth.NewTokenExchangeService(provider, st.clients, st.tokens, st.users, hasher, m)
	registrar := oauth.NewClientRegistrar(st.clients)

	login := server.NewUserLogin(st.users, session.NewCodec([]byte(cfg.SessionKey), sessionTTL), cookie.NewJar(provider.Issuer), limiter, loginRealm)

	authorizeHandlers := server.NewAuthorizeHandlers(provider, validator, consent, consentSessions, issuer, login)
	tokenHandlers := server.NewTokenHandlers(auth, issuer, revoker, introspector)
	appPasswords := server.NewAppCredentialHandlers(auth, exchange, oauth.CredentialAppPassword)
	appTokens := server.NewAppCredentialHandlers(auth, exchange, oauth.CredentialAppToken)
	registration := server.NewRegistrationHandlers(registrar)
	metadata := server.NewMetadataHandlers(provider)

	mux := http.NewServeMux()
	corsMiddleware := server.NewCORSMiddleware(cfg.Server.AllowedOrigins)
	logger := server.NewLoggerMiddleware("http")
	recoverer := server.NewRecoverMiddleware("http")

	// extra middleware runs after CORS so that preflights skip sign-in
	handle := func(route string, h http.HandlerFunc, extra ...server.MiddlewareFunc) {
		mw := slices.Concat(extra, []server.MiddlewareFunc{corsMiddleware, logger, server.NewMetricsMiddleware(m, route), recoverer})
		mux.Handle(route, server.ChainMiddleware(h, mw...))
	}

	mux.Handle("/health", server.NewHealthHandler(st.probes))
	mux.Handle("/metrics", m.Handler())

	handle("/.well-known/oauth-authorization-server", metadata.AuthorizationServerHandler)
	handle("/.well-known/openid-configuration", metadata.OpenIDConfigurationHandler)

	handle("/authorize", authorizeHandlers.AuthorizeHandler)
	handle("/logout", authorizeHandlers.LogoutHandler)
	handle("/token", tokenHandlers.TokenHandler)
	handle("/revoke", tokenHandlers.RevokeHandler)
	handle("/introspect", tokenHandlers.IntrospectHandler)

	handle("/app-passwords", appPasswords.CollectionHandler)
	handle("/app-passwords/{id}", appPasswords.ItemHandler)
	handle("/app-tokens", appTokens.CollectionHandler)
	handle("/app-tokens/{id}", appTokens.ItemHandler)

	adminMiddleware := []server.MiddlewareFunc{
		server.NewAdminMiddleware(cfg.Admin, st.users),
		server.NewUserLoginMiddleware(login),
	}
	handle("/register", registration.CollectionHandler, adminMiddleware...)
	handle("/register/{client_id}", registration.ClientHandler, adminMiddleware...)

	log.LogInfoWithFields("server", "Authorization server initialized", map[string]any{
		"issuer":            provider.Issuer,
		"access_token_type": provider.AccessTokenFormat,
		"local_storage":     provider.LocalStorage,
	})
	return mux
}
