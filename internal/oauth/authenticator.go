package oauth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/metrics"
)

// EndpointType names the endpoint a client is authenticating against
type EndpointType int

const (
	EndpointToken EndpointType = iota
	EndpointAuthorize
	EndpointIntrospect
	EndpointRevoke
	EndpointAppPassword
	EndpointAppToken
)

func (e EndpointType) String() string {
	switch e {
	case EndpointToken:
		return "token"
	case EndpointAuthorize:
		return "authorize"
	case EndpointIntrospect:
		return "introspect"
	case EndpointRevoke:
		return "revoke"
	case EndpointAppPassword:
		return "app_password"
	case EndpointAppToken:
		return "app_token"
	default:
		return "unknown"
	}
}

// Hasher derives the lookup hash of an app credential
type Hasher interface {
	Hash(plaintext string) string
}

// repeatableParams may legitimately appear more than once
var repeatableParams = map[string]bool{
	ExtResource: true,
	"audience":  true,
}

// AuthenticateOption tunes a single Authenticate call
type AuthenticateOption func(*authenticateOptions)

type authenticateOptions struct {
	charset   string
	basicOnly bool
}

// WithBasicOnly refuses client_id and client_secret in the request body
func WithBasicOnly() AuthenticateOption {
	return func(o *authenticateOptions) {
		o.basicOnly = true
	}
}

// WithCharset overrides the charset used to decode the Basic header
func WithCharset(charset string) AuthenticateOption {
	return func(o *authenticateOptions) {
		o.charset = charset
	}
}

// ClientAuthenticator identifies the calling client
type ClientAuthenticator struct {
	provider *ProviderConfig
	clients  ClientRegistry
	tokens   TokenStore
	users    UserRegistry
	limiter  RateLimiter
	hasher   Hasher
	metrics  metrics.Recorder

	// publicWarned latches the one-time warning about confidential clients
	// authenticating without a secret under AllowPublicClients
	publicWarned atomic.Bool
}

func NewClientAuthenticator(provider *ProviderConfig, clients ClientRegistry, tokens TokenStore, users UserRegistry, limiter RateLimiter, hasher Hasher, recorder metrics.Recorder) *ClientAuthenticator {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &ClientAuthenticator{
		provider: provider,
		clients:  clients,
		tokens:   tokens,
		users:    users,
		limiter:  limiter,
		hasher:   hasher,
		metrics:  recorder,
	}
}

type clientCredentials struct {
	id       string
	secret   string
	scheme   string
	fromBody bool
}

// Authenticate returns the authenticated client id. Every failure path
// waits on the rate limiter before returning; success never does.
func (a *ClientAuthenticator) Authenticate(ctx context.Context, r *http.Request, endpoint EndpointType, opts ...AuthenticateOption) (string, error) {
	o := authenticateOptions{charset: a.provider.CharacterEncoding}
	for _, opt := range opts {
		opt(&o)
	}

	creds, oauthErr := a.extractCredentials(r, o.charset)
	if oauthErr != nil {
		return a.fail(ctx, endpoint, "", oauthErr)
	}
	if o.basicOnly && creds.fromBody {
		if creds.id != "" || creds.secret != "" {
			return a.fail(ctx, endpoint, creds.id, NewOAuthError(KindInvalidClient, "client credentials must be sent with HTTP Basic authentication").WithScheme("Basic"))
		}
		creds.scheme = "Basic"
	}
	if creds.id == "" {
		return a.fail(ctx, endpoint, "", NewOAuthError(KindInvalidClient, "client authentication is required").WithScheme(creds.scheme))
	}

	client, err := a.clients.Get(ctx, creds.id)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return a.fail(ctx, endpoint, creds.id, newOAuthErrorf(KindInvalidClient, "client %s is not registered", creds.id).WithScheme(creds.scheme))
		}
		return a.fail(ctx, endpoint, creds.id, serverError("client_auth", err))
	}

	public := client.Public || a.provider.AllowPublicClients
	grantType := r.Form.Get(AttrGrantType)

	switch {
	case public && creds.secret == "":
		if requiresConfidentialClient(grantType) {
			return a.fail(ctx, endpoint, creds.id, newOAuthErrorf(KindInvalidClient, "grant_type %s requires a confidential client", grantType).WithScheme(creds.scheme))
		}
		if !client.Public && a.publicWarned.CompareAndSwap(false, true) {
			log.LogWarnWithFields("client_auth", "allowPublicClients lets confidential clients authenticate without a secret", map[string]any{
				"client_id": client.ID,
			})
		}
	case !client.VerifySecret(creds.secret):
		return a.fail(ctx, endpoint, creds.id, NewOAuthError(KindInvalidClient, "client authentication failed").WithScheme(creds.scheme))
	}

	if !client.Enabled {
		return a.fail(ctx, endpoint, creds.id, newOAuthErrorf(KindInvalidClient, "client %s is disabled", creds.id).WithScheme(creds.scheme))
	}

	a.metrics.RecordClientAuth(endpoint.String(), true)
	log.LogTraceWithFields("client_auth", "Client authenticated", map[string]any{
		"client_id": client.ID,
		"endpoint":  endpoint.String(),
		"public":    public,
	})
	return client.ID, nil
}

func (a *ClientAuthenticator) fail(ctx context.Context, endpoint EndpointType, clientID string, oauthErr *OAuthError) (string, error) {
	a.metrics.RecordClientAuth(endpoint.String(), false)
	log.LogWarnWithFields("client_auth", "Client authentication failed", map[string]any{
		"client_id": clientID,
		"endpoint":  endpoint.String(),
		"reason":    oauthErr.Description,
	})
	a.limiter.Limit(ctx)
	return "", oauthErr
}

// extractCredentials reads the Basic header and the body parameters. Header
// and body may both be present only if they name the same client.
func (a *ClientAuthenticator) extractCredentials(r *http.Request, charset string) (clientCredentials, *OAuthError) {
	var creds clientCredentials

	if err := r.ParseForm(); err != nil {
		return creds, newOAuthErrorf(KindInvalidRequest, "malformed request: %v", err)
	}
	for name, values := range r.Form {
		if len(values) > 1 && !repeatableParams[name] {
			return creds, newOAuthErrorf(KindDuplicateParameter, "parameter %s was provided more than once", name)
		}
	}

	if header := r.Header.Get("Authorization"); header != "" {
		scheme, payload, _ := strings.Cut(header, " ")
		if strings.EqualFold(scheme, "Basic") {
			id, secret, err := decodeBasic(payload, charset)
			if err != nil {
				return creds, newOAuthErrorf(KindInvalidClient, "malformed Authorization header: %v", err).WithScheme(scheme)
			}
			creds = clientCredentials{id: id, secret: secret, scheme: scheme}
		}
	}

	bodyID := r.Form.Get(AttrClientID)
	bodySecret := r.Form.Get("client_secret")
	if creds.scheme != "" {
		if bodyID != "" && bodyID != creds.id {
			return creds, NewOAuthError(KindInvalidRequest, "client_id in body does not match Authorization header").WithScheme(creds.scheme)
		}
		if bodySecret != "" {
			return creds, NewOAuthError(KindInvalidRequest, "client credentials must use a single authentication method").WithScheme(creds.scheme)
		}
		return creds, nil
	}

	return clientCredentials{id: bodyID, secret: bodySecret, fromBody: true}, nil
}

// decodeBasic decodes "base64(id:secret)" using charset. Both parts are
// form-urlencoded per RFC 6749 2.3.1.
func decodeBasic(payload, charset string) (string, string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", "", err
	}

	decoded := string(raw)
	if charset != "" && !strings.EqualFold(charset, "UTF-8") {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return "", "", err
		}
		decoded, err = enc.NewDecoder().String(decoded)
		if err != nil {
			return "", "", err
		}
	}

	id, secret, ok := strings.Cut(decoded, ":")
	if !ok || id == "" {
		return "", "", errors.New("expected client_id:client_secret")
	}
	if id, err = url.QueryUnescape(id); err != nil {
		return "", "", err
	}
	if secret, err = url.QueryUnescape(secret); err != nil {
		return "", "", err
	}
	return id, secret, nil
}

// AuthenticateResourceOwner validates the username and password of a
// password grant against the user registry, or against a live app-password
// bound to the same user and client when the provider requires it.
func (a *ClientAuthenticator) AuthenticateResourceOwner(ctx context.Context, clientID, username, password string) error {
	if a.provider.SkipResourceOwnerValidation {
		return nil
	}
	if username == "" || password == "" {
		return NewOAuthError(KindMissingParameter, "username and password are required")
	}

	if a.provider.PasswordGrantRequiresAppPassword {
		tok, err := a.tokens.GetByHash(ctx, a.hasher.Hash(password))
		switch {
		case errors.Is(err, ErrTokenNotFound):
			return a.failResourceOwner(ctx, username, "app-password not found")
		case err != nil:
			return serverError("client_auth", err)
		case tok.Expired(), tok.GrantType != GrantAppPassword:
			return a.failResourceOwner(ctx, username, "app-password is not valid")
		case tok.Username != username || tok.ClientID != clientID:
			return a.failResourceOwner(ctx, username, "app-password was issued to another user or client")
		}
		return nil
	}

	ok, err := a.users.CheckPassword(ctx, username, password)
	if err != nil {
		return serverError("client_auth", err)
	}
	if !ok {
		return a.failResourceOwner(ctx, username, "invalid resource owner credentials")
	}
	return nil
}

func (a *ClientAuthenticator) failResourceOwner(ctx context.Context, username, reason string) error {
	log.LogWarnWithFields("client_auth", "Resource owner authentication failed", map[string]any{
		"user":   username,
		"reason": reason,
	})
	a.limiter.Limit(ctx)
	return NewOAuthError(KindInvalidGrant, "resource owner authentication failed")
}

// CheckTokenLimit refuses issuing more tokens when (user, client) would end
// up holding more than the configured number. issuing is how many tokens the
// caller is about to store.
func (a *ClientAuthenticator) CheckTokenLimit(ctx context.Context, username, clientID string, issuing int) error {
	if a.provider.UserClientTokenLimit <= 0 || username == "" {
		return nil
	}
	n, err := a.tokens.GetNumTokens(ctx, username, clientID)
	if err != nil {
		return serverError("client_auth", err)
	}
	if n+issuing > a.provider.UserClientTokenLimit {
		log.LogWarnWithFields("client_auth", "Token limit reached", map[string]any{
			"user":      username,
			"client_id": clientID,
			"limit":     a.provider.UserClientTokenLimit,
		})
		return newOAuthErrorf(KindAccessDenied, "token limit of %d reached for this user and client", a.provider.UserClientTokenLimit)
	}
	return nil
}
