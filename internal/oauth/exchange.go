package oauth

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgellow/oauth-front/internal/crypto"
	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/metrics"
)

// AccessTokenHeader carries the bearer token on app credential requests,
// leaving Authorization free for the client's Basic credentials.
const AccessTokenHeader = "access_token"

// AppCredentialCreated is returned once, when a credential is minted. It is
// the only time the plaintext leaves the server.
type AppCredentialCreated struct {
	Kind      CredentialKind
	Secret    string
	AppID     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (c AppCredentialCreated) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		c.Kind.ResponseField(): c.Secret,
		"app_id":               c.AppID,
		"created_at":           c.CreatedAt.Unix(),
		"expires_at":           c.ExpiresAt.Unix(),
	})
}

// AppCredentialInfo describes a stored credential without its hash
type AppCredentialInfo struct {
	User      string   `json:"user"`
	Name      string   `json:"name"`
	AppID     string   `json:"app_id,omitempty"`
	CreatedAt int64    `json:"created_at"`
	ExpiresAt int64    `json:"expires_at"`
	UsedBy    []string `json:"used_by,omitempty"`
}

// AppCredentialList wraps list results under "app-passwords" or "app-tokens"
type AppCredentialList struct {
	Kind        CredentialKind
	Credentials []AppCredentialInfo
}

func (l AppCredentialList) MarshalJSON() ([]byte, error) {
	creds := l.Credentials
	if creds == nil {
		creds = []AppCredentialInfo{}
	}
	return json.Marshal(map[string]any{l.Kind.ListField(): creds})
}

// TokenExchangeService trades a live access token for an app-password or
// app-token and manages the credentials it created.
type TokenExchangeService struct {
	provider *ProviderConfig
	clients  ClientRegistry
	tokens   TokenStore
	users    UserRegistry
	hasher   Hasher
	metrics  metrics.Recorder

	// createMu keeps the limit check and the insert together in-process
	createMu sync.Mutex
}

func NewTokenExchangeService(provider *ProviderConfig, clients ClientRegistry, tokens TokenStore, users UserRegistry, hasher Hasher, recorder metrics.Recorder) *TokenExchangeService {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &TokenExchangeService{
		provider: provider,
		clients:  clients,
		tokens:   tokens,
		users:    users,
		hasher:   hasher,
		metrics:  recorder,
	}
}

// Create mints a credential of kind for the user behind the presented access
// token. clientID is the client already authenticated with Basic credentials.
func (s *TokenExchangeService) Create(ctx context.Context, kind CredentialKind, r *http.Request, clientID string) (*AppCredentialCreated, error) {
	client, err := s.enabledClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.AllowsCredential(kind) {
		return nil, newOAuthErrorf(KindUnauthorizedClient, "client %s may not create %s credentials", clientID, kind)
	}

	bearer, err := s.bearerToken(ctx, r, clientID)
	if err != nil {
		return nil, err
	}
	if bearer.GrantType == GrantRefreshToken {
		original := bearer.Extension(ExtOriginalGrantType)
		if !slices.Contains(s.provider.AppCredentialAllowedGrantTypes, original) {
			return nil, newOAuthErrorf(KindInvalidRequest, "access tokens originally granted by %q cannot be exchanged", original)
		}
	}

	if err := r.ParseForm(); err != nil {
		return nil, newOAuthErrorf(KindInvalidRequest, "malformed request: %v", err)
	}
	name := strings.TrimSpace(r.Form.Get("app_name"))
	if name == "" {
		return nil, NewOAuthError(KindMissingParameter, "app_name is required")
	}
	username := bearer.Username

	s.createMu.Lock()
	defer s.createMu.Unlock()

	existing, err := s.tokens.GetMatchingTokens(ctx, username, clientID, string(kind))
	if err != nil {
		return nil, serverError("app_credentials", err)
	}
	if limit := s.provider.AppTokenOrPasswordLimit; limit > 0 && len(existing) >= limit {
		return nil, newOAuthErrorf(KindInvalidRequest, "the limit of %d %s credentials for this user and client has been reached", limit, kind)
	}

	all, err := s.tokens.GetAllUserTokens(ctx, username)
	if err != nil {
		return nil, serverError("app_credentials", err)
	}
	for _, tok := range all {
		if tok.GrantType == string(kind) && tok.Extension(ExtAppName) == name {
			return nil, newOAuthErrorf(KindInvalidRequest, "a %s named %q already exists", kind, name)
		}
	}

	secret, err := crypto.GenerateRandomString(s.provider.AppCredentialLength)
	if err != nil {
		return nil, serverError("app_credentials", err)
	}
	lifetime := s.provider.CredentialLifetime(kind)
	now := time.Now()
	appID := uuid.NewString()

	cred := &Token{
		Hash:            s.hasher.Hash(secret),
		Type:            TokenTypeAccess,
		GrantType:       string(kind),
		Username:        username,
		ClientID:        clientID,
		Scope:           slices.Clone(bearer.Scope),
		CreatedAt:       now,
		LifetimeSeconds: int64(lifetime / time.Second),
	}
	cred.SetExtension(ExtAppName, name)
	cred.SetExtension(ExtAppID, appID)

	if err := s.tokens.Add(ctx, cred, lifetime); err != nil {
		return nil, serverError("app_credentials", err)
	}

	s.metrics.RecordAppCredentialCreated(string(kind))
	log.LogInfoWithFields("app_credentials", "Created app credential", map[string]any{
		"kind":      string(kind),
		"user":      username,
		"client_id": clientID,
		"app_id":    appID,
		"name":      name,
	})

	return &AppCredentialCreated{
		Kind:      kind,
		Secret:    secret,
		AppID:     appID,
		CreatedAt: now,
		ExpiresAt: cred.ExpiresAt(),
	}, nil
}

// List returns the caller's credentials of kind for clientID. Admins may
// name another user with user_id.
func (s *TokenExchangeService) List(ctx context.Context, kind CredentialKind, r *http.Request, clientID string) (*AppCredentialList, error) {
	if _, err := s.enabledClient(ctx, clientID); err != nil {
		return nil, err
	}
	username, err := s.targetUser(ctx, r, clientID)
	if err != nil {
		return nil, err
	}

	toks, err := s.tokens.GetMatchingTokens(ctx, username, clientID, string(kind))
	if err != nil {
		return nil, serverError("app_credentials", err)
	}

	list := &AppCredentialList{Kind: kind, Credentials: make([]AppCredentialInfo, 0, len(toks))}
	for _, tok := range toks {
		list.Credentials = append(list.Credentials, AppCredentialInfo{
			User:      tok.Username,
			Name:      tok.Extension(ExtAppName),
			AppID:     tok.Extension(ExtAppID),
			CreatedAt: tok.CreatedAt.Unix(),
			ExpiresAt: tok.ExpiresAt().Unix(),
			UsedBy:    slices.Clone(tok.Extensions[ExtUsedBy]),
		})
	}
	slices.SortFunc(list.Credentials, func(a, b AppCredentialInfo) int {
		return cmp.Compare(a.CreatedAt, b.CreatedAt)
	})
	return list, nil
}

// Delete removes the credential with appID, or every credential of kind for
// the (user, client) pair when appID is empty. Missing credentials are not
// an error. It returns how many were removed.
func (s *TokenExchangeService) Delete(ctx context.Context, kind CredentialKind, r *http.Request, clientID, appID string) (int, error) {
	if _, err := s.enabledClient(ctx, clientID); err != nil {
		return 0, err
	}
	username, err := s.targetUser(ctx, r, clientID)
	if err != nil {
		return 0, err
	}

	toks, err := s.tokens.GetMatchingTokens(ctx, username, clientID, string(kind))
	if err != nil {
		return 0, serverError("app_credentials", err)
	}

	removed := 0
	for _, tok := range toks {
		if appID != "" && tok.Extension(ExtAppID) != appID {
			continue
		}
		err := s.tokens.RemoveByHash(ctx, tok.Hash)
		if errors.Is(err, ErrTokenNotFound) {
			continue
		}
		if err != nil {
			return removed, serverError("app_credentials", err)
		}
		removed++
	}

	s.metrics.RecordAppCredentialDeleted(string(kind), removed)
	log.LogInfoWithFields("app_credentials", "Deleted app credentials", map[string]any{
		"kind":      string(kind),
		"user":      username,
		"client_id": clientID,
		"app_id":    appID,
		"count":     removed,
	})
	return removed, nil
}

func (s *TokenExchangeService) enabledClient(ctx context.Context, clientID string) (*Client, error) {
	client, err := s.clients.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, newOAuthErrorf(KindInvalidClient, "client %s is not registered", clientID)
		}
		return nil, serverError("app_credentials", err)
	}
	if !client.Enabled {
		return nil, newOAuthErrorf(KindInvalidClient, "client %s is disabled", clientID)
	}
	return client, nil
}

// bearerToken resolves the access token presented alongside the client
// credentials. It must be a plain access token of the same client.
func (s *TokenExchangeService) bearerToken(ctx context.Context, r *http.Request, clientID string) (*Token, error) {
	value := BearerFromRequest(r)
	if value == "" {
		return nil, NewOAuthError(KindMissingParameter, "an access token is required")
	}

	tok, err := s.tokens.Get(ctx, value)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, NewOAuthError(KindInvalidToken, "access token is invalid or expired")
		}
		return nil, serverError("app_credentials", err)
	}
	switch {
	case tok.Type != TokenTypeAccess:
		return nil, NewOAuthError(KindInvalidRequest, "the presented token is not an access token")
	case tok.IsAppCredential():
		return nil, NewOAuthError(KindInvalidRequest, "app credentials cannot be exchanged")
	case tok.ClientID != clientID:
		return nil, NewOAuthError(KindInvalidRequest, "the access token was issued to another client")
	case tok.Username == "", tok.GrantType == GrantClientCredentials:
		return nil, NewOAuthError(KindInvalidRequest, "the access token is not bound to a user")
	}
	return tok, nil
}

// targetUser is the bearer's user, or user_id when the bearer is an admin
func (s *TokenExchangeService) targetUser(ctx context.Context, r *http.Request, clientID string) (string, error) {
	bearer, err := s.bearerToken(ctx, r, clientID)
	if err != nil {
		return "", err
	}
	if err := r.ParseForm(); err != nil {
		return "", newOAuthErrorf(KindInvalidRequest, "malformed request: %v", err)
	}
	target := r.Form.Get("user_id")
	if target == "" || target == bearer.Username {
		return bearer.Username, nil
	}

	admin, err := s.users.IsAdmin(ctx, bearer.Username)
	if err != nil {
		return "", serverError("app_credentials", err)
	}
	if !admin {
		return "", NewOAuthError(KindAccessDenied, fmt.Sprintf("user %s may only manage their own credentials", bearer.Username))
	}
	return target, nil
}

// BearerFromRequest reads the access token from the access_token header, or
// from a Bearer Authorization header.
func BearerFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(AccessTokenHeader)); v != "" {
		return v
	}
	scheme, value, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(value)
	}
	return ""
}
