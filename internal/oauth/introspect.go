package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/metrics"
)

// IntrospectionResponse is the RFC 7662 body. Claims from the user registry
// are merged in without overriding the standard members.
type IntrospectionResponse struct {
	Active                 bool     `json:"active"`
	Subject                string   `json:"sub,omitempty"`
	ClientID               string   `json:"client_id,omitempty"`
	Scope                  string   `json:"scope,omitempty"`
	IssuedAt               int64    `json:"iat,omitempty"`
	ExpiresAt              int64    `json:"exp,omitempty"`
	TokenType              string   `json:"token_type,omitempty"`
	Issuer                 string   `json:"iss,omitempty"`
	GrantType              string   `json:"grant_type,omitempty"`
	FunctionalUserID       string   `json:"functional_user_id,omitempty"`
	FunctionalUserGroupIDs []string `json:"functional_user_groupIds,omitempty"`

	Claims map[string]any `json:"-"`
}

func (r IntrospectionResponse) MarshalJSON() ([]byte, error) {
	type plain IntrospectionResponse
	base, err := json.Marshal(plain(r))
	if err != nil || len(r.Claims) == 0 {
		return base, err
	}

	merged := make(map[string]any, len(r.Claims)+8)
	for k, v := range r.Claims {
		merged[k] = v
	}
	var standard map[string]any
	if err := json.Unmarshal(base, &standard); err != nil {
		return nil, err
	}
	for k, v := range standard {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// TokenIntrospector answers introspection requests from resource servers
type TokenIntrospector struct {
	provider *ProviderConfig
	clients  ClientRegistry
	tokens   TokenStore
	users    UserRegistry
	hasher   Hasher
	metrics  metrics.Recorder

	// bindMu serializes first-use binding of app-tokens in this process
	bindMu sync.Mutex
}

func NewTokenIntrospector(provider *ProviderConfig, clients ClientRegistry, tokens TokenStore, users UserRegistry, hasher Hasher, recorder metrics.Recorder) *TokenIntrospector {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &TokenIntrospector{
		provider: provider,
		clients:  clients,
		tokens:   tokens,
		users:    users,
		hasher:   hasher,
		metrics:  recorder,
	}
}

// Introspect looks value up on behalf of the authenticated clientID.
// Unknown, expired and foreign tokens all answer {"active": false}.
func (i *TokenIntrospector) Introspect(ctx context.Context, clientID, value string) (*IntrospectionResponse, error) {
	caller, err := i.clients.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, newOAuthErrorf(KindInvalidClient, "client %s is not registered", clientID)
		}
		return nil, serverError("introspect", err)
	}
	if !caller.Enabled {
		return nil, newOAuthErrorf(KindInvalidClient, "client %s is disabled", clientID)
	}
	if !caller.IntrospectTokens {
		return nil, newOAuthErrorf(KindUnauthorizedClient, "client %s is not allowed to introspect tokens", clientID)
	}
	if value == "" {
		return nil, NewOAuthError(KindMissingParameter, "token is required")
	}

	tok, err := i.lookup(ctx, value)
	if err != nil {
		return nil, err
	}
	if tok == nil || tok.Expired() || tok.Type != TokenTypeAccess || tok.GrantType == GrantAppPassword {
		return i.answer(&IntrospectionResponse{}, "inactive", clientID), nil
	}

	if tok.GrantType == GrantAppToken {
		allowed, err := i.checkUsedBy(ctx, tok, clientID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return i.answer(&IntrospectionResponse{}, "foreign", clientID), nil
		}
	}

	resp := &IntrospectionResponse{
		Active:    true,
		Subject:   tok.Username,
		ClientID:  tok.ClientID,
		Scope:     strings.Join(tok.Scope, " "),
		IssuedAt:  tok.CreatedAt.Unix(),
		ExpiresAt: tok.ExpiresAt().Unix(),
		TokenType: "bearer",
		Issuer:    i.provider.Issuer,
		GrantType: tok.GrantType,
	}

	if tok.Username != "" && i.users != nil {
		claims, err := i.users.Claims(ctx, tok.Username)
		if err != nil {
			log.LogWarnWithFields("introspect", "Failed to retrieve user claims", map[string]any{
				"user":  tok.Username,
				"error": err.Error(),
			})
		} else {
			resp.Claims = claims
		}
	}

	if tok.GrantType == GrantClientCredentials {
		owner := caller
		if tok.ClientID != caller.ID {
			owner, err = i.clients.Get(ctx, tok.ClientID)
			if err != nil && !errors.Is(err, ErrClientNotFound) {
				return nil, serverError("introspect", err)
			}
		}
		if owner != nil {
			resp.FunctionalUserID = owner.FunctionalUserID
			resp.FunctionalUserGroupIDs = slices.Clone(owner.FunctionalUserGroupIDs)
		}
	}

	return i.answer(resp, "active", clientID), nil
}

// lookup tries the token as a store id, then as an app credential
func (i *TokenIntrospector) lookup(ctx context.Context, value string) (*Token, error) {
	tok, err := i.tokens.Get(ctx, value)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, ErrTokenNotFound) {
		return nil, serverError("introspect", err)
	}

	tok, err = i.tokens.GetByHash(ctx, i.hasher.Hash(value))
	if errors.Is(err, ErrTokenNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, serverError("introspect", err)
	}
	return tok, nil
}

// checkUsedBy binds an unbound app-token to clientID, or reports whether
// clientID is its bound introspector.
func (i *TokenIntrospector) checkUsedBy(ctx context.Context, tok *Token, clientID string) (bool, error) {
	if usedBy := tok.Extensions[ExtUsedBy]; len(usedBy) > 0 {
		return slices.Contains(usedBy, clientID), nil
	}

	i.bindMu.Lock()
	defer i.bindMu.Unlock()

	// Re-read under the lock in case another request bound it first.
	if fresh, err := i.tokens.GetByHash(ctx, tok.Hash); err == nil {
		if usedBy := fresh.Extensions[ExtUsedBy]; len(usedBy) > 0 {
			return slices.Contains(usedBy, clientID), nil
		}
		tok = fresh
	}

	tok.SetExtension(ExtUsedBy, clientID)
	if err := i.tokens.Put(ctx, tok); err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return false, nil
		}
		return false, serverError("introspect", err)
	}
	log.LogInfoWithFields("introspect", "Bound app-token to introspecting client", map[string]any{
		"client_id": clientID,
		"app_id":    tok.Extension(ExtAppID),
		"user":      tok.Username,
	})
	return true, nil
}

func (i *TokenIntrospector) answer(resp *IntrospectionResponse, result, clientID string) *IntrospectionResponse {
	i.metrics.RecordIntrospection(result)
	log.LogTraceWithFields("introspect", "Introspection answered", map[string]any{
		"client_id": clientID,
		"result":    result,
	})
	return resp
}
