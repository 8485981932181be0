package oauth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dgellow/oauth-front/internal/crypto"
	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/metrics"
)

// TokenIssuer mints codes and tokens once a request has been validated
type TokenIssuer struct {
	provider *ProviderConfig
	clients  ClientRegistry
	tokens   TokenStore
	auth     *ClientAuthenticator
	format   AccessTokenFormat
	metrics  metrics.Recorder
}

func NewTokenIssuer(provider *ProviderConfig, clients ClientRegistry, tokens TokenStore, auth *ClientAuthenticator, recorder metrics.Recorder) *TokenIssuer {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &TokenIssuer{
		provider: provider,
		clients:  clients,
		tokens:   tokens,
		auth:     auth,
		format:   NewAccessTokenFormat(provider),
		metrics:  recorder,
	}
}

// IssueAuthorizationCode stores a single-use code for a validated and
// consented authorize request.
func (s *TokenIssuer) IssueAuthorizationCode(ctx context.Context, result AuthResult) (string, error) {
	if err := s.auth.CheckTokenLimit(ctx, result.Username(), result.ClientID(), 1); err != nil {
		return "", err
	}
	code, err := crypto.GenerateRandomString(s.provider.AuthorizationCodeLength)
	if err != nil {
		return "", serverError("token", err)
	}

	tok := &Token{
		ID:              code,
		Type:            TokenTypeAuthorizationCode,
		GrantType:       GrantAuthorizationCode,
		Username:        result.Username(),
		ClientID:        result.ClientID(),
		RedirectURI:     result.RedirectURI(),
		Scope:           result.Scope(),
		CreatedAt:       time.Now(),
		LifetimeSeconds: int64(s.provider.AuthorizationCodeLifetime / time.Second),
	}
	if challenge := result.Attributes.First(ExtCodeChallenge); challenge != "" {
		method := result.Attributes.First(ExtCodeChallengeMethod)
		if method == "" {
			method = PKCEMethodPlain
		}
		tok.SetExtension(ExtCodeChallenge, challenge)
		tok.SetExtension(ExtCodeChallengeMethod, method)
	}

	if err := s.tokens.Add(ctx, tok, s.provider.AuthorizationCodeLifetime); err != nil {
		return "", serverError("token", err)
	}
	s.metrics.RecordTokenIssued(string(TokenTypeAuthorizationCode), GrantAuthorizationCode)
	return code, nil
}

// IssueImplicit mints an access token delivered straight to the redirect URI
func (s *TokenIssuer) IssueImplicit(ctx context.Context, result AuthResult) (*TokenResponse, error) {
	if err := s.auth.CheckTokenLimit(ctx, result.Username(), result.ClientID(), 1); err != nil {
		return nil, err
	}
	access, err := s.newAccessToken(result.Username(), result.ClientID(), GrantImplicit, result.Scope(), "", result.Attributes.Get(ExtResource))
	if err != nil {
		return nil, err
	}
	if err := s.store(ctx, access); err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken: access.ID,
		TokenType:   "Bearer",
		ExpiresIn:   access.LifetimeSeconds,
		Scope:       strings.Join(access.Scope, " "),
		State:       result.State(),
	}, nil
}

// Token handles the token endpoint for an authenticated clientID
func (s *TokenIssuer) Token(ctx context.Context, r *http.Request, clientID string) (*TokenResponse, error) {
	grantType := r.Form.Get(AttrGrantType)
	if grantType == "" {
		return nil, NewOAuthError(KindMissingParameter, "grant_type is required")
	}

	client, err := s.clients.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, newOAuthErrorf(KindInvalidClient, "client %s is not registered", clientID)
		}
		return nil, serverError("token", err)
	}

	switch grantType {
	case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials, GrantPassword:
	case GrantJWTBearer:
		return nil, NewOAuthError(KindUnsupportedGrantType, "JWT bearer assertions are not supported")
	default:
		return nil, newOAuthErrorf(KindUnsupportedGrantType, "grant_type %s is not supported", grantType)
	}
	if !grantAllowed(grantType, client.GrantTypes, s.provider.GrantTypesAllowed) {
		return nil, newOAuthErrorf(KindUnauthorizedClient, "grant_type %s is not allowed for this client", grantType)
	}

	var resp *TokenResponse
	switch grantType {
	case GrantAuthorizationCode:
		resp, err = s.exchangeCode(ctx, r, client)
	case GrantRefreshToken:
		resp, err = s.refresh(ctx, r, client)
	case GrantClientCredentials:
		resp, err = s.clientCredentials(ctx, r, client)
	case GrantPassword:
		resp, err = s.password(ctx, r, client)
	}
	if err != nil {
		return nil, err
	}

	log.LogInfoWithFields("token", "Issued tokens", map[string]any{
		"client_id":  clientID,
		"grant_type": grantType,
		"refresh":    resp.RefreshToken != "",
	})
	return resp, nil
}

func (s *TokenIssuer) exchangeCode(ctx context.Context, r *http.Request, client *Client) (*TokenResponse, error) {
	code := r.Form.Get("code")
	if code == "" {
		return nil, NewOAuthError(KindMissingParameter, "code is required")
	}

	grant, err := s.tokens.Get(ctx, code)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, NewOAuthError(KindInvalidGrant, "authorization code is invalid or expired")
	}
	if err != nil {
		return nil, serverError("token", err)
	}
	if grant.Type != TokenTypeAuthorizationCode {
		return nil, NewOAuthError(KindInvalidGrant, "authorization code is invalid or expired")
	}

	// Single use: the code is gone whatever happens next. Losing the race
	// to a concurrent redemption is the same as an unknown code.
	err = s.tokens.Remove(ctx, code)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, NewOAuthError(KindInvalidGrant, "authorization code is invalid or expired")
	}
	if err != nil {
		return nil, serverError("token", err)
	}

	if grant.ClientID != client.ID {
		return nil, NewOAuthError(KindInvalidGrant, "authorization code was issued to another client")
	}
	if redirect := r.Form.Get(AttrRedirectURI); redirect != "" && redirect != grant.RedirectURI {
		return nil, NewOAuthError(KindInvalidGrant, "redirect_uri does not match the authorization request")
	}
	if challenge := grant.Extension(ExtCodeChallenge); challenge != "" {
		verifier := r.Form.Get("code_verifier")
		if verifier == "" {
			return nil, NewOAuthError(KindInvalidGrant, "code_verifier is required")
		}
		if !VerifyPKCEWithMethod(verifier, challenge, grant.Extension(ExtCodeChallengeMethod)) {
			return nil, NewOAuthError(KindInvalidGrant, "PKCE verification failed")
		}
	}

	return s.issuePair(ctx, client, grant.Username, GrantAuthorizationCode, grant.Scope, grant.Extensions[ExtResource])
}

func (s *TokenIssuer) refresh(ctx context.Context, r *http.Request, client *Client) (*TokenResponse, error) {
	value := r.Form.Get("refresh_token")
	if value == "" {
		return nil, NewOAuthError(KindMissingParameter, "refresh_token is required")
	}

	refresh, err := s.tokens.Get(ctx, value)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, NewOAuthError(KindInvalidGrant, "refresh token is invalid or expired")
	}
	if err != nil {
		return nil, serverError("token", err)
	}
	if refresh.Type != TokenTypeRefresh {
		return nil, NewOAuthError(KindInvalidGrant, "refresh token is invalid or expired")
	}
	if refresh.ClientID != client.ID {
		return nil, NewOAuthError(KindInvalidGrant, "refresh token was issued to another client")
	}

	scope := refresh.Scope
	if requested := r.Form.Get(AttrScope); requested != "" {
		scope = nil
		for _, sc := range strings.Fields(requested) {
			if !slices.Contains(refresh.Scope, sc) {
				return nil, newOAuthErrorf(KindInvalidScope, "scope %s was not granted to the refresh token", sc)
			}
			if !slices.Contains(scope, sc) {
				scope = append(scope, sc)
			}
		}
	}

	if err := s.auth.CheckTokenLimit(ctx, refresh.Username, client.ID, 1); err != nil {
		return nil, err
	}

	access, err := s.newAccessToken(refresh.Username, client.ID, GrantRefreshToken, scope, refresh.ID, refresh.Extensions[ExtResource])
	if err != nil {
		return nil, err
	}
	access.SetExtension(ExtOriginalGrantType, refresh.Extension(ExtOriginalGrantType))
	if err := s.store(ctx, access); err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken:  access.ID,
		TokenType:    "Bearer",
		ExpiresIn:    access.LifetimeSeconds,
		RefreshToken: refresh.ID,
		Scope:        strings.Join(access.Scope, " "),
	}, nil
}

func (s *TokenIssuer) clientCredentials(ctx context.Context, r *http.Request, client *Client) (*TokenResponse, error) {
	scope, err := ReduceScope(r.Form.Get(AttrScope), client)
	if err != nil {
		return nil, NewOAuthError(KindInvalidScope, err.Error())
	}
	if err := s.auth.CheckTokenLimit(ctx, client.ID, client.ID, 1); err != nil {
		return nil, err
	}

	access, err := s.newAccessToken(client.ID, client.ID, GrantClientCredentials, scope, "", nil)
	if err != nil {
		return nil, err
	}
	if err := s.store(ctx, access); err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken: access.ID,
		TokenType:   "Bearer",
		ExpiresIn:   access.LifetimeSeconds,
		Scope:       strings.Join(access.Scope, " "),
	}, nil
}

func (s *TokenIssuer) password(ctx context.Context, r *http.Request, client *Client) (*TokenResponse, error) {
	username := r.Form.Get("username")
	if err := s.auth.AuthenticateResourceOwner(ctx, client.ID, username, r.Form.Get("password")); err != nil {
		return nil, err
	}
	scope, err := ReduceScope(r.Form.Get(AttrScope), client)
	if err != nil {
		return nil, NewOAuthError(KindInvalidScope, err.Error())
	}
	return s.issuePair(ctx, client, username, GrantPassword, scope, nil)
}

// issuePair stores an access token and, when allowed, a refresh token that
// backs it.
func (s *TokenIssuer) issuePair(ctx context.Context, client *Client, username, grantType string, scope, resources []string) (*TokenResponse, error) {
	withRefresh := s.provider.IssueRefreshToken && grantAllowed(GrantRefreshToken, client.GrantTypes, s.provider.GrantTypesAllowed)
	issuing := 1
	if withRefresh {
		issuing++
	}
	if err := s.auth.CheckTokenLimit(ctx, username, client.ID, issuing); err != nil {
		return nil, err
	}

	var refresh *Token
	if withRefresh {
		id, err := crypto.GenerateRandomString(s.provider.RefreshTokenLength)
		if err != nil {
			return nil, serverError("token", err)
		}
		refresh = &Token{
			ID:              id,
			Type:            TokenTypeRefresh,
			GrantType:       grantType,
			Username:        username,
			ClientID:        client.ID,
			Scope:           slices.Clone(scope),
			CreatedAt:       time.Now(),
			LifetimeSeconds: int64(s.provider.RefreshTokenLifetime / time.Second),
		}
		refresh.SetExtension(ExtOriginalGrantType, grantType)
		if len(resources) > 0 {
			refresh.SetExtension(ExtResource, resources...)
		}
		if err := s.tokens.Add(ctx, refresh, s.provider.RefreshTokenLifetime); err != nil {
			return nil, serverError("token", err)
		}
		s.metrics.RecordTokenIssued(string(TokenTypeRefresh), grantType)
	}

	refreshKey := ""
	if refresh != nil {
		refreshKey = refresh.ID
	}
	access, err := s.newAccessToken(username, client.ID, grantType, scope, refreshKey, resources)
	if err != nil {
		return nil, err
	}
	if err := s.store(ctx, access); err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken: access.ID,
		TokenType:   "Bearer",
		ExpiresIn:   access.LifetimeSeconds,
		Scope:       strings.Join(scope, " "),
	}
	if refresh != nil {
		resp.RefreshToken = refresh.ID
	}
	return resp, nil
}

func (s *TokenIssuer) newAccessToken(username, clientID, grantType string, scope []string, refreshKey string, resources []string) (*Token, error) {
	tok := &Token{
		Type:            TokenTypeAccess,
		GrantType:       grantType,
		Username:        username,
		ClientID:        clientID,
		Scope:           slices.Clone(scope),
		CreatedAt:       time.Now(),
		LifetimeSeconds: int64(s.provider.AccessTokenLifetime / time.Second),
		RefreshTokenKey: refreshKey,
	}
	if len(resources) > 0 {
		tok.SetExtension(ExtResource, resources...)
	}
	id, err := s.format.Mint(tok)
	if err != nil {
		return nil, serverError("token", err)
	}
	tok.ID = id
	return tok, nil
}

func (s *TokenIssuer) store(ctx context.Context, tok *Token) error {
	if err := s.tokens.Add(ctx, tok, tok.Lifetime()); err != nil {
		return serverError("token", err)
	}
	s.metrics.RecordTokenIssued(string(tok.Type), tok.GrantType)
	return nil
}
