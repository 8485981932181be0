package oauth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dgellow/oauth-front/internal/crypto"
	"github.com/dgellow/oauth-front/internal/log"
)

var knownResponseTypes = []string{ResponseTypeCode, ResponseTypeToken, ResponseTypeIDToken}

// ClientRegistration is the body of a registration create or update
type ClientRegistration struct {
	ClientID                string   `json:"client_id,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	PreAuthorizedScope      string   `json:"preauthorized_scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Enabled                 *bool    `json:"enabled,omitempty"`
	AllowRegexpRedirects    bool     `json:"allow_regexp_redirects,omitempty"`
	AppPasswordAllowed      bool     `json:"app_password_allowed,omitempty"`
	AppTokenAllowed         bool     `json:"app_token_allowed,omitempty"`
	IntrospectTokens        bool     `json:"introspect_tokens,omitempty"`
	TrustedURIPrefixes      []string `json:"trusted_uri_prefixes,omitempty"`
	FunctionalUserID        string   `json:"functional_user_id,omitempty"`
	FunctionalUserGroupIDs  []string `json:"functional_user_groupIds,omitempty"`
	ResourceIDs             []string `json:"resource_ids,omitempty"`
	RotateSecret            bool     `json:"rotate_secret,omitempty"`
}

// Validate checks the registration before it is applied
func (reg ClientRegistration) Validate() error {
	if len(reg.RedirectURIs) == 0 && !slices.Contains(reg.GrantTypes, GrantClientCredentials) {
		return fmt.Errorf("no valid redirect URIs provided")
	}
	for _, uri := range reg.RedirectURIs {
		if pattern, ok := strings.CutPrefix(uri, RegexpRedirectPrefix); ok {
			if !reg.AllowRegexpRedirects {
				return fmt.Errorf("redirect URI %q is a pattern but allow_regexp_redirects is off", uri)
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("redirect URI pattern %q does not compile: %w", pattern, err)
			}
			continue
		}
		if !validRedirectURISyntax(uri) {
			return fmt.Errorf("redirect URI %q must be absolute and have no fragment", uri)
		}
	}
	for _, gt := range reg.GrantTypes {
		if !slices.Contains(DefaultGrantTypes, gt) {
			return fmt.Errorf("unknown grant type %q", gt)
		}
	}
	for _, rt := range registeredTokens(reg.ResponseTypes) {
		if !slices.Contains(knownResponseTypes, rt) {
			return fmt.Errorf("unknown response type %q", rt)
		}
	}
	for _, token := range strings.Fields(reg.Scope + " " + reg.PreAuthorizedScope) {
		if !validScopeToken(token) {
			return fmt.Errorf("scope token %q contains invalid characters", token)
		}
	}
	switch reg.TokenEndpointAuthMethod {
	case "", "none", "client_secret_basic", "client_secret_post":
	default:
		return fmt.Errorf("unsupported token_endpoint_auth_method %q", reg.TokenEndpointAuthMethod)
	}
	return nil
}

// apply copies the registration onto c
func (reg ClientRegistration) apply(c *Client) {
	c.Name = reg.ClientName
	c.Public = reg.TokenEndpointAuthMethod == "none"
	c.RedirectURIs = slices.Clone(reg.RedirectURIs)
	c.AllowRegexpRedirects = reg.AllowRegexpRedirects
	c.GrantTypes = slices.Clone(reg.GrantTypes)
	if len(c.GrantTypes) == 0 {
		c.GrantTypes = []string{GrantAuthorizationCode, GrantRefreshToken}
	}
	c.ResponseTypes = slices.Clone(reg.ResponseTypes)
	if len(c.ResponseTypes) == 0 {
		c.ResponseTypes = []string{ResponseTypeCode}
	}
	c.Scope = strings.Fields(reg.Scope)
	c.PreAuthorizedScope = strings.Fields(reg.PreAuthorizedScope)
	c.Enabled = reg.Enabled == nil || *reg.Enabled
	c.AppPasswordAllowed = reg.AppPasswordAllowed
	c.AppTokenAllowed = reg.AppTokenAllowed
	c.IntrospectTokens = reg.IntrospectTokens
	c.TrustedURIPrefixes = slices.Clone(reg.TrustedURIPrefixes)
	c.FunctionalUserID = reg.FunctionalUserID
	c.FunctionalUserGroupIDs = slices.Clone(reg.FunctionalUserGroupIDs)
	c.ResourceIDs = slices.Clone(reg.ResourceIDs)
}

// ClientRegistrar manages client records through the ClientRegistry
type ClientRegistrar struct {
	clients ClientRegistry
}

func NewClientRegistrar(clients ClientRegistry) *ClientRegistrar {
	return &ClientRegistrar{clients: clients}
}

// Register creates a client. The plaintext secret is returned once; public
// clients get none.
func (cr *ClientRegistrar) Register(ctx context.Context, reg ClientRegistration) (*Client, string, error) {
	if err := reg.Validate(); err != nil {
		return nil, "", NewOAuthError(KindInvalidRequest, err.Error())
	}

	id := reg.ClientID
	if id == "" {
		generated, err := crypto.GenerateRandomString(32)
		if err != nil {
			return nil, "", serverError("registration", err)
		}
		id = generated
	}

	client := &Client{ID: id, CreatedAt: time.Now()}
	reg.apply(client)

	secret := ""
	if !client.Public {
		var err error
		if secret, err = crypto.GenerateClientSecret(); err != nil {
			return nil, "", serverError("registration", err)
		}
		if client.Secret, err = crypto.HashClientSecret(secret); err != nil {
			return nil, "", serverError("registration", err)
		}
	}

	if err := cr.clients.Put(ctx, client); err != nil {
		if errors.Is(err, ErrClientExists) {
			return nil, "", newOAuthErrorf(KindInvalidRequest, "client %s already exists", id)
		}
		return nil, "", serverError("registration", err)
	}

	log.LogInfoWithFields("registration", "Registered client", map[string]any{
		"client_id": client.ID,
		"public":    client.Public,
	})
	return client, secret, nil
}

// Update replaces the metadata of an existing client, rotating its secret
// when asked or when it turns from public to confidential.
func (cr *ClientRegistrar) Update(ctx context.Context, clientID string, reg ClientRegistration) (*Client, string, error) {
	if reg.ClientID != "" && reg.ClientID != clientID {
		return nil, "", NewOAuthError(KindInvalidRequest, "client_id in body does not match the path")
	}
	if err := reg.Validate(); err != nil {
		return nil, "", NewOAuthError(KindInvalidRequest, err.Error())
	}

	client, err := cr.Get(ctx, clientID)
	if err != nil {
		return nil, "", err
	}
	reg.apply(client)

	secret := ""
	switch {
	case client.Public:
		client.Secret = nil
	case reg.RotateSecret || !client.HasSecret():
		if secret, err = crypto.GenerateClientSecret(); err != nil {
			return nil, "", serverError("registration", err)
		}
		if client.Secret, err = crypto.HashClientSecret(secret); err != nil {
			return nil, "", serverError("registration", err)
		}
	}

	if err := cr.clients.Update(ctx, client); err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, "", newOAuthErrorf(KindInvalidClient, "client %s is not registered", clientID)
		}
		return nil, "", serverError("registration", err)
	}
	return client, secret, nil
}

// Seed creates or replaces a client from startup configuration with the
// given plaintext secret. Existing clients keep their creation time.
func (cr *ClientRegistrar) Seed(ctx context.Context, reg ClientRegistration, secret string) (*Client, error) {
	if reg.ClientID == "" {
		return nil, fmt.Errorf("seeded clients need a client_id")
	}
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("client %s: %w", reg.ClientID, err)
	}

	client, err := cr.clients.Get(ctx, reg.ClientID)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrClientNotFound) {
		return nil, fmt.Errorf("loading client %s: %w", reg.ClientID, err)
	}
	if !exists {
		client = &Client{ID: reg.ClientID, CreatedAt: time.Now()}
	}
	reg.apply(client)

	client.Secret = nil
	if !client.Public {
		if secret == "" {
			return nil, fmt.Errorf("client %s is confidential and needs a secret", reg.ClientID)
		}
		if client.Secret, err = crypto.HashClientSecret(secret); err != nil {
			return nil, fmt.Errorf("hashing secret of %s: %w", reg.ClientID, err)
		}
	}

	if exists {
		err = cr.clients.Update(ctx, client)
	} else {
		err = cr.clients.Put(ctx, client)
	}
	if err != nil {
		return nil, fmt.Errorf("storing client %s: %w", reg.ClientID, err)
	}

	log.LogDebugWithFields("registration", "Seeded client", map[string]any{
		"client_id": client.ID,
		"replaced":  exists,
	})
	return client, nil
}

func (cr *ClientRegistrar) Get(ctx context.Context, clientID string) (*Client, error) {
	client, err := cr.clients.Get(ctx, clientID)
	if errors.Is(err, ErrClientNotFound) {
		return nil, newOAuthErrorf(KindInvalidClient, "client %s is not registered", clientID)
	}
	if err != nil {
		return nil, serverError("registration", err)
	}
	return client, nil
}

// Delete removes the client record. Tokens already issued to it stay valid
// until they expire.
func (cr *ClientRegistrar) Delete(ctx context.Context, clientID string) error {
	// TODO: revoke outstanding tokens of the deleted client once the token
	// stores can enumerate by client id.
	err := cr.clients.Delete(ctx, clientID)
	if errors.Is(err, ErrClientNotFound) {
		return newOAuthErrorf(KindInvalidClient, "client %s is not registered", clientID)
	}
	if err != nil {
		return serverError("registration", err)
	}
	log.LogInfoWithFields("registration", "Deleted client", map[string]any{
		"client_id": clientID,
	})
	return nil
}

func (cr *ClientRegistrar) List(ctx context.Context) ([]*Client, error) {
	clients, err := cr.clients.GetAll(ctx)
	if err != nil {
		return nil, serverError("registration", err)
	}
	slices.SortFunc(clients, func(a, b *Client) int {
		return strings.Compare(a.ID, b.ID)
	})
	return clients, nil
}
