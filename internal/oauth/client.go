package oauth

import (
	"slices"
	"strings"
	"time"

	"github.com/ory/fosite"
	"golang.org/x/crypto/bcrypt"
)

var _ fosite.Client = (*Client)(nil)

// Client is a registered OAuth client. Secret holds a bcrypt hash; the
// plaintext is only returned at creation or rotation.
type Client struct {
	ID                     string    `json:"client_id"`
	Secret                 []byte    `json:"client_secret_hash,omitempty"`
	Name                   string    `json:"client_name,omitempty"`
	Public                 bool      `json:"public_client"`
	Enabled                bool      `json:"enabled"`
	RedirectURIs           []string  `json:"redirect_uris"`
	AllowRegexpRedirects   bool      `json:"allow_regexp_redirects"`
	GrantTypes             []string  `json:"grant_types"`
	ResponseTypes          []string  `json:"response_types"`
	Scope                  []string  `json:"scope"`
	PreAuthorizedScope     []string  `json:"preauthorized_scope,omitempty"`
	AppPasswordAllowed     bool      `json:"app_password_allowed"`
	AppTokenAllowed        bool      `json:"app_token_allowed"`
	TrustedURIPrefixes     []string  `json:"trusted_uri_prefixes,omitempty"`
	IntrospectTokens       bool      `json:"introspect_tokens"`
	FunctionalUserID       string    `json:"functional_user_id,omitempty"`
	FunctionalUserGroupIDs []string  `json:"functional_user_groupIds,omitempty"`
	ResourceIDs            []string  `json:"resource_ids,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
}

func (c *Client) GetID() string                      { return c.ID }
func (c *Client) GetHashedSecret() []byte            { return c.Secret }
func (c *Client) GetRedirectURIs() []string          { return c.RedirectURIs }
func (c *Client) GetGrantTypes() fosite.Arguments    { return c.GrantTypes }
func (c *Client) GetResponseTypes() fosite.Arguments { return c.ResponseTypes }
func (c *Client) GetScopes() fosite.Arguments        { return c.Scope }
func (c *Client) IsPublic() bool                     { return c.Public }
func (c *Client) GetAudience() fosite.Arguments      { return c.ResourceIDs }

// VerifySecret compares a plaintext secret with the stored hash
func (c *Client) VerifySecret(secret string) bool {
	if len(c.Secret) == 0 || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(c.Secret, []byte(secret)) == nil
}

// HasSecret reports whether a secret is registered
func (c *Client) HasSecret() bool {
	return len(c.Secret) > 0
}

// ScopeString is the registered scope in wire form
func (c *Client) ScopeString() string {
	return strings.Join(c.Scope, " ")
}

// AllowsCredential reports whether the client may mint the credential kind
func (c *Client) AllowsCredential(kind CredentialKind) bool {
	switch kind {
	case CredentialAppPassword:
		return c.AppPasswordAllowed
	case CredentialAppToken:
		return c.AppTokenAllowed
	}
	return false
}

func (c *Client) Clone() *Client {
	clone := *c
	clone.Secret = slices.Clone(c.Secret)
	clone.RedirectURIs = slices.Clone(c.RedirectURIs)
	clone.GrantTypes = slices.Clone(c.GrantTypes)
	clone.ResponseTypes = slices.Clone(c.ResponseTypes)
	clone.Scope = slices.Clone(c.Scope)
	clone.PreAuthorizedScope = slices.Clone(c.PreAuthorizedScope)
	clone.TrustedURIPrefixes = slices.Clone(c.TrustedURIPrefixes)
	clone.FunctionalUserGroupIDs = slices.Clone(c.FunctionalUserGroupIDs)
	clone.ResourceIDs = slices.Clone(c.ResourceIDs)
	return &clone
}
