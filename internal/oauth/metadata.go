package oauth

import (
	"slices"
	"strings"

	"github.com/dgellow/oauth-front/internal/urlutil"
)

// AuthorizationServerMetadata builds OAuth 2.0 Authorization Server Metadata per RFC 8414
// https://datatracker.ietf.org/doc/html/rfc8414
func AuthorizationServerMetadata(p *ProviderConfig) (map[string]any, error) {
	endpoints := map[string]string{
		"authorization_endpoint": "authorize",
		"token_endpoint":         "token",
		"revocation_endpoint":    "revoke",
		"introspection_endpoint": "introspect",
		"registration_endpoint":  "register",
	}

	md := map[string]any{"issuer": p.Issuer}
	for field, path := range endpoints {
		u, err := urlutil.Endpoint(p.Issuer, path)
		if err != nil {
			return nil, err
		}
		md[field] = u
	}

	responseTypes := []string{}
	if slices.Contains(p.GrantTypesAllowed, GrantAuthorizationCode) {
		responseTypes = append(responseTypes, ResponseTypeCode)
	}
	if slices.Contains(p.GrantTypesAllowed, GrantImplicit) {
		responseTypes = append(responseTypes, ResponseTypeToken, ResponseTypeIDToken+" "+ResponseTypeToken)
	}

	authMethods := []string{"client_secret_basic", "client_secret_post"}
	if p.AllowPublicClients {
		authMethods = append(authMethods, "none")
	}

	md["response_types_supported"] = responseTypes
	md["grant_types_supported"] = slices.Clone(p.GrantTypesAllowed)
	md["code_challenge_methods_supported"] = []string{PKCEMethodPlain, PKCEMethodS256}
	md["token_endpoint_auth_methods_supported"] = authMethods
	md["revocation_endpoint_auth_methods_supported"] = authMethods
	md["introspection_endpoint_auth_methods_supported"] = []string{"client_secret_basic", "client_secret_post"}
	md["response_modes_supported"] = []string{"query", "fragment"}
	md["resource_indicators_supported"] = true
	return md, nil
}

// OpenIDConfiguration is the discovery document served at
// /.well-known/openid-configuration
func OpenIDConfiguration(p *ProviderConfig) (map[string]any, error) {
	md, err := AuthorizationServerMetadata(p)
	if err != nil {
		return nil, err
	}
	md["subject_types_supported"] = []string{"public"}
	md["claims_parameter_supported"] = false
	md["request_parameter_supported"] = false
	return md, nil
}

// ClientMetadata is the RFC 7591 view of a registered client
type ClientMetadata struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   *int64   `json:"client_secret_expires_at,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope"`
	PreAuthorizedScope      string   `json:"preauthorized_scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Enabled                 bool     `json:"enabled"`
	AllowRegexpRedirects    bool     `json:"allow_regexp_redirects,omitempty"`
	AppPasswordAllowed      bool     `json:"app_password_allowed"`
	AppTokenAllowed         bool     `json:"app_token_allowed"`
	IntrospectTokens        bool     `json:"introspect_tokens"`
	TrustedURIPrefixes      []string `json:"trusted_uri_prefixes,omitempty"`
	FunctionalUserID        string   `json:"functional_user_id,omitempty"`
	FunctionalUserGroupIDs  []string `json:"functional_user_groupIds,omitempty"`
	ResourceIDs             []string `json:"resource_ids,omitempty"`
}

// BuildClientMetadata renders c. plaintextSecret is only set right after
// creation or rotation.
func BuildClientMetadata(c *Client, plaintextSecret string) ClientMetadata {
	authMethod := "client_secret_basic"
	if c.Public {
		authMethod = "none"
	}
	md := ClientMetadata{
		ClientID:                c.ID,
		ClientSecret:            plaintextSecret,
		ClientIDIssuedAt:        c.CreatedAt.Unix(),
		ClientName:              c.Name,
		RedirectURIs:            slices.Clone(c.RedirectURIs),
		GrantTypes:              slices.Clone(c.GrantTypes),
		ResponseTypes:           slices.Clone(c.ResponseTypes),
		Scope:                   c.ScopeString(),
		PreAuthorizedScope:      strings.Join(c.PreAuthorizedScope, " "),
		TokenEndpointAuthMethod: authMethod,
		Enabled:                 c.Enabled,
		AllowRegexpRedirects:    c.AllowRegexpRedirects,
		AppPasswordAllowed:      c.AppPasswordAllowed,
		AppTokenAllowed:         c.AppTokenAllowed,
		IntrospectTokens:        c.IntrospectTokens,
		TrustedURIPrefixes:      slices.Clone(c.TrustedURIPrefixes),
		FunctionalUserID:        c.FunctionalUserID,
		FunctionalUserGroupIDs:  slices.Clone(c.FunctionalUserGroupIDs),
		ResourceIDs:             slices.Clone(c.ResourceIDs),
	}
	if plaintextSecret != "" {
		never := int64(0)
		md.ClientSecretExpiresAt = &never
	}
	return md
}
