package oauth

import (
	"slices"
	"strings"
)

// Grant types known to the core
const (
	GrantAuthorizationCode = "authorization_code"
	GrantImplicit          = "implicit"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
	GrantPassword          = "password"
	GrantJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	GrantAppPassword       = "app_password"
	GrantAppToken          = "app_token"
)

// Response types accepted at the authorize endpoint
const (
	ResponseTypeCode    = "code"
	ResponseTypeToken   = "token"
	ResponseTypeIDToken = "id_token"
)

// requiresConfidentialClient lists grants a public client may never use
func requiresConfidentialClient(grantType string) bool {
	return grantType == GrantClientCredentials || grantType == GrantJWTBearer
}

// inferGrantType derives the grant from a response_type value when the
// request carries no explicit grant_type.
func inferGrantType(responseType string) string {
	tokens := strings.Fields(responseType)
	if slices.Contains(tokens, ResponseTypeToken) || slices.Contains(tokens, ResponseTypeIDToken) {
		return GrantImplicit
	}
	if slices.Contains(tokens, ResponseTypeCode) {
		return GrantAuthorizationCode
	}
	return ""
}

// compatibleGrant reports whether response_type and grant_type form one of
// the two legal pairings.
func compatibleGrant(responseType, grantType string) bool {
	tokens := strings.Fields(responseType)
	switch grantType {
	case GrantAuthorizationCode:
		return len(tokens) == 1 && tokens[0] == ResponseTypeCode
	case GrantImplicit:
		return slices.Contains(tokens, ResponseTypeToken) || slices.Contains(tokens, ResponseTypeIDToken)
	}
	return false
}

// grantAllowed checks grantType against the client's registered grants and
// the provider's allowed grants. An empty registered set allows everything
// the provider allows.
func grantAllowed(grantType string, registered, providerAllowed []string) bool {
	if len(registered) > 0 && !slices.Contains(registered, grantType) {
		return false
	}
	return slices.Contains(providerAllowed, grantType)
}
