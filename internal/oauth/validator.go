package oauth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sort"
	"strings"

	"github.com/dgellow/oauth-front/internal/log"
)

// requiredAttributes are validated explicitly and never copied as extensions
var requiredAttributes = []string{
	AttrClientID,
	AttrRedirectURI,
	AttrResponseType,
	AttrGrantType,
	AttrScope,
	AttrState,
	"client_secret",
}

// ValidateOption tunes a single ValidateAuthorization call
type ValidateOption func(*validateOptions)

type validateOptions struct {
	allowEmptyScope bool
}

// AllowEmptyScope accepts a request whose reduced scope is empty
func AllowEmptyScope() ValidateOption {
	return func(o *validateOptions) {
		o.allowEmptyScope = true
	}
}

// AuthorizationRequestValidator runs the authorize-endpoint pipeline
type AuthorizationRequestValidator struct {
	clients ClientRegistry
}

func NewAuthorizationRequestValidator(clients ClientRegistry) *AuthorizationRequestValidator {
	return &AuthorizationRequestValidator{clients: clients}
}

// ValidateAuthorization validates an authorize request in a fixed order.
// Every step records what it captured before checking it, so a failed result
// still carries client_id, state and friends for the error response.
func (v *AuthorizationRequestValidator) ValidateAuthorization(ctx context.Context, provider *ProviderConfig, r *http.Request, username string, opts ...ValidateOption) AuthResult {
	var o validateOptions
	for _, opt := range opts {
		opt(&o)
	}

	attrs := NewAttributeList()
	result := AuthResult{Status: StatusFailed, Attributes: attrs}
	fail := func(err *OAuthError) AuthResult {
		result.Err = err
		log.LogDebugWithFields("authorize", "Authorization request rejected", map[string]any{
			"client_id": attrs.First(AttrClientID),
			"kind":      err.Kind.String(),
			"reason":    err.Description,
		})
		return result
	}

	if err := r.ParseForm(); err != nil {
		return fail(newOAuthErrorf(KindInvalidRequest, "malformed request: %v", err))
	}
	form := r.Form

	// 1. principal
	if username != "" {
		attrs.Set(AttrUsername, username)
	}

	// 2. state, singularity enforced later
	if states := form[AttrState]; len(states) > 0 {
		attrs.Set(AttrState, states...)
	}

	// 3. client_id
	clientIDs := form[AttrClientID]
	if len(clientIDs) > 1 {
		attrs.Set(AttrClientID, clientIDs[0])
		return fail(NewOAuthError(KindDuplicateParameter, "client_id was provided more than once"))
	}
	if len(clientIDs) == 0 || clientIDs[0] == "" {
		return fail(NewOAuthError(KindMissingParameter, "client_id is required"))
	}
	clientID := clientIDs[0]
	attrs.Set(AttrClientID, clientID)

	client, err := v.clients.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return fail(newOAuthErrorf(KindInvalidClient, "client %s is not registered", clientID))
		}
		return fail(serverError("authorize", err))
	}
	if !client.Enabled {
		return fail(newOAuthErrorf(KindInvalidClient, "client %s is disabled", clientID))
	}
	result.Client = client

	// 4. redirect_uri
	redirects := form[AttrRedirectURI]
	if len(redirects) > 1 {
		return fail(NewOAuthError(KindDuplicateParameter, "redirect_uri was provided more than once"))
	}
	requestedRedirect := ""
	if len(redirects) == 1 {
		requestedRedirect = redirects[0]
	}
	redirectURI, oauthErr := ValidateRedirectURI(client, requestedRedirect)
	if oauthErr != nil {
		return fail(oauthErr)
	}
	attrs.Set(AttrRedirectURI, redirectURI)

	// 5. response_type
	responseTypes := form[AttrResponseType]
	if len(responseTypes) > 1 {
		return fail(NewOAuthError(KindDuplicateParameter, "response_type was provided more than once"))
	}
	if len(responseTypes) == 0 || strings.TrimSpace(responseTypes[0]) == "" {
		return fail(NewOAuthError(KindMissingParameter, "response_type is required"))
	}
	responseType := responseTypes[0]
	attrs.Set(AttrResponseType, responseType)

	registeredResponseTypes := registeredTokens(client.ResponseTypes)
	for _, token := range strings.Fields(responseType) {
		if !slices.Contains(registeredResponseTypes, token) {
			return fail(newOAuthErrorf(KindInvalidResponseType, "response_type %q is not registered for this client", token))
		}
	}

	// 6. grant_type, explicit or inferred
	grantType := ""
	switch grants := form[AttrGrantType]; {
	case len(grants) > 1:
		return fail(NewOAuthError(KindDuplicateParameter, "grant_type was provided more than once"))
	case len(grants) == 1 && grants[0] != "":
		grantType = grants[0]
	default:
		grantType = inferGrantType(responseType)
	}
	if grantType == "" {
		return fail(newOAuthErrorf(KindInvalidResponseType, "response_type %q does not imply a grant type", responseType))
	}
	attrs.Set(AttrGrantType, grantType)

	// 7. grant_type allowed for client and provider
	if !grantAllowed(grantType, client.GrantTypes, provider.GrantTypesAllowed) {
		return fail(newOAuthErrorf(KindUnauthorizedClient, "grant_type %s is not allowed for this client", grantType))
	}

	// 8. response_type / grant_type pairing
	if !compatibleGrant(responseType, grantType) {
		return fail(newOAuthErrorf(KindInvalidResponseType, "response_type %q cannot be used with grant_type %s", responseType, grantType))
	}

	// 9. state singularity
	if len(form[AttrState]) > 1 {
		return fail(NewOAuthError(KindDuplicateParameter, "state was provided more than once"))
	}

	// 10. scope reduction
	scopes := form[AttrScope]
	if len(scopes) > 1 {
		return fail(NewOAuthError(KindDuplicateParameter, "scope was provided more than once"))
	}
	requestedScope := ""
	if len(scopes) == 1 {
		requestedScope = scopes[0]
	}
	reduced, err := ReduceScope(requestedScope, client)
	if err != nil {
		return fail(NewOAuthError(KindInvalidScope, err.Error()))
	}
	if len(reduced) == 0 && !o.allowEmptyScope {
		return fail(newOAuthErrorf(KindInvalidScope, "none of the requested scopes %q are registered for this client", requestedScope))
	}
	attrs.Set(AttrScope, reduced...)

	if oauthErr := validatePKCERequest(provider, client, grantType, form.Get("code_challenge"), form.Get("code_challenge_method")); oauthErr != nil {
		return fail(oauthErr)
	}

	// 11. extension attributes
	names := make([]string, 0, len(form))
	for name := range form {
		if !slices.Contains(requiredAttributes, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if name == ExtResource {
			if grantType != GrantImplicit {
				continue
			}
			resources, err := ResolveResources(form[name], client)
			if err != nil {
				return fail(NewOAuthError(KindInvalidRequest, err.Error()))
			}
			if len(resources) > 0 {
				attrs.Set(name, resources...)
			}
			continue
		}
		attrs.Set(name, form[name]...)
	}

	result.Status = StatusOK
	return result
}

// registeredTokens splits composite registrations like "code id_token"
func registeredTokens(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, strings.Fields(v)...)
	}
	return out
}

func validatePKCERequest(provider *ProviderConfig, client *Client, grantType, challenge, method string) *OAuthError {
	if grantType != GrantAuthorizationCode {
		return nil
	}
	if challenge == "" {
		if method != "" {
			return NewOAuthError(KindInvalidRequest, "code_challenge_method requires code_challenge")
		}
		if client.Public && provider.RequirePKCEForPublicClients {
			return NewOAuthError(KindInvalidRequest, "PKCE code_challenge is required for public clients")
		}
		return nil
	}
	if method != "" && method != PKCEMethodPlain && method != PKCEMethodS256 {
		return newOAuthErrorf(KindInvalidRequest, "unsupported code_challenge_method %q", method)
	}
	if !validPKCEValue(challenge) {
		return NewOAuthError(KindInvalidRequest, "code_challenge must be 43-128 unreserved characters")
	}
	return nil
}
