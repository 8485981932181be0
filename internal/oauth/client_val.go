package oauth

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/ory/fosite"
)

// RegexpRedirectPrefix marks a registered redirect URI as a pattern. Patterns
// are only honored when the client has AllowRegexpRedirects set.
const RegexpRedirectPrefix = "regexp:"

// literalRedirectURIs returns the registered URIs that are not patterns
func literalRedirectURIs(client *Client) []string {
	var out []string
	for _, uri := range client.RedirectURIs {
		if !strings.HasPrefix(uri, RegexpRedirectPrefix) {
			out = append(out, uri)
		}
	}
	return out
}

// validRedirectURISyntax checks that uri is absolute and has no fragment
func validRedirectURISyntax(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil || u.Fragment != "" {
		return false
	}
	return fosite.IsValidRedirectURI(u)
}

// matchRedirectURI reports whether uri is registered for client
func matchRedirectURI(client *Client, uri string) bool {
	for _, registered := range client.RedirectURIs {
		pattern, isPattern := strings.CutPrefix(registered, RegexpRedirectPrefix)
		if !isPattern {
			if registered == uri {
				return true
			}
			continue
		}
		if !client.AllowRegexpRedirects {
			continue
		}
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			continue
		}
		if re.MatchString(uri) {
			return true
		}
	}
	return false
}

// ValidateRedirectURI resolves the redirect_uri for client. An empty uri is
// allowed only when exactly one literal URI is registered.
func ValidateRedirectURI(client *Client, uri string) (string, *OAuthError) {
	if uri == "" {
		literal := literalRedirectURIs(client)
		if len(literal) != 1 {
			return "", NewOAuthError(KindMissingParameter, "redirect_uri is required")
		}
		return literal[0], nil
	}
	if !validRedirectURISyntax(uri) {
		return "", newOAuthErrorf(KindInvalidRedirectURI, "redirect_uri %q is not a valid absolute URI", uri)
	}
	if !matchRedirectURI(client, uri) {
		return "", newOAuthErrorf(KindInvalidRedirectURI, "redirect_uri %q does not match a registered redirect URI", uri)
	}
	return uri, nil
}

// validScopeToken checks the RFC 6749 3.3 scope-token charset:
// %x21 / %x23-5B / %x5D-7E
func validScopeToken(token string) bool {
	if token == "" {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if c < 0x21 || c > 0x7e || c == '"' || c == '\\' {
			return false
		}
	}
	return true
}

// ReduceScope intersects the requested scope tokens with the client's
// registered scope. Unregistered tokens are dropped; malformed tokens fail.
// The result keeps request order without duplicates.
func ReduceScope(requested string, client *Client) ([]string, error) {
	registered := fosite.Arguments(client.Scope)
	var reduced []string
	for _, token := range strings.Fields(requested) {
		if !validScopeToken(token) {
			return nil, fmt.Errorf("scope token %q contains invalid characters", token)
		}
		if !fosite.ExactScopeStrategy(registered, token) {
			continue
		}
		if !slices.Contains(reduced, token) {
			reduced = append(reduced, token)
		}
	}
	return reduced, nil
}
