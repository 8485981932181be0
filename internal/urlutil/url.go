// Package urlutil builds the URLs the authorization server hands out:
// endpoint URLs under the issuer and client redirects.
package urlutil

import (
	"net/url"
	"path"
	"strings"
)

// Endpoint returns the URL of an endpoint below issuer, keeping the issuer
// path as prefix
func Endpoint(issuer, endpoint string) (string, error) {
	u, err := url.Parse(issuer)
	if err != nil {
		return "", err
	}
	u.Path = path.Join("/", u.Path, endpoint)
	if strings.HasSuffix(endpoint, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// WithQuery adds params to the query of a registered redirect URI. Query
// parameters the client registered stay in place; params win on conflict.
func WithQuery(redirectURI string, params url.Values) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// WithFragment replaces the fragment of redirectURI with params, as the
// implicit grant requires
func WithFragment(redirectURI string, params url.Values) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String() + "#" + params.Encode(), nil
}
