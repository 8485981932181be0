package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/urlutil"
)

// ErrorCode is the RFC 6749 / 7009 / 7662 wire value of an error
type ErrorCode string

const (
	ErrInvalidRequest          ErrorCode = "invalid_request"
	ErrInvalidClient           ErrorCode = "invalid_client"
	ErrInvalidGrant            ErrorCode = "invalid_grant"
	ErrUnauthorizedClient      ErrorCode = "unauthorized_client"
	ErrUnsupportedGrantType    ErrorCode = "unsupported_grant_type"
	ErrUnsupportedResponseType ErrorCode = "unsupported_response_type"
	ErrInvalidScope            ErrorCode = "invalid_scope"
	ErrInvalidToken            ErrorCode = "invalid_token"
	ErrAccessDenied            ErrorCode = "access_denied"
	ErrLoginRequired           ErrorCode = "login_required"
	ErrConsentRequired         ErrorCode = "consent_required"
	ErrServerError             ErrorCode = "server_error"
)

// ErrorKind classifies a failure inside the core. Several kinds share a wire
// code; the kind is what callers and tests branch on.
type ErrorKind int

const (
	KindInvalidRequest ErrorKind = iota
	KindMissingParameter
	KindDuplicateParameter
	KindInvalidClient
	KindInvalidRedirectURI
	KindInvalidResponseType
	KindUnsupportedGrantType
	KindUnauthorizedClient
	KindInvalidScope
	KindInvalidGrant
	KindInvalidToken
	KindAccessDenied
	KindLoginRequired
	KindConsentRequired
	KindServerError
)

var kindTable = map[ErrorKind]struct {
	name   string
	code   ErrorCode
	status int
}{
	KindInvalidRequest:       {"invalid_request", ErrInvalidRequest, http.StatusBadRequest},
	KindMissingParameter:     {"missing_parameter", ErrInvalidRequest, http.StatusBadRequest},
	KindDuplicateParameter:   {"duplicate_parameter", ErrInvalidRequest, http.StatusBadRequest},
	KindInvalidClient:        {"invalid_client", ErrInvalidClient, http.StatusBadRequest},
	KindInvalidRedirectURI:   {"invalid_redirect_uri", ErrInvalidRequest, http.StatusBadRequest},
	KindInvalidResponseType:  {"invalid_response_type", ErrUnsupportedResponseType, http.StatusBadRequest},
	KindUnsupportedGrantType: {"unsupported_grant_type", ErrUnsupportedGrantType, http.StatusBadRequest},
	KindUnauthorizedClient:   {"unauthorized_client", ErrUnauthorizedClient, http.StatusBadRequest},
	KindInvalidScope:         {"invalid_scope", ErrInvalidScope, http.StatusBadRequest},
	KindInvalidGrant:         {"invalid_grant", ErrInvalidGrant, http.StatusBadRequest},
	KindInvalidToken:         {"invalid_token", ErrInvalidToken, http.StatusUnauthorized},
	KindAccessDenied:         {"access_denied", ErrAccessDenied, http.StatusBadRequest},
	KindLoginRequired:        {"login_required", ErrLoginRequired, http.StatusBadRequest},
	KindConsentRequired:      {"consent_required", ErrConsentRequired, http.StatusBadRequest},
	KindServerError:          {"server_error", ErrServerError, http.StatusInternalServerError},
}

func (k ErrorKind) String() string {
	if e, ok := kindTable[k]; ok {
		return e.name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Code returns the wire error code for the kind
func (k ErrorKind) Code() ErrorCode {
	if e, ok := kindTable[k]; ok {
		return e.code
	}
	return ErrServerError
}

// OAuthError is the single error type produced by the core.
//
// Scheme is set when the caller authenticated with an Authorization header,
// or must; invalid_client errors then answer 401 and echo the scheme in
// WWW-Authenticate.
type OAuthError struct {
	Kind        ErrorKind `json:"-"`
	Code        ErrorCode `json:"error"`
	Description string    `json:"error_description,omitempty"`
	Scheme      string    `json:"-"`
	cause       error
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Description)
	}
	return e.Kind.String()
}

func (e *OAuthError) Unwrap() error {
	return e.cause
}

// Status is the HTTP status the boundary should answer with
func (e *OAuthError) Status() int {
	if e.Kind == KindInvalidClient && e.Scheme != "" {
		return http.StatusUnauthorized
	}
	if entry, ok := kindTable[e.Kind]; ok {
		return entry.status
	}
	return http.StatusInternalServerError
}

// WithScheme records the Authorization scheme the caller used
func (e *OAuthError) WithScheme(scheme string) *OAuthError {
	e.Scheme = scheme
	return e
}

func NewOAuthError(kind ErrorKind, description string) *OAuthError {
	return &OAuthError{Kind: kind, Code: kind.Code(), Description: description}
}

func newOAuthErrorf(kind ErrorKind, format string, args ...any) *OAuthError {
	return NewOAuthError(kind, fmt.Sprintf(format, args...))
}

// serverError wraps an unexpected failure (store unreachable, hash algorithm
// missing). It is logged here and never retried.
func serverError(component string, err error) *OAuthError {
	log.LogErrorWithFields(component, "Internal failure", map[string]any{
		"error": err.Error(),
	})
	return &OAuthError{Kind: KindServerError, Code: ErrServerError, Description: "internal server error", cause: err}
}

// AsOAuthError extracts an *OAuthError, converting anything else into a
// server error.
func AsOAuthError(err error) *OAuthError {
	if err == nil {
		return nil
	}
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return &OAuthError{Kind: KindServerError, Code: ErrServerError, Description: "internal server error", cause: err}
}

// IsKind reports whether err is an *OAuthError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var oauthErr *OAuthError
	return errors.As(err, &oauthErr) && oauthErr.Kind == kind
}

// WriteAuthorizeError redirects the user agent back to the client with the
// error in the query, or in the fragment for implicit responses. Without a
// validated redirect URI the error is rendered as JSON instead.
func WriteAuthorizeError(w http.ResponseWriter, r *http.Request, redirectURI, state string, fragment bool, oauthErr *OAuthError) {
	if redirectURI == "" || oauthErr.Kind == KindServerError {
		WriteTokenError(w, oauthErr)
		return
	}

	values := url.Values{"error": {string(oauthErr.Code)}}
	if oauthErr.Description != "" {
		values.Set("error_description", oauthErr.Description)
	}
	if state != "" {
		values.Set("state", state)
	}

	build := urlutil.WithQuery
	if fragment {
		build = urlutil.WithFragment
	}
	target, err := build(redirectURI, values)
	if err != nil {
		WriteTokenError(w, oauthErr)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// WriteTokenError writes a JSON error for token, revoke, introspect and app
// credential endpoints. Server errors carry no OAuth-shaped body.
func WriteTokenError(w http.ResponseWriter, oauthErr *OAuthError) {
	status := oauthErr.Status()
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if oauthErr.Kind == KindServerError {
		http.Error(w, http.StatusText(status), status)
		return
	}

	if status == http.StatusUnauthorized {
		scheme := oauthErr.Scheme
		if scheme == "" {
			scheme = "Bearer"
		}
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`%s error="%s"`, scheme, oauthErr.Code))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(oauthErr); err != nil {
		log.LogError("Failed to encode OAuth error response: %v", err)
	}
}
