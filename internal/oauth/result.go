package oauth

import "strings"

// AuthStatus is the outcome of a pipeline stage
type AuthStatus int

const (
	StatusOK AuthStatus = iota
	StatusFailed
	StatusChallenge
	StatusContinue
)

func (s AuthStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusFailed:
		return "FAILED"
	case StatusChallenge:
		return "CHALLENGE"
	case StatusContinue:
		return "CONTINUE"
	default:
		return "UNKNOWN"
	}
}

// AuthResult is built fresh per request and never persisted. Attributes
// holds everything captured up to the point of failure.
type AuthResult struct {
	Status     AuthStatus
	Attributes *AttributeList
	Err        *OAuthError
	// Client is the resolved client record, set once client_id validates.
	Client *Client
}

func (r AuthResult) OK() bool {
	return r.Status == StatusOK
}

func (r AuthResult) ClientID() string {
	return r.Attributes.First(AttrClientID)
}

func (r AuthResult) RedirectURI() string {
	return r.Attributes.First(AttrRedirectURI)
}

func (r AuthResult) State() string {
	return r.Attributes.First(AttrState)
}

func (r AuthResult) Username() string {
	return r.Attributes.First(AttrUsername)
}

func (r AuthResult) ResponseType() string {
	return r.Attributes.First(AttrResponseType)
}

func (r AuthResult) GrantType() string {
	return r.Attributes.First(AttrGrantType)
}

// Scope returns the reduced scope set
func (r AuthResult) Scope() []string {
	return r.Attributes.Get(AttrScope)
}

// Implicit reports whether the response is delivered in the fragment
func (r AuthResult) Implicit() bool {
	return r.GrantType() == GrantImplicit
}

// ResponseTypes splits the response_type attribute into its tokens
func (r AuthResult) ResponseTypes() []string {
	return strings.Fields(r.ResponseType())
}
