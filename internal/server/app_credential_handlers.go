package server

import (
	"net/http"

	jsonwriter "github.com/dgellow/oauth-front/internal/json"
	"github.com/dgellow/oauth-front/internal/oauth"
)

// AppCredentialHandlers serves /app-passwords and /app-tokens. The client
// authenticates with Basic credentials; the user is identified by the access
// token in the access_token header.
type AppCredentialHandlers struct {
	auth     *oauth.ClientAuthenticator
	exchange *oauth.TokenExchangeService
	kind     oauth.CredentialKind
	endpoint oauth.EndpointType
}

func NewAppCredentialHandlers(auth *oauth.ClientAuthenticator, exchange *oauth.TokenExchangeService, kind oauth.CredentialKind) *AppCredentialHandlers {
	endpoint := oauth.EndpointAppPassword
	if kind == oauth.CredentialAppToken {
		endpoint = oauth.EndpointAppToken
	}
	return &AppCredentialHandlers{
		auth:     auth,
		exchange: exchange,
		kind:     kind,
		endpoint: endpoint,
	}
}

// CollectionHandler handles GET (list), POST (create) and DELETE (remove all
// for the user and client) on the collection
func (h *AppCredentialHandlers) CollectionHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPost:
	case http.MethodDelete:
		h.delete(w, r, "")
		return
	default:
		jsonwriter.WriteMethodNotAllowed(w, http.MethodGet, http.MethodPost, http.MethodDelete)
		return
	}
	ctx := r.Context()

	clientID, err := h.auth.Authenticate(ctx, r, h.endpoint, oauth.WithBasicOnly())
	if err != nil {
		oauth.WriteTokenError(w, oauth.AsOAuthError(err))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	if r.Method == http.MethodGet {
		list, err := h.exchange.List(ctx, h.kind, r, clientID)
		if err != nil {
			oauth.WriteTokenError(w, oauth.AsOAuthError(err))
			return
		}
		_ = jsonwriter.Write(w, list)
		return
	}

	created, err := h.exchange.Create(ctx, h.kind, r, clientID)
	if err != nil {
		oauth.WriteTokenError(w, oauth.AsOAuthError(err))
		return
	}
	_ = jsonwriter.WriteResponse(w, http.StatusCreated, created)
}

// ItemHandler handles DELETE /{id}
func (h *AppCredentialHandlers) ItemHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodDelete)
		return
	}
	h.delete(w, r, r.PathValue("id"))
}

func (h *AppCredentialHandlers) delete(w http.ResponseWriter, r *http.Request, appID string) {
	ctx := r.Context()

	clientID, err := h.auth.Authenticate(ctx, r, h.endpoint, oauth.WithBasicOnly())
	if err != nil {
		oauth.WriteTokenError(w, oauth.AsOAuthError(err))
		return
	}

	deleted, err := h.exchange.Delete(ctx, h.kind, r, clientID, appID)
	if err != nil {
		oauth.WriteTokenError(w, oauth.AsOAuthError(err))
		return
	}
	_ = jsonwriter.Write(w, map[string]int{"deleted": deleted})
}
