package server

import (
	"encoding/json"
	"net/http"

	jsonwriter "github.com/dgellow/oauth-front/internal/json"
	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/oauth"
)

const maxRegistrationBody = 64 << 10

// RegistrationHandlers exposes client registration to administrators
type RegistrationHandlers struct {
	registrar *oauth.ClientRegistrar
}

func NewRegistrationHandlers(registrar *oauth.ClientRegistrar) *RegistrationHandlers {
	return &RegistrationHandlers{registrar: registrar}
}

// ClientList is the body of GET /register
type ClientList struct {
	Clients []oauth.ClientMetadata `json:"clients"`
}

// CollectionHandler handles POST /register (create) and GET /register (list)
func (h *RegistrationHandlers) CollectionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		clients, err := h.registrar.List(ctx)
		if err != nil {
			h.writeError(w, err)
			return
		}
		list := ClientList{Clients: make([]oauth.ClientMetadata, 0, len(clients))}
		for _, c := range clients {
			list.Clients = append(list.Clients, oauth.BuildClientMetadata(c, ""))
		}
		_ = jsonwriter.Write(w, list)

	case http.MethodPost:
		reg, ok := decodeRegistration(w, r)
		if !ok {
			return
		}
		client, secret, err := h.registrar.Register(ctx, reg)
		if err != nil {
			h.writeError(w, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		_ = jsonwriter.WriteResponse(w, http.StatusCreated, oauth.BuildClientMetadata(client, secret))

	default:
		jsonwriter.WriteMethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// ClientHandler handles GET, PUT and DELETE on /register/{client_id}
func (h *RegistrationHandlers) ClientHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := r.PathValue("client_id")
	if clientID == "" {
		jsonwriter.WriteBadRequest(w, "client_id is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		client, err := h.registrar.Get(ctx, clientID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		_ = jsonwriter.Write(w, oauth.BuildClientMetadata(client, ""))

	case http.MethodPut:
		reg, ok := decodeRegistration(w, r)
		if !ok {
			return
		}
		client, secret, err := h.registrar.Update(ctx, clientID, reg)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if secret != "" {
			w.Header().Set("Cache-Control", "no-store")
		}
		_ = jsonwriter.Write(w, oauth.BuildClientMetadata(client, secret))

	case http.MethodDelete:
		if err := h.registrar.Delete(ctx, clientID); err != nil {
			h.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		jsonwriter.WriteMethodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func decodeRegistration(w http.ResponseWriter, r *http.Request) (oauth.ClientRegistration, bool) {
	var reg oauth.ClientRegistration
	r.Body = http.MaxBytesReader(w, r.Body, maxRegistrationBody)
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		log.LogDebugWithFields("registration", "Malformed registration body", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteBadRequest(w, "Invalid client metadata")
		return oauth.ClientRegistration{}, false
	}
	return reg, true
}

// writeError maps an unknown client to 404; everything else keeps the
// OAuth error shape
func (h *RegistrationHandlers) writeError(w http.ResponseWriter, err error) {
	oauthErr := oauth.AsOAuthError(err)
	if oauthErr.Kind == oauth.KindInvalidClient {
		jsonwriter.WriteNotFound(w, oauthErr.Description)
		return
	}
	oauth.WriteTokenError(w, oauthErr)
}
