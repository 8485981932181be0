package json

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dgellow/oauth-front/internal/log"
)

// ErrorResponse is the body of non-OAuth errors: login challenges, admin
// checks and method mismatches. OAuth endpoints use oauth.OAuthError.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteResponse encodes data with the given status. Every JSON body carries
// Cache-Control: no-store since most of them hold credentials.
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	if h.Get("Cache-Control") == "" {
		h.Set("Cache-Control", "no-store")
	}
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.LogErrorWithFields("http", "Failed to encode JSON response", map[string]any{
			"status": statusCode,
			"error":  err.Error(),
		})
		return err
	}
	return nil
}

// Write is WriteResponse with 200 OK
func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError writes an ErrorResponse. Headers are already sent when encoding
// fails, so there is no fallback body.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	_ = WriteResponse(w, statusCode, ErrorResponse{Error: code, Message: message})
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

// WriteLoginChallenge writes a 401 that asks the user agent for Basic
// credentials in the given realm
func WriteLoginChallenge(w http.ResponseWriter, realm, message string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s", charset="UTF-8"`, escapeQuotedString(realm)))
	WriteError(w, http.StatusUnauthorized, "login_required", message)
}

// WriteMethodNotAllowed answers 405 and lists the accepted methods in Allow
func WriteMethodNotAllowed(w http.ResponseWriter, allowed ...string) {
	list := strings.Join(allowed, ", ")
	w.Header().Set("Allow", list)
	WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Allowed methods: "+list)
}

// escapeQuotedString escapes backslash and double quote for an RFC 9110
// quoted-string
func escapeQuotedString(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func WriteInternalServerError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_server_error", message)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "forbidden", message)
}
