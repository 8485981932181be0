package json

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteLoginChallenge(t *testing.T) {
	tests := []struct {
		name       string
		realm      string
		wantHeader string
	}{
		{
			name:       "plain realm",
			realm:      "oauth-front",
			wantHeader: `Basic realm="oauth-front", charset="UTF-8"`,
		},
		{
			name:       "quotes and backslashes",
			realm:      `corp "sso" \ eu`,
			wantHeader: `Basic realm="corp \"sso\" \\ eu", charset="UTF-8"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteLoginChallenge(w, tt.realm, "Sign in to continue")

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, tt.wantHeader, w.Header().Get("WWW-Authenticate"))
			assert.JSONEq(t, `{"error":"login_required","message":"Sign in to continue"}`, w.Body.String())
		})
	}
}

func TestWriteUnauthorizedHasNoChallenge(t *testing.T) {
	w := httptest.NewRecorder()
	WriteUnauthorized(w, "Unauthorized")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, w.Header().Get("WWW-Authenticate"))
}

func TestWriteMethodNotAllowed(t *testing.T) {
	w := httptest.NewRecorder()
	WriteMethodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "GET, PUT, DELETE", w.Header().Get("Allow"))
	assert.Contains(t, w.Body.String(), "method_not_allowed")
}

func TestWriteResponseCacheControl(t *testing.T) {
	t.Run("defaults to no-store", func(t *testing.T) {
		w := httptest.NewRecorder()
		assert.NoError(t, Write(w, map[string]string{"status": "ok"}))
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	})

	t.Run("keeps a caller value", func(t *testing.T) {
		w := httptest.NewRecorder()
		w.Header().Set("Cache-Control", "public, max-age=60")
		assert.NoError(t, WriteResponse(w, http.StatusCreated, struct{}{}))
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, "public, max-age=60", w.Header().Get("Cache-Control"))
	})

	t.Run("unencodable value", func(t *testing.T) {
		w := httptest.NewRecorder()
		assert.Error(t, Write(w, make(chan int)))
	})
}
