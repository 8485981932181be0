package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGenerateRandomString(t *testing.T) {
	tests := []struct {
		name    string
		length  int
		wantErr bool
	}{
		{"single character", 1, false},
		{"authorization code", 30, false},
		{"access token", 40, false},
		{"refresh token", 50, false},
		{"zero", 0, true},
		{"negative", -5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := GenerateRandomString(tt.length)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, s, tt.length)
			assert.Empty(t, strings.Trim(s, alphanumeric), "only alphanumeric characters")
		})
	}

	seen := make(map[string]bool)
	for range 100 {
		s, err := GenerateRandomString(40)
		require.NoError(t, err)
		assert.False(t, seen[s], "duplicate value %q", s)
		seen[s] = true
	}
}

func TestGenerateSecureToken(t *testing.T) {
	token, err := GenerateSecureToken()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	other, err := GenerateSecureToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestClientSecrets(t *testing.T) {
	secret, err := GenerateClientSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 48)

	hashed, err := HashClientSecret(secret)
	require.NoError(t, err)
	assert.NotContains(t, string(hashed), secret)
	assert.NoError(t, bcrypt.CompareHashAndPassword(hashed, []byte(secret)))
	assert.ErrorIs(t, bcrypt.CompareHashAndPassword(hashed, []byte(secret+"x")), bcrypt.ErrMismatchedHashAndPassword)

	again, err := HashClientSecret(secret)
	require.NoError(t, err)
	assert.NotEqual(t, hashed, again, "bcrypt salts every hash")
}
