package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialHasher(t *testing.T) {
	salt := []byte("deployment-salt")

	tests := []struct {
		name      string
		algorithm string
		wantAlg   string
		wantErr   bool
	}{
		{name: "default is sha512", algorithm: "", wantAlg: AlgorithmPBKDF2SHA512},
		{name: "sha512", algorithm: AlgorithmPBKDF2SHA512, wantAlg: AlgorithmPBKDF2SHA512},
		{name: "sha256", algorithm: AlgorithmPBKDF2SHA256, wantAlg: AlgorithmPBKDF2SHA256},
		{name: "unknown", algorithm: "md5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewCredentialHasher(tt.algorithm, salt)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAlg, h.Algorithm())

			first := h.Hash("app-password")
			assert.Equal(t, first, h.Hash("app-password"), "hash must be deterministic")
			assert.NotEqual(t, first, h.Hash("other-password"))
			assert.NotContains(t, first, "app-password")
			assert.Len(t, first, credentialHashKeyLength*2)
		})
	}
}

func TestCredentialHasherSaltMatters(t *testing.T) {
	a, err := NewCredentialHasher(AlgorithmPBKDF2SHA512, []byte("salt-a"))
	require.NoError(t, err)
	b, err := NewCredentialHasher(AlgorithmPBKDF2SHA512, []byte("salt-b"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Hash("secret"), b.Hash("secret"))

	_, err = NewCredentialHasher(AlgorithmPBKDF2SHA512, nil)
	assert.Error(t, err)
}

func TestAlgorithmsDiffer(t *testing.T) {
	salt := []byte("salt")
	h512, _ := NewCredentialHasher(AlgorithmPBKDF2SHA512, salt)
	h256, _ := NewCredentialHasher(AlgorithmPBKDF2SHA256, salt)
	assert.NotEqual(t, h512.Hash("secret"), h256.Hash("secret"))
}
