package oauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizationServerMetadata(t *testing.T) {
	tests := []struct {
		name    string
		issuer  string
		wantErr bool
	}{
		{name: "valid issuer", issuer: "https://example.com"},
		{name: "issuer with path", issuer: "https://example.com/oauth"},
		{name: "invalid issuer", issuer: "://invalid", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ProviderConfig{Issuer: tt.issuer}.WithDefaults()
			metadata, err := AuthorizationServerMetadata(&p)
			if (err != nil) != tt.wantErr {
				t.Errorf("AuthorizationServerMetadata() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}

			if metadata["issuer"] != tt.issuer {
				t.Errorf("issuer = %v, want %v", metadata["issuer"], tt.issuer)
			}
			for _, field := range []string{"authorization_endpoint", "token_endpoint", "revocation_endpoint", "introspection_endpoint", "registration_endpoint"} {
				if metadata[field] == nil {
					t.Errorf("%s is nil", field)
				}
			}

			responseTypes, ok := metadata["response_types_supported"].([]string)
			if !ok || len(responseTypes) == 0 {
				t.Error("response_types_supported is missing or empty")
			}

			codeChallenges, ok := metadata["code_challenge_methods_supported"].([]string)
			if !ok || len(codeChallenges) != 2 {
				t.Error("code_challenge_methods_supported should list plain and S256")
			}

			resourceIndicators, ok := metadata["resource_indicators_supported"].(bool)
			if !ok || !resourceIndicators {
				t.Error("resource_indicators_supported should be true")
			}
		})
	}
}

func TestAuthorizationServerMetadataFollowsPolicy(t *testing.T) {
	p := ProviderConfig{
		Issuer:            "https://auth.example.com",
		GrantTypesAllowed: []string{GrantAuthorizationCode, GrantRefreshToken},
	}.WithDefaults()

	md, err := AuthorizationServerMetadata(&p)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com/token", md["token_endpoint"])
	assert.Equal(t, []string{ResponseTypeCode}, md["response_types_supported"])
	assert.NotContains(t, md["token_endpoint_auth_methods_supported"], "none")

	p.AllowPublicClients = true
	md, err = AuthorizationServerMetadata(&p)
	require.NoError(t, err)
	assert.Contains(t, md["token_endpoint_auth_methods_supported"], "none")
}

func TestOpenIDConfiguration(t *testing.T) {
	p := ProviderConfig{Issuer: "https://auth.example.com"}.WithDefaults()
	md, err := OpenIDConfiguration(&p)
	require.NoError(t, err)
	assert.Equal(t, []string{"public"}, md["subject_types_supported"])
	assert.Equal(t, "https://auth.example.com/authorize", md["authorization_endpoint"])
}

func TestBuildClientMetadata(t *testing.T) {
	created := time.Unix(1700000000, 0)

	t.Run("confidential with fresh secret", func(t *testing.T) {
		c := &Client{ID: "svc", CreatedAt: created, Scope: []string{"read", "write"}, Enabled: true}
		md := BuildClientMetadata(c, "plain")
		assert.Equal(t, "client_secret_basic", md.TokenEndpointAuthMethod)
		assert.Equal(t, "plain", md.ClientSecret)
		require.NotNil(t, md.ClientSecretExpiresAt)
		assert.Zero(t, *md.ClientSecretExpiresAt)
		assert.Equal(t, "read write", md.Scope)
		assert.Equal(t, int64(1700000000), md.ClientIDIssuedAt)
	})

	t.Run("public client", func(t *testing.T) {
		c := &Client{ID: "spa", Public: true, CreatedAt: created}
		md := BuildClientMetadata(c, "")
		assert.Equal(t, "none", md.TokenEndpointAuthMethod)
		assert.Empty(t, md.ClientSecret)
		assert.Nil(t, md.ClientSecretExpiresAt)
	})
}
