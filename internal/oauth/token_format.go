package oauth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dgellow/oauth-front/internal/crypto"
)

// AccessTokenFormat turns a prepared access token into its wire value. The
// wire value is also the store id.
type AccessTokenFormat interface {
	Mint(tok *Token) (string, error)
}

// OpaqueTokenFormat produces random alphanumeric tokens
type OpaqueTokenFormat struct {
	Length int
}

func (f OpaqueTokenFormat) Mint(*Token) (string, error) {
	return crypto.GenerateRandomString(f.Length)
}

// JWTTokenFormat produces HS256-signed JWTs. They are still stored, so
// revocation and introspection behave the same as for opaque tokens.
type JWTTokenFormat struct {
	Issuer     string
	SigningKey []byte
	IDLength   int
}

// AccessClaims are the claims carried by a JWT access token
type AccessClaims struct {
	jwt.RegisteredClaims
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope,omitempty"`
	GrantType string `json:"grant_type"`
}

func (f JWTTokenFormat) Mint(tok *Token) (string, error) {
	jti, err := crypto.GenerateRandomString(f.IDLength)
	if err != nil {
		return "", err
	}
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    f.Issuer,
			Subject:   tok.Username,
			IssuedAt:  jwt.NewNumericDate(tok.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt()),
		},
		ClientID:  tok.ClientID,
		Scope:     strings.Join(tok.Scope, " "),
		GrantType: tok.GrantType,
	}
	if resources := tok.Extensions[ExtResource]; len(resources) > 0 {
		claims.Audience = jwt.ClaimStrings(resources)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(f.SigningKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// Parse verifies a JWT minted by this format
func (f JWTTokenFormat) Parse(value string) (*AccessClaims, error) {
	var claims AccessClaims
	_, err := jwt.ParseWithClaims(value, &claims, func(t *jwt.Token) (any, error) {
		return f.SigningKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(f.Issuer))
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

// NewAccessTokenFormat picks the format configured on the provider
func NewAccessTokenFormat(p *ProviderConfig) AccessTokenFormat {
	if p.AccessTokenFormat == TokenFormatJWT {
		return JWTTokenFormat{Issuer: p.Issuer, SigningKey: p.JWTSigningKey, IDLength: p.AccessTokenLength}
	}
	return OpaqueTokenFormat{Length: p.AccessTokenLength}
}
