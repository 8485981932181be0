package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Credential hash algorithms
const (
	AlgorithmPBKDF2SHA256 = "PBKDF2WithHmacSHA256"
	AlgorithmPBKDF2SHA512 = "PBKDF2WithHmacSHA512"
)

const (
	credentialHashIterations = 2048
	credentialHashKeyLength  = 32
)

// CredentialHasher produces deterministic one-way hashes of app-passwords and
// app-tokens. The salt is fixed per deployment so a presented credential can
// be looked up by its hash.
type CredentialHasher struct {
	algorithm string
	newHash   func() hash.Hash
	salt      []byte
}

// NewCredentialHasher selects the algorithm by name
func NewCredentialHasher(algorithm string, salt []byte) (*CredentialHasher, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("credential hash salt is required")
	}
	var h func() hash.Hash
	switch strings.TrimSpace(algorithm) {
	case "", AlgorithmPBKDF2SHA512:
		algorithm = AlgorithmPBKDF2SHA512
		h = sha512.New
	case AlgorithmPBKDF2SHA256:
		h = sha256.New
	default:
		return nil, fmt.Errorf("unsupported credential hash algorithm %q", algorithm)
	}
	return &CredentialHasher{algorithm: algorithm, newHash: h, salt: salt}, nil
}

// Hash returns the hex-encoded derived key for plaintext
func (c *CredentialHasher) Hash(plaintext string) string {
	key := pbkdf2.Key([]byte(plaintext), c.salt, credentialHashIterations, credentialHashKeyLength, c.newHash)
	return hex.EncodeToString(key)
}

func (c *CredentialHasher) Algorithm() string {
	return c.algorithm
}
