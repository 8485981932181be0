package crypto

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNonceMalformed = errors.New("malformed nonce")
	ErrNonceSignature = errors.New("nonce signature mismatch")
	ErrNonceExpired   = errors.New("nonce expired")
)

// NonceSigner mints HMAC nonces bound to a value such as a login session
// id, in the form random.issuedAt.signature. It does not track use; callers
// that need single use keep their own record.
type NonceSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewNonceSigner(key []byte, ttl time.Duration) NonceSigner {
	return NonceSigner{key: key, ttl: ttl, now: time.Now}
}

func (n NonceSigner) payload(random, issuedAt, binding string) string {
	return random + "." + issuedAt + "|" + binding
}

// Generate mints a nonce bound to binding
func (n NonceSigner) Generate(binding string) (string, error) {
	random, err := GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	issuedAt := strconv.FormatInt(n.now().Unix(), 36)
	return random + "." + issuedAt + "." + SignData(n.payload(random, issuedAt, binding), n.key), nil
}

// Verify checks that token was minted by this signer for binding and is
// younger than the ttl
func (n NonceSigner) Verify(token, binding string) error {
	random, rest, ok := strings.Cut(token, ".")
	if !ok {
		return ErrNonceMalformed
	}
	issuedAt, signature, ok := strings.Cut(rest, ".")
	if !ok || random == "" || signature == "" {
		return ErrNonceMalformed
	}
	secs, err := strconv.ParseInt(issuedAt, 36, 64)
	if err != nil {
		return ErrNonceMalformed
	}
	if !ValidateSignedData(n.payload(random, issuedAt, binding), signature, n.key) {
		return ErrNonceSignature
	}
	if n.now().Sub(time.Unix(secs, 0)) > n.ttl {
		return ErrNonceExpired
	}
	return nil
}
