package storage

import (
	"context"
	"errors"
	"maps"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dgellow/oauth-front/internal/oauth"
)

// ErrUserNotFound is returned when a user doesn't exist
var ErrUserNotFound = errors.New("user not found")

// ErrUserExists is returned when seeding a username twice
var ErrUserExists = errors.New("user already exists")

// Compile-time checks that every backend satisfies the core contracts
var (
	_ oauth.TokenStore     = (*MemoryTokenStore)(nil)
	_ oauth.TokenStore     = (*RedisTokenStore)(nil)
	_ oauth.ClientRegistry = (*MemoryClientRegistry)(nil)
	_ oauth.ClientRegistry = (*FirestoreClientRegistry)(nil)
	_ oauth.ClientRegistry = (*SQLClientRegistry)(nil)
	_ oauth.ClientRegistry = (*CachingClientRegistry)(nil)
	_ oauth.ConsentStore   = (*MemoryConsentStore)(nil)
	_ oauth.ConsentStore   = (*RedisConsentStore)(nil)
	_ oauth.UserRegistry   = (*MemoryUserRegistry)(nil)
	_ oauth.UserRegistry   = (*SQLUserRegistry)(nil)
)

// User is a local account of the delegated user backend
type User struct {
	Username     string         `json:"username" db:"username"`
	PasswordHash []byte         `json:"-" db:"password_hash"`
	Admin        bool           `json:"admin" db:"admin"`
	Claims       map[string]any `json:"claims,omitempty" db:"-"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// NewUser hashes password and builds a user record
func NewUser(username, password string, admin bool, claims map[string]any) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &User{
		Username:     username,
		PasswordHash: hash,
		Admin:        admin,
		Claims:       maps.Clone(claims),
		CreatedAt:    time.Now(),
	}, nil
}

func (u *User) checkPassword(password string) bool {
	return len(u.PasswordHash) > 0 && bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) == nil
}

// claims returns the user's claims with the subject fields filled in
func (u *User) claims() map[string]any {
	out := maps.Clone(u.Claims)
	if out == nil {
		out = make(map[string]any)
	}
	if _, ok := out["username"]; !ok {
		out["username"] = u.Username
	}
	return out
}

// Sweeper is implemented by backends that need expired entries purged
// periodically. It returns the number of entries removed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}
