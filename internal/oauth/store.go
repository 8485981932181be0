package oauth

import (
	"context"
	"errors"
	"time"
)

// ErrTokenNotFound is returned when a token is absent or expired
var ErrTokenNotFound = errors.New("token not found")

// ErrClientNotFound is returned when a client id is not registered
var ErrClientNotFound = errors.New("client not found")

// ErrClientExists is returned when registering a duplicate client id
var ErrClientExists = errors.New("client already exists")

// TokenStore holds tokens with TTL expiry. Expired entries must read as
// absent without the caller sweeping.
type TokenStore interface {
	Get(ctx context.Context, id string) (*Token, error)
	GetByHash(ctx context.Context, hash string) (*Token, error)
	// Add stores a new token; lifetime bounds how long the store keeps it.
	Add(ctx context.Context, token *Token, lifetime time.Duration) error
	// Put replaces an existing token, keeping its remaining lifetime.
	Put(ctx context.Context, token *Token) error
	// Remove and RemoveByHash return ErrTokenNotFound when nothing was
	// deleted, so concurrent removers can tell who won.
	Remove(ctx context.Context, id string) error
	RemoveByHash(ctx context.Context, hash string) error
	GetUserAndClientTokens(ctx context.Context, username, clientID string) ([]*Token, error)
	GetMatchingTokens(ctx context.Context, username, clientID, grantType string) ([]*Token, error)
	GetAllUserTokens(ctx context.Context, username string) ([]*Token, error)
	GetNumTokens(ctx context.Context, username, clientID string) (int, error)
}

// ClientRegistry stores registered clients
type ClientRegistry interface {
	Get(ctx context.Context, clientID string) (*Client, error)
	Exists(ctx context.Context, clientID string) (bool, error)
	Put(ctx context.Context, client *Client) error
	Update(ctx context.Context, client *Client) error
	Delete(ctx context.Context, clientID string) error
	GetAll(ctx context.Context) ([]*Client, error)
}

// UserRegistry is the delegated user backend
type UserRegistry interface {
	CheckPassword(ctx context.Context, username, password string) (bool, error)
	Claims(ctx context.Context, username string) (map[string]any, error)
	IsAdmin(ctx context.Context, username string) (bool, error)
}

// ConsentStore persists granted consent when storage is not local
type ConsentStore interface {
	AddConsent(ctx context.Context, username string, key ConsentCacheKey, expiresAt time.Time) error
	// ValidateConsent returns the stored entry for the slot of key when it
	// is still valid under key's lifetime
	ValidateConsent(ctx context.Context, username string, key ConsentCacheKey) (ConsentCacheKey, bool, error)
}

// RateLimiter delays the calling goroutine after an authentication failure
type RateLimiter interface {
	Limit(ctx context.Context)
}
