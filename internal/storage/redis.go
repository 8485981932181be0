package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/oauth"
)

// Default timeouts for Redis operations
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
	DefaultKeyPrefix    = "oauth-front:"
)

// RedisConfig holds the connection settings shared by the Redis stores
type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	log.LogInfoWithFields("storage", "Connected to redis", map[string]any{
		"addr": cfg.Addr,
		"db":   cfg.DB,
	})
	return client, nil
}

// RedisTokenStore keeps tokens as JSON strings whose TTL is the token's
// lifetime. A per-user set indexes the keys for the listing queries; members
// whose token already expired are pruned when encountered.
type RedisTokenStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisTokenStore creates a token store over an existing client
func NewRedisTokenStore(client redis.UniversalClient, keyPrefix string) *RedisTokenStore {
	return &RedisTokenStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisTokenStore) tokenKey(key string) string {
	return s.keyPrefix + "token:" + key
}

func (s *RedisTokenStore) userKey(username string) string {
	return s.keyPrefix + "user:" + username
}

func (s *RedisTokenStore) Get(ctx context.Context, id string) (*oauth.Token, error) {
	return s.lookup(ctx, id)
}

func (s *RedisTokenStore) GetByHash(ctx context.Context, hash string) (*oauth.Token, error) {
	return s.lookup(ctx, hash)
}

func (s *RedisTokenStore) lookup(ctx context.Context, key string) (*oauth.Token, error) {
	if key == "" {
		return nil, oauth.ErrTokenNotFound
	}
	data, err := s.client.Get(ctx, s.tokenKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, oauth.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return decodeToken(data)
}

func decodeToken(data []byte) (*oauth.Token, error) {
	var tok oauth.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	if tok.Expired() {
		return nil, oauth.ErrTokenNotFound
	}
	return &tok, nil
}

func (s *RedisTokenStore) Add(ctx context.Context, token *oauth.Token, lifetime time.Duration) error {
	if lifetime <= 0 {
		return fmt.Errorf("token lifetime must be positive, got %s", lifetime)
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	key := token.Key()
	if err := s.client.Set(ctx, s.tokenKey(key), data, lifetime).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	if token.Username == "" {
		return nil
	}

	userKey := s.userKey(token.Username)
	if err := s.client.SAdd(ctx, userKey, key).Err(); err != nil {
		// Compensate so the token is not left unindexed
		_ = s.client.Del(ctx, s.tokenKey(key)).Err()
		return fmt.Errorf("failed to index token: %w", err)
	}

	// The index lives as long as its longest-lived member
	ttl, err := s.client.TTL(ctx, userKey).Result()
	if err != nil {
		return fmt.Errorf("failed to read index ttl: %w", err)
	}
	if ttl < lifetime {
		if err := s.client.Expire(ctx, userKey, lifetime).Err(); err != nil {
			return fmt.Errorf("failed to extend index ttl: %w", err)
		}
	}
	return nil
}

// Put overwrites the stored JSON and keeps the key's TTL
func (s *RedisTokenStore) Put(ctx context.Context, token *oauth.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	err = s.client.SetArgs(ctx, s.tokenKey(token.Key()), data, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if errors.Is(err, redis.Nil) {
		return oauth.ErrTokenNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) Remove(ctx context.Context, id string) error {
	return s.remove(ctx, id)
}

func (s *RedisTokenStore) RemoveByHash(ctx context.Context, hash string) error {
	return s.remove(ctx, hash)
}

func (s *RedisTokenStore) remove(ctx context.Context, key string) error {
	data, err := s.client.Get(ctx, s.tokenKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return oauth.ErrTokenNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}

	var tok oauth.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return fmt.Errorf("failed to unmarshal token: %w", err)
	}

	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.tokenKey(key))
	if tok.Username != "" {
		pipe.SRem(ctx, s.userKey(tok.Username), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	// Another caller deleted it between the read and the transaction.
	if del.Val() == 0 {
		return oauth.ErrTokenNotFound
	}
	return nil
}

// userTokens loads the user's live tokens accepted by keep
func (s *RedisTokenStore) userTokens(ctx context.Context, username string, keep func(*oauth.Token) bool) ([]*oauth.Token, error) {
	userKey := s.userKey(username)
	members, err := s.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user tokens: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.tokenKey(m)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load user tokens: %w", err)
	}

	var (
		out   []*oauth.Token
		stale []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		tok, err := decodeToken([]byte(raw))
		if errors.Is(err, oauth.ErrTokenNotFound) {
			stale = append(stale, members[i])
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep(tok) {
			out = append(out, tok)
		}
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, userKey, stale...).Err(); err != nil {
			log.LogWarnWithFields("storage", "Failed to prune token index", map[string]any{
				"user":  username,
				"error": err.Error(),
			})
		}
	}
	return out, nil
}

func (s *RedisTokenStore) GetUserAndClientTokens(ctx context.Context, username, clientID string) ([]*oauth.Token, error) {
	return s.userTokens(ctx, username, func(t *oauth.Token) bool {
		return t.ClientID == clientID
	})
}

func (s *RedisTokenStore) GetMatchingTokens(ctx context.Context, username, clientID, grantType string) ([]*oauth.Token, error) {
	return s.userTokens(ctx, username, func(t *oauth.Token) bool {
		return t.ClientID == clientID && t.GrantType == grantType
	})
}

func (s *RedisTokenStore) GetAllUserTokens(ctx context.Context, username string) ([]*oauth.Token, error) {
	return s.userTokens(ctx, username, func(*oauth.Token) bool { return true })
}

func (s *RedisTokenStore) GetNumTokens(ctx context.Context, username, clientID string) (int, error) {
	toks, err := s.GetUserAndClientTokens(ctx, username, clientID)
	return len(toks), err
}

// RedisConsentStore persists consent so it is shared between instances and
// survives the user's session
type RedisConsentStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisConsentStore(client redis.UniversalClient, keyPrefix string) *RedisConsentStore {
	return &RedisConsentStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisConsentStore) consentKey(username string, slot oauth.ConsentSlot) string {
	parts := []string{username, slot.ClientID, slot.RedirectURI, slot.Scope, slot.ResourceID}
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.keyPrefix + "consent:" + strings.Join(parts, ":")
}

func (s *RedisConsentStore) AddConsent(ctx context.Context, username string, key oauth.ConsentCacheKey, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to marshal consent: %w", err)
	}
	if err := s.client.Set(ctx, s.consentKey(username, key.Slot()), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store consent: %w", err)
	}
	return nil
}

// ValidateConsent returns the entry in the slot of key if it was granted
// under the same lifetime and has not expired yet. A stale entry is removed.
func (s *RedisConsentStore) ValidateConsent(ctx context.Context, username string, key oauth.ConsentCacheKey) (oauth.ConsentCacheKey, bool, error) {
	var none oauth.ConsentCacheKey
	redisKey := s.consentKey(username, key.Slot())
	data, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return none, false, nil
	}
	if err != nil {
		return none, false, fmt.Errorf("failed to get consent: %w", err)
	}

	var stored oauth.ConsentCacheKey
	if err := json.Unmarshal(data, &stored); err != nil {
		return none, false, fmt.Errorf("failed to unmarshal consent: %w", err)
	}
	if stored.ValidFor(time.Duration(key.LifetimeSeconds)*time.Second, time.Now()) {
		return stored, true, nil
	}

	if err := s.client.Del(ctx, redisKey).Err(); err != nil {
		return none, false, fmt.Errorf("failed to remove stale consent: %w", err)
	}
	return none, false, nil
}
