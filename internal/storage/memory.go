package storage

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dgellow/oauth-front/internal/oauth"
)

// timedEntry wraps a stored value with its expiry
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e timedEntry[T]) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// MemoryTokenStore keeps tokens in process memory. Entries are dropped lazily
// on read and in bulk by Sweep.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]timedEntry[*oauth.Token] // key: Token.Key()
	byUser map[string]map[string]struct{}      // username -> keys
}

// NewMemoryTokenStore creates an empty token store
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		tokens: make(map[string]timedEntry[*oauth.Token]),
		byUser: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryTokenStore) Get(_ context.Context, id string) (*oauth.Token, error) {
	return s.lookup(id)
}

func (s *MemoryTokenStore) GetByHash(_ context.Context, hash string) (*oauth.Token, error) {
	return s.lookup(hash)
}

func (s *MemoryTokenStore) lookup(key string) (*oauth.Token, error) {
	if key == "" {
		return nil, oauth.ErrTokenNotFound
	}
	s.mu.RLock()
	entry, ok := s.tokens[key]
	s.mu.RUnlock()
	if !ok || !liveToken(entry, time.Now()) {
		return nil, oauth.ErrTokenNotFound
	}
	return entry.value.Clone(), nil
}

func (s *MemoryTokenStore) Add(_ context.Context, token *oauth.Token, lifetime time.Duration) error {
	key := token.Key()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[key] = timedEntry[*oauth.Token]{
		value:     token.Clone(),
		expiresAt: time.Now().Add(lifetime),
	}
	if token.Username != "" {
		keys, ok := s.byUser[token.Username]
		if !ok {
			keys = make(map[string]struct{})
			s.byUser[token.Username] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

func (s *MemoryTokenStore) Put(_ context.Context, token *oauth.Token) error {
	key := token.Key()
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[key]
	if !ok || entry.expired(time.Now()) {
		return oauth.ErrTokenNotFound
	}
	entry.value = token.Clone()
	s.tokens[key] = entry
	return nil
}

func (s *MemoryTokenStore) Remove(_ context.Context, id string) error {
	return s.remove(id)
}

func (s *MemoryTokenStore) RemoveByHash(_ context.Context, hash string) error {
	return s.remove(hash)
}

func (s *MemoryTokenStore) remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeLocked(key) {
		return oauth.ErrTokenNotFound
	}
	return nil
}

func (s *MemoryTokenStore) removeLocked(key string) bool {
	entry, ok := s.tokens[key]
	if !ok {
		return false
	}
	delete(s.tokens, key)
	if keys, ok := s.byUser[entry.value.Username]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.byUser, entry.value.Username)
		}
	}
	return true
}

// liveToken reports whether neither the store entry nor the token itself
// has expired
func liveToken(entry timedEntry[*oauth.Token], now time.Time) bool {
	return !entry.expired(now) && !entry.value.ExpiredAt(now)
}

// userTokens returns clones of the user's live tokens accepted by keep
func (s *MemoryTokenStore) userTokens(username string, keep func(*oauth.Token) bool) []*oauth.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []*oauth.Token
	for key := range s.byUser[username] {
		entry, ok := s.tokens[key]
		if !ok || !liveToken(entry, now) || !keep(entry.value) {
			continue
		}
		out = append(out, entry.value.Clone())
	}
	return out
}

func (s *MemoryTokenStore) GetUserAndClientTokens(_ context.Context, username, clientID string) ([]*oauth.Token, error) {
	return s.userTokens(username, func(t *oauth.Token) bool {
		return t.ClientID == clientID
	}), nil
}

func (s *MemoryTokenStore) GetMatchingTokens(_ context.Context, username, clientID, grantType string) ([]*oauth.Token, error) {
	return s.userTokens(username, func(t *oauth.Token) bool {
		return t.ClientID == clientID && t.GrantType == grantType
	}), nil
}

func (s *MemoryTokenStore) GetAllUserTokens(_ context.Context, username string) ([]*oauth.Token, error) {
	return s.userTokens(username, func(*oauth.Token) bool { return true }), nil
}

func (s *MemoryTokenStore) GetNumTokens(ctx context.Context, username, clientID string) (int, error) {
	toks, err := s.GetUserAndClientTokens(ctx, username, clientID)
	return len(toks), err
}

// Sweep removes every expired token
func (s *MemoryTokenStore) Sweep(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for key, entry := range s.tokens {
		if !liveToken(entry, now) {
			s.removeLocked(key)
			count++
		}
	}
	return count, nil
}

// MemoryClientRegistry keeps client records in process memory
type MemoryClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*oauth.Client
}

// NewMemoryClientRegistry creates a registry seeded with clients
func NewMemoryClientRegistry(clients ...*oauth.Client) *MemoryClientRegistry {
	r := &MemoryClientRegistry{clients: make(map[string]*oauth.Client, len(clients))}
	for _, c := range clients {
		r.clients[c.ID] = c.Clone()
	}
	return r
}

func (r *MemoryClientRegistry) Get(_ context.Context, clientID string) (*oauth.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientID]
	if !ok {
		return nil, oauth.ErrClientNotFound
	}
	return c.Clone(), nil
}

func (r *MemoryClientRegistry) Exists(_ context.Context, clientID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[clientID]
	return ok, nil
}

func (r *MemoryClientRegistry) Put(_ context.Context, client *oauth.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[client.ID]; ok {
		return oauth.ErrClientExists
	}
	r.clients[client.ID] = client.Clone()
	return nil
}

func (r *MemoryClientRegistry) Update(_ context.Context, client *oauth.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[client.ID]; !ok {
		return oauth.ErrClientNotFound
	}
	r.clients[client.ID] = client.Clone()
	return nil
}

func (r *MemoryClientRegistry) Delete(_ context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; !ok {
		return oauth.ErrClientNotFound
	}
	delete(r.clients, clientID)
	return nil
}

func (r *MemoryClientRegistry) GetAll(context.Context) ([]*oauth.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*oauth.Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.Clone())
	}
	return out, nil
}

// consentKey addresses one user's consent slot
type consentKey struct {
	username string
	slot     oauth.ConsentSlot
}

// MemoryConsentStore persists consent in process memory. It only makes sense
// for tests and single-instance deployments that still want consent to
// outlive the user's session.
type MemoryConsentStore struct {
	mu      sync.Mutex
	entries map[consentKey]oauth.ConsentCacheKey
}

func NewMemoryConsentStore() *MemoryConsentStore {
	return &MemoryConsentStore{entries: make(map[consentKey]oauth.ConsentCacheKey)}
}

func (s *MemoryConsentStore) AddConsent(_ context.Context, username string, key oauth.ConsentCacheKey, expiresAt time.Time) error {
	if !time.Now().Before(expiresAt) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[consentKey{username: username, slot: key.Slot()}] = key
	return nil
}

// ValidateConsent returns the entry in the slot of key if it was granted
// under the same lifetime and has not expired yet. A stale entry is removed.
func (s *MemoryConsentStore) ValidateConsent(_ context.Context, username string, key oauth.ConsentCacheKey) (oauth.ConsentCacheKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ck := consentKey{username: username, slot: key.Slot()}
	stored, ok := s.entries[ck]
	if !ok {
		return oauth.ConsentCacheKey{}, false, nil
	}
	if !stored.ValidFor(time.Duration(key.LifetimeSeconds)*time.Second, time.Now()) {
		delete(s.entries, ck)
		return oauth.ConsentCacheKey{}, false, nil
	}
	return stored, true, nil
}

// Sweep removes expired consent entries
func (s *MemoryConsentStore) Sweep(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for ck, stored := range s.entries {
		if !now.Before(stored.ExpiresAt()) {
			delete(s.entries, ck)
			count++
		}
	}
	return count, nil
}

// MemoryUserRegistry is a static user backend loaded from configuration
type MemoryUserRegistry struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewMemoryUserRegistry() *MemoryUserRegistry {
	return &MemoryUserRegistry{users: make(map[string]*User)}
}

// AddUser registers a user with a plaintext password
func (r *MemoryUserRegistry) AddUser(username, password string, admin bool, claims map[string]any) error {
	u, err := NewUser(username, password, admin, claims)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[username]; ok {
		return ErrUserExists
	}
	r.users[username] = u
	return nil
}

func (r *MemoryUserRegistry) user(username string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[username]
	return u, ok
}

// CheckPassword returns false for unknown users
func (r *MemoryUserRegistry) CheckPassword(_ context.Context, username, password string) (bool, error) {
	u, ok := r.user(username)
	if !ok {
		return false, nil
	}
	return u.checkPassword(password), nil
}

func (r *MemoryUserRegistry) Claims(_ context.Context, username string) (map[string]any, error) {
	u, ok := r.user(username)
	if !ok {
		return nil, nil
	}
	return u.claims(), nil
}

func (r *MemoryUserRegistry) IsAdmin(_ context.Context, username string) (bool, error) {
	u, ok := r.user(username)
	return ok && u.Admin, nil
}

// Usernames lists the registered users in order
func (r *MemoryUserRegistry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.users))
}
