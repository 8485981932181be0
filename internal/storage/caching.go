package storage

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dgellow/oauth-front/internal/oauth"
)

// DefaultClientCacheTTL bounds how long a remote client record is served
// from memory
const DefaultClientCacheTTL = 30 * time.Second

// CachingClientRegistry fronts a remote ClientRegistry with a short-lived
// read cache. Every request authenticates its client, so the remote store
// would otherwise see a lookup per request. Writes go through and
// invalidate the entry.
type CachingClientRegistry struct {
	next oauth.ClientRegistry
	ttl  time.Duration

	mu      sync.RWMutex
	entries map[string]timedEntry[*oauth.Client]
	group   singleflight.Group // Deduplicates concurrent misses for one id
}

func NewCachingClientRegistry(next oauth.ClientRegistry, ttl time.Duration) *CachingClientRegistry {
	if ttl <= 0 {
		ttl = DefaultClientCacheTTL
	}
	return &CachingClientRegistry{
		next:    next,
		ttl:     ttl,
		entries: make(map[string]timedEntry[*oauth.Client]),
	}
}

func (c *CachingClientRegistry) Get(ctx context.Context, clientID string) (*oauth.Client, error) {
	c.mu.RLock()
	entry, ok := c.entries[clientID]
	c.mu.RUnlock()
	if ok && !entry.expired(time.Now()) {
		return entry.value.Clone(), nil
	}

	v, err, _ := c.group.Do(clientID, func() (any, error) {
		client, err := c.next.Get(ctx, clientID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[clientID] = timedEntry[*oauth.Client]{value: client, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth.Client).Clone(), nil
}

func (c *CachingClientRegistry) Exists(ctx context.Context, clientID string) (bool, error) {
	return c.next.Exists(ctx, clientID)
}

func (c *CachingClientRegistry) Put(ctx context.Context, client *oauth.Client) error {
	defer c.invalidate(client.ID)
	return c.next.Put(ctx, client)
}

func (c *CachingClientRegistry) Update(ctx context.Context, client *oauth.Client) error {
	defer c.invalidate(client.ID)
	return c.next.Update(ctx, client)
}

func (c *CachingClientRegistry) Delete(ctx context.Context, clientID string) error {
	defer c.invalidate(clientID)
	return c.next.Delete(ctx, clientID)
}

func (c *CachingClientRegistry) GetAll(ctx context.Context) ([]*oauth.Client, error) {
	return c.next.GetAll(ctx)
}

func (c *CachingClientRegistry) invalidate(clientID string) {
	c.mu.Lock()
	delete(c.entries, clientID)
	c.mu.Unlock()
}

// Sweep drops expired cache entries
func (c *CachingClientRegistry) Sweep(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	count := 0
	for id, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, id)
			count++
		}
	}
	return count, nil
}
