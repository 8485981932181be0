package oauth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ConsentSession is the per-login state the consent step keeps: the cached
// consents and the nonces handed out for pending forms.
type ConsentSession struct {
	ID       string
	cache    *ConsentCache
	nonces   sync.Map
	lastSeen atomic.Int64
}

func (s *ConsentSession) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

// Cache exposes the session's consent cache
func (s *ConsentSession) Cache() *ConsentCache {
	return s.cache
}

// ConsentSessions holds consent sessions and drops the ones left idle
type ConsentSessions struct {
	mu       sync.Mutex
	sessions map[string]*ConsentSession
	idle     time.Duration
	capacity int
}

func NewConsentSessions(idle time.Duration, cacheCapacity int) *ConsentSessions {
	return &ConsentSessions{
		sessions: make(map[string]*ConsentSession),
		idle:     idle,
		capacity: cacheCapacity,
	}
}

// Get returns the session for id, creating it on first use
func (s *ConsentSessions) Get(id string) *ConsentSession {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &ConsentSession{ID: id, cache: NewConsentCache(s.capacity)}
		s.sessions[id] = sess
	}
	sess.touch(now)
	return sess
}

// Remove forgets a session, e.g. on logout
func (s *ConsentSessions) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *ConsentSessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep drops sessions idle for longer than the configured timeout
func (s *ConsentSessions) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.idle).UnixNano()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if sess.lastSeen.Load() < cutoff {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}
