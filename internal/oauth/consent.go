package oauth

import (
	"container/list"
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/oauth-front/internal/crypto"
	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/metrics"
)

// ConsentCacheKey identifies one granted scope. It carries the lifetime it
// was granted under; a provider lifetime change makes the entry stale.
type ConsentCacheKey struct {
	ClientID        string    `json:"client_id"`
	RedirectURI     string    `json:"redirect_uri"`
	Scope           string    `json:"scope"`
	ResourceID      string    `json:"resource_id,omitempty"`
	LifetimeSeconds int64     `json:"lifetime_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

func NewConsentCacheKey(clientID, redirectURI, scope, resourceID string, lifetime time.Duration) ConsentCacheKey {
	return ConsentCacheKey{
		ClientID:        clientID,
		RedirectURI:     redirectURI,
		Scope:           scope,
		ResourceID:      resourceID,
		LifetimeSeconds: int64(lifetime / time.Second),
		CreatedAt:       time.Now(),
	}
}

func (k ConsentCacheKey) ExpiresAt() time.Time {
	return k.CreatedAt.Add(time.Duration(k.LifetimeSeconds) * time.Second)
}

// ValidFor reports whether the entry is unexpired and was granted under the
// given lifetime.
func (k ConsentCacheKey) ValidFor(lifetime time.Duration, now time.Time) bool {
	return k.LifetimeSeconds == int64(lifetime/time.Second) && now.Before(k.ExpiresAt())
}

// Slot is the identity of the key without its lifetime
func (k ConsentCacheKey) Slot() ConsentSlot {
	return ConsentSlot{ClientID: k.ClientID, RedirectURI: k.RedirectURI, Scope: k.Scope, ResourceID: k.ResourceID}
}

// ConsentSlot addresses a consent entry independent of when it was granted
type ConsentSlot struct {
	ClientID    string
	RedirectURI string
	Scope       string
	ResourceID  string
}

// ConsentCache is a bounded insertion-ordered cache. The oldest entry is
// evicted when full.
type ConsentCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[ConsentSlot]*list.Element
}

func NewConsentCache(capacity int) *ConsentCache {
	return &ConsentCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[ConsentSlot]*list.Element),
	}
}

// Resize changes the capacity, evicting the oldest entries if needed
func (c *ConsentCache) Resize(capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = capacity
	c.evictLocked()
}

// Add stores key, replacing any entry in the same slot
func (c *ConsentCache) Add(key ConsentCacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capacity <= 0 {
		return
	}
	slot := key.Slot()
	if el, ok := c.entries[slot]; ok {
		c.order.Remove(el)
	}
	c.entries[slot] = c.order.PushBack(key)
	c.evictLocked()
}

func (c *ConsentCache) Lookup(slot ConsentSlot) (ConsentCacheKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[slot]
	if !ok {
		return ConsentCacheKey{}, false
	}
	return el.Value.(ConsentCacheKey), true
}

func (c *ConsentCache) Remove(slot ConsentSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[slot]; ok {
		c.order.Remove(el)
		delete(c.entries, slot)
	}
}

func (c *ConsentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *ConsentCache) evictLocked() {
	for c.order.Len() > max(c.capacity, 0) {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(ConsentCacheKey).Slot())
	}
}

// ConsentOutcome is what the authorize endpoint should do next
type ConsentOutcome int

const (
	ConsentGranted ConsentOutcome = iota
	ConsentNeedsForm
	ConsentFailed
)

// ConsentDecision is the result of ConsentManager.Evaluate
type ConsentDecision struct {
	Outcome ConsentOutcome
	// Nonce must be echoed back when the consent form is submitted.
	Nonce  string
	Reason string
	Err    *OAuthError
}

// ConsentManager decides whether an authorize request already has the
// user's consent, may skip it, or must ask for it.
type ConsentManager struct {
	provider *ProviderConfig
	store    ConsentStore
	nonces   crypto.NonceSigner
	metrics  metrics.Recorder
}

// NewConsentManager builds a manager. store may be nil; it is only used when
// the provider is not on local storage.
func NewConsentManager(provider *ProviderConfig, store ConsentStore, nonceKey []byte, recorder metrics.Recorder) *ConsentManager {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &ConsentManager{
		provider: provider,
		store:    store,
		nonces:   crypto.NewNonceSigner(nonceKey, provider.ConsentNonceLifetime),
		metrics:  recorder,
	}
}

func (m *ConsentManager) persistent() bool {
	return m.store != nil && !m.provider.LocalStorage
}

func (m *ConsentManager) keysFor(result AuthResult) []ConsentCacheKey {
	resource := strings.Join(result.Attributes.Get(ExtResource), " ")
	scopes := result.Scope()
	keys := make([]ConsentCacheKey, 0, len(scopes))
	for _, scope := range scopes {
		keys = append(keys, NewConsentCacheKey(result.ClientID(), result.RedirectURI(), scope, resource, m.provider.ConsentCacheEntryLifetime))
	}
	return keys
}

// IsCachedAndValid reports whether every requested scope has fresh consent.
// A stale entry found along the way is removed.
func (m *ConsentManager) IsCachedAndValid(ctx context.Context, session *ConsentSession, username string, result AuthResult) (bool, error) {
	session.cache.Resize(m.provider.ConsentCacheSize)
	keys := m.keysFor(result)
	if len(keys) == 0 {
		return false, nil
	}

	now := time.Now()
	for _, key := range keys {
		slot := key.Slot()
		if cached, ok := session.cache.Lookup(slot); ok {
			if cached.ValidFor(m.provider.ConsentCacheEntryLifetime, now) {
				continue
			}
			session.cache.Remove(slot)
		}

		if !m.persistent() {
			return false, nil
		}
		stored, ok, err := m.store.ValidateConsent(ctx, username, key)
		if err != nil {
			return false, serverError("consent", err)
		}
		if !ok {
			return false, nil
		}
		// The stored grant keeps its own creation time so the session copy
		// expires with it.
		session.cache.Add(stored)
	}
	return true, nil
}

// HandleConsent records approval of every reduced scope. A request that
// asked for prompt=consent is not remembered.
func (m *ConsentManager) HandleConsent(ctx context.Context, session *ConsentSession, username string, result AuthResult) error {
	if slices.Contains(strings.Fields(result.Attributes.First(AttrPrompt)), "consent") {
		return nil
	}
	session.cache.Resize(m.provider.ConsentCacheSize)
	for _, key := range m.keysFor(result) {
		session.cache.Add(key)
		if m.persistent() {
			if err := m.store.AddConsent(ctx, username, key, key.ExpiresAt()); err != nil {
				return serverError("consent", err)
			}
		}
	}
	log.LogDebugWithFields("consent", "Consent recorded", map[string]any{
		"user":      username,
		"client_id": result.ClientID(),
		"scope":     strings.Join(result.Scope(), " "),
	})
	return nil
}

// CheckBypass reports whether consent can be skipped entirely, and why
func (m *ConsentManager) CheckBypass(client *Client, result AuthResult) (bool, string) {
	if m.provider.AutoAuthorize && m.provider.AutoAuthorizeClient(client.ID) {
		if m.provider.AutoAuthorizeWithoutParam || result.Attributes.First(m.provider.AutoAuthorizeParam) == "true" {
			return true, "auto_authorize"
		}
	}

	scopes := result.Scope()
	if len(scopes) > 0 && len(client.PreAuthorizedScope) > 0 {
		preauthorized := true
		for _, scope := range scopes {
			if !slices.Contains(client.PreAuthorizedScope, scope) {
				preauthorized = false
				break
			}
		}
		if preauthorized {
			return true, "preauthorized"
		}
	}
	return false, ""
}

// Evaluate runs the consent step of an already validated authorize request.
// A submitted consent form is recognised by its consent_nonce parameter.
func (m *ConsentManager) Evaluate(ctx context.Context, session *ConsentSession, username string, r *http.Request, result AuthResult) ConsentDecision {
	decide := func(d ConsentDecision) ConsentDecision {
		outcome := map[ConsentOutcome]string{ConsentGranted: "granted", ConsentNeedsForm: "prompt", ConsentFailed: "failed"}[d.Outcome]
		m.metrics.RecordConsent(outcome)
		log.LogDebugWithFields("consent", "Consent evaluated", map[string]any{
			"user":      username,
			"client_id": result.ClientID(),
			"outcome":   outcome,
			"reason":    d.Reason,
		})
		return d
	}

	if ok, reason := m.CheckBypass(result.Client, result); ok {
		return decide(ConsentDecision{Outcome: ConsentGranted, Reason: reason})
	}

	if nonce := r.Form.Get("consent_nonce"); nonce != "" {
		if !m.ConsumeNonce(session, nonce) {
			return decide(ConsentDecision{Outcome: ConsentFailed, Reason: "bad_nonce", Err: NewOAuthError(KindAccessDenied, "consent nonce is invalid or was already used")})
		}
		if r.Form.Get("approve") != "true" {
			return decide(ConsentDecision{Outcome: ConsentFailed, Reason: "denied", Err: NewOAuthError(KindAccessDenied, "the user denied the request")})
		}
		if err := m.HandleConsent(ctx, session, username, result); err != nil {
			return decide(ConsentDecision{Outcome: ConsentFailed, Reason: "store", Err: AsOAuthError(err)})
		}
		return decide(ConsentDecision{Outcome: ConsentGranted, Reason: "approved"})
	}

	prompt := strings.Fields(result.Attributes.First(AttrPrompt))
	if !slices.Contains(prompt, "consent") {
		ok, err := m.IsCachedAndValid(ctx, session, username, result)
		if err != nil {
			return decide(ConsentDecision{Outcome: ConsentFailed, Reason: "store", Err: AsOAuthError(err)})
		}
		if ok {
			return decide(ConsentDecision{Outcome: ConsentGranted, Reason: "cached"})
		}
	}

	if slices.Contains(prompt, "none") {
		return decide(ConsentDecision{Outcome: ConsentFailed, Reason: "prompt_none", Err: NewOAuthError(KindConsentRequired, "user consent is required")})
	}

	nonce, err := m.IssueNonce(session)
	if err != nil {
		return decide(ConsentDecision{Outcome: ConsentFailed, Reason: "nonce", Err: serverError("consent", err)})
	}
	return decide(ConsentDecision{Outcome: ConsentNeedsForm, Nonce: nonce, Reason: "prompt"})
}

// IssueNonce mints a nonce bound to session
func (m *ConsentManager) IssueNonce(session *ConsentSession) (string, error) {
	nonce, err := m.nonces.Generate(session.ID)
	if err != nil {
		return "", err
	}
	session.nonces.Store(nonce, time.Now())
	return nonce, nil
}

// ConsumeNonce validates nonce for session and discards it. A nonce is good
// for exactly one call.
func (m *ConsentManager) ConsumeNonce(session *ConsentSession, nonce string) bool {
	if _, ok := session.nonces.LoadAndDelete(nonce); !ok {
		return false
	}
	if err := m.nonces.Verify(nonce, session.ID); err != nil {
		log.LogDebugWithFields("consent", "Rejected consent nonce", map[string]any{
			"session": log.Redact(session.ID),
			"error":   err.Error(),
		})
		return false
	}
	return true
}
