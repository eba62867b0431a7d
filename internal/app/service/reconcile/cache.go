package reconcile

import (
	"sync"
	"time"

	"github.com/faceflex/membership/internal/models"
)

// cacheEntry holds the last observed subscription row for one user.
// rec == nil is a cached negative result ("no subscription"), which is
// distinct from having no entry at all.
type cacheEntry struct {
	rec               *models.Subscription
	fetchedAt         time.Time
	lastProviderCheck time.Time
}

// cache is the engine's in-memory subscription cache. It is owned by the
// composition root (one per process), TTL'd, and explicitly invalidated on
// sign-out. Entries are never shared across processes.
type cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*cacheEntry
}

func newCache(ttl time.Duration) *cache {
	return &cache{ttl: ttl, entries: make(map[string]*cacheEntry)}
}

// get returns the entry and whether it is still within the freshness window.
// A stale entry is returned with fresh=false so callers can reuse its
// lastProviderCheck bookkeeping.
func (c *cache) get(userID string, now time.Time) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, now.Sub(e.fetchedAt) < c.ttl
}

// put stores rec (possibly nil for a negative result), refreshing the
// freshness window but preserving the provider-check clock.
func (c *cache) put(userID string, rec *models.Subscription, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok {
		// a brand-new entry counts as just-checked so a hit does not
		// immediately refire the provider
		e = &cacheEntry{lastProviderCheck: now}
		c.entries[userID] = e
	}
	e.rec = rec
	e.fetchedAt = now
}

// markProviderCheck records that a provider check ran for the user.
func (c *cache) markProviderCheck(userID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok {
		e = &cacheEntry{fetchedAt: now}
		c.entries[userID] = e
	}
	e.lastProviderCheck = now
}

// invalidate drops the user's entry, e.g. on sign-out.
func (c *cache) invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}
