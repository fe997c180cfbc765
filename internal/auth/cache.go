package auth

import (
	"crypto/sha256"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheSize = 4096
	// staleFactor bounds how long past its TTL an entry may still be served
	// while a refresh is pending, as a multiple of the TTL.
	staleFactor = 4
)

// AuthCache remembers authenticated principals, keyed by a digest of the API
// key so raw keys are not retained. A fresh entry is a plain hit. Between
// expiry and expiry plus the stale bound the entry is still served and one
// caller is asked to refresh it. Past the bound it is a miss, so a revoked
// key or a narrowed allow list takes effect even while refreshes fail.
type AuthCache struct {
	entries  *lru.Cache[[sha256.Size]byte, *cacheEntry]
	ttl      time.Duration
	maxStale time.Duration
	now      func() time.Time
}

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool
}

// AuthCacheGetResult holds the result of a cache lookup.
type AuthCacheGetResult struct {
	Principal    *Principal
	Hit          bool
	NeedsRefresh bool
}

func NewAuthCache(ttl time.Duration) *AuthCache {
	return newAuthCache(ttl, defaultCacheSize)
}

func newAuthCache(ttl time.Duration, size int) *AuthCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	entries, _ := lru.New[[sha256.Size]byte, *cacheEntry](size)
	return &AuthCache{entries: entries, ttl: ttl, maxStale: staleFactor * ttl, now: time.Now}
}

func cacheKey(apiKey string) [sha256.Size]byte {
	return sha256.Sum256([]byte(apiKey))
}

// Get never blocks on the store. Exactly one stale reader sees NeedsRefresh
// until the entry is replaced or RefreshFailed is called.
func (c *AuthCache) Get(apiKey string) AuthCacheGetResult {
	entry, ok := c.entries.Get(cacheKey(apiKey))
	if !ok {
		return AuthCacheGetResult{}
	}
	now := c.now()
	switch {
	case now.Before(entry.expiresAt):
		return AuthCacheGetResult{Principal: entry.principal, Hit: true}
	case now.Before(entry.expiresAt.Add(c.maxStale)):
		return AuthCacheGetResult{
			Principal:    entry.principal,
			Hit:          true,
			NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
		}
	}
	return AuthCacheGetResult{}
}

// Set stores a principal with a fresh TTL.
func (c *AuthCache) Set(apiKey string, principal *Principal) {
	c.entries.Add(cacheKey(apiKey), &cacheEntry{
		principal: principal,
		expiresAt: c.now().Add(c.ttl),
	})
}

// RefreshFailed lets the next stale reader try again.
func (c *AuthCache) RefreshFailed(apiKey string) {
	if entry, ok := c.entries.Peek(cacheKey(apiKey)); ok {
		entry.refreshing.Store(false)
	}
}

func (c *AuthCache) Delete(apiKey string) {
	c.entries.Remove(cacheKey(apiKey))
}
