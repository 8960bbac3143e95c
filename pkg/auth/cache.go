package auth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TokenCache stores access tokens keyed by (apiHost, clientId)
type TokenCache interface {
	Get(ctx context.Context, key string) (*AccessToken, bool, error)
	Set(ctx context.Context, key string, token *AccessToken, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CacheKey builds the cache key for a host and client id
func CacheKey(apiHost, clientID string) string {
	return apiHost + "|" + clientID
}

type memoryEntry struct {
	token     AccessToken
	expiresAt time.Time
}

// MemoryCache is a process-local TokenCache
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*AccessToken, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !c.now().Before(entry.expiresAt) {
		return nil, false, nil
	}
	token := entry.token
	return &token, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, token *AccessToken, ttl time.Duration) error {
	if token == nil || ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{token: *token, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// CacheOptions tunes a CachingExchanger
type CacheOptions struct {
	// Skew is subtracted from the token expiry; a token inside the skew window is never served
	Skew time.Duration

	// FallbackTTL bounds tokens whose response carried no expires_in
	FallbackTTL time.Duration
}

// DefaultCacheOptions returns conservative cache settings
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		Skew:        30 * time.Second,
		FallbackTTL: 5 * time.Minute,
	}
}

// CachingExchanger serves tokens from a TokenCache and falls back to a real exchange.
// Cache failures never block authentication; they only cost an extra exchange.
type CachingExchanger struct {
	next    Exchanger
	cache   TokenCache
	options CacheOptions
	logger  *zap.Logger
	now     func() time.Time
}

// NewCachingExchanger wraps next with cache
func NewCachingExchanger(next Exchanger, cache TokenCache, options CacheOptions, logger *zap.Logger) *CachingExchanger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.FallbackTTL <= 0 {
		options.FallbackTTL = DefaultCacheOptions().FallbackTTL
	}
	return &CachingExchanger{
		next:    next,
		cache:   cache,
		options: options,
		logger:  logger,
		now:     time.Now,
	}
}

// Exchange returns a cached token when one is still valid, otherwise exchanges and caches
func (c *CachingExchanger) Exchange(ctx context.Context, req ExchangeRequest) (*AccessToken, error) {
	key := CacheKey(req.APIHost, req.Identity.ClientID)

	cached, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Token cache lookup failed", zap.String("clientId", req.Identity.ClientID), zap.Error(err))
	}
	if ok && cached.ValidAt(c.now(), c.options.Skew) {
		cached.Cached = true
		return cached, nil
	}

	token, err := c.next.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}

	if ttl := c.ttl(token); ttl > 0 {
		if err := c.cache.Set(ctx, key, token, ttl); err != nil {
			c.logger.Warn("Token cache store failed", zap.String("clientId", req.Identity.ClientID), zap.Error(err))
		}
	}
	return token, nil
}

// Forget drops the cached token for req so the next Exchange goes to the server
func (c *CachingExchanger) Forget(ctx context.Context, req ExchangeRequest) error {
	return c.cache.Delete(ctx, CacheKey(req.APIHost, req.Identity.ClientID))
}

func (c *CachingExchanger) ttl(token *AccessToken) time.Duration {
	if token.Expiry.IsZero() {
		return c.options.FallbackTTL
	}
	return token.Expiry.Sub(c.now()) - c.options.Skew
}
