package catalog

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// CacheKey for the full catalog. Write commands invalidate either this key
// or a type-scoped key under KeyPrefixType.
const (
	KeyCatalog    = "catalog"
	KeyPrefixType = "catalog/type/"
)

// TypeKey returns the cache key scoped to one target type.
func TypeKey(targetType string) string { return KeyPrefixType + targetType }

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// Cache is the shared, bounded-staleness lookup cache. Entries expire on a
// per-entry TTL, are evicted LRU under memory pressure, and can be
// invalidated explicitly by key or prefix. Values are swapped whole under
// the LRU's lock, so a racing read sees the old or the new entry, never a
// torn one.
type Cache struct {
	mu         sync.RWMutex
	lru        *expirable.LRU[string, cacheEntry]
	defaultTTL time.Duration
	log        *zap.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewCache builds a cache with the given capacity and default TTL. The
// backstop TTL on the LRU itself is double the default so per-entry expiry
// always fires first.
func NewCache(maxEntries int, defaultTTL time.Duration, log *zap.Logger) *Cache {
	if maxEntries <= 0 {
		maxEntries = 512
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		lru:        expirable.NewLRU[string, cacheEntry](maxEntries, nil, 2*defaultTTL),
		defaultTTL: defaultTTL,
		log:        log.Named("cache"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Get returns the cached value, or ok=false on miss or expiry.
func (c *Cache) Get(key string) (any, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.value, true
}

// SetDefaultTTL applies a reloaded TTL to subsequent Puts. Live entries
// keep the TTL they were stored with.
func (c *Cache) SetDefaultTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.defaultTTL = ttl
	c.mu.Unlock()
}

// Put stores a value with the given TTL; ttl <= 0 uses the default.
func (c *Cache) Put(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		c.mu.RLock()
		ttl = c.defaultTTL
		c.mu.RUnlock()
	}
	c.lru.Add(key, cacheEntry{value: value, expiresAt: time.Now().Add(ttl)})
}

// Invalidate removes the exact key. Write commands call this synchronously
// before returning success.
func (c *Cache) Invalidate(key string) {
	c.lru.Remove(key)
	c.log.Debug("invalidated", zap.String("key", key))
}

// InvalidatePrefix removes every key with the given prefix.
func (c *Cache) InvalidatePrefix(prefix string) int {
	removed := 0
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			if c.lru.Remove(key) {
				removed++
			}
		}
	}
	c.log.Debug("invalidated prefix", zap.String("prefix", prefix), zap.Int("removed", removed))
	return removed
}

// Len returns the number of live entries (including not-yet-swept expired
// ones).
func (c *Cache) Len() int { return c.lru.Len() }

// StartSweeper runs a background sweep that drops expired entries even
// when nothing reads them, bounding staleness under failure to invalidate.
func (c *Cache) StartSweeper(interval time.Duration) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *Cache) sweep() {
	now := time.Now()
	swept := 0
	for _, key := range c.lru.Keys() {
		entry, ok := c.lru.Peek(key)
		if ok && now.After(entry.expiresAt) {
			c.lru.Remove(key)
			swept++
		}
	}
	if swept > 0 {
		c.log.Debug("sweep removed expired entries", zap.Int("count", swept))
	}
}

// StopSweeper stops the background sweep and waits for it to exit.
func (c *Cache) StopSweeper() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
}

// Provider serves catalogs out of the cache, loading through to the source
// on miss. It is the only path the interpreter uses to see the catalog, so
// the model's vocabulary is at most one TTL stale.
type Provider struct {
	cache  *Cache
	source Source
}

// NewProvider wires a cache in front of a catalog source.
func NewProvider(cache *Cache, source Source) *Provider {
	return &Provider{cache: cache, source: source}
}

// Catalog returns the cached catalog, loading it on miss.
func (p *Provider) Catalog(ctx context.Context) (Catalog, error) {
	if v, ok := p.cache.Get(KeyCatalog); ok {
		if cat, ok := v.(Catalog); ok {
			return cat, nil
		}
	}

	cat, err := p.source.LoadCatalog(ctx)
	if err != nil {
		return Catalog{}, err
	}
	p.cache.Put(KeyCatalog, cat, 0)
	return cat, nil
}

// InvalidateType drops the catalog entries affected by a write to the
// given target type. An empty type drops every cached catalog entry.
func (p *Provider) InvalidateType(targetType string) {
	p.cache.Invalidate(KeyCatalog)
	p.cache.InvalidatePrefix(TypeKey(targetType))
}
